package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs, sessions and exports.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            reference_path TEXT,
            target_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS alignment_sessions (
            id TEXT PRIMARY KEY,
            reference_path TEXT,
            target_path TEXT,
            status TEXT NOT NULL,
            auto_dx REAL DEFAULT 0,
            auto_dy REAL DEFAULT 0,
            manual_dx REAL DEFAULT 0,
            manual_dy REAL DEFAULT 0,
            confidence REAL DEFAULT 0,
            ambiguous BOOLEAN DEFAULT FALSE,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS exports (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL,
            output_dir TEXT NOT NULL,
            frames INTEGER,
            dx REAL,
            dy REAL,
            clamp_warnings INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_exports_session ON exports(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID            string
	JobType       string
	Status        string
	ReferencePath string
	TargetPath    string
	OutputPath    string
	OptionsJSON   string
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// SessionRecord is the persisted view of an alignment session.
type SessionRecord struct {
	ID            string
	ReferencePath string
	TargetPath    string
	Status        string
	AutoDX        float64
	AutoDY        float64
	ManualDX      float64
	ManualDY      float64
	Confidence    float64
	Ambiguous     bool
	Error         string
	UpdatedAt     time.Time
}

// ExportRecord describes one written stack.
type ExportRecord struct {
	SessionID     string
	OutputDir     string
	Frames        int
	DX            float64
	DY            float64
	ClampWarnings int
	CreatedAt     time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, reference_path, target_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.ReferencePath, rec.TargetPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, reference_path, target_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var ref, tgt, out, opts, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &ref, &tgt, &out, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.ReferencePath, rec.TargetPath, rec.OutputPath = ref.String, tgt.String, out.String
		rec.OptionsJSON, rec.Error = opts.String, errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// UpsertSession writes the latest state of a session.
func (s *Store) UpsertSession(rec SessionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO alignment_sessions (id, reference_path, target_path, status, auto_dx, auto_dy, manual_dx, manual_dy, confidence, ambiguous, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            reference_path=excluded.reference_path,
            target_path=excluded.target_path,
            status=excluded.status,
            auto_dx=excluded.auto_dx,
            auto_dy=excluded.auto_dy,
            manual_dx=excluded.manual_dx,
            manual_dy=excluded.manual_dy,
            confidence=excluded.confidence,
            ambiguous=excluded.ambiguous,
            error_message=excluded.error_message,
            updated_at=CURRENT_TIMESTAMP;`,
		rec.ID, rec.ReferencePath, rec.TargetPath, rec.Status, rec.AutoDX, rec.AutoDY, rec.ManualDX, rec.ManualDY, rec.Confidence, rec.Ambiguous, rec.Error)
	return err
}

// Session loads one session record.
func (s *Store) Session(id string) (SessionRecord, error) {
	if s == nil {
		return SessionRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, reference_path, target_path, status, auto_dx, auto_dy, manual_dx, manual_dy, confidence, ambiguous, error_message, updated_at FROM alignment_sessions WHERE id=?;`, id)
	return scanSession(row)
}

// RecentSessions lists sessions by last update.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, reference_path, target_path, status, auto_dx, auto_dy, manual_dx, manual_dy, confidence, ambiguous, error_message, updated_at FROM alignment_sessions ORDER BY updated_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (SessionRecord, error) {
	var rec SessionRecord
	var ref, tgt, errorMsg sql.NullString
	if err := sc.Scan(&rec.ID, &ref, &tgt, &rec.Status, &rec.AutoDX, &rec.AutoDY, &rec.ManualDX, &rec.ManualDY, &rec.Confidence, &rec.Ambiguous, &errorMsg, &rec.UpdatedAt); err != nil {
		return SessionRecord{}, err
	}
	rec.ReferencePath, rec.TargetPath, rec.Error = ref.String, tgt.String, errorMsg.String
	return rec, nil
}

// RecordExport appends an export entry.
func (s *Store) RecordExport(rec ExportRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO exports (session_id, output_dir, frames, dx, dy, clamp_warnings) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.SessionID, rec.OutputDir, rec.Frames, rec.DX, rec.DY, rec.ClampWarnings)
	return err
}

// Exports lists the exports of one session, oldest first.
func (s *Store) Exports(sessionID string) ([]ExportRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT session_id, output_dir, frames, dx, dy, clamp_warnings, created_at FROM exports WHERE session_id=? ORDER BY id;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ExportRecord
	for rows.Next() {
		var rec ExportRecord
		if err := rows.Scan(&rec.SessionID, &rec.OutputDir, &rec.Frames, &rec.DX, &rec.DY, &rec.ClampWarnings, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
