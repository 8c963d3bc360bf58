package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"chromalign/internal/fsutil"
	"chromalign/internal/pipeline"
	"chromalign/internal/register"
	"chromalign/internal/session"
	"chromalign/internal/shift"
	"chromalign/internal/stack"
	"chromalign/internal/storage"
	"chromalign/internal/watch"
)

// watchDebounce groups the writes of one stack rewrite into one restart.
const watchDebounce = 500 * time.Millisecond

type entry struct {
	sess       *session.Session
	hub        *hub
	watcher    *watch.Watcher
	reference  string
	target     string
	manualOnly bool
}

func (e *entry) close() {
	e.sess.Close()
	if e.watcher != nil {
		e.watcher.Stop()
	}
}

type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry) put(e *entry) {
	r.mu.Lock()
	r.entries[e.sess.ID()] = e
	r.mu.Unlock()
}

func (r *registry) remove(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	return e, ok
}

func (r *registry) closeAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.close()
	}
}

func (s *Server) setupSessionRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	r.HandleFunc("/sessions/{id}/nudge", s.handleNudge).Methods("POST")
	r.HandleFunc("/sessions/{id}/settle", s.handleSettle).Methods("POST")
	r.HandleFunc("/sessions/{id}/retry", s.handleRetry).Methods("POST")
	r.HandleFunc("/sessions/{id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/sessions/{id}/preview.png", s.handlePreview).Methods("GET")
	r.HandleFunc("/sessions/{id}/export", s.handleExport).Methods("POST")
	r.HandleFunc("/sessions/{id}/ws", s.handleSessionSocket).Methods("GET")
}

type createRequest struct {
	Reference  string `json:"reference"`
	Target     string `json:"target"`
	ManualOnly bool   `json:"manual_only"`
	Projection string `json:"projection,omitempty"`
	FrameIndex *int   `json:"frame_index,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Reference == "" || req.Target == "" {
		http.Error(w, "reference and target are required", http.StatusBadRequest)
		return
	}

	opts := s.sessOpts
	if req.Projection != "" {
		mode, err := stack.ParseProjectionMode(req.Projection)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Projection = mode
	}
	if req.FrameIndex != nil {
		opts.FrameIndex = *req.FrameIndex
	}

	ref, target, err := s.loadPair(req.Reference, req.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sess := session.New(opts, s.log)
	e := &entry{sess: sess, reference: req.Reference, target: req.Target, manualOnly: req.ManualOnly}
	e.hub = newHub(sess, s.log, func(ev session.Event) { s.persist(e, ev.State) })
	go e.hub.run()

	if req.ManualOnly {
		err = sess.Load(ref, target)
	} else {
		err = sess.Start(ref, target)
	}
	if err != nil {
		sess.Close()
		s.writeError(w, err)
		return
	}

	if s.cfg.Server.WatchInputs {
		if err := s.watchInputs(e); err != nil {
			s.log.Warn("failed to watch session inputs", "session", sess.ID(), "error", err)
		}
	}
	s.sessions.put(e)
	s.log.Info("session created", "session", sess.ID(), "reference", req.Reference, "target", req.Target, "manual_only", req.ManualOnly)
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

func (s *Server) loadPair(reference, target string) (*stack.Stack, *stack.Stack, error) {
	ref, err := s.load(reference)
	if err != nil {
		return nil, nil, fmt.Errorf("load reference: %w", err)
	}
	tgt, err := s.load(target)
	if err != nil {
		return nil, nil, fmt.Errorf("load target: %w", err)
	}
	return ref, tgt, nil
}

// watchInputs restarts registration whenever either input is rewritten.
// Start supersedes a registration that is still running.
func (s *Server) watchInputs(e *entry) error {
	w, err := watch.New([]string{e.reference, e.target}, watchDebounce, s.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	e.watcher = w
	go func() {
		for change := range w.Changes {
			ref, target, err := s.loadPair(e.reference, e.target)
			if err != nil {
				s.log.Warn("reload after input change failed", "session", e.sess.ID(), "paths", change.Paths, "error", err)
				continue
			}
			if e.manualOnly {
				err = e.sess.Load(ref, target)
			} else {
				err = e.sess.Start(ref, target)
			}
			if errors.Is(err, session.ErrClosed) {
				w.Stop()
				return
			}
			if err != nil {
				s.log.Warn("restart after input change failed", "session", e.sess.ID(), "error", err)
				continue
			}
			s.log.Info("inputs changed, registration restarted", "session", e.sess.ID(), "paths", change.Paths)
		}
	}()
	return nil
}

func (s *Server) persist(e *entry, st session.State) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertSession(pipeline.SessionRecord(st, e.reference, e.target)); err != nil {
		s.log.Warn("failed to persist session", "session", st.ID, "error", err)
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*entry, bool) {
	id := mux.Vars(r)["id"]
	e, ok := s.sessions.get(id)
	if !ok {
		http.Error(w, "session not found: "+id, http.StatusNotFound)
	}
	return e, ok
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentSessions(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	e, ok := s.sessions.remove(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	e.close()
	w.WriteHeader(http.StatusNoContent)
}

type nudgeRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req nudgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := e.sess.Nudge(req.DX, req.DY); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.sess.Snapshot())
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	e.sess.Settle()
	writeJSON(w, http.StatusOK, e.sess.Snapshot())
}

type retryRequest struct {
	Projection string `json:"projection"`
	FrameIndex int    `json:"frame_index"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := stack.ParseProjectionMode(req.Projection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := e.sess.Retry(mode, req.FrameIndex); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e.sess.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	e.sess.Cancel()
	writeJSON(w, http.StatusOK, e.sess.Snapshot())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var img image.Image
	var err error
	if r.URL.Query().Get("overlay") != "" {
		img, err = e.sess.PreviewOverlay(ctx)
	} else {
		img, err = e.sess.PreviewFrame(ctx)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.log.Warn("preview encode failed", "session", e.sess.ID(), "error", err)
	}
}

type exportRequest struct {
	Output string `json:"output"`
}

type exportResponse struct {
	Session  string                    `json:"session"`
	Shift    stack.ShiftVector         `json:"shift"`
	Files    []string                  `json:"files"`
	Warnings []shift.RangeClampWarning `json:"warnings,omitempty"`
	State    session.State             `json:"state"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req exportRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	out := req.Output
	if out == "" {
		out = s.cfg.Paths.DefaultOutput
	}

	res, err := e.sess.Export(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if e.watcher != nil {
		e.watcher.Stop()
	}
	files, err := s.exporter.Export(r.Context(), res.Stack, out)
	if err != nil {
		http.Error(w, "export: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if s.store != nil {
		_ = s.store.RecordExport(storage.ExportRecord{
			SessionID:     e.sess.ID(),
			OutputDir:     out,
			Frames:        len(files),
			DX:            res.Shift.DX,
			DY:            res.Shift.DY,
			ClampWarnings: len(res.Warnings),
		})
	}

	writeJSON(w, http.StatusOK, exportResponse{
		Session:  e.sess.ID(),
		Shift:    res.Shift,
		Files:    files,
		Warnings: res.Warnings,
		State:    e.sess.Snapshot(),
	})
}

func (s *Server) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	if !e.hub.join(conn) {
		conn.Close()
		return
	}
	go e.hub.readLoop(conn)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var dimErr *stack.DimensionError
	var degErr *register.DegenerateInputError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &dimErr), errors.As(err, &degErr):
		status = http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, fsutil.ErrInsufficientMemory):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNoStacks):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
