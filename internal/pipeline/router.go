package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"chromalign/internal/config"
	"chromalign/internal/session"
	"chromalign/internal/stack"
	"chromalign/internal/storage"
	"chromalign/internal/tiffio"
)

// router implements Processor. Every job runs through its own
// session.Session so batch and interactive alignment share one state
// machine.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	load     stackLoader
	exporter tiffio.Exporter
	sessOpts session.Options
	output   string
}

type stackLoader func(path string) (*stack.Stack, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) *router {
	return &router{
		log:   logger,
		store: store,
		load:  tiffio.LoadStack,
		exporter: tiffio.TIFFExporter{
			Prefix:      cfg.Export.Prefix,
			Compression: cfg.Export.Compression,
			Logger:      logger,
		},
		sessOpts: SessionOptions(cfg),
		output:   cfg.Paths.DefaultOutput,
	}
}

// SessionOptions builds session options from configuration. Batch jobs use
// them with SettleDelay zeroed.
func SessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.Register = cfg.RegisterOptions()
	opts.Projection = cfg.ProjectionMode()
	opts.FrameIndex = cfg.Alignment.FrameIndex
	opts.Fill = cfg.Alignment.FillValue
	opts.Workers = cfg.Alignment.Workers
	opts.SettleDelay = cfg.SettleDelay()
	opts.Mapper = cfg.Mapper()
	opts.Palette = cfg.Palette()
	return opts
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobAlign:
		return r.handleAlign(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) newSession(job Job) (*session.Session, error) {
	opts := r.sessOpts
	opts.ID = job.ID
	opts.SettleDelay = 0
	if mode, ok := job.Options["projection"].(string); ok && mode != "" {
		m, err := stack.ParseProjectionMode(mode)
		if err != nil {
			return nil, err
		}
		opts.Projection = m
	}
	if idx, ok := getIntOption(job.Options, "frame_index"); ok {
		opts.FrameIndex = idx
	}
	return session.New(opts, r.log), nil
}

func (r *router) loadPair(job Job) (*stack.Stack, *stack.Stack, error) {
	if job.Reference == "" || job.Target == "" {
		return nil, nil, fmt.Errorf("job %s: reference and target are required", job.ID)
	}
	ref, err := r.load(job.Reference)
	if err != nil {
		return nil, nil, fmt.Errorf("load reference: %w", err)
	}
	target, err := r.load(job.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("load target: %w", err)
	}
	return ref, target, nil
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	ref, target, err := r.loadPair(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	sess, err := r.newSession(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer sess.Close()

	if err := sess.Start(ref, target); err != nil {
		return Result{Job: job, Error: err}
	}
	st, err := sess.Await(ctx)
	r.recordSession(st, job)
	if err != nil {
		return Result{Job: job, Error: err, Meta: stateMeta(st)}
	}
	return Result{Job: job, Meta: stateMeta(st)}
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	ref, target, err := r.loadPair(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	sess, err := r.newSession(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer sess.Close()

	dx := getFloat64Option(job.Options, "dx")
	dy := getFloat64Option(job.Options, "dy")

	if getBoolOption(job.Options, "manual_only") {
		if err := sess.Load(ref, target); err != nil {
			return Result{Job: job, Error: err}
		}
		if err := sess.Nudge(dx, dy); err != nil {
			return Result{Job: job, Error: err}
		}
	} else {
		if err := sess.Start(ref, target); err != nil {
			return Result{Job: job, Error: err}
		}
		if st, err := sess.Await(ctx); err != nil {
			r.recordSession(st, job)
			return Result{Job: job, Error: err, Meta: stateMeta(st)}
		}
		if dx != 0 || dy != 0 {
			if err := sess.Nudge(dx, dy); err != nil {
				return Result{Job: job, Error: err}
			}
		}
	}

	final := sess.Snapshot()
	res, err := sess.Export(ctx)
	if err != nil {
		r.recordSession(sess.Snapshot(), job)
		return Result{Job: job, Error: err, Meta: stateMeta(final)}
	}
	final.Status = session.Closed
	r.recordSession(final, job)

	out := job.Output
	if out == "" {
		out = r.output
	}
	files, err := r.exporter.Export(ctx, res.Stack, out)
	meta := stateMeta(final)
	meta["dx"], meta["dy"] = res.Shift.DX, res.Shift.DY
	meta["output"] = out
	meta["files"] = len(files)
	meta["clamp_warnings"] = len(res.Warnings)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("export: %w", err), Meta: meta}
	}
	if r.store != nil {
		_ = r.store.RecordExport(storage.ExportRecord{
			SessionID:     final.ID,
			OutputDir:     out,
			Frames:        len(files),
			DX:            res.Shift.DX,
			DY:            res.Shift.DY,
			ClampWarnings: len(res.Warnings),
		})
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) recordSession(st session.State, job Job) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertSession(SessionRecord(st, job.Reference, job.Target)); err != nil {
		r.log.Warn("failed to persist session", "session", st.ID, "error", err)
	}
}

// SessionRecord converts a snapshot to its persisted form.
func SessionRecord(st session.State, reference, target string) storage.SessionRecord {
	return storage.SessionRecord{
		ID:            st.ID,
		ReferencePath: reference,
		TargetPath:    target,
		Status:        st.Status.String(),
		AutoDX:        st.Auto.DX,
		AutoDY:        st.Auto.DY,
		ManualDX:      st.Manual.DX,
		ManualDY:      st.Manual.DY,
		Confidence:    st.Confidence,
		Ambiguous:     st.Ambiguous,
		Error:         st.Error,
	}
}

func stateMeta(st session.State) map[string]any {
	return map[string]any{
		"session":    st.ID,
		"dx":         st.Effective.DX,
		"dy":         st.Effective.DY,
		"auto_dx":    st.Auto.DX,
		"auto_dy":    st.Auto.DY,
		"confidence": st.Confidence,
		"ambiguous":  st.Ambiguous,
		"projection": st.Projection.String(),
	}
}

// Helper functions to safely extract typed options from job.Options map.
// Numbers decoded from JSON arrive as float64.
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

func getIntOption(options map[string]any, key string) (int, bool) {
	switch val := options[key].(type) {
	case int:
		return val, true
	case float64:
		return int(val), true
	}
	return 0, false
}
