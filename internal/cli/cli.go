package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"chromalign/internal/config"
	"chromalign/internal/pipeline"
	"chromalign/internal/server"
	"chromalign/internal/storage"
	"chromalign/internal/tiffio"
)

// Version is reported by `chromalign version`.
const Version = "0.1.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error

func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return server.NewServer(cfg, store, pipe, log).Start(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	exporter func(prefix string) tiffio.Exporter
}

// NewRoot constructs the shared state of all commands.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		serveFn: defaultServe,
		exporter: func(prefix string) tiffio.Exporter {
			return tiffio.TIFFExporter{Prefix: prefix, Compression: cfg.Export.Compression, Logger: logger}
		},
	}
	// a nil *Pipeline must stay a nil interface
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errors.New("pipeline unavailable")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, &job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job *pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id, err := r.pipeline.Submit(*job)
	if err != nil {
		return err
	}
	job.ID = id
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "reference", job.Reference, "target", job.Target)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// formatMeta renders job metadata as sorted key=value lines.
func formatMeta(meta map[string]any) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		switch v := meta[k].(type) {
		case float64:
			fmt.Fprintf(&b, "  %-14s %.4f\n", k+":", v)
		default:
			fmt.Fprintf(&b, "  %-14s %v\n", k+":", v)
		}
	}
	return b.String()
}
