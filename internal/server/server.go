package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chromalign/internal/config"
	"chromalign/internal/pipeline"
	"chromalign/internal/session"
	"chromalign/internal/stack"
	"chromalign/internal/storage"
	"chromalign/internal/tiffio"
)

// Server exposes alignment sessions and the job pipeline over HTTP and
// WebSocket.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	load     func(path string) (*stack.Stack, error)
	exporter tiffio.Exporter
	sessOpts session.Options
	sessions *registry
}

// NewServer wires a server around an existing store and pipeline. Either
// may be nil; the related endpoints then report 503.
func NewServer(cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     cfg.Server.Addr,
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // previews are served to local tools
			},
		},
		load: tiffio.LoadStack,
		exporter: tiffio.TIFFExporter{
			Prefix:      cfg.Export.Prefix,
			Compression: cfg.Export.Compression,
			Logger:      log,
		},
		sessOpts: pipeline.SessionOptions(cfg),
		sessions: newRegistry(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupSessionRoutes(r)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully and
// closes every live session.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
		s.sessions.closeAll()
	}()

	s.log.Info("Server starting", "addr", s.addr, "watch_inputs", s.cfg.Server.WatchInputs)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// setupRoutes configures basic HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type jobRequest struct {
	Type      string         `json:"type"`
	Reference string         `json:"reference"`
	Target    string         `json:"target"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "pipeline disabled", http.StatusServiceUnavailable)
		return
	}
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	jt := pipeline.JobType(req.Type)
	if jt != pipeline.JobRegister && jt != pipeline.JobAlign {
		http.Error(w, "unknown job type: "+req.Type, http.StatusBadRequest)
		return
	}
	id, err := s.pipeline.Submit(pipeline.Job{
		Type:      jt,
		Reference: req.Reference,
		Target:    req.Target,
		Output:    req.Output,
		Options:   req.Options,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

type jobEvent struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "pipeline disabled", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			ev := jobEvent{ID: res.Job.ID, Type: string(res.Job.Type), Meta: res.Meta}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
