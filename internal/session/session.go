// Package session drives one reference/target alignment through its
// lifecycle: automatic registration, manual refinement, preview and export.
//
//	Idle -> Computing -> ReadyForPreview <-> Refining -> Exporting -> Closed
//
// Registration runs off the caller's goroutine. A newer Start, Retry, Nudge
// or Cancel supersedes it; superseded results are discarded.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chromalign/internal/display"
	"chromalign/internal/logging"
	"chromalign/internal/register"
	"chromalign/internal/shift"
	"chromalign/internal/stack"
)

// EstimateFunc computes the global shift between two stacks.
type EstimateFunc func(ctx context.Context, ref, target *stack.Stack, mode stack.ProjectionMode, index int, opts register.Options) (register.Estimate, error)

// Options configure a session.
type Options struct {
	ID          string
	Register    register.Options
	Projection  stack.ProjectionMode
	FrameIndex  int
	Fill        float64
	Workers     int
	SettleDelay time.Duration // <= 0: only Settle or Export leave Refining
	Mapper      display.Mapper
	Palette     display.Palette
	// Estimator replaces register.EstimateStacks, mainly for tests.
	Estimator EstimateFunc
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Register:    register.DefaultOptions(),
		Projection:  stack.ProjectMax,
		SettleDelay: 250 * time.Millisecond,
		Mapper:      display.DefaultMapper(),
		Palette:     display.DefaultPalette(),
	}
}

// Session is safe for concurrent use. All state lives behind mu.
type Session struct {
	id       string
	opts     Options
	log      *slog.Logger
	estimate EstimateFunc
	applier  shift.Applier

	mu         sync.Mutex
	status     Status
	ref        *stack.Stack
	target     *stack.Stack
	auto       stack.ShiftVector
	manual     stack.ShiftVector
	confidence float64
	ambiguous  bool
	mode       stack.ProjectionMode
	index      int
	err        error

	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	settleToken uint64
	settle      *time.Timer

	proj projections

	subs      map[int]chan Event
	nextSubID int
}

// projections caches the frames previews are rendered from.
type projections struct {
	ref, target *stack.Stack
	mode        stack.ProjectionMode
	index       int
	refFrame    stack.Frame
	tgtFrame    stack.Frame
	ok          bool
}

// New creates an idle session.
func New(opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	est := opts.Estimator
	if est == nil {
		est = register.EstimateStacks
	}
	return &Session{
		id:       opts.ID,
		opts:     opts,
		log:      logger.With("session", opts.ID),
		estimate: est,
		applier:  shift.Applier{Fill: opts.Fill, Workers: opts.Workers},
		mode:     opts.Projection,
		index:    opts.FrameIndex,
		subs:     make(map[int]chan Event),
	}
}

func (s *Session) ID() string { return s.id }

// Start loads a pair and begins registration. Both shifts are reset. A
// computation already in flight is cancelled and its result discarded.
func (s *Session) Start(ref, target *stack.Stack) error {
	if err := stack.CheckPair(ref, target); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.loadLocked(ref, target)
	s.beginComputeLocked()
	return nil
}

// Load installs a pair without registering it, for manual-only alignment.
// The session stays (or becomes) Idle; Nudge takes it to Refining.
func (s *Session) Load(ref, target *stack.Stack) error {
	if err := stack.CheckPair(ref, target); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.loadLocked(ref, target)
	s.setStatusLocked(Idle)
	s.emitLocked(EventStatus)
	return nil
}

// Retry re-runs registration on the loaded pair with another projection.
// The manual component is kept.
func (s *Session) Retry(mode stack.ProjectionMode, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.ref == nil {
		return ErrNoStacks
	}
	s.mode, s.index = mode, index
	s.auto = stack.ShiftVector{}
	s.confidence, s.ambiguous = 0, false
	s.beginComputeLocked()
	return nil
}

// Cancel aborts an in-flight registration and returns to Idle. It is a no-op
// in every other status.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Computing {
		return
	}
	s.abortComputeLocked()
	s.setStatusLocked(Idle)
	s.emitLocked(EventStatus)
}

// Close ends the session. Subscribers' channels are closed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Await blocks until no registration is in flight and returns the resulting
// snapshot together with the last registration error.
func (s *Session) Await(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		done := s.done
		if done == nil {
			st := s.snapshotLocked()
			s.mu.Unlock()
			return st, st.Err
		}
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

// EffectiveShift is auto + manual.
func (s *Session) EffectiveShift() stack.ShiftVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto.Add(s.manual)
}

// Snapshot copies the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() State {
	st := State{
		ID:         s.id,
		Status:     s.status,
		Auto:       s.auto,
		Manual:     s.manual,
		Effective:  s.auto.Add(s.manual),
		Confidence: s.confidence,
		Ambiguous:  s.ambiguous,
		Projection: s.mode,
		FrameIndex: s.index,
		Generation: s.gen,
		Err:        s.err,
	}
	if s.ref != nil {
		st.Reference = s.ref.String()
		st.Target = s.target.String()
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *Session) checkMutable() error {
	switch s.status {
	case Closed:
		return ErrClosed
	case Exporting:
		return fmt.Errorf("%w: session is exporting", ErrInvalidTransition)
	}
	return nil
}

func (s *Session) loadLocked(ref, target *stack.Stack) {
	s.abortComputeLocked()
	s.stopSettleLocked()
	s.ref, s.target = ref, target
	s.auto, s.manual = stack.ShiftVector{}, stack.ShiftVector{}
	s.confidence, s.ambiguous = 0, false
	s.err = nil
	s.proj = projections{}
}

// beginComputeLocked supersedes any running registration and starts a new
// one for the current pair and projection.
func (s *Session) beginComputeLocked() {
	s.abortComputeLocked()
	s.stopSettleLocked()
	s.err = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	gen := s.gen

	s.setStatusLocked(Computing)
	s.emitLocked(EventStatus)

	ref, target, mode, index := s.ref, s.target, s.mode, s.index
	go s.compute(ctx, gen, done, ref, target, mode, index)
}

func (s *Session) compute(ctx context.Context, gen uint64, done chan struct{}, ref, target *stack.Stack, mode stack.ProjectionMode, index int) {
	defer close(done)
	start := time.Now()
	est, err := s.estimate(ctx, ref, target, mode, index, s.opts.Register)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.Debug("discarding superseded registration", "generation", gen, "current", s.gen)
		return
	}
	s.cancel()
	s.cancel, s.done = nil, nil

	if err != nil {
		s.err = err
		s.setStatusLocked(Idle)
		s.log.Warn("registration failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.emitLocked(EventFailed)
		return
	}
	s.auto = est.Shift
	s.confidence, s.ambiguous = est.Confidence, est.Ambiguous
	s.setStatusLocked(ReadyForPreview)
	s.log.Info("registration finished",
		"dx", est.Shift.DX,
		"dy", est.Shift.DY,
		"confidence", est.Confidence,
		"ambiguous", est.Ambiguous,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.emitLocked(EventRegistered)
}

// abortComputeLocked invalidates the running registration, if any. The
// generation advances on every abort so late results can be recognised.
func (s *Session) abortComputeLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel, s.done = nil, nil
}

func (s *Session) setStatusLocked(to Status) {
	if s.status == to {
		return
	}
	logging.LogTransition(s.log, s.id, s.status.String(), to.String())
	s.status = to
}

func (s *Session) closeLocked() {
	if s.status == Closed {
		return
	}
	s.abortComputeLocked()
	s.stopSettleLocked()
	s.setStatusLocked(Closed)
	s.emitLocked(EventStatus)
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}
