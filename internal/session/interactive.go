package session

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"chromalign/internal/logging"
	"chromalign/internal/shift"
	"chromalign/internal/stack"
)

// Nudge adds (dx, dy) to the manual shift and enters Refining. It cancels a
// running registration. The settle timer returns the session to
// ReadyForPreview once input stops for SettleDelay.
func (s *Session) Nudge(dx, dy float64) error {
	if math.IsNaN(dx) || math.IsInf(dx, 0) || math.IsNaN(dy) || math.IsInf(dy, 0) {
		return fmt.Errorf("nudge: non-finite step (%v, %v)", dx, dy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.ref == nil {
		return ErrNoStacks
	}
	if s.status == Computing {
		s.abortComputeLocked()
	}

	s.manual = s.manual.Add(stack.ShiftVector{DX: dx, DY: dy})
	s.setStatusLocked(Refining)
	s.armSettleLocked()
	s.emitLocked(EventShift)
	return nil
}

// Settle leaves Refining immediately.
func (s *Session) Settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked()
}

func (s *Session) settleLocked() {
	s.stopSettleLocked()
	if s.status != Refining {
		return
	}
	s.setStatusLocked(ReadyForPreview)
	s.emitLocked(EventStatus)
}

func (s *Session) armSettleLocked() {
	s.stopSettleLocked()
	if s.opts.SettleDelay <= 0 {
		return
	}
	token := s.settleToken
	s.settle = time.AfterFunc(s.opts.SettleDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if token == s.settleToken {
			s.settleLocked()
		}
	})
}

func (s *Session) stopSettleLocked() {
	s.settleToken++
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

// PreviewFrame renders the target projection shifted by the effective shift.
// Display only; stored samples are never altered.
func (s *Session) PreviewFrame(ctx context.Context) (*image.Gray, error) {
	_, tgt, v, dtype, err := s.previewInputs()
	if err != nil {
		return nil, err
	}
	shifted, _, err := s.applier.ApplyFrame(ctx, tgt, dtype, v)
	if err != nil {
		return nil, err
	}
	return s.opts.Mapper.Map(shifted), nil
}

// PreviewOverlay composites the reference projection with the shifted target
// projection in the palette colours.
func (s *Session) PreviewOverlay(ctx context.Context) (*image.RGBA, error) {
	ref, tgt, v, dtype, err := s.previewInputs()
	if err != nil {
		return nil, err
	}
	shifted, _, err := s.applier.ApplyFrame(ctx, tgt, dtype, v)
	if err != nil {
		return nil, err
	}
	return s.opts.Mapper.Overlay(ref, shifted, s.opts.Palette)
}

// previewInputs returns the cached projections, computing them outside the
// lock when the pair or projection changed.
func (s *Session) previewInputs() (stack.Frame, stack.Frame, stack.ShiftVector, stack.DType, error) {
	s.mu.Lock()
	if s.status == Closed {
		s.mu.Unlock()
		return stack.Frame{}, stack.Frame{}, stack.ShiftVector{}, 0, ErrClosed
	}
	if s.ref == nil {
		s.mu.Unlock()
		return stack.Frame{}, stack.Frame{}, stack.ShiftVector{}, 0, ErrNoStacks
	}
	ref, target, mode, index := s.ref, s.target, s.mode, s.index
	v := s.auto.Add(s.manual)
	p := s.proj
	s.mu.Unlock()

	if !p.ok || p.ref != ref || p.target != target || p.mode != mode || p.index != index {
		refFrame, err := stack.Project(ref, mode, index)
		if err != nil {
			return stack.Frame{}, stack.Frame{}, v, 0, fmt.Errorf("preview: %w", err)
		}
		tgtFrame, err := stack.Project(target, mode, index)
		if err != nil {
			return stack.Frame{}, stack.Frame{}, v, 0, fmt.Errorf("preview: %w", err)
		}
		p = projections{ref: ref, target: target, mode: mode, index: index, refFrame: refFrame, tgtFrame: tgtFrame, ok: true}

		s.mu.Lock()
		if s.ref == ref && s.target == target {
			s.proj = p
		}
		s.mu.Unlock()
	}
	return p.refFrame, p.tgtFrame, v, target.DType(), nil
}

// Export applies the effective shift to the whole target stack and closes
// the session. Allowed from ReadyForPreview, or from Refining which settles
// first. A failed export returns to ReadyForPreview.
func (s *Session) Export(ctx context.Context) (*shift.Result, error) {
	s.mu.Lock()
	switch s.status {
	case Closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case Refining:
		s.settleLocked()
	case ReadyForPreview:
	default:
		st := s.status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot export from %s", ErrInvalidTransition, st)
	}
	target, v := s.target, s.auto.Add(s.manual)
	s.setStatusLocked(Exporting)
	s.emitLocked(EventStatus)
	s.mu.Unlock()

	res, err := s.applier.ApplyStack(ctx, target, v)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Exporting {
		// closed underneath us
		return nil, ErrClosed
	}
	if err != nil {
		s.setStatusLocked(ReadyForPreview)
		s.emitLocked(EventStatus)
		return nil, fmt.Errorf("export: %w", err)
	}
	logging.LogClampWarnings(s.log, s.id, res.Warnings)
	s.log.Info("target stack aligned", "dx", v.DX, "dy", v.DY, "frames", res.Stack.Len(), "clamp_warnings", len(res.Warnings))
	s.emitLocked(EventExported)
	s.closeLocked()
	return res, nil
}
