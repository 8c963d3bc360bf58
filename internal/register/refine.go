package register

import (
	"context"
	"errors"
	"fmt"
	"math"

	"chromalign/internal/spectral"
	"chromalign/internal/stack"
)

// Options tune sub-pixel refinement and the ambiguity check.
type Options struct {
	// UpsampleFactor is the reciprocal of the final resolution in pixels.
	// 1 disables refinement.
	UpsampleFactor int
	// Window is the odd side length of each evaluation grid.
	Window int
	// MinConfidence marks estimates below it as ambiguous. Zero disables
	// the check.
	MinConfidence float64
}

// DefaultOptions resolves to 1/100 px with an 11x11 grid.
func DefaultOptions() Options {
	return Options{UpsampleFactor: 100, Window: 11, MinConfidence: 1.5}
}

// Validate rejects options Refine cannot honour.
func (o Options) Validate() error {
	if o.UpsampleFactor < 1 {
		return fmt.Errorf("upsample factor must be >= 1, got %d", o.UpsampleFactor)
	}
	if o.Window < 3 || o.Window%2 == 0 {
		return fmt.Errorf("window must be odd and >= 3, got %d", o.Window)
	}
	if o.MinConfidence < 0 || math.IsNaN(o.MinConfidence) {
		return fmt.Errorf("min confidence must be >= 0, got %v", o.MinConfidence)
	}
	return nil
}

// Refine locates the correlation peak to 1/UpsampleFactor px. Each level
// evaluates a Window×Window grid centred on the best point so far. The first
// grid spans about ±1 px; every further level spans one step of the previous
// level and shrinks the step by (Window-1)/2 (at least 2) until it reaches
// 1/UpsampleFactor.
func Refine(ctx context.Context, corr *Correlation, opts Options) (stack.ShiftVector, error) {
	if corr == nil {
		return stack.ShiftVector{}, errors.New("refine: nil correlation")
	}
	if err := opts.Validate(); err != nil {
		return stack.ShiftVector{}, fmt.Errorf("refine: %w", err)
	}
	best := corr.Shift()
	if opts.UpsampleFactor == 1 {
		return best, nil
	}

	half := (opts.Window - 1) / 2
	shrink := float64(max(half, 2))
	final := 1 / float64(opts.UpsampleFactor)
	step := math.Max(1/shrink, final)

	ev := newEvaluator(corr, opts.Window)
	for {
		if err := ctx.Err(); err != nil {
			return stack.ShiftVector{}, err
		}
		best = ev.argmax(best, step)
		if step <= final {
			break
		}
		step = math.Max(step/shrink, final)
	}

	u := float64(opts.UpsampleFactor)
	return stack.ShiftVector{
		DX: math.Round(best.DX*u) / u,
		DY: math.Round(best.DY*u) / u,
	}, nil
}

// evaluator computes the correlation surface at arbitrary real positions by
// a matrix-form inverse DFT restricted to a small grid: first along rows for
// the grid's x positions, then along columns for its y positions.
type evaluator struct {
	width, height int
	window        int
	spectrum      []complex128
	freqX         []float64
	freqY         []float64

	kernX   []complex128 // width × window
	kernY   []complex128 // window × height
	partial []complex128 // height × window
}

func newEvaluator(corr *Correlation, window int) *evaluator {
	ev := &evaluator{
		width:    corr.width,
		height:   corr.height,
		window:   window,
		spectrum: corr.spectrum,
		freqX:    make([]float64, corr.width),
		freqY:    make([]float64, corr.height),
		kernX:    make([]complex128, corr.width*window),
		kernY:    make([]complex128, window*corr.height),
		partial:  make([]complex128, corr.height*window),
	}
	for i := range ev.freqX {
		ev.freqX[i] = corr.plan.FreqX(i)
	}
	for j := range ev.freqY {
		ev.freqY[j] = corr.plan.FreqY(j)
	}
	return ev
}

// argmax evaluates the grid centred on c with the given step and returns the
// position of its largest real value.
func (ev *evaluator) argmax(c stack.ShiftVector, step float64) stack.ShiftVector {
	half := (ev.window - 1) / 2
	xs := make([]float64, ev.window)
	ys := make([]float64, ev.window)
	for i := range xs {
		off := float64(i-half) * step
		xs[i] = c.DX + off
		ys[i] = c.DY + off
	}

	for kx, f := range ev.freqX {
		for i, x := range xs {
			ev.kernX[kx*ev.window+i] = spectral.Cis(f * x)
		}
	}
	for j, y := range ys {
		for ky, f := range ev.freqY {
			ev.kernY[j*ev.height+ky] = spectral.Cis(f * y)
		}
	}

	for ky := 0; ky < ev.height; ky++ {
		row := ev.spectrum[ky*ev.width : (ky+1)*ev.width]
		for i := 0; i < ev.window; i++ {
			var sum complex128
			for kx, p := range row {
				sum += p * ev.kernX[kx*ev.window+i]
			}
			ev.partial[ky*ev.window+i] = sum
		}
	}

	bestVal := math.Inf(-1)
	best := c
	for j := 0; j < ev.window; j++ {
		for i := 0; i < ev.window; i++ {
			var sum complex128
			for ky := 0; ky < ev.height; ky++ {
				sum += ev.kernY[j*ev.height+ky] * ev.partial[ky*ev.window+i]
			}
			if v := real(sum); v > bestVal {
				bestVal = v
				best = stack.ShiftVector{DX: xs[i], DY: ys[j]}
			}
		}
	}
	return best
}
