// Package shift applies a translation to frames and stacks while keeping
// their dtype and dynamic range.
package shift

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"chromalign/internal/spectral"
	"chromalign/internal/stack"
)

// boundsTolerance absorbs float error at the edge of the valid source range.
const boundsTolerance = 1e-9

// RangeClampWarning records samples of one frame that left the dtype range
// after interpolation and were clamped.
type RangeClampWarning struct {
	Frame int `json:"frame"`
	Low   int `json:"low"`  // clamped up to 0
	High  int `json:"high"` // clamped down to the dtype maximum
}

func (w RangeClampWarning) String() string {
	return fmt.Sprintf("frame %d: %d samples clamped low, %d high", w.Frame, w.Low, w.High)
}

// Result is an aligned stack plus the non-fatal clamp reports.
type Result struct {
	Stack    *stack.Stack
	Shift    stack.ShiftVector
	Warnings []RangeClampWarning
}

// Applier shifts content by a ShiftVector: out(x, y) = in(x+DX, y+DY), which
// undoes the displacement reported by registration. Samples whose source lies
// outside the frame take Fill.
type Applier struct {
	Fill    float64
	Workers int
}

func (a Applier) workers() int {
	if a.Workers > 0 {
		return a.Workers
	}
	return runtime.NumCPU()
}

func (a Applier) check(dtype stack.DType, v stack.ShiftVector) error {
	if !v.IsFinite() {
		return fmt.Errorf("shift: non-finite vector %v", v)
	}
	if math.IsNaN(a.Fill) || a.Fill < 0 || a.Fill > float64(dtype.MaxValue()) {
		return fmt.Errorf("shift: fill %v outside %s range", a.Fill, dtype)
	}
	return nil
}

// ApplyStack shifts every frame of s by v and returns a new stack. Frames are
// processed concurrently; each worker owns its transform plan.
func (a Applier) ApplyStack(ctx context.Context, s *stack.Stack, v stack.ShiftVector) (*Result, error) {
	if s == nil {
		return nil, errors.New("shift: nil stack")
	}
	if err := a.check(s.DType(), v); err != nil {
		return nil, err
	}

	n := s.Len()
	frames := make([]stack.Frame, n)
	warnings := make([]RangeClampWarning, n)

	plans := make(chan *spectral.Plan, a.workers())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var plan *spectral.Plan
			select {
			case plan = <-plans:
			default:
			}
			f, w, plan := a.shiftFrame(s.Frame(i), s.DType(), v, plan)
			plans <- plan
			w.Frame = i
			frames[i], warnings[i] = f, w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := stack.FromOwnedFrames(s.DType(), s.Width(), s.Height(), frames)
	if err != nil {
		return nil, err
	}
	res := &Result{Stack: out, Shift: v}
	for _, w := range warnings {
		if w.Low > 0 || w.High > 0 {
			res.Warnings = append(res.Warnings, w)
		}
	}
	return res, nil
}

// ApplyFrame shifts a single frame. Used by previews.
func (a Applier) ApplyFrame(ctx context.Context, f stack.Frame, dtype stack.DType, v stack.ShiftVector) (stack.Frame, RangeClampWarning, error) {
	if err := a.check(dtype, v); err != nil {
		return stack.Frame{}, RangeClampWarning{}, err
	}
	if err := ctx.Err(); err != nil {
		return stack.Frame{}, RangeClampWarning{}, err
	}
	out, w, _ := a.shiftFrame(f, dtype, v, nil)
	return out, w, nil
}

// shiftFrame returns the shifted frame and the plan it used, creating one
// when plan is nil or sized for other frames.
func (a Applier) shiftFrame(f stack.Frame, dtype stack.DType, v stack.ShiftVector, plan *spectral.Plan) (stack.Frame, RangeClampWarning, *spectral.Plan) {
	w, h := f.Width(), f.Height()
	var vals []float64
	if v.IsIntegral() {
		vals = translate(f, int(math.Round(v.DX)), int(math.Round(v.DY)), a.Fill)
	} else {
		if plan == nil || plan.Width() != w || plan.Height() != h {
			plan = spectral.NewPlan(w, h)
		}
		vals = phaseShift(plan, f, v)
		maskOutside(vals, w, h, v, a.Fill)
	}
	warn := clampRound(vals, float64(dtype.MaxValue()))
	return stack.NewFrameFromFloats(w, h, vals), warn, plan
}

// translate is the exact integer path.
func translate(f stack.Frame, dx, dy int, fill float64) []float64 {
	w, h := f.Width(), f.Height()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		sy := y + dy
		for x := 0; x < w; x++ {
			sx := x + dx
			if sx < 0 || sx >= w || sy < 0 || sy >= h {
				out[y*w+x] = fill
				continue
			}
			out[y*w+x] = float64(f.At(sx, sy))
		}
	}
	return out
}

// phaseShift evaluates the frame's periodic band-limited interpolant at
// (x+DX, y+DY) by multiplying its spectrum with exp(+2πi(fx·DX + fy·DY)).
func phaseShift(plan *spectral.Plan, f stack.Frame, v stack.ShiftVector) []float64 {
	w, h := f.Width(), f.Height()
	buf := spectral.Complex(f.Float64s())
	plan.Forward(buf)
	for ky := 0; ky < h; ky++ {
		fy := plan.FreqY(ky) * v.DY
		for kx := 0; kx < w; kx++ {
			buf[ky*w+kx] *= spectral.Cis(plan.FreqX(kx)*v.DX + fy)
		}
	}
	plan.Inverse(buf)
	return spectral.Real(buf)
}

func maskOutside(vals []float64, w, h int, v stack.ShiftVector, fill float64) {
	for y := 0; y < h; y++ {
		sy := float64(y) + v.DY
		rowOut := sy < -boundsTolerance || sy > float64(h-1)+boundsTolerance
		for x := 0; x < w; x++ {
			sx := float64(x) + v.DX
			if rowOut || sx < -boundsTolerance || sx > float64(w-1)+boundsTolerance {
				vals[y*w+x] = fill
			}
		}
	}
}

// clampRound rounds half away from zero and clamps into [0, max], counting
// samples that had to be clamped.
func clampRound(vals []float64, max float64) RangeClampWarning {
	var w RangeClampWarning
	for i, v := range vals {
		r := math.Round(v)
		switch {
		case r < 0:
			r = 0
			w.Low++
		case r > max:
			r = max
			w.High++
		}
		vals[i] = r
	}
	return w
}
