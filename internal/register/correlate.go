// Package register estimates the translation between two frames by phase
// correlation with matrix-DFT sub-pixel refinement. Frames are mean-centred
// and apodized with a separable Hann window before the forward transform so
// that structures cut by the frame border do not dominate the surface.
package register

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"

	"chromalign/internal/spectral"
	"chromalign/internal/stack"
)

const (
	// magnitudeFloor keeps the cross-power normalization finite where both
	// spectra vanish.
	magnitudeFloor = 100 * 2.220446049250313e-16
	// peakExclusion is the half-width of the neighbourhood ignored when
	// looking for the strongest competing correlation value.
	peakExclusion = 2
	// confidenceFloor bounds the competing value away from zero.
	confidenceFloor = 1e-6
)

// DegenerateInputError reports a frame with no intensity variation, for which
// the correlation surface has no meaningful peak.
type DegenerateInputError struct {
	Which string // "reference" or "target"
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("register: %s frame has zero variance", e.Which)
}

// Correlation is the integer-pixel result of phase correlation. The
// normalized cross-power spectrum is kept so Refine can evaluate the surface
// between samples without redoing the forward transforms.
type Correlation struct {
	PeakX      int
	PeakY      int
	PeakValue  float64
	Confidence float64

	width    int
	height   int
	spectrum []complex128
	plan     *spectral.Plan
}

// Shift returns the integer peak as a displacement.
func (c *Correlation) Shift() stack.ShiftVector {
	return stack.ShiftVector{DX: float64(c.PeakX), DY: float64(c.PeakY)}
}

// Correlate computes the phase correlation of target against ref. The peak
// is at the displacement d such that target(x) ≈ ref(x-d).
func Correlate(ctx context.Context, ref, target stack.Frame) (*Correlation, error) {
	if ref.Size() != target.Size() {
		return nil, &stack.DimensionError{Op: "correlate", Want: ref.Size(), Got: target.Size()}
	}
	if ref.Len() == 0 {
		return nil, &stack.DimensionError{Op: "correlate", Detail: "empty frame"}
	}

	return correlate(ctx, ref.Float64s(), target.Float64s(), ref.Width(), ref.Height())
}

// correlate works on row-major samples so a resampled target can be
// correlated without requantizing it.
func correlate(ctx context.Context, refVals, tgtVals []float64, w, h int) (*Correlation, error) {
	if degenerate(refVals) {
		return nil, &DegenerateInputError{Which: "reference"}
	}
	if degenerate(tgtVals) {
		return nil, &DegenerateInputError{Which: "target"}
	}

	plan := spectral.NewPlan(w, h)
	apo := newApodizer(w, h)

	fr := spectral.Complex(apo.apply(refVals))
	plan.Forward(fr)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ft := spectral.Complex(apo.apply(tgtVals))
	plan.Forward(ft)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cross := make([]complex128, len(fr))
	for i := range fr {
		p := ft[i] * cmplx.Conj(fr[i])
		mag := math.Max(cmplx.Abs(p), magnitudeFloor)
		cross[i] = p / complex(mag, 0)
	}

	surface := make([]complex128, len(cross))
	copy(surface, cross)
	plan.Inverse(surface)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peak := 0
	for i := 1; i < len(surface); i++ {
		if real(surface[i]) > real(surface[peak]) {
			peak = i
		}
	}
	px, py := peak%w, peak/w
	peakValue := real(surface[peak])

	return &Correlation{
		PeakX:      spectral.WrapIndex(px, w),
		PeakY:      spectral.WrapIndex(py, h),
		PeakValue:  peakValue,
		Confidence: confidence(surface, w, h, px, py, peakValue),
		width:      w,
		height:     h,
		spectrum:   cross,
		plan:       plan,
	}, nil
}

// apodizer holds the separable window weights for one frame size.
type apodizer struct {
	width int
	wx    []float64
	wy    []float64
}

func newApodizer(w, h int) *apodizer {
	return &apodizer{width: w, wx: hannWeights(w), wy: hannWeights(h)}
}

// hannWeights falls back to a flat window below three samples, where the
// Hann window would vanish entirely.
func hannWeights(n int) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	if n < 3 {
		return weights
	}
	return window.Hann(weights)
}

// apply returns a new buffer with the mean removed and the window applied.
func (a *apodizer) apply(vals []float64) []float64 {
	mean := stat.Mean(vals, nil)
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = (v - mean) * a.wx[i%a.width] * a.wy[i/a.width]
	}
	return out
}

func degenerate(vals []float64) bool {
	v := stat.Variance(vals, nil)
	return math.IsNaN(v) || v <= 0
}

// confidence is the peak divided by the largest magnitude outside a
// (2r+1)² block around it, taken circularly.
func confidence(surface []complex128, w, h, px, py int, peak float64) float64 {
	competitor := 0.0
	for y := 0; y < h; y++ {
		dy := circularDistance(y, py, h)
		for x := 0; x < w; x++ {
			if dy <= peakExclusion && circularDistance(x, px, w) <= peakExclusion {
				continue
			}
			if v := math.Abs(real(surface[y*w+x])); v > competitor {
				competitor = v
			}
		}
	}
	return peak / math.Max(competitor, confidenceFloor)
}

func circularDistance(a, b, n int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if n-d < d {
		return n - d
	}
	return d
}
