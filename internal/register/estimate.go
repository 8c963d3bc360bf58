package register

import (
	"context"
	"fmt"
	"math"

	"chromalign/internal/spectral"
	"chromalign/internal/stack"
)

// Estimate is the outcome of a full registration.
type Estimate struct {
	Shift      stack.ShiftVector `json:"shift"`
	PeakX      int               `json:"peak_x"`
	PeakY      int               `json:"peak_y"`
	Confidence float64           `json:"confidence"`
	Ambiguous  bool              `json:"ambiguous"`
}

// EstimateShift correlates target against ref and refines the peak. The
// window weights each frame by position, which biases the sub-pixel estimate
// in proportion to the shift, so a second pass correlates ref with the target
// moved back by the first estimate and adds the residual. The reported peak
// and confidence are those of the first pass.
func EstimateShift(ctx context.Context, ref, target stack.Frame, opts Options) (Estimate, error) {
	if err := opts.Validate(); err != nil {
		return Estimate{}, fmt.Errorf("estimate: %w", err)
	}
	corr, err := Correlate(ctx, ref, target)
	if err != nil {
		return Estimate{}, err
	}
	coarse, err := Refine(ctx, corr, opts)
	if err != nil {
		return Estimate{}, err
	}

	shift := coarse
	if coarse != (stack.ShiftVector{}) {
		back := translate(corr.plan, target.Float64s(), coarse)
		residualCorr, err := correlate(ctx, ref.Float64s(), back, ref.Width(), ref.Height())
		if err != nil {
			return Estimate{}, err
		}
		residual, err := Refine(ctx, residualCorr, opts)
		if err != nil {
			return Estimate{}, err
		}
		u := float64(opts.UpsampleFactor)
		shift = stack.ShiftVector{
			DX: math.Round((coarse.DX+residual.DX)*u) / u,
			DY: math.Round((coarse.DY+residual.DY)*u) / u,
		}
	}

	return Estimate{
		Shift:      shift,
		PeakX:      corr.PeakX,
		PeakY:      corr.PeakY,
		Confidence: corr.Confidence,
		Ambiguous:  opts.MinConfidence > 0 && corr.Confidence < opts.MinConfidence,
	}, nil
}

// translate returns vals(x+d), treating the frame as periodic.
func translate(plan *spectral.Plan, vals []float64, d stack.ShiftVector) []float64 {
	w := plan.Width()
	data := spectral.Complex(vals)
	plan.Forward(data)
	for ky := 0; ky < plan.Height(); ky++ {
		fy := plan.FreqY(ky) * d.DY
		for kx := 0; kx < w; kx++ {
			data[ky*w+kx] *= spectral.Cis(plan.FreqX(kx)*d.DX + fy)
		}
	}
	plan.Inverse(data)
	return spectral.Real(data)
}

// EstimateStacks projects both stacks with the same mode and estimates the
// global shift between the projections. Frame counts may differ.
func EstimateStacks(ctx context.Context, ref, target *stack.Stack, mode stack.ProjectionMode, index int, opts Options) (Estimate, error) {
	if err := stack.CheckPair(ref, target); err != nil {
		return Estimate{}, err
	}
	refProj, err := stack.Project(ref, mode, index)
	if err != nil {
		return Estimate{}, fmt.Errorf("project reference: %w", err)
	}
	tgtProj, err := stack.Project(target, mode, index)
	if err != nil {
		return Estimate{}, fmt.Errorf("project target: %w", err)
	}
	return EstimateShift(ctx, refProj, tgtProj, opts)
}
