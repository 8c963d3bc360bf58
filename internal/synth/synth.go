// Package synth generates band-limited random textures and exactly shifted
// copies of them. Used for calibration runs (`chromalign synth`) and as
// registration fixtures in tests.
package synth

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"chromalign/internal/spectral"
	"chromalign/internal/stack"
)

// Params describe the generated intensity distribution.
type Params struct {
	Width  int
	Height int
	DType  stack.DType
	// Mean and StdDev of the samples before quantization. Zero values pick
	// a mid-range mean and a sixth of the range.
	Mean   float64
	StdDev float64
	Seed   int64
}

func (p Params) resolved() Params {
	max := float64(p.DType.MaxValue())
	if p.Mean == 0 {
		p.Mean = max / 2
	}
	if p.StdDev == 0 {
		p.StdDev = max / 12
	}
	return p
}

// Pair returns a reference texture and the same texture displaced by shift,
// so that target(x, y) = ref(x-DX, y-DY) up to quantization. The content is
// periodic, so no border is lost.
func Pair(p Params, shift stack.ShiftVector) (ref, target stack.Frame) {
	p = p.resolved()
	spec := spectrum(p)
	plan := spectral.NewPlan(p.Width, p.Height)

	refBuf := make([]complex128, len(spec))
	copy(refBuf, spec)
	plan.Inverse(refBuf)
	refVals := spectral.Real(refBuf)

	tgtBuf := make([]complex128, len(spec))
	for ky := 0; ky < p.Height; ky++ {
		fy := plan.FreqY(ky)
		for kx := 0; kx < p.Width; kx++ {
			i := ky*p.Width + kx
			tgtBuf[i] = spec[i] * spectral.Cis(-(plan.FreqX(kx)*shift.DX + fy*shift.DY))
		}
	}
	plan.Inverse(tgtBuf)
	tgtVals := spectral.Real(tgtBuf)

	scale := p.StdDev / stat.StdDev(refVals, nil)
	return quantize(p, refVals, scale), quantize(p, tgtVals, scale)
}

// Stacks returns two stacks of n frames each. Frame i of the target is frame
// i of the reference displaced by shift; every frame has its own texture.
func Stacks(p Params, n int, shift stack.ShiftVector) (ref, target *stack.Stack, err error) {
	refFrames := make([]stack.Frame, n)
	tgtFrames := make([]stack.Frame, n)
	for i := 0; i < n; i++ {
		fp := p
		fp.Seed = p.Seed + int64(i)
		refFrames[i], tgtFrames[i] = Pair(fp, shift)
	}
	if ref, err = stack.New(p.DType, p.Width, p.Height, refFrames); err != nil {
		return nil, nil, err
	}
	if target, err = stack.New(p.DType, p.Width, p.Height, tgtFrames); err != nil {
		return nil, nil, err
	}
	return ref, target, nil
}

// spectrum draws Gaussian coefficients for every bin except DC and the
// Nyquist row/column of even sizes, which cannot carry a fractional shift.
func spectrum(p Params) []complex128 {
	rng := rand.New(rand.NewSource(p.Seed))
	out := make([]complex128, p.Width*p.Height)
	for ky := 0; ky < p.Height; ky++ {
		for kx := 0; kx < p.Width; kx++ {
			if kx == 0 && ky == 0 {
				continue
			}
			if (p.Width%2 == 0 && kx == p.Width/2) || (p.Height%2 == 0 && ky == p.Height/2) {
				continue
			}
			out[ky*p.Width+kx] = complex(rng.NormFloat64(), rng.NormFloat64())
		}
	}
	return out
}

func quantize(p Params, vals []float64, scale float64) stack.Frame {
	max := float64(p.DType.MaxValue())
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = math.Min(math.Max(p.Mean+v*scale, 0), max)
	}
	return stack.NewFrameFromFloats(p.Width, p.Height, out)
}

// Uniform returns a frame with every sample equal to v.
func Uniform(width, height int, v uint16) stack.Frame {
	vals := make([]float64, width*height)
	for i := range vals {
		vals[i] = float64(v)
	}
	return stack.NewFrameFromFloats(width, height, vals)
}

// Blobs renders n Gaussian spots over a flat background, once in place and
// once displaced by shift. Spot centres range past the frame edges so spots
// are cut by the border; unlike Pair the content does not wrap.
func Blobs(p Params, n int, shift stack.ShiftVector) (ref, target stack.Frame) {
	max := float64(p.DType.MaxValue())
	background := p.Mean
	if background == 0 {
		background = max / 64
	}
	rng := rand.New(rand.NewSource(p.Seed))
	spots := make([]blob, n)
	for i := range spots {
		spots[i] = blob{
			x:     rng.Float64()*float64(p.Width+2*blobMargin) - blobMargin,
			y:     rng.Float64()*float64(p.Height+2*blobMargin) - blobMargin,
			sigma: 1.5 + rng.Float64()*2.5,
			amp:   max/32 + rng.Float64()*(max/4-max/32),
		}
	}
	return renderBlobs(p, spots, background, stack.ShiftVector{}), renderBlobs(p, spots, background, shift)
}

// BlobStacks is Stacks for Blobs fixtures.
func BlobStacks(p Params, frames, n int, shift stack.ShiftVector) (ref, target *stack.Stack, err error) {
	refFrames := make([]stack.Frame, frames)
	tgtFrames := make([]stack.Frame, frames)
	for i := 0; i < frames; i++ {
		fp := p
		fp.Seed = p.Seed + int64(i)
		refFrames[i], tgtFrames[i] = Blobs(fp, n, shift)
	}
	if ref, err = stack.New(p.DType, p.Width, p.Height, refFrames); err != nil {
		return nil, nil, err
	}
	if target, err = stack.New(p.DType, p.Width, p.Height, tgtFrames); err != nil {
		return nil, nil, err
	}
	return ref, target, nil
}

const blobMargin = 8

type blob struct {
	x, y, sigma, amp float64
}

func renderBlobs(p Params, spots []blob, background float64, shift stack.ShiftVector) stack.Frame {
	max := float64(p.DType.MaxValue())
	vals := make([]float64, p.Width*p.Height)
	for i := range vals {
		vals[i] = background
	}
	for _, b := range spots {
		cx, cy := b.x+shift.DX, b.y+shift.DY
		reach := 10 * b.sigma
		x0, x1 := int(math.Max(0, math.Floor(cx-reach))), int(math.Min(float64(p.Width-1), math.Ceil(cx+reach)))
		y0, y1 := int(math.Max(0, math.Floor(cy-reach))), int(math.Min(float64(p.Height-1), math.Ceil(cy+reach)))
		inv := 1 / (2 * b.sigma * b.sigma)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				vals[y*p.Width+x] += b.amp * math.Exp(-(dx*dx+dy*dy)*inv)
			}
		}
	}
	for i, v := range vals {
		vals[i] = math.Min(v, max)
	}
	return stack.NewFrameFromFloats(p.Width, p.Height, vals)
}
