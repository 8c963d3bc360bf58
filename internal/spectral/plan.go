// Package spectral holds the 2-D discrete Fourier transform used by
// registration and sub-pixel shifting. Transforms are separable: every row,
// then every column, each through a gonum CmplxFFT of that length. Any frame
// size is accepted; gonum factors non-power-of-two lengths internally.
package spectral

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Plan is a reusable 2-D transform for one frame size. A Plan is not safe for
// concurrent use; give each goroutine its own.
type Plan struct {
	width  int
	height int
	rows   *fourier.CmplxFFT
	cols   *fourier.CmplxFFT
	col    []complex128
}

func NewPlan(width, height int) *Plan {
	return &Plan{
		width:  width,
		height: height,
		rows:   fourier.NewCmplxFFT(width),
		cols:   fourier.NewCmplxFFT(height),
		col:    make([]complex128, height),
	}
}

func (p *Plan) Width() int  { return p.width }
func (p *Plan) Height() int { return p.height }

// Forward replaces data (row-major, width*height) with its unnormalized
// spectrum.
func (p *Plan) Forward(data []complex128) {
	p.check(data)
	for y := 0; y < p.height; y++ {
		row := data[y*p.width : (y+1)*p.width]
		p.rows.Coefficients(row, row)
	}
	p.eachColumn(data, p.cols.Coefficients)
}

// Inverse replaces a spectrum with its sequence, scaled by 1/(width*height)
// so that Inverse(Forward(x)) == x.
func (p *Plan) Inverse(data []complex128) {
	p.check(data)
	for y := 0; y < p.height; y++ {
		row := data[y*p.width : (y+1)*p.width]
		p.rows.Sequence(row, row)
	}
	p.eachColumn(data, p.cols.Sequence)

	scale := complex(1/float64(p.width*p.height), 0)
	for i := range data {
		data[i] *= scale
	}
}

func (p *Plan) eachColumn(data []complex128, fn func(dst, src []complex128) []complex128) {
	for x := 0; x < p.width; x++ {
		for y := 0; y < p.height; y++ {
			p.col[y] = data[y*p.width+x]
		}
		fn(p.col, p.col)
		for y := 0; y < p.height; y++ {
			data[y*p.width+x] = p.col[y]
		}
	}
}

func (p *Plan) check(data []complex128) {
	if len(data) != p.width*p.height {
		panic("spectral: buffer length does not match plan size")
	}
}

// FreqX is the signed frequency, in cycles per pixel, of spectrum column i.
func (p *Plan) FreqX(i int) float64 { return p.rows.Freq(i) }

// FreqY is the signed frequency of spectrum row j.
func (p *Plan) FreqY(j int) float64 { return p.cols.Freq(j) }

// Complex widens real samples into a fresh complex buffer.
func Complex(vals []float64) []complex128 {
	out := make([]complex128, len(vals))
	for i, v := range vals {
		out[i] = complex(v, 0)
	}
	return out
}

// Real returns the real parts of data.
func Real(data []complex128) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = real(v)
	}
	return out
}

// WrapIndex maps a DFT index into the signed range [-n/2, n/2).
func WrapIndex(i, n int) int {
	if i > (n-1)/2 {
		return i - n
	}
	return i
}

// Cis returns exp(i*2*pi*t).
func Cis(t float64) complex128 {
	s, c := math.Sincos(2 * math.Pi * t)
	return complex(c, s)
}
