// Package display maps stored samples to 8-bit images for previews. It never
// touches the data that gets exported.
package display

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/codahale/hdrhistogram"
	"github.com/lucasb-eyer/go-colorful"

	"chromalign/internal/stack"
)

// Mode selects how contrast limits are chosen.
type Mode int

const (
	// MinMax stretches the frame's full range onto 0..255.
	MinMax Mode = iota
	// Percentile clips to the configured low/high percentiles first.
	Percentile
)

func (m Mode) String() string {
	if m == Percentile {
		return "percentile"
	}
	return "minmax"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "minmax", "min-max":
		return MinMax, nil
	case "percentile", "clip":
		return Percentile, nil
	}
	return 0, fmt.Errorf("unknown display mode %q", s)
}

// Mapper converts frames to display images.
type Mapper struct {
	Mode           Mode
	LowPercentile  float64 // 0..100, Percentile mode only
	HighPercentile float64
}

// DefaultMapper is a plain min-max stretch.
func DefaultMapper() Mapper {
	return Mapper{Mode: MinMax, LowPercentile: 0.5, HighPercentile: 99.5}
}

// Limits returns the sample values mapped to black and white.
func (m Mapper) Limits(f stack.Frame) (lo, hi uint16) {
	if f.Len() == 0 {
		return 0, 0
	}
	if m.Mode == Percentile {
		return percentileLimits(f, m.LowPercentile, m.HighPercentile)
	}
	lo = math.MaxUint16
	for _, v := range f.Samples() {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// percentileLimits reads the limits from an HDR histogram of the samples.
// Values are offset by one because the histogram cannot track zero.
func percentileLimits(f stack.Frame, low, high float64) (uint16, uint16) {
	h := hdrhistogram.New(1, math.MaxUint16+1, 3)
	for _, v := range f.Samples() {
		_ = h.RecordValue(int64(v) + 1)
	}
	lo := h.ValueAtQuantile(low) - 1
	hi := h.ValueAtQuantile(high) - 1
	return clampU16(lo), clampU16(hi)
}

func clampU16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// Map stretches f between its limits onto 0..255. A flat frame maps to black.
func (m Mapper) Map(f stack.Frame) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width(), f.Height()))
	lo, hi := m.Limits(f)
	if hi <= lo {
		return img
	}
	scale := 255 / float64(hi-lo)
	for y := 0; y < f.Height(); y++ {
		for x := 0; x < f.Width(); x++ {
			v := (float64(f.At(x, y)) - float64(lo)) * scale
			img.Pix[y*img.Stride+x] = uint8(math.Round(math.Min(math.Max(v, 0), 255)))
		}
	}
	return img
}

// Palette colours the two channels of an overlay.
type Palette struct {
	Reference colorful.Color
	Target    colorful.Color
}

// DefaultPalette is magenta/green: aligned structure appears white.
func DefaultPalette() Palette {
	p, _ := ParsePalette("#ff00ff", "#00ff00")
	return p
}

// ParsePalette reads hex colours such as "#ff00ff".
func ParsePalette(reference, target string) (Palette, error) {
	r, err := colorful.Hex(reference)
	if err != nil {
		return Palette{}, fmt.Errorf("reference colour: %w", err)
	}
	t, err := colorful.Hex(target)
	if err != nil {
		return Palette{}, fmt.Errorf("target colour: %w", err)
	}
	return Palette{Reference: r, Target: t}, nil
}

// Overlay composites the mapped reference and target additively in their
// palette colours.
func (m Mapper) Overlay(ref, target stack.Frame, p Palette) (*image.RGBA, error) {
	if ref.Size() != target.Size() {
		return nil, &stack.DimensionError{Op: "overlay", Want: ref.Size(), Got: target.Size()}
	}
	a, b := m.Map(ref), m.Map(target)
	img := image.NewRGBA(a.Rect)
	for y := 0; y < ref.Height(); y++ {
		for x := 0; x < ref.Width(); x++ {
			wa := float64(a.GrayAt(x, y).Y) / 255
			wb := float64(b.GrayAt(x, y).Y) / 255
			c := colorful.Color{
				R: p.Reference.R*wa + p.Target.R*wb,
				G: p.Reference.G*wa + p.Target.G*wb,
				B: p.Reference.B*wa + p.Target.B*wb,
			}.Clamped()
			r8, g8, b8 := c.RGB255()
			img.SetRGBA(x, y, color.RGBA{R: r8, G: g8, B: b8, A: 255})
		}
	}
	return img, nil
}
