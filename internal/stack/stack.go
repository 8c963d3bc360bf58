package stack

import (
	"fmt"
	"math"
)

// DType enumerates the supported sample formats.
type DType int

const (
	Uint8 DType = iota
	Uint16
)

// Supported reports whether d is one of the unsigned integer sample types.
func (d DType) Supported() bool { return d == Uint8 || d == Uint16 }

// MaxValue returns the largest representable sample.
func (d DType) MaxValue() uint16 {
	if d == Uint8 {
		return math.MaxUint8
	}
	return math.MaxUint16
}

// BitDepth returns the number of bits per sample.
func (d DType) BitDepth() int {
	if d == Uint8 {
		return 8
	}
	return 16
}

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType maps "uint8"/"uint16" (or 8/16) to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "uint8", "u8", "8":
		return Uint8, nil
	case "uint16", "u16", "16":
		return Uint16, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Frame is one 2-D grid of intensity samples stored row-major. 8-bit data
// is widened to uint16; the owning Stack carries the real dtype.
type Frame struct {
	width  int
	height int
	pix    []uint16
}

// NewFrame copies pix into a new frame of the given size.
func NewFrame(width, height int, pix []uint16) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, &DimensionError{Op: "new frame", Want: Size{width, height}}
	}
	if len(pix) != width*height {
		return Frame{}, fmt.Errorf("new frame: %d samples for %dx%d", len(pix), width, height)
	}
	cp := make([]uint16, len(pix))
	copy(cp, pix)
	return Frame{width: width, height: height, pix: cp}, nil
}

// NewFrameFromFloats rounds values into a frame without range checks.
// Callers are expected to have clamped already.
func NewFrameFromFloats(width, height int, vals []float64) Frame {
	pix := make([]uint16, len(vals))
	for i, v := range vals {
		pix[i] = uint16(math.Round(v))
	}
	return Frame{width: width, height: height, pix: pix}
}

func (f Frame) Width() int  { return f.width }
func (f Frame) Height() int { return f.height }
func (f Frame) Size() Size  { return Size{f.width, f.height} }
func (f Frame) Len() int    { return len(f.pix) }

// At returns the sample at column x, row y.
func (f Frame) At(x, y int) uint16 { return f.pix[y*f.width+x] }

// Samples returns a copy of the sample buffer.
func (f Frame) Samples() []uint16 {
	cp := make([]uint16, len(f.pix))
	copy(cp, f.pix)
	return cp
}

// Float64s returns the samples as a fresh float64 buffer.
func (f Frame) Float64s() []float64 {
	out := make([]float64, len(f.pix))
	for i, v := range f.pix {
		out[i] = float64(v)
	}
	return out
}

// Max returns the largest sample in the frame.
func (f Frame) Max() uint16 {
	var m uint16
	for _, v := range f.pix {
		if v > m {
			m = v
		}
	}
	return m
}

// Size is a width/height pair.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Stack is an ordered, immutable sequence of frames sharing dtype and size.
type Stack struct {
	dtype  DType
	width  int
	height int
	frames []Frame
}

// New builds a stack. Frames are copied so later changes by the caller
// cannot reach the stack.
func New(dtype DType, width, height int, frames []Frame) (*Stack, error) {
	if !dtype.Supported() {
		return nil, fmt.Errorf("new stack: unsupported dtype %v", dtype)
	}
	if width <= 0 || height <= 0 {
		return nil, &DimensionError{Op: "new stack", Want: Size{width, height}}
	}
	max := dtype.MaxValue()
	s := &Stack{dtype: dtype, width: width, height: height, frames: make([]Frame, len(frames))}
	for i, f := range frames {
		if f.width != width || f.height != height {
			return nil, &DimensionError{Op: "new stack", Want: Size{width, height}, Got: f.Size(), Detail: fmt.Sprintf("frame %d", i)}
		}
		for _, v := range f.pix {
			if v > max {
				return nil, fmt.Errorf("new stack: frame %d sample %d exceeds %s range", i, v, dtype)
			}
		}
		cp := make([]uint16, len(f.pix))
		copy(cp, f.pix)
		s.frames[i] = Frame{width: width, height: height, pix: cp}
	}
	return s, nil
}

// adopt wraps frames the package already owns without copying.
func adopt(dtype DType, width, height int, frames []Frame) *Stack {
	return &Stack{dtype: dtype, width: width, height: height, frames: frames}
}

// FromOwnedFrames builds a stack from frames produced by this module's
// own transforms. The caller must not retain the frames' buffers.
func FromOwnedFrames(dtype DType, width, height int, frames []Frame) (*Stack, error) {
	for i, f := range frames {
		if f.width != width || f.height != height {
			return nil, &DimensionError{Op: "assemble stack", Want: Size{width, height}, Got: f.Size(), Detail: fmt.Sprintf("frame %d", i)}
		}
	}
	return adopt(dtype, width, height, frames), nil
}

func (s *Stack) DType() DType { return s.dtype }
func (s *Stack) Width() int   { return s.width }
func (s *Stack) Height() int  { return s.height }
func (s *Stack) Size() Size   { return Size{s.width, s.height} }
func (s *Stack) Len() int     { return len(s.frames) }

// Frame returns frame i. Frames are value types over shared read-only
// storage; none of their methods mutate it.
func (s *Stack) Frame(i int) Frame { return s.frames[i] }

func (s *Stack) String() string {
	return fmt.Sprintf("Stack[%s %s x%d]", s.dtype, s.Size(), len(s.frames))
}

// CheckPair verifies that two stacks can be registered against each other:
// same width/height and both unsigned integer dtypes. The bit depths may
// differ since correlation only uses phase. Frame counts may differ.
func CheckPair(ref, target *Stack) error {
	if ref == nil || target == nil {
		return fmt.Errorf("check pair: nil stack")
	}
	for _, s := range []*Stack{ref, target} {
		if !s.dtype.Supported() {
			return fmt.Errorf("check pair: unsupported dtype %v", s.dtype)
		}
	}
	if ref.Size() != target.Size() {
		return &DimensionError{Op: "check pair", Want: ref.Size(), Got: target.Size()}
	}
	return nil
}
