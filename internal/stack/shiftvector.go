package stack

import (
	"fmt"
	"math"
)

// integralTolerance decides when a component counts as a whole pixel.
const integralTolerance = 1e-9

// ShiftVector is the displacement of target content relative to the
// reference, in pixels: target(x, y) ≈ reference(x-DX, y-DY).
type ShiftVector struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Add returns the component-wise sum.
func (v ShiftVector) Add(o ShiftVector) ShiftVector {
	return ShiftVector{DX: v.DX + o.DX, DY: v.DY + o.DY}
}

// Neg returns the opposite displacement.
func (v ShiftVector) Neg() ShiftVector { return ShiftVector{DX: -v.DX, DY: -v.DY} }

func (v ShiftVector) IsZero() bool { return v.DX == 0 && v.DY == 0 }

func (v ShiftVector) IsFinite() bool {
	return !math.IsNaN(v.DX) && !math.IsInf(v.DX, 0) && !math.IsNaN(v.DY) && !math.IsInf(v.DY, 0)
}

// IsIntegral reports whether both components are whole pixels.
func (v ShiftVector) IsIntegral() bool {
	return math.Abs(v.DX-math.Round(v.DX)) < integralTolerance &&
		math.Abs(v.DY-math.Round(v.DY)) < integralTolerance
}

// Norm is the Euclidean length of the vector.
func (v ShiftVector) Norm() float64 { return math.Hypot(v.DX, v.DY) }

func (v ShiftVector) String() string {
	return fmt.Sprintf("(%+.3f, %+.3f)", v.DX, v.DY)
}
