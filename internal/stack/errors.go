package stack

import "fmt"

// DimensionError reports frames or stacks whose dimensions do not fit the
// operation: mismatched sizes, empty stacks or out-of-range frame indices.
type DimensionError struct {
	Op     string
	Want   Size
	Got    Size
	Detail string
}

func (e *DimensionError) Error() string {
	msg := fmt.Sprintf("%s: dimension error", e.Op)
	if e.Want != (Size{}) || e.Got != (Size{}) {
		msg += fmt.Sprintf(" (want %s, got %s)", e.Want, e.Got)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
