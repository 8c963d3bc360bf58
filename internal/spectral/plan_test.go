package spectral

import (
	"math"
	"math/cmplx"
	"testing"
)

func TestRoundTripOddSize(t *testing.T) {
	p := NewPlan(5, 3)
	vals := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	data := Complex(vals)
	p.Forward(data)
	p.Inverse(data)
	for i, v := range Real(data) {
		if math.Abs(v-vals[i]) > 1e-9 {
			t.Fatalf("sample %d: got %v want %v", i, v, vals[i])
		}
	}
}

func TestForwardOfImpulseIsFlat(t *testing.T) {
	p := NewPlan(4, 4)
	data := make([]complex128, 16)
	data[0] = 1
	p.Forward(data)
	for i, v := range data {
		if cmplx.Abs(v-1) > 1e-12 {
			t.Fatalf("bin %d: got %v want 1", i, v)
		}
	}
}

func TestWrapIndex(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{0, 4, 0}, {1, 4, 1}, {2, 4, -2}, {3, 4, -1},
		{2, 5, 2}, {3, 5, -2}, {4, 5, -1},
	}
	for _, tt := range tests {
		if got := WrapIndex(tt.i, tt.n); got != tt.want {
			t.Errorf("WrapIndex(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}

func TestBufferSizeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewPlan(4, 4).Forward(make([]complex128, 15))
}
