package shift

import (
	"context"
	"math"
	"testing"

	"chromalign/internal/register"
	"chromalign/internal/spectral"
	"chromalign/internal/stack"
	"chromalign/internal/synth"
)

func textureStacks(t *testing.T, dtype stack.DType, n int, d stack.ShiftVector) (*stack.Stack, *stack.Stack) {
	t.Helper()
	ref, target, err := synth.Stacks(synth.Params{Width: 64, Height: 48, DType: dtype, Seed: 3}, n, d)
	if err != nil {
		t.Fatalf("synth stacks: %v", err)
	}
	return ref, target
}

func TestApplyStackZeroShiftRoundTrip(t *testing.T) {
	ref, _ := textureStacks(t, stack.Uint16, 3, stack.ShiftVector{})

	res, err := Applier{Workers: 2}.ApplyStack(context.Background(), ref, stack.ShiftVector{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Stack == ref {
		t.Fatalf("expected a new stack")
	}
	if res.Stack.Len() != ref.Len() || res.Stack.DType() != ref.DType() || res.Stack.Size() != ref.Size() {
		t.Fatalf("shape changed: %s -> %s", ref, res.Stack)
	}
	for i := 0; i < ref.Len(); i++ {
		want, got := ref.Frame(i).Samples(), res.Stack.Frame(i).Samples()
		for j := range want {
			if want[j] != got[j] {
				t.Fatalf("frame %d sample %d: %d != %d", i, j, got[j], want[j])
			}
		}
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected clamp warnings %v", res.Warnings)
	}
}

func TestFourierPathZeroShiftIsExact(t *testing.T) {
	ref, _ := textureStacks(t, stack.Uint16, 1, stack.ShiftVector{})
	f := ref.Frame(0)

	vals := phaseShift(spectral.NewPlan(f.Width(), f.Height()), f, stack.ShiftVector{})
	if w := clampRound(vals, math.MaxUint16); w.Low+w.High != 0 {
		t.Fatalf("unexpected clamps %v", w)
	}
	want := f.Samples()
	for i, v := range vals {
		if uint16(v) != want[i] {
			t.Fatalf("sample %d: %v != %d", i, v, want[i])
		}
	}
}

func TestIntegerShiftFillsBorderWithoutWrap(t *testing.T) {
	ref, _ := textureStacks(t, stack.Uint16, 1, stack.ShiftVector{})
	in := ref.Frame(0)

	out, _, err := Applier{Fill: 7}.ApplyFrame(context.Background(), in, stack.Uint16, stack.ShiftVector{DX: 5})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	w := in.Width()
	for y := 0; y < in.Height(); y++ {
		for x := 0; x < w; x++ {
			got := out.At(x, y)
			if x >= w-5 {
				if got != 7 {
					t.Fatalf("(%d,%d): expected fill 7, got %d", x, y, got)
				}
				continue
			}
			if want := in.At(x+5, y); got != want {
				t.Fatalf("(%d,%d): expected %d, got %d", x, y, want, got)
			}
		}
	}
}

func TestFractionalShiftMasksBorder(t *testing.T) {
	ref, _ := textureStacks(t, stack.Uint16, 1, stack.ShiftVector{})
	in := ref.Frame(0)

	out, _, err := Applier{Fill: 0}.ApplyFrame(context.Background(), in, stack.Uint16, stack.ShiftVector{DX: 2.5, DY: -1.5})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	w, h := in.Width(), in.Height()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			border := x >= w-3 || y <= 1
			if border && out.At(x, y) != 0 {
				t.Fatalf("(%d,%d): expected fill, got %d", x, y, out.At(x, y))
			}
		}
	}
}

func TestClampWarningsReported(t *testing.T) {
	pix := make([]uint16, 16*4)
	for y := 0; y < 4; y++ {
		for x := 8; x < 16; x++ {
			pix[y*16+x] = 255
		}
	}
	f, err := stack.NewFrame(16, 4, pix)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	s, err := stack.New(stack.Uint8, 16, 4, []stack.Frame{f, f})
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}

	res, err := Applier{}.ApplyStack(context.Background(), s, stack.ShiftVector{DX: 0.5})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected a warning per frame, got %v", res.Warnings)
	}
	for i, w := range res.Warnings {
		if w.Frame != i || w.Low+w.High == 0 {
			t.Fatalf("unexpected warning %v", w)
		}
	}
	for i := 0; i < res.Stack.Len(); i++ {
		if m := res.Stack.Frame(i).Max(); m > 255 {
			t.Fatalf("frame %d exceeds uint8 range: %d", i, m)
		}
	}
}

func TestAlignedTargetReRegistersToZero(t *testing.T) {
	d := stack.ShiftVector{DX: 3.37, DY: -1.82}
	ref, target := textureStacks(t, stack.Uint16, 2, d)
	ctx := context.Background()

	est, err := register.EstimateStacks(ctx, ref, target, stack.ProjectFrame, 0, register.DefaultOptions())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	res, err := Applier{}.ApplyStack(ctx, target, est.Shift)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	again, err := register.EstimateStacks(ctx, ref, res.Stack, stack.ProjectFrame, 0, register.DefaultOptions())
	if err != nil {
		t.Fatalf("re-estimate: %v", err)
	}
	if math.Abs(again.Shift.DX) > 0.05 || math.Abs(again.Shift.DY) > 0.05 {
		t.Fatalf("expected residual shift near zero, got %v", again.Shift)
	}
}

func TestApplierRejectsBadInput(t *testing.T) {
	ref, _ := textureStacks(t, stack.Uint8, 1, stack.ShiftVector{})
	ctx := context.Background()

	if _, err := (Applier{}).ApplyStack(ctx, ref, stack.ShiftVector{DX: math.NaN()}); err == nil {
		t.Fatalf("expected error for NaN shift")
	}
	if _, err := (Applier{}).ApplyStack(ctx, ref, stack.ShiftVector{DY: math.Inf(1)}); err == nil {
		t.Fatalf("expected error for infinite shift")
	}
	if _, err := (Applier{Fill: 300}).ApplyStack(ctx, ref, stack.ShiftVector{DX: 1}); err == nil {
		t.Fatalf("expected error for fill outside uint8 range")
	}
}

func TestApplyStackHonorsCancellation(t *testing.T) {
	ref, _ := textureStacks(t, stack.Uint16, 4, stack.ShiftVector{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := (Applier{Workers: 1}).ApplyStack(ctx, ref, stack.ShiftVector{DX: 0.5}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func blobStacks(t *testing.T, d stack.ShiftVector) (*stack.Stack, *stack.Stack) {
	t.Helper()
	ref, target, err := synth.BlobStacks(synth.Params{Width: 128, Height: 128, DType: stack.Uint16, Seed: 5}, 2, 80, d)
	if err != nil {
		t.Fatalf("blob stacks: %v", err)
	}
	return ref, target
}

func TestIntegerShiftRestoresBlobInterior(t *testing.T) {
	d := stack.ShiftVector{DX: -2, DY: 3}
	ref, target := blobStacks(t, d)

	res, err := Applier{}.ApplyStack(context.Background(), target, d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Shift != d {
		t.Fatalf("expected applied shift %v, got %v", d, res.Shift)
	}
	for i := 0; i < ref.Len(); i++ {
		want, got := ref.Frame(i), res.Stack.Frame(i)
		for y := 0; y < 125; y++ {
			for x := 2; x < 128; x++ {
				if want.At(x, y) != got.At(x, y) {
					t.Fatalf("frame %d (%d,%d): got %d want %d", i, x, y, got.At(x, y), want.At(x, y))
				}
			}
		}
		if got.At(0, 0) != 0 || got.At(127, 127) != 0 {
			t.Fatalf("frame %d: uncovered border not filled", i)
		}
	}
}

func TestAlignedBlobTargetReRegistersToZero(t *testing.T) {
	d := stack.ShiftVector{DX: 3.37, DY: -1.82}
	ref, target := blobStacks(t, d)
	ctx := context.Background()

	est, err := register.EstimateStacks(ctx, ref, target, stack.ProjectMax, 0, register.DefaultOptions())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if math.Abs(est.Shift.DX-d.DX) > 0.15 || math.Abs(est.Shift.DY-d.DY) > 0.15 {
		t.Fatalf("expected estimate near %v, got %v", d, est.Shift)
	}
	res, err := Applier{}.ApplyStack(ctx, target, est.Shift)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Shift != est.Shift {
		t.Fatalf("result reports %v, applied %v", res.Shift, est.Shift)
	}

	again, err := register.EstimateStacks(ctx, ref, res.Stack, stack.ProjectMax, 0, register.DefaultOptions())
	if err != nil {
		t.Fatalf("re-estimate: %v", err)
	}
	if math.Abs(again.Shift.DX) > 0.15 || math.Abs(again.Shift.DY) > 0.15 {
		t.Fatalf("expected residual shift near zero, got %v", again.Shift)
	}
}
