package stack

import (
	"fmt"
	"strings"
)

// ProjectionMode selects how a stack is reduced to one representative frame.
type ProjectionMode int

const (
	// ProjectMax keeps the per-pixel maximum across all frames, which
	// captures in-focus structure regardless of which slice is sharpest.
	ProjectMax ProjectionMode = iota
	// ProjectFrame uses one designated frame.
	ProjectFrame
)

func (m ProjectionMode) String() string {
	switch m {
	case ProjectMax:
		return "max"
	case ProjectFrame:
		return "frame"
	default:
		return fmt.Sprintf("projection(%d)", int(m))
	}
}

func (m ProjectionMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ProjectionMode) UnmarshalText(b []byte) error {
	v, err := ParseProjectionMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseProjectionMode accepts "max" (also "mip") and "frame" (also "single").
func ParseProjectionMode(s string) (ProjectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "max", "mip", "max-projection":
		return ProjectMax, nil
	case "frame", "single", "single-frame":
		return ProjectFrame, nil
	}
	return 0, fmt.Errorf("unknown projection mode %q", s)
}

// Project reduces s to one frame. index is only used by ProjectFrame.
// The returned frame is independent of the stack's storage.
func Project(s *Stack, mode ProjectionMode, index int) (Frame, error) {
	if s == nil || len(s.frames) == 0 {
		return Frame{}, &DimensionError{Op: "project", Detail: "empty stack"}
	}

	switch mode {
	case ProjectFrame:
		if index < 0 || index >= len(s.frames) {
			return Frame{}, &DimensionError{
				Op:     "project",
				Detail: fmt.Sprintf("frame index %d out of range [0,%d)", index, len(s.frames)),
			}
		}
		return copyFrame(s.frames[index]), nil
	case ProjectMax:
		return maxProjection(s.frames), nil
	default:
		return Frame{}, fmt.Errorf("project: unsupported mode %v", mode)
	}
}

func maxProjection(frames []Frame) Frame {
	out := copyFrame(frames[0])
	for _, f := range frames[1:] {
		for i, v := range f.pix {
			if v > out.pix[i] {
				out.pix[i] = v
			}
		}
	}
	return out
}

func copyFrame(f Frame) Frame {
	cp := make([]uint16, len(f.pix))
	copy(cp, f.pix)
	return Frame{width: f.width, height: f.height, pix: cp}
}
