package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chromalign/internal/logging"
)

func waitChange(t *testing.T, w *Watcher) Change {
	t.Helper()
	select {
	case c, ok := <-w.Changes:
		if !ok {
			t.Fatalf("changes channel closed")
		}
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return Change{}
}

func TestWatchSingleFileStack(t *testing.T) {
	dir := t.TempDir()
	stackPath := filepath.Join(dir, "ref.tif")
	other := filepath.Join(dir, "notes.tif")
	if err := os.WriteFile(stackPath, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New([]string{stackPath}, 20*time.Millisecond, logging.Discard())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stackPath, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := waitChange(t, w)
	if len(c.Paths) != 1 || filepath.Base(c.Paths[0]) != "ref.tif" {
		t.Fatalf("expected only ref.tif, got %v", c.Paths)
	}
}

func TestWatchDirectoryStackDebounces(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 100*time.Millisecond, logging.Discard())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	for _, name := range []string{"frame_0000.tif", "frame_0001.tif", "readme.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	c := waitChange(t, w)
	if len(c.Paths) != 2 {
		t.Fatalf("expected both frames in one change, got %v", c.Paths)
	}
}

func TestStopClosesChanges(t *testing.T) {
	w, err := New([]string{t.TempDir()}, time.Millisecond, logging.Discard())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()
	w.Stop()
	if _, ok := <-w.Changes; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestNewRejectsMissingPath(t *testing.T) {
	if _, err := New([]string{filepath.Join(t.TempDir(), "missing")}, time.Millisecond, nil); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
