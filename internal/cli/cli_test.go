package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"chromalign/internal/config"
	"chromalign/internal/logging"
	"chromalign/internal/pipeline"
	"chromalign/internal/stack"
	"chromalign/internal/storage"
	"chromalign/internal/tiffio"
)

func run(root *Root, args ...string) error {
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestAlignCommandQueuesJob(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	out := filepath.Join(t.TempDir(), "aligned")

	captureOutput(t, func() {
		if err := run(root, "align", "ref", "target", out, "--dx", "1.5", "--projection", "frame", "--frame-index", "2"); err != nil {
			t.Fatalf("align failed: %v", err)
		}
	})
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobAlign || job.Reference != "ref" || job.Target != "target" || job.Output != out {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options["dx"] != 1.5 || job.Options["projection"] != "frame" || job.Options["frame_index"] != 2 {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if job.Options["manual_only"] != false {
		t.Fatalf("manual_only should default to false")
	}
}

func TestAlignDefaultsOutputFromConfig(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	captureOutput(t, func() {
		if err := run(root, "align", "ref", "target", "--manual-only"); err != nil {
			t.Fatalf("align failed: %v", err)
		}
	})
	job := fakePipe.jobs[0]
	if job.Output != root.cfg.Paths.DefaultOutput {
		t.Fatalf("expected default output %q, got %q", root.cfg.Paths.DefaultOutput, job.Output)
	}
	if _, ok := job.Options["frame_index"]; ok {
		t.Fatalf("frame_index must only be sent when set")
	}
}

func TestRegisterCommandPrintsShift(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.meta = map[string]any{"dx": 3.37, "dy": -1.82, "confidence": 12.5, "ambiguous": true}

	output := captureOutput(t, func() {
		if err := run(root, "register", "ref", "target"); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	})
	for _, want := range []string{"dx=3.3700", "dy=-1.8200", "Confidence: 12.50", "ambiguous"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}
	if fakePipe.jobs[0].Type != pipeline.JobRegister {
		t.Fatalf("expected register job, got %s", fakePipe.jobs[0].Type)
	}
}

func TestRegisterCommandJSON(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.meta = map[string]any{"dx": 1.0, "dy": 2.0}

	output := captureOutput(t, func() {
		if err := run(root, "register", "ref", "target", "--json"); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	})
	if !strings.Contains(output, `"dx": 1`) {
		t.Fatalf("expected JSON output, got %s", output)
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	cases := [][]string{
		{"align", "only-one"},
		{"register", "a", "b", "c"},
		{"register", "a", "b", "--projection", "mean"},
		{"synth", t.TempDir(), "--dtype", "float32"},
		{"synth", t.TempDir(), "--width", "4"},
	}
	for _, args := range cases {
		if err := run(root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("invalid commands must not queue jobs, got %d", len(fakePipe.jobs))
	}
}

func TestJobErrorIsReturned(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	boom := errors.New("registration failed")
	fakePipe.jobErrors[string(pipeline.JobRegister)] = boom

	if err := run(root, "register", "ref", "target"); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestSynthWritesLoadableStacks(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dir := t.TempDir()

	captureOutput(t, func() {
		if err := run(root, "synth", dir, "--width", "32", "--height", "16", "--frames", "2", "--dtype", "uint8"); err != nil {
			t.Fatalf("synth failed: %v", err)
		}
	})
	for _, name := range []string{"reference", "target"} {
		s, err := tiffio.LoadStack(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if s.Len() != 2 || s.Width() != 32 || s.Height() != 16 || s.DType() != stack.Uint8 {
			t.Fatalf("unexpected %s stack %s", name, s)
		}
	}
}

func TestSessionsCommandListsStore(t *testing.T) {
	root, _, store := newTestRoot(t)
	if err := store.UpsertSession(storage.SessionRecord{ID: "sess-1", Status: "ReadyForPreview", AutoDX: 1, ManualDX: 0.5, ReferencePath: "r", TargetPath: "t"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.RecordExport(storage.ExportRecord{SessionID: "sess-1", OutputDir: "out", Frames: 4}); err != nil {
		t.Fatalf("seed export: %v", err)
	}

	list := captureOutput(t, func() {
		if err := run(root, "sessions"); err != nil {
			t.Fatalf("sessions failed: %v", err)
		}
	})
	if !strings.Contains(list, "sess-1") || !strings.Contains(list, "dx=   1.500") {
		t.Fatalf("unexpected listing:\n%s", list)
	}

	show := captureOutput(t, func() {
		if err := run(root, "sessions", "show", "sess-1"); err != nil {
			t.Fatalf("sessions show failed: %v", err)
		}
	})
	if !strings.Contains(show, "Export:     out (4 frames") {
		t.Fatalf("unexpected detail:\n%s", show)
	}
}

func TestConfigValidate(t *testing.T) {
	root, _, _ := newTestRoot(t)
	captureOutput(t, func() {
		if err := run(root, "config", "validate"); err != nil {
			t.Fatalf("default config should validate: %v", err)
		}
	})

	root.cfg.Alignment.Window = 4
	if err := run(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error for even window")
	}
}

func TestConfigShow(t *testing.T) {
	root, _, _ := newTestRoot(t)
	output := captureOutput(t, func() {
		if err := run(root, "config", "show"); err != nil {
			t.Fatalf("config show failed: %v", err)
		}
	})
	if !strings.Contains(output, "Upsample factor: 100") {
		t.Fatalf("unexpected output:\n%s", output)
	}

	yamlOut := captureOutput(t, func() {
		if err := run(root, "config", "show", "--yaml"); err != nil {
			t.Fatalf("config show --yaml failed: %v", err)
		}
	})
	if !strings.Contains(yamlOut, "upsample_factor: 100") {
		t.Fatalf("unexpected yaml:\n%s", yamlOut)
	}
}

func TestServeUsesServerFunc(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var gotAddr string
	var gotWatch bool
	root.serveFn = func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
		gotAddr, gotWatch = cfg.Server.Addr, cfg.Server.WatchInputs
		return nil
	}
	if err := run(root, "serve", "--addr", ":9999", "--watch-inputs"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != ":9999" || !gotWatch {
		t.Fatalf("flags not applied: addr=%q watch=%t", gotAddr, gotWatch)
	}
	if root.cfg.Server.Addr == ":9999" {
		t.Fatalf("serve flags must not mutate the shared config")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _, _ := newTestRoot(t)
	output := captureOutput(t, func() {
		if err := run(root, "version"); err != nil {
			t.Fatalf("version failed: %v", err)
		}
	})
	if !strings.Contains(output, Version) {
		t.Fatalf("expected version in output, got %q", output)
	}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *storage.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DefaultOutput = filepath.Join(t.TempDir(), "default-out")
	store, err := storage.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := NewRoot(nil, cfg, logging.Discard(), store)
	fakePipe := newFakePipeline()
	root.pipeline = fakePipe
	root.serveFn = func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
		return nil
	}
	return root, fakePipe, store
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	jobErrors map[string]error
	meta      map[string]any
	subs      map[int]chan pipeline.Result
	nextSubID int
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		jobErrors: make(map[string]error),
		subs:      make(map[int]chan pipeline.Result),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	err := f.errorFor(job)
	meta := f.meta
	if meta == nil {
		meta = map[string]any{"ok": true}
	}
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: meta}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return job.ID, nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(&buf, r)
		close(done)
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	<-done
	return buf.String()
}
