package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chromalign/internal/config"
	"chromalign/internal/logging"
	"chromalign/internal/pipeline"
	"chromalign/internal/register"
	"chromalign/internal/session"
	"chromalign/internal/stack"
	"chromalign/internal/storage"
	"chromalign/internal/synth"
)

type stubExporter struct {
	dir    string
	frames int
}

func (s *stubExporter) Export(ctx context.Context, st *stack.Stack, dir string) ([]string, error) {
	s.dir, s.frames = dir, st.Len()
	files := make([]string, st.Len())
	for i := range files {
		files[i] = filepath.Join(dir, fmt.Sprintf("frame_%04d.tif", i))
	}
	return files, nil
}

func newTestServer(t *testing.T, pipe *pipeline.Pipeline) (*Server, *httptest.Server, *stubExporter) {
	t.Helper()
	ref, target, err := synth.Stacks(synth.Params{Width: 32, Height: 24, DType: stack.Uint16, Seed: 11}, 2, stack.ShiftVector{})
	if err != nil {
		t.Fatalf("synth: %v", err)
	}
	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Paths.DefaultOutput = t.TempDir()
	s := NewServer(cfg, store, pipe, logging.Discard())
	s.load = func(path string) (*stack.Stack, error) {
		switch path {
		case "ref":
			return ref, nil
		case "target":
			return target, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	exp := &stubExporter{}
	s.exporter = exp
	s.sessOpts.SettleDelay = 0
	s.sessOpts.Estimator = func(ctx context.Context, _, _ *stack.Stack, _ stack.ProjectionMode, _ int, _ register.Options) (register.Estimate, error) {
		return register.Estimate{Shift: stack.ShiftVector{DX: 2, DY: -1}, Confidence: 8}, nil
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.sessions.closeAll()
	})
	return s, ts, exp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func createSession(t *testing.T, ts *httptest.Server, body map[string]any) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/sessions", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out["id"]
}

func getState(t *testing.T, ts *httptest.Server, id string) session.State {
	t.Helper()
	resp, err := http.Get(ts.URL + "/sessions/" + id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	defer resp.Body.Close()
	var st session.State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func waitStatus(t *testing.T, ts *httptest.Server, id string, want session.Status) session.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := getState(t, ts, id); st.Status == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", id, want)
	return session.State{}
}

func TestHealthz(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSessionRegisterNudgePreviewExport(t *testing.T) {
	s, ts, exp := newTestServer(t, nil)
	id := createSession(t, ts, map[string]any{"reference": "ref", "target": "target"})

	st := waitStatus(t, ts, id, session.ReadyForPreview)
	if st.Auto.DX != 2 || st.Auto.DY != -1 {
		t.Fatalf("unexpected auto shift %+v", st.Auto)
	}

	resp := postJSON(t, ts.URL+"/sessions/"+id+"/nudge", map[string]float64{"dx": 0.5, "dy": 0})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("nudge: expected 200, got %d", resp.StatusCode)
	}

	for _, q := range []string{"", "?overlay=1"} {
		resp, err := http.Get(ts.URL + "/sessions/" + id + "/preview.png" + q)
		if err != nil {
			t.Fatalf("preview: %v", err)
		}
		img, err := png.Decode(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("preview%s is not a png: %v", q, err)
		}
		if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
			t.Fatalf("unexpected preview size %v", b)
		}
	}

	resp = postJSON(t, ts.URL+"/sessions/"+id+"/export", map[string]string{"output": "aligned"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", resp.StatusCode)
	}
	var out exportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if out.Shift.DX != 2.5 || out.Shift.DY != -1 || len(out.Files) != 2 {
		t.Fatalf("unexpected export response %+v", out)
	}
	if exp.dir != "aligned" || exp.frames != 2 {
		t.Fatalf("exporter not called as expected: %+v", exp)
	}
	if out.State.Status != session.Closed {
		t.Fatalf("expected closed session after export, got %s", out.State.Status)
	}

	recs, err := s.store.Exports(id)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected persisted export, got %v (%v)", recs, err)
	}

	// a second export is rejected
	resp2 := postJSON(t, ts.URL+"/sessions/"+id+"/export", map[string]string{})
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 after close, got %d", resp2.StatusCode)
	}
}

func TestSessionStatePersisted(t *testing.T) {
	s, ts, _ := newTestServer(t, nil)
	id := createSession(t, ts, map[string]any{"reference": "ref", "target": "target"})
	waitStatus(t, ts, id, session.ReadyForPreview)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := s.store.Session(id)
		if err == nil && rec.Status == session.ReadyForPreview.String() {
			if rec.AutoDX != 2 {
				t.Fatalf("unexpected persisted shift %+v", rec)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session state never persisted")
}

func TestCreateSessionErrors(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing target", map[string]any{"reference": "ref"}, http.StatusBadRequest},
		{"unknown stack", map[string]any{"reference": "ref", "target": "nope"}, http.StatusNotFound},
		{"bad projection", map[string]any{"reference": "ref", "target": "target", "projection": "mean"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/sessions", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestManualOnlyExportFromIdleConflicts(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	id := createSession(t, ts, map[string]any{"reference": "ref", "target": "target", "manual_only": true})

	resp := postJSON(t, ts.URL+"/sessions/"+id+"/export", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/sessions/"+id+"/nudge", map[string]float64{"dx": 1})
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/sessions/"+id+"/export", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected export after nudge to succeed, got %d", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	id := createSession(t, ts, map[string]any{"reference": "ref", "target": "target", "manual_only": true})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/sessions/" + id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestSessionWebSocketNudge(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	id := createSession(t, ts, map[string]any{"reference": "ref", "target": "target", "manual_only": true})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev session.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if ev.State.ID != id {
		t.Fatalf("snapshot for wrong session: %+v", ev.State)
	}

	if err := conn.WriteJSON(map[string]any{"type": "nudge", "dx": 1.5, "dy": -0.5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Type == session.EventShift {
			break
		}
	}
	if ev.State.Manual.DX != 1.5 || ev.State.Manual.DY != -0.5 || ev.State.Status != session.Refining {
		t.Fatalf("unexpected state after nudge %+v", ev.State)
	}
}

func TestJobsSubmitAndStream(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job, Meta: map[string]any{"dx": 1.0}}
	})
	pipe := pipeline.NewWithProcessor(context.Background(), 1, 4, logging.Discard(), nil, proc)
	defer pipe.Stop()
	_, ts, _ := newTestServer(t, pipe)

	streamReq, _ := http.NewRequest(http.MethodGet, ts.URL+"/stream", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := http.DefaultClient.Do(streamReq.WithContext(ctx))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Body.Close()

	resp := postJSON(t, ts.URL+"/jobs", map[string]any{"type": "register", "reference": "ref", "target": "target"})
	var submitted map[string]string
	json.NewDecoder(resp.Body).Decode(&submitted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || submitted["id"] == "" {
		t.Fatalf("expected 202 with id, got %d %v", resp.StatusCode, submitted)
	}

	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev jobEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.ID != submitted["id"] || ev.Meta["dx"] != 1.0 {
			t.Fatalf("unexpected job event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without event: %v", sc.Err())
}

func TestSubmitRejectsUnknownJobType(t *testing.T) {
	pipe := pipeline.NewWithProcessor(context.Background(), 1, 1, logging.Discard(), nil, processorFunc(func(ctx context.Context, job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job}
	}))
	defer pipe.Stop()
	_, ts, _ := newTestServer(t, pipe)

	resp := postJSON(t, ts.URL+"/jobs", map[string]any{"type": "timelapse"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

type processorFunc func(ctx context.Context, job pipeline.Job) pipeline.Result

func (f processorFunc) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return f(ctx, job)
}
