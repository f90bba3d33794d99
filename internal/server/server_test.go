package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fingerauth/internal/enroll"
	"fingerauth/internal/imageio"
	"fingerauth/internal/pipeline"
	"fingerauth/internal/scan"
	"fingerauth/internal/scan/scantest"
	"fingerauth/internal/storage"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeService struct {
	mu        sync.Mutex
	results   []chan pipeline.Result
	progress  []chan pipeline.Progress
	submitted []pipeline.Job
	err       error
	handle    func(pipeline.Job) pipeline.Result
}

func (f *fakeService) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, job)
	if f.handle != nil {
		go f.publish(f.handle(job))
	}
	return nil
}

func (f *fakeService) publish(res pipeline.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.results {
		select {
		case ch <- res:
		default:
		}
	}
}

func (f *fakeService) emit(p pipeline.Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.progress {
		select {
		case ch <- p:
		default:
		}
	}
}

func (f *fakeService) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 8)
	f.results = append(f.results, ch)
	return ch, func() {}
}

func (f *fakeService) SubscribeProgress() (<-chan pipeline.Progress, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Progress, 8)
	f.progress = append(f.progress, ch)
	return ch, func() {}
}

func (f *fakeService) jobs() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.submitted...)
}

func newTestServer(t *testing.T, svc *fakeService) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	s := NewServer("127.0.0.1:0", store, svc, quietLog())
	s.timeout = 2 * time.Second
	return s, store
}

func pngBytes(t *testing.T, g *scan.Grid) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imageio.EncodePNG(&buf, g); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{})
	rec := do(t, s.Routes(), "GET", "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestVerifyRunsJobWithDecodedImages(t *testing.T) {
	svc := &fakeService{handle: func(job pipeline.Job) pipeline.Result {
		if job.Probe == nil || job.Reference == nil || job.Type != pipeline.JobVerify {
			return pipeline.Result{Job: job, Error: pipeline.ErrMissingInput}
		}
		return pipeline.Result{Job: job, Meta: map[string]any{"match": job.Probe.Equal(job.Reference), "inliers": 40}}
	}}
	s, _ := newTestServer(t, svc)
	g := scantest.Texture(3)

	rec := do(t, s.Routes(), "POST", "/verify", verifyRequest{Probe: pngBytes(t, g), Reference: scantest.Raw(g)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["match"] != true || !strings.HasPrefix(out["job_id"].(string), "verify-") {
		t.Fatalf("unexpected body %v", out)
	}
}

func TestVerifyWithTemplateID(t *testing.T) {
	svc := &fakeService{handle: func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job, Error: storage.ErrNotFound}
	}}
	s, _ := newTestServer(t, svc)
	rec := do(t, s.Routes(), "POST", "/verify", verifyRequest{Probe: pngBytes(t, scantest.Texture(3)), Template: "gone"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if jobs := svc.jobs(); len(jobs) != 1 || jobs[0].Options["template"] != "gone" || jobs[0].Reference != nil {
		t.Fatalf("unexpected job %+v", jobs)
	}
}

func TestVerifyRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{})
	cases := map[string]any{
		"missing probe": verifyRequest{Reference: []byte{1}},
		"garbage image": verifyRequest{Probe: []byte("nope"), Reference: []byte("nope")},
		"wrong size":    verifyRequest{Probe: pngBytes(t, scan.NewGrid(10, 10)), Reference: []byte{1}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if rec := do(t, s.Routes(), "POST", "/verify", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
			}
		})
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("POST", "/verify", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
}

func TestIdentifyAndQueueFull(t *testing.T) {
	svc := &fakeService{handle: func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job, Meta: map[string]any{"match": true, "subject": "alice"}}
	}}
	s, _ := newTestServer(t, svc)
	rec := do(t, s.Routes(), "POST", "/identify", verifyRequest{Probe: pngBytes(t, scantest.Texture(4))})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alice") {
		t.Fatalf("unexpected identify response %d %s", rec.Code, rec.Body.String())
	}

	svc.err = pipeline.ErrQueueFull
	rec = do(t, s.Routes(), "POST", "/identify", verifyRequest{Probe: pngBytes(t, scantest.Texture(4))})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestEnrollAndMatchDirAreAsync(t *testing.T) {
	svc := &fakeService{}
	s, _ := newTestServer(t, svc)
	rec := do(t, s.Routes(), "POST", "/enroll", enrollRequest{Subject: "pilot"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec = do(t, s.Routes(), "POST", "/match-dir", matchDirRequest{Dir: "/prints"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	jobs := svc.jobs()
	if len(jobs) != 2 || jobs[0].Options["subject"] != "pilot" || jobs[1].InputPath != "/prints" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if rec := do(t, s.Routes(), "POST", "/enroll", enrollRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty subject, got %d", rec.Code)
	}
}

func TestTemplatesListAndDelete(t *testing.T) {
	s, store := newTestServer(t, &fakeService{})
	tpl := &enroll.Template{ID: "t1", Subject: "alice", CreatedAt: time.Now(), Samples: []enroll.Sample{{Grid: scantest.Texture(1)}}}
	if err := store.SaveTemplate(tpl); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s.Routes(), "GET", "/templates", nil)
	var infos []storage.TemplateInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil || len(infos) != 1 || infos[0].Subject != "alice" {
		t.Fatalf("unexpected listing %s %v", rec.Body.String(), err)
	}
	if rec := do(t, s.Routes(), "DELETE", "/templates/t1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, s.Routes(), "DELETE", "/templates/t1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, s.Routes(), "GET", "/templates", nil); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestWebSocketReceivesProgress(t *testing.T) {
	svc := &fakeService{}
	s, _ := newTestServer(t, svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.background(ctx)

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got := make(chan wsMessage, 1)
	go func() {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err == nil {
			got <- wsMessage{Type: msg.Type, Data: string(msg.Data)}
		}
	}()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-got:
			if msg.Type != "progress" || !strings.Contains(msg.Data.(string), enroll.StepPlaceFinger) {
				t.Fatalf("unexpected message %+v", msg)
			}
			return
		case <-tick.C:
			// The client registers asynchronously; keep emitting until it is in.
			svc.emit(pipeline.Progress{JobID: "e1", Event: enroll.Event{Step: enroll.StepPlaceFinger, Sample: 1}})
		case <-deadline:
			t.Fatalf("no websocket message")
		}
	}
}
