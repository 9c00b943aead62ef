package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// fakeEngine is an httptest stand-in for the node-graph engine: it accepts
// /prompt submissions and replays scripted websocket events once a prompt
// has been received.
type fakeEngine struct {
	t        *testing.T
	server   *httptest.Server
	events   []string
	prompts  chan []byte
	upgrader websocket.Upgrader
}

func newFakeEngine(t *testing.T, events ...string) *fakeEngine {
	f := &fakeEngine{t: t, events: events, prompts: make(chan []byte, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.prompts <- body
		w.Write([]byte(`{"prompt_id":"prompt-1","number":1}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		select {
		case body := <-f.prompts:
			f.prompts <- body // keep it readable for assertions
		case <-r.Context().Done():
			return
		}
		// Give the worker a beat to register the prompt id.
		time.Sleep(100 * time.Millisecond)
		for _, ev := range f.events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func startEngine(t *testing.T, f *fakeEngine, opts Options) *Engine {
	t.Helper()
	opts.BaseURL = f.server.URL
	e := New(opts, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	return e
}

func waitTerminal(t *testing.T, e *Engine, id string) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snap, err := e.Lookup(id)
		if err != nil {
			t.Fatalf("lookup %s: %v", id, err)
		}
		if snap.Terminal() {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state (last: %s)", id, snap.Status)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRawPromptRunsToSuccess(t *testing.T) {
	f := newFakeEngine(t,
		`{"type":"progress","data":{"prompt_id":"prompt-1","value":5,"max":20}}`,
		`{"type":"executed","data":{"prompt_id":"prompt-1","output":{"images":[{"filename":"out_00001_.png","type":"output","subfolder":"day1"}]}}}`,
	)
	e := startEngine(t, f, Options{})

	id, err := e.Enqueue("", nil, []byte(`{"3":{"class_type":"KSampler","inputs":{"seed":1}}}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	snap := waitTerminal(t, e, id)
	if snap.Status != "Success" {
		t.Fatalf("status = %s (%s)", snap.Status, snap.Error)
	}
	if len(snap.Outputs) != 1 {
		t.Fatalf("outputs = %v", snap.Outputs)
	}
	out := snap.Outputs[0]
	if !strings.Contains(out, "/view?") || !strings.Contains(out, "filename=out_00001_.png") || !strings.Contains(out, "subfolder=day1") {
		t.Fatalf("unexpected output url %q", out)
	}
	if snap.Progress.Value != 100 || snap.Progress.Max != 100 {
		t.Fatalf("progress = %+v", snap.Progress)
	}
}

func TestTemplateJobInjectsInputs(t *testing.T) {
	dir := t.TempDir()
	appDir := filepath.Join(dir, "txt2img")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatal(err)
	}
	template := `{"6":{"class_type":"CLIPTextEncode","inputs":{"text":"placeholder"}}}`
	meta := `{"params_map":{"prompt":{"node_id":"6","field":"inputs.text"}}}`
	os.WriteFile(filepath.Join(appDir, "template.json"), []byte(template), 0o644)
	os.WriteFile(filepath.Join(appDir, "meta.json"), []byte(meta), 0o644)

	f := newFakeEngine(t,
		`{"type":"executed","data":{"prompt_id":"prompt-1","output":{"images":[{"filename":"a.png","type":"output","subfolder":""}]}}}`,
	)
	e := startEngine(t, f, Options{WorkflowsDir: dir})

	id, err := e.Enqueue("txt2img", []byte(`{"prompt":"a red fox"}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if snap := waitTerminal(t, e, id); snap.Status != "Success" {
		t.Fatalf("status = %s (%s)", snap.Status, snap.Error)
	}

	submitted := <-f.prompts
	if got := gjson.GetBytes(submitted, "prompt.6.inputs.text").String(); got != "a red fox" {
		t.Fatalf("submitted text = %q", got)
	}
	if gjson.GetBytes(submitted, "client_id").String() == "" {
		t.Fatal("submission missing client_id")
	}
}

func TestExecutionErrorFailsJob(t *testing.T) {
	f := newFakeEngine(t,
		`{"type":"execution_error","data":{"prompt_id":"prompt-1","exception_message":"CUDA out of memory"}}`,
	)
	e := startEngine(t, f, Options{})

	id, err := e.Enqueue("", nil, []byte(`{"1":{}}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	snap := waitTerminal(t, e, id)
	if snap.Status != "Failed" {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.Error != "CUDA out of memory" {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestMissingTemplateFailsJob(t *testing.T) {
	f := newFakeEngine(t)
	e := startEngine(t, f, Options{WorkflowsDir: t.TempDir()})

	id, err := e.Enqueue("no-such-app", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	snap := waitTerminal(t, e, id)
	if snap.Status != "Failed" {
		t.Fatalf("status = %s", snap.Status)
	}
	if !strings.Contains(snap.Error, "template_not_found") {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestEnqueueRequiresAppOrPrompt(t *testing.T) {
	e := New(Options{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	if _, err := e.Enqueue("", nil, nil); !errors.Is(err, ErrMissingApp) {
		t.Fatalf("expected ErrMissingApp, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	// No worker running, so the first job occupies the only slot.
	e := New(Options{BaseURL: "http://127.0.0.1:1", QueueSize: 1}, zerolog.Nop())
	if _, err := e.Enqueue("app", nil, nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := e.Enqueue("app", nil, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if e.JobCount() != 1 {
		t.Fatalf("rejected job must not stay tracked, count = %d", e.JobCount())
	}
}

func TestLookupByPromptID(t *testing.T) {
	e := New(Options{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	j := &job{id: "job-a", promptID: "prompt-a", status: statusProcessing, createdAt: time.Now()}
	e.mu.Lock()
	e.jobs[j.id] = j
	e.promptToJob[j.promptID] = j.id
	e.mu.Unlock()

	snap, err := e.Lookup("prompt-a")
	if err != nil {
		t.Fatalf("lookup by prompt id: %v", err)
	}
	if snap.RequestID != "job-a" || snap.Status != "Running" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, err := e.Lookup("unknown"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := e.Lookup(""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for empty id, got %v", err)
	}
}

func TestSweepDropsExpiredTerminalJobs(t *testing.T) {
	e := New(Options{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	old := time.Now().Add(-time.Hour)
	e.mu.Lock()
	e.jobs["done"] = &job{id: "done", promptID: "p-done", status: statusSuccess, finishedAt: old}
	e.promptToJob["p-done"] = "done"
	e.jobs["fresh"] = &job{id: "fresh", status: statusFailed, finishedAt: time.Now()}
	e.jobs["live"] = &job{id: "live", status: statusProcessing}
	e.mu.Unlock()

	if removed := e.Sweep(10 * time.Minute); removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if _, err := e.Lookup("done"); !errors.Is(err, ErrJobNotFound) {
		t.Fatal("expired job should be gone")
	}
	if _, err := e.Lookup("p-done"); !errors.Is(err, ErrJobNotFound) {
		t.Fatal("expired prompt mapping should be gone")
	}
	if _, err := e.Lookup("fresh"); err != nil {
		t.Fatal("job inside the grace period must survive")
	}
	if _, err := e.Lookup("live"); err != nil {
		t.Fatal("non-terminal job must survive")
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		statusQueued:     "Queued",
		statusProcessing: "Running",
		statusSuccess:    "Success",
		statusFailed:     "Failed",
		"":               "Unknown",
		"canceled":       "canceled",
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
