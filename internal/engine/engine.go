// Package engine fronts a locally running node-graph engine with the
// normalized async-task API: jobs are queued over HTTP, submitted to the
// engine's /prompt endpoint, and tracked to completion through the engine's
// websocket event stream.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"localbroker/internal/workflow"
)

var (
	ErrQueueFull    = errors.New("job_queue_full")
	ErrJobNotFound  = errors.New("job_not_found")
	ErrMissingApp   = errors.New("missing_app_or_prompt")
	ErrEngineSubmit = errors.New("engine_submit_failed")
)

// Internal job states. Snapshots expose the normalized names.
const (
	statusQueued     = "queued"
	statusProcessing = "processing"
	statusSuccess    = "success"
	statusFailed     = "failed"
)

// Progress mirrors the engine's progress events.
type Progress struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

type job struct {
	id       string
	appID    string
	inputs   json.RawMessage
	prompt   json.RawMessage
	promptID string

	status   string
	err      string
	images   []string
	progress Progress

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

// Snapshot is a point-in-time view of a job, safe to hold after the
// engine's lock is released.
type Snapshot struct {
	RequestID  string
	Status     string
	Error      string
	Outputs    []string
	Progress   Progress
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the job can make no further progress.
func (s Snapshot) Terminal() bool {
	return s.Status == "Success" || s.Status == "Failed"
}

// Options configure an Engine. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL      string
	WorkflowsDir string
	QueueSize    int
	JobTimeout   time.Duration
}

type Engine struct {
	baseURL      string
	workflowsDir string
	clientID     string
	jobTimeout   time.Duration
	client       *http.Client
	logger       zerolog.Logger

	mu          sync.RWMutex
	jobs        map[string]*job
	promptToJob map[string]string

	queue chan *job
}

func New(opts Options, logger zerolog.Logger) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &Engine{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		workflowsDir: opts.WorkflowsDir,
		clientID:     uuid.NewString(),
		jobTimeout:   opts.JobTimeout,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		jobs:         map[string]*job{},
		promptToJob:  map[string]string{},
		queue:        make(chan *job, opts.QueueSize),
	}
}

// Start launches the worker and the websocket listener. Both exit when ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.workerLoop(ctx)
	go e.listenLoop(ctx)
}

// Enqueue registers a job and hands it to the worker. Either appID (with
// optional inputs) or a raw prompt graph must be supplied.
func (e *Engine) Enqueue(appID string, inputs, prompt json.RawMessage) (string, error) {
	if appID == "" && len(prompt) == 0 {
		return "", ErrMissingApp
	}
	j := &job{
		id:        uuid.NewString(),
		appID:     appID,
		inputs:    inputs,
		prompt:    prompt,
		status:    statusQueued,
		createdAt: time.Now(),
	}

	e.mu.Lock()
	e.jobs[j.id] = j
	e.mu.Unlock()

	select {
	case e.queue <- j:
	default:
		e.mu.Lock()
		delete(e.jobs, j.id)
		e.mu.Unlock()
		return "", ErrQueueFull
	}
	e.logger.Info().Str("job_id", j.id).Str("app_id", appID).Msg("engine job queued")
	return j.id, nil
}

// Lookup resolves a request id to a job snapshot, falling back to the
// engine-side prompt id.
func (e *Engine) Lookup(requestID string) (Snapshot, error) {
	if requestID == "" {
		return Snapshot{}, ErrJobNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[requestID]
	if !ok {
		if id, found := e.promptToJob[requestID]; found {
			j, ok = e.jobs[id]
		}
	}
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return snapshotLocked(j), nil
}

// JobCount returns how many jobs are currently tracked.
func (e *Engine) JobCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.jobs)
}

// Sweep drops terminal jobs that finished before the grace period. The
// janitor calls this on its schedule.
func (e *Engine) Sweep(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, j := range e.jobs {
		if (j.status == statusSuccess || j.status == statusFailed) && !j.finishedAt.IsZero() && j.finishedAt.Before(cutoff) {
			delete(e.jobs, id)
			if j.promptID != "" {
				delete(e.promptToJob, j.promptID)
			}
			removed++
		}
	}
	return removed
}

// ListApps returns the template directories available to Enqueue.
func (e *Engine) ListApps() []string {
	return workflow.ListApps(e.workflowsDir)
}

func snapshotLocked(j *job) Snapshot {
	updated := j.createdAt
	if !j.startedAt.IsZero() {
		updated = j.startedAt
	}
	if !j.finishedAt.IsZero() {
		updated = j.finishedAt
	}
	return Snapshot{
		RequestID:  j.id,
		Status:     normalizeStatus(j.status),
		Error:      j.err,
		Outputs:    append([]string(nil), j.images...),
		Progress:   j.progress,
		CreatedAt:  j.createdAt,
		UpdatedAt:  updated,
		FinishedAt: j.finishedAt,
	}
}

func normalizeStatus(status string) string {
	switch status {
	case statusQueued:
		return "Queued"
	case statusProcessing:
		return "Running"
	case statusSuccess:
		return "Success"
	case statusFailed:
		return "Failed"
	case "":
		return "Unknown"
	}
	return status
}

// --- worker ---

func (e *Engine) workerLoop(ctx context.Context) {
	e.logger.Info().Msg("engine worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.queue:
			e.runJob(ctx, j)
		}
	}
}

func (e *Engine) runJob(ctx context.Context, j *job) {
	e.mu.Lock()
	j.status = statusProcessing
	j.startedAt = time.Now()
	j.progress = Progress{}
	e.mu.Unlock()

	promptID, err := e.submit(ctx, j)
	if err != nil {
		e.failJob(j, err.Error())
		return
	}

	e.mu.Lock()
	j.promptID = promptID
	e.promptToJob[promptID] = j.id
	e.mu.Unlock()
	e.logger.Info().Str("job_id", j.id).Str("prompt_id", promptID).Msg("prompt submitted")

	deadline := time.NewTimer(e.jobTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			e.failJob(j, "timed out waiting for engine results")
			return
		case <-tick.C:
			e.mu.Lock()
			switch {
			case j.status == statusFailed:
				e.mu.Unlock()
				return
			case len(j.images) > 0:
				j.status = statusSuccess
				j.finishedAt = time.Now()
				j.progress = Progress{Value: 100, Max: 100}
				count := len(j.images)
				e.mu.Unlock()
				e.logger.Info().Str("job_id", j.id).Int("images", count).Msg("engine job finished")
				return
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) failJob(j *job, reason string) {
	e.mu.Lock()
	if j.status != statusSuccess && j.status != statusFailed {
		j.status = statusFailed
		j.err = reason
		j.finishedAt = time.Now()
	}
	e.mu.Unlock()
	e.logger.Warn().Str("job_id", j.id).Str("reason", reason).Msg("engine job failed")
}

// submit resolves the job's graph and posts it to the engine's /prompt
// endpoint, returning the engine-assigned prompt id.
func (e *Engine) submit(ctx context.Context, j *job) (string, error) {
	graph := []byte(j.prompt)
	if len(graph) == 0 {
		tpl, err := workflow.LoadTemplate(e.workflowsDir, j.appID)
		if err != nil {
			return "", err
		}
		if graph, err = tpl.ApplyInputs(j.inputs); err != nil {
			return "", err
		}
	}

	payload := []byte(`{}`)
	payload, err := sjson.SetBytes(payload, "client_id", e.clientID)
	if err != nil {
		return "", err
	}
	if payload, err = sjson.SetRawBytes(payload, "prompt", graph); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineSubmit, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineSubmit, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: engine returned %d", ErrEngineSubmit, resp.StatusCode)
	}
	promptID := gjson.GetBytes(bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF}), "prompt_id").String()
	if promptID == "" {
		return "", fmt.Errorf("%w: no prompt_id in response", ErrEngineSubmit)
	}
	return promptID, nil
}

// --- websocket listener ---

func (e *Engine) listenLoop(ctx context.Context) {
	wsURL := e.websocketURL()
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			e.logger.Debug().Err(err).Msg("engine websocket dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		e.logger.Info().Str("url", wsURL).Msg("engine websocket connected")
		e.readEvents(ctx, conn)
		conn.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (e *Engine) websocketURL() string {
	ws := e.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws?clientId=" + url.QueryEscape(e.clientID)
}

func (e *Engine) readEvents(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames carry preview image data; not tracked.
			continue
		}
		e.handleEvent(data)
	}
}

// handleEvent routes one engine event to the job it belongs to.
func (e *Engine) handleEvent(data []byte) {
	msg := gjson.ParseBytes(data)
	promptID := msg.Get("data.prompt_id").String()
	if promptID == "" {
		return
	}

	switch msg.Get("type").String() {
	case "executed":
		var urls []string
		msg.Get("data.output.images").ForEach(func(_, img gjson.Result) bool {
			urls = append(urls, e.viewURL(img))
			return true
		})
		if len(urls) == 0 {
			return
		}
		e.withJob(promptID, func(j *job) {
			j.images = append(j.images, urls...)
		})
	case "progress":
		value := int(msg.Get("data.value").Int())
		max := int(msg.Get("data.max").Int())
		e.withJob(promptID, func(j *job) {
			j.progress = Progress{Value: value, Max: max}
		})
	case "execution_error":
		reason := msg.Get("data.exception_message").String()
		if reason == "" {
			reason = "execution_error"
		}
		e.withJob(promptID, func(j *job) {
			if j.status != statusSuccess && j.status != statusFailed {
				j.status = statusFailed
				j.err = reason
				j.finishedAt = time.Now()
			}
		})
	}
}

func (e *Engine) withJob(promptID string, fn func(*job)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	jobID, ok := e.promptToJob[promptID]
	if !ok {
		return
	}
	if j, found := e.jobs[jobID]; found {
		fn(j)
	}
}

// viewURL builds the engine's /view URL for one produced image.
func (e *Engine) viewURL(img gjson.Result) string {
	q := url.Values{}
	q.Set("filename", img.Get("filename").String())
	q.Set("type", img.Get("type").String())
	q.Set("subfolder", img.Get("subfolder").String())
	return e.baseURL + "/view?" + q.Encode()
}
