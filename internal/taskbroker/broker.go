// Package taskbroker normalizes heterogeneous "submit job, poll status,
// fetch results" generation APIs behind one driven state machine.
package taskbroker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var (
	ErrJobCreateFailed = errors.New("job_create_failed")
	ErrJobFailed       = errors.New("job_failed")
	ErrJobTimedOut     = errors.New("job_timed_out")
)

// maxResponseBytes bounds how much of a downstream JSON response is read.
const maxResponseBytes = 8 << 20

// Doer performs the broker's outbound HTTP calls; the proxy gateway in
// production, stubs in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Broker struct {
	client Doer
	logger zerolog.Logger
}

func New(client Doer, logger zerolog.Logger) *Broker {
	return &Broker{client: client, logger: logger}
}

// Run drives one job to a terminal state: create, poll until a success or
// failure status (bounded by the spec's total timeout), then collect output
// URLs. The returned error is nil only for a successful run; the JobRun
// always carries the terminal state and diagnostic.
func (b *Broker) Run(ctx context.Context, spec JobSpec, payload []byte) (JobRun, error) {
	run := JobRun{State: StateCreated, StartedAt: time.Now().UTC()}

	id, err := b.create(ctx, spec, payload)
	if err != nil {
		run.State = StateFailed
		run.Diagnostic = err.Error()
		return run, err
	}
	run.RequestID = id
	run.State = StatePolling
	b.logger.Info().Str("request_id", id).Msg("job created")

	deadline := run.StartedAt.Add(spec.timeout())
	interval := spec.pollInterval()

	for {
		if err := sleepUntilTick(ctx, interval, deadline); err != nil {
			run.State = StateTimedOut
			run.Diagnostic = fmt.Sprintf("no terminal status after %s", spec.timeout())
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				run.Diagnostic = err.Error()
			}
			return run, fmt.Errorf("%w: %s", ErrJobTimedOut, run.Diagnostic)
		}

		run.Attempts++
		run.LastPolledAt = time.Now().UTC()

		status, err := b.pollStatus(ctx, spec, id)
		if err != nil {
			// One bad tick is not a dead job; the next tick retries.
			b.logger.Warn().Err(err).Str("request_id", id).Int("attempt", run.Attempts).Msg("poll failed, retrying")
			continue
		}

		switch {
		case spec.isFailure(status):
			run.State = StateFailed
			run.Diagnostic = fmt.Sprintf("downstream reported status %q", status)
			return run, fmt.Errorf("%w: %s", ErrJobFailed, run.Diagnostic)
		case spec.isSuccess(status):
			outputs, err := b.collectOutputs(ctx, spec, id)
			if err != nil {
				if isMalformedOutputs(err) {
					// Reported success with nothing to show is a failure,
					// not a quiet empty result.
					run.State = StateFailed
					run.Diagnostic = err.Error()
					return run, fmt.Errorf("%w: %s", ErrJobFailed, run.Diagnostic)
				}
				b.logger.Warn().Err(err).Str("request_id", id).Msg("outputs fetch failed, retrying")
				continue
			}
			run.State = StateSucceeded
			run.Outputs = outputs
			return run, nil
		default:
			// Still in flight; keep polling.
		}
	}
}

// sleepUntilTick waits one poll interval, aborting early on caller
// cancellation or when the job's total deadline has passed.
func sleepUntilTick(ctx context.Context, interval time.Duration, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return errTimedOut
	}
	wait := interval
	if wait > remaining {
		wait = remaining + time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if time.Now().After(deadline) {
			return errTimedOut
		}
		return nil
	}
}

var errTimedOut = errors.New("deadline elapsed")

func (b *Broker) create(ctx context.Context, spec JobSpec, payload []byte) (string, error) {
	body, err := b.call(ctx, spec.CreateEndpoint, "", payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobCreateFailed, err)
	}
	for _, path := range spec.RequestIDPaths {
		if v := gjson.GetBytes(body, path); v.Exists() {
			if id := strings.TrimSpace(v.String()); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no request id at any of %v", ErrJobCreateFailed, spec.RequestIDPaths)
}

func (b *Broker) pollStatus(ctx context.Context, spec JobSpec, id string) (string, error) {
	body, err := b.call(ctx, spec.DetailEndpoint, id, nil)
	if err != nil {
		return "", err
	}
	v := gjson.GetBytes(body, spec.StatusPath)
	if !v.Exists() {
		return "", fmt.Errorf("no status at %q", spec.StatusPath)
	}
	return v.String(), nil
}

var errNoOutputs = errors.New("no_outputs_in_success_response")

func isMalformedOutputs(err error) bool {
	return errors.Is(err, errNoOutputs)
}

func (b *Broker) collectOutputs(ctx context.Context, spec JobSpec, id string) ([]string, error) {
	body, err := b.call(ctx, spec.OutputsEndpoint, id, nil)
	if err != nil {
		return nil, err
	}
	arr := gjson.GetBytes(body, spec.OutputsPath)
	if !arr.Exists() || !arr.IsArray() {
		return nil, fmt.Errorf("%w: nothing at %q", errNoOutputs, spec.OutputsPath)
	}
	field := spec.OutputsURLField
	if field == "" {
		field = "object_url"
	}
	var urls []string
	for _, item := range arr.Array() {
		u := item.Get(field).String()
		if strings.TrimSpace(u) != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: empty output list at %q", errNoOutputs, spec.OutputsPath)
	}
	return urls, nil
}

func (b *Broker) call(ctx context.Context, ep Endpoint, id string, payload []byte) ([]byte, error) {
	target := ep.URL
	if id != "" {
		target = injectRequestID(target, id)
	}
	method := ep.Method
	if method == "" {
		if payload != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range ep.Headers {
		req.Header.Set(name, value)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, target)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json from %s", target)
	}
	return data, nil
}

func injectRequestID(target, id string) string {
	if strings.Contains(target, "{requestId}") {
		return strings.ReplaceAll(target, "{requestId}", url.PathEscape(id))
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "requestId=" + url.QueryEscape(id)
}
