package taskbroker

import (
	"strings"
	"time"
)

// Endpoint describes one HTTP call of a downstream job API. URLs may embed a
// `{requestId}` placeholder; without one the identifier is appended as a
// `requestId` query parameter.
type Endpoint struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// JobSpec declaratively describes a third-party submit/poll/collect API so
// one state machine can drive backends that disagree on field names and
// status vocabulary. Supplied per call; immutable for the lifetime of a job.
type JobSpec struct {
	CreateEndpoint  Endpoint `json:"create_endpoint"`
	DetailEndpoint  Endpoint `json:"detail_endpoint"`
	OutputsEndpoint Endpoint `json:"outputs_endpoint"`

	// Candidate JSON paths for the id in the create response, tried in order.
	RequestIDPaths []string `json:"request_id_paths"`

	StatusPath    string   `json:"status_path"`
	SuccessValues []string `json:"success_values"`
	FailureValues []string `json:"failure_values"`

	OutputsPath string `json:"outputs_path"`
	// Field holding the URL inside each output element; "object_url" when
	// unset.
	OutputsURLField string `json:"outputs_url_field"`

	PollIntervalMS int `json:"poll_interval_ms"`
	TimeoutMS      int `json:"timeout_ms"`
}

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 10 * time.Minute
)

func (s JobSpec) pollInterval() time.Duration {
	if s.PollIntervalMS > 0 {
		return time.Duration(s.PollIntervalMS) * time.Millisecond
	}
	return defaultPollInterval
}

func (s JobSpec) timeout() time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return defaultTimeout
}

func (s JobSpec) isSuccess(status string) bool {
	return containsFold(s.SuccessValues, status)
}

func (s JobSpec) isFailure(status string) bool {
	return containsFold(s.FailureValues, status)
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

// State is a JobRun's position in the Created -> Polling -> terminal machine.
type State string

const (
	StateCreated   State = "Created"
	StatePolling   State = "Polling"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateTimedOut  State = "TimedOut"
)

// JobRun tracks one driven job. The broker keeps no history: the run is
// handed to the caller with the terminal result and then forgotten.
type JobRun struct {
	RequestID    string    `json:"request_id"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	StartedAt    time.Time `json:"started_at"`
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`
	Outputs      []string  `json:"outputs,omitempty"`
	Diagnostic   string    `json:"diagnostic,omitempty"`
}
