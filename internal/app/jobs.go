package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"localbroker/internal/engine"
	"localbroker/internal/taskbroker"
)

const maxJobBodyBytes = 4 << 20

// handleRunJob drives a caller-supplied job spec through the async-task
// broker and answers with the terminal run. Broker failures still return the
// run so the caller sees the diagnostic.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spec    taskbroker.JobSpec `json:"spec"`
		Payload json.RawMessage    `json:"payload"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJobBodyBytes)).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Spec.CreateEndpoint.URL == "" {
		writeFail(w, http.StatusBadRequest, "missing create endpoint")
		return
	}

	run, err := s.broker.Run(r.Context(), req.Spec, req.Payload)
	resp := map[string]interface{}{
		"success": err == nil,
		"run":     run,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- engine middleware endpoints ---

func (s *Server) handleEngineCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBodyBytes))
	if err != nil || !gjson.ValidBytes(body) {
		writeEngineErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	parsed := gjson.ParseBytes(body)

	appID := firstEngineString(parsed, "app_id", "web_app_id", "webappId", "workflow_id", "appId")
	var inputs json.RawMessage
	for _, key := range []string{"input_values", "inputs", "nodeInfoList"} {
		if v := parsed.Get(key); v.Exists() {
			inputs = json.RawMessage(v.Raw)
			break
		}
	}
	var prompt json.RawMessage
	if v := parsed.Get("prompt"); v.IsObject() {
		prompt = json.RawMessage(v.Raw)
	}

	jobID, err := s.engine.Enqueue(appID, inputs, prompt)
	switch {
	case errors.Is(err, engine.ErrMissingApp):
		writeEngineErr(w, http.StatusBadRequest, "missing app_id or prompt")
		return
	case errors.Is(err, engine.ErrQueueFull):
		writeEngineErr(w, http.StatusServiceUnavailable, "job queue full")
		return
	case err != nil:
		writeEngineErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":       20000,
		"message":    "Ok",
		"status":     true,
		"requestId":  jobID,
		"request_id": jobID,
		"job_id":     jobID,
		"taskId":     jobID,
		"data": map[string]interface{}{
			"requestId": jobID,
			"taskId":    jobID,
			"status":    "Queued",
		},
	})
}

func (s *Server) handleEngineDetail(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Lookup(engineRequestID(r))
	if err != nil {
		writeEngineErr(w, http.StatusNotFound, "Job not found")
		return
	}
	data := map[string]interface{}{
		"requestId":  snap.RequestID,
		"status":     snap.Status,
		"created_at": formatTimestamp(snap.CreatedAt),
		"updated_at": formatTimestamp(snap.UpdatedAt),
		"progress":   snap.Progress,
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code": 20000, "message": "Ok", "status": true, "data": data,
	})
}

func (s *Server) handleEngineOutputs(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Lookup(engineRequestID(r))
	if err != nil {
		writeEngineErr(w, http.StatusNotFound, "Job not found")
		return
	}
	outputs := make([]map[string]string, 0, len(snap.Outputs))
	for _, u := range snap.Outputs {
		outputs = append(outputs, map[string]string{"object_url": u})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code": 20000, "message": "Ok", "status": true,
		"data": map[string]interface{}{"outputs": outputs},
	})
}

func (s *Server) handleEngineApps(w http.ResponseWriter, _ *http.Request) {
	apps := s.engine.ListApps()
	if apps == nil {
		apps = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"apps": apps})
}

// engineRequestID accepts the request-id aliases callers use.
func engineRequestID(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{"requestId", "request_id", "taskId"} {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return ""
}

func firstEngineString(parsed gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := parsed.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func writeEngineErr(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{"code": code, "message": message})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
