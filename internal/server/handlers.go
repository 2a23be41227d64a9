package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/agentbridge/internal/auth"
	"github.com/haasonsaas/agentbridge/internal/dispatch"
	"github.com/haasonsaas/agentbridge/internal/runtime"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

const defaultListLimit = 50

// invokeRequest is the body of POST /v1/agents/{name}/invoke. The delivery
// mode is not part of the body: the agent's registry record decides how the
// invocation runs. Version pins a specific deployment instead of latest.
type invokeRequest struct {
	Input     map[string]any `json:"input"`
	Version   string         `json:"version,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	WebhookID string         `json:"webhookId,omitempty"`
}

// asyncAccepted is the 202 body for accepted async invocations.
type asyncAccepted struct {
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
	PollURL         string `json:"pollUrl"`
	WebhookDelivery string `json:"webhookDelivery"`
}

// handleInvoke runs one invocation in whatever mode the agent declares. For
// streaming agents the SSE headers go out with the first chunk, so a
// mid-stream failure surfaces as an error event rather than an error status;
// for sync and async agents the emit callback never fires and the response
// is plain JSON.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	tc, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "request body must be valid JSON")
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	flusher, _ := w.(http.Flusher)
	started := false
	startStream := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	outcome, err := s.dispatcher.Invoke(r.Context(), tc, dispatch.Request{
		AgentName: r.PathValue("name"),
		Version:   req.Version,
		Input:     req.Input,
		SessionID: req.SessionID,
		WebhookID: req.WebhookID,
	}, func(chunk runtime.Chunk) error {
		if flusher == nil {
			return fmt.Errorf("streaming unsupported by connection")
		}
		if !started {
			startStream()
		}
		payload, merr := json.Marshal(chunk)
		if merr != nil {
			return merr
		}
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", payload); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			s.mapError(w, r, err)
			return
		}
		fmt.Fprintf(w, "data: {\"type\":\"error\"}\n\n")
		flusher.Flush()
		return
	}

	switch outcome.Mode {
	case models.ModeStreaming:
		if !started {
			startStream()
		}
		fmt.Fprintf(w, "data: {\"type\":\"done\",\"total_chunks\":%d}\n\n", outcome.Stream.Chunks)
		flusher.Flush()

	case models.ModeAsync:
		job := outcome.Job
		delivery := "not_registered"
		if job.WebhookID != "" {
			delivery = "registered"
		}
		s.writeJSON(w, http.StatusAccepted, asyncAccepted{
			JobID:           job.JobID,
			Status:          string(job.Status),
			PollURL:         "/v1/jobs/" + job.JobID,
			WebhookDelivery: delivery,
		})

	default:
		s.writeJSON(w, http.StatusOK, outcome.Sync)
	}
}

// jobResponse is the caller-visible view of a job. ResultURL is a
// short-lived presigned link to the stored result body, set only for
// completed jobs.
type jobResponse struct {
	JobID        string     `json:"jobId"`
	AgentName    string     `json:"agentName"`
	AgentVersion string     `json:"agentVersion"`
	Status       string     `json:"status"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ResultURL    string     `json:"resultUrl,omitempty"`
	Delivered    bool       `json:"delivered"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	tc, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
		return
	}
	ts := s.guard.Tenant(tc)

	job, err := s.jobs.Get(r.Context(), ts, r.PathValue("id"))
	if err != nil {
		s.mapError(w, r, err)
		return
	}

	resp := jobView(job)
	if job.Status == models.JobCompleted && job.ResultLocation != "" {
		url, perr := ts.PresignGetObject(r.Context(), job.ResultLocation, 15*time.Minute)
		if perr != nil {
			s.logger.Warn(r.Context(), "presign result failed", "job_id", job.JobID, "error", perr.Error())
		} else {
			resp.ResultURL = url
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tc, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
		return
	}
	ts := s.guard.Tenant(tc)

	list, err := s.jobs.List(r.Context(), ts, queryLimit(r))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, jobView(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleFailJob force-fails a stuck job. Restricted to platform admins.
func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	tc, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
		return
	}
	if !tc.IsAdmin() {
		s.writeError(w, r, http.StatusForbidden, "FORBIDDEN", "operator role required")
		return
	}
	ts := s.guard.Tenant(tc)

	job, err := s.jobs.MarkFailedByOperator(r.Context(), ts, r.PathValue("id"), tc.Subject)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobView(job))
}

// invocationView is the caller-visible shape of one invocation record.
type invocationView struct {
	InvocationID string    `json:"invocationId"`
	AgentName    string    `json:"agentName"`
	AgentVersion string    `json:"agentVersion"`
	Status       string    `json:"status"`
	Mode         string    `json:"mode"`
	LatencyMs    int64     `json:"latencyMs"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Timestamp    time.Time `json:"timestamp"`
	JobID        string    `json:"jobId,omitempty"`
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	tc, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
		return
	}

	records, err := s.dispatcher.ListInvocations(r.Context(), tc, queryLimit(r))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	out := make([]invocationView, 0, len(records))
	for _, rec := range records {
		out = append(out, invocationView{
			InvocationID: rec.InvocationID,
			AgentName:    rec.AgentName,
			AgentVersion: rec.AgentVersion,
			Status:       string(rec.Status),
			Mode:         string(rec.Mode),
			LatencyMs:    rec.LatencyMs,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			Timestamp:    rec.Timestamp,
			JobID:        rec.JobID,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invocations": out})
}

// adminScanEntry is one row of the operator-only table listing. Keys only:
// the scan exists for partition audits, not for reading tenant payloads.
type adminScanEntry struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// handleAdminScan lists every live key in the data table across all
// partitions. Restricted to platform admins.
func (s *Server) handleAdminScan(w http.ResponseWriter, r *http.Request) {
	tc, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "valid credentials required")
		return
	}
	if !tc.IsAdmin() {
		s.writeError(w, r, http.StatusForbidden, "FORBIDDEN", "operator role required")
		return
	}

	items, err := s.guard.UnscopedScan(r.Context(), s.table)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	entries := make([]adminScanEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, adminScanEntry{
			PK: item.String(storage.AttrPK),
			SK: item.String(storage.AttrSK),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": entries, "count": len(entries)})
}

func jobView(job *models.JobRecord) jobResponse {
	return jobResponse{
		JobID:        job.JobID,
		AgentName:    job.AgentName,
		AgentVersion: job.AgentVersion,
		Status:       string(job.Status),
		SubmittedAt:  job.SubmittedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
		Delivered:    job.Delivered,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	return limit
}
