// Package jobs tracks asynchronous invocation jobs through their lifecycle.
// Every read and write goes through a tenant-scoped store handle, so a job
// is only ever visible inside the partition that created it.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/internal/tenant"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// ErrJobNotFound is returned when no live job row exists for the id.
var ErrJobNotFound = errors.New("job not found")

// InvalidTransitionError reports a lifecycle move the state machine forbids.
// Transitions only run forward: pending to running, running to completed or
// failed. Terminal states never change.
type InvalidTransitionError struct {
	JobID string
	From  models.JobStatus
	To    models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// Tracker manages job records for a single table.
type Tracker struct {
	table   string
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewTracker builds a job tracker. The metrics handle may be nil in tests.
func NewTracker(table string, logger *observability.Logger, metrics *observability.Metrics) *Tracker {
	return &Tracker{table: table, logger: logger, metrics: metrics, now: time.Now}
}

// SetClock overrides the tracker's clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Create writes a new pending job and returns it.
func (t *Tracker) Create(ctx context.Context, ts *tenant.TenantStore, agentName, version, invocationID, webhookID string) (*models.JobRecord, error) {
	now := t.now().UTC()
	rec := &models.JobRecord{
		JobID:        uuid.NewString(),
		TenantID:     ts.Context().TenantID,
		AgentName:    agentName,
		AgentVersion: version,
		InvocationID: invocationID,
		Status:       models.JobPending,
		SubmittedAt:  now,
		ExpiresAt:    now.Add(models.JobTTL),
		WebhookID:    webhookID,
	}
	if err := ts.PutIfAbsent(ctx, t.table, encodeJob(rec)); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	t.logger.Info(ctx, "job created",
		"job_id", rec.JobID,
		"agent", agentName,
		"version", version,
	)
	t.observe("", models.JobPending)
	return rec, nil
}

// Get loads one job from the caller's partition.
func (t *Tracker) Get(ctx context.Context, ts *tenant.TenantStore, jobID string) (*models.JobRecord, error) {
	item, err := ts.Get(ctx, t.table, storage.Key{PK: models.TenantPK(ts.Context().TenantID), SK: "JOB#" + jobID})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return decodeJob(item)
}

// List returns the caller's jobs, newest sort key first.
func (t *Tracker) List(ctx context.Context, ts *tenant.TenantStore, limit int) ([]*models.JobRecord, error) {
	items, err := ts.Query(ctx, t.table, storage.QueryOptions{SKPrefix: "JOB#", Descending: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*models.JobRecord, 0, len(items))
	for _, item := range items {
		rec, err := decodeJob(item)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkRunning moves a pending job to running.
func (t *Tracker) MarkRunning(ctx context.Context, ts *tenant.TenantStore, jobID string) (*models.JobRecord, error) {
	return t.transition(ctx, ts, jobID, models.JobRunning, "", "")
}

// MarkCompleted moves a running job to completed and records where the
// result body was stored.
func (t *Tracker) MarkCompleted(ctx context.Context, ts *tenant.TenantStore, jobID, resultLocation string) (*models.JobRecord, error) {
	return t.transition(ctx, ts, jobID, models.JobCompleted, resultLocation, "")
}

// MarkFailed moves a running job to failed with an error message.
func (t *Tracker) MarkFailed(ctx context.Context, ts *tenant.TenantStore, jobID, message string) (*models.JobRecord, error) {
	return t.transition(ctx, ts, jobID, models.JobFailed, "", message)
}

// MarkFailedByOperator force-fails a stuck job. Allowed from pending or
// running; completed and failed jobs are immutable.
func (t *Tracker) MarkFailedByOperator(ctx context.Context, ts *tenant.TenantStore, jobID, operator string) (*models.JobRecord, error) {
	rec, err := t.transition(ctx, ts, jobID, models.JobFailed, "", "marked failed by operator "+operator)
	if err != nil {
		return nil, err
	}
	t.logger.Warn(ctx, "job force-failed by operator", "job_id", jobID, "operator", operator)
	return rec, nil
}

// MarkDelivered records that the job's webhook fired. Delivery state is
// tracked separately from lifecycle state and may update a terminal job.
func (t *Tracker) MarkDelivered(ctx context.Context, ts *tenant.TenantStore, jobID string) error {
	key := storage.Key{PK: models.TenantPK(ts.Context().TenantID), SK: "JOB#" + jobID}
	_, err := ts.Update(ctx, t.table, key, map[string]any{"delivered": true})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrJobNotFound
	}
	return err
}

// transition applies one lifecycle move. The write conditions on the status
// the gate was checked against, so a racing transition loses cleanly instead
// of overwriting whatever won.
func (t *Tracker) transition(ctx context.Context, ts *tenant.TenantStore, jobID string, to models.JobStatus, resultLocation, message string) (*models.JobRecord, error) {
	rec, err := t.Get(ctx, ts, jobID)
	if err != nil {
		return nil, err
	}
	if !allowed(rec.Status, to) {
		return nil, &InvalidTransitionError{JobID: jobID, From: rec.Status, To: to}
	}
	from := rec.Status
	now := t.now().UTC()

	changes := map[string]any{"status": string(to)}
	switch to {
	case models.JobRunning:
		changes["started_at"] = now.Format(time.RFC3339)
	case models.JobCompleted:
		changes["completed_at"] = now.Format(time.RFC3339)
		changes["result_location"] = resultLocation
	case models.JobFailed:
		changes["completed_at"] = now.Format(time.RFC3339)
		changes["error_message"] = message
	}

	key := storage.Key{PK: rec.PK(), SK: rec.SK()}
	item, err := ts.UpdateIfEquals(ctx, t.table, key, "status", string(from), changes)
	if errors.Is(err, storage.ErrConditionFailed) {
		// Someone else moved the job between the gate check and the write.
		cur, gerr := t.Get(ctx, ts, jobID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &InvalidTransitionError{JobID: jobID, From: cur.Status, To: to}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	t.logger.Info(ctx, "job transition", "job_id", jobID, "from", string(from), "to", string(to))
	t.observe(from, to)
	return decodeJob(item)
}

func (t *Tracker) observe(from, to models.JobStatus) {
	if t.metrics == nil {
		return
	}
	label := string(from)
	if label == "" {
		label = "none"
	}
	t.metrics.JobTransitions.WithLabelValues(label, string(to)).Inc()
}

func allowed(from, to models.JobStatus) bool {
	switch from {
	case models.JobPending:
		return to == models.JobRunning || to == models.JobFailed
	case models.JobRunning:
		return to == models.JobCompleted || to == models.JobFailed
	default:
		return false
	}
}

func encodeJob(rec *models.JobRecord) storage.Item {
	item := storage.Item{
		storage.AttrPK:        rec.PK(),
		storage.AttrSK:        rec.SK(),
		storage.AttrExpiresAt: rec.ExpiresAt.Unix(),
		"job_id":              rec.JobID,
		"tenant_id":           rec.TenantID,
		"agent_name":          rec.AgentName,
		"agent_version":       rec.AgentVersion,
		"invocation_id":       rec.InvocationID,
		"status":              string(rec.Status),
		"submitted_at":        rec.SubmittedAt.UTC().Format(time.RFC3339),
		"delivered":           rec.Delivered,
	}
	if rec.WebhookID != "" {
		item["webhook_id"] = rec.WebhookID
	}
	return item
}

func decodeJob(item storage.Item) (*models.JobRecord, error) {
	rec := &models.JobRecord{
		JobID:          item.String("job_id"),
		TenantID:       item.String("tenant_id"),
		AgentName:      item.String("agent_name"),
		AgentVersion:   item.String("agent_version"),
		InvocationID:   item.String("invocation_id"),
		Status:         models.JobStatus(item.String("status")),
		ResultLocation: item.String("result_location"),
		ErrorMessage:   item.String("error_message"),
		WebhookID:      item.String("webhook_id"),
	}
	if d, ok := item["delivered"].(bool); ok {
		rec.Delivered = d
	}
	if ts := item.String("submitted_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			rec.SubmittedAt = parsed
		}
	}
	for field, dst := range map[string]**time.Time{
		"started_at":   &rec.StartedAt,
		"completed_at": &rec.CompletedAt,
	} {
		if ts := item.String(field); ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				*dst = &parsed
			}
		}
	}
	if exp := item.Int64(storage.AttrExpiresAt); exp > 0 {
		rec.ExpiresAt = time.Unix(exp, 0).UTC()
	}
	if rec.JobID == "" {
		return nil, fmt.Errorf("malformed job record at %s/%s", item.String(storage.AttrPK), item.String(storage.AttrSK))
	}
	return rec, nil
}
