package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/internal/tenant"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

const testTable = "platform-data"

func newTestTracker(t *testing.T) (*Tracker, *tenant.TenantStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: io.Discard})
	guard := tenant.NewGuard(store, storage.NewMemoryBlobStore(), logger, nil)
	ts := guard.Tenant(models.TenantContext{TenantID: "acme", Tier: models.TierStandard})
	return NewTracker(testTable, logger, nil), ts
}

func createJob(t *testing.T, tracker *Tracker, ts *tenant.TenantStore) *models.JobRecord {
	t.Helper()
	job, err := tracker.Create(context.Background(), ts, "summarizer", "1.2.0", "inv-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func TestCreateStartsPending(t *testing.T) {
	tracker, ts := newTestTracker(t)
	job := createJob(t, tracker, ts)

	if job.Status != models.JobPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.ExpiresAt.Sub(job.SubmittedAt) != models.JobTTL {
		t.Fatalf("retention window = %s", job.ExpiresAt.Sub(job.SubmittedAt))
	}

	got, err := tracker.Get(context.Background(), ts, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AgentName != "summarizer" || got.AgentVersion != "1.2.0" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestLifecycleForwardOnly(t *testing.T) {
	tracker, ts := newTestTracker(t)
	ctx := context.Background()
	job := createJob(t, tracker, ts)

	if _, err := tracker.MarkRunning(ctx, ts, job.JobID); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if _, err := tracker.MarkCompleted(ctx, ts, job.JobID, "tenants/acme/results/j1.json"); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}

	// Terminal states never change.
	var invalid *InvalidTransitionError
	if _, err := tracker.MarkRunning(ctx, ts, job.JobID); !errors.As(err, &invalid) {
		t.Fatalf("completed -> running allowed: %v", err)
	}
	if _, err := tracker.MarkFailed(ctx, ts, job.JobID, "boom"); !errors.As(err, &invalid) {
		t.Fatalf("completed -> failed allowed: %v", err)
	}

	got, err := tracker.Get(ctx, ts, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %s after rejected transitions", got.Status)
	}
	if got.ResultLocation != "tenants/acme/results/j1.json" {
		t.Fatalf("result location = %q", got.ResultLocation)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("timestamps not recorded")
	}
}

func TestCompletedRequiresRunning(t *testing.T) {
	tracker, ts := newTestTracker(t)
	job := createJob(t, tracker, ts)

	var invalid *InvalidTransitionError
	if _, err := tracker.MarkCompleted(context.Background(), ts, job.JobID, ""); !errors.As(err, &invalid) {
		t.Fatalf("pending -> completed allowed: %v", err)
	}
}

func TestPendingCanFail(t *testing.T) {
	tracker, ts := newTestTracker(t)
	job := createJob(t, tracker, ts)

	got, err := tracker.MarkFailed(context.Background(), ts, job.JobID, "handoff failed")
	if err != nil {
		t.Fatalf("pending -> failed: %v", err)
	}
	if got.ErrorMessage != "handoff failed" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestOperatorOverrideRules(t *testing.T) {
	tracker, ts := newTestTracker(t)
	ctx := context.Background()

	stuck := createJob(t, tracker, ts)
	if _, err := tracker.MarkRunning(ctx, ts, stuck.JobID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := tracker.MarkFailedByOperator(ctx, ts, stuck.JobID, "ops@example.com")
	if err != nil {
		t.Fatalf("operator fail on running job: %v", err)
	}
	if got.Status != models.JobFailed {
		t.Fatalf("status = %s", got.Status)
	}

	done := createJob(t, tracker, ts)
	if _, err := tracker.MarkRunning(ctx, ts, done.JobID); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.MarkCompleted(ctx, ts, done.JobID, ""); err != nil {
		t.Fatal(err)
	}
	var invalid *InvalidTransitionError
	if _, err := tracker.MarkFailedByOperator(ctx, ts, done.JobID, "ops@example.com"); !errors.As(err, &invalid) {
		t.Fatalf("operator fail on completed job allowed: %v", err)
	}
}

func TestMarkDeliveredOnTerminalJob(t *testing.T) {
	tracker, ts := newTestTracker(t)
	ctx := context.Background()
	job := createJob(t, tracker, ts)

	if _, err := tracker.MarkRunning(ctx, ts, job.JobID); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.MarkCompleted(ctx, ts, job.JobID, ""); err != nil {
		t.Fatal(err)
	}
	if err := tracker.MarkDelivered(ctx, ts, job.JobID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, err := tracker.Get(ctx, ts, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Delivered {
		t.Fatal("delivered flag not set")
	}
}

func TestRacingTransitionsOnlyOneWins(t *testing.T) {
	tracker, ts := newTestTracker(t)
	ctx := context.Background()
	job := createJob(t, tracker, ts)
	if _, err := tracker.MarkRunning(ctx, ts, job.JobID); err != nil {
		t.Fatal(err)
	}

	// Two writers race to move the same running job to a terminal state.
	// The write conditions on the status it gated against, so exactly one
	// wins and the loser gets an InvalidTransitionError instead of
	// overwriting the winner.
	errs := make(chan error, 2)
	go func() {
		_, err := tracker.MarkCompleted(ctx, ts, job.JobID, "tenants/acme/results/j1.json")
		errs <- err
	}()
	go func() {
		_, err := tracker.MarkFailed(ctx, ts, job.JobID, "runtime crashed")
		errs <- err
	}()

	var wins, losses int
	for i := 0; i < 2; i++ {
		err := <-errs
		var invalid *InvalidTransitionError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &invalid):
			losses++
		default:
			t.Fatalf("unexpected transition error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins = %d, losses = %d, want exactly one of each", wins, losses)
	}

	got, err := tracker.Get(ctx, ts, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobCompleted && got.Status != models.JobFailed {
		t.Fatalf("status = %s, want a terminal state", got.Status)
	}
}

func TestGetUnknownJob(t *testing.T) {
	tracker, ts := newTestTracker(t)
	if _, err := tracker.Get(context.Background(), ts, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestExpiredJobDisappears(t *testing.T) {
	store := storage.NewMemoryStore()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: io.Discard})
	guard := tenant.NewGuard(store, storage.NewMemoryBlobStore(), logger, nil)
	ts := guard.Tenant(models.TenantContext{TenantID: "acme"})
	tracker := NewTracker(testTable, logger, nil)

	now := time.Unix(1_700_000_000, 0)
	tracker.SetClock(func() time.Time { return now })
	store.SetClock(func() time.Time { return now })

	job := createJob(t, tracker, ts)

	now = now.Add(models.JobTTL + time.Hour)
	if _, err := tracker.Get(context.Background(), ts, job.JobID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected expired job to vanish, got %v", err)
	}
}
