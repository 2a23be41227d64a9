package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/haasonsaas/agentbridge/internal/config"
	"github.com/haasonsaas/agentbridge/internal/jobs"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/registry"
	"github.com/haasonsaas/agentbridge/internal/runtime"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/internal/tenant"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

const testTable = "platform-data"

type testEnv struct {
	dispatcher *Dispatcher
	guard      *tenant.Guard
	store      *storage.MemoryStore
	jobs       *jobs.Tracker
}

func newTestEnv(t *testing.T, runtimeURL string) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: io.Discard})
	guard := tenant.NewGuard(store, storage.NewMemoryBlobStore(), logger, nil)
	tracker := jobs.NewTracker(testTable, logger, nil)

	d := New(Options{
		Guard:      guard,
		Registry:   registry.NewReader(guard.Shared(), testTable),
		Jobs:       tracker,
		Runtime:    runtime.NewClient(5 * time.Second),
		Settings:   config.NewRuntimeCache(guard.Shared(), testTable, 0, logger),
		Table:      testTable,
		Tracer:     noop.NewTracerProvider().Tracer("test"),
		Logger:     logger,
		Metrics:    nil,
		FireWindow: 200 * time.Millisecond,
	})
	env := &testEnv{dispatcher: d, guard: guard, store: store, jobs: tracker}
	env.seedAgent(t, models.AgentRecord{
		AgentName:        "summarizer",
		Version:          "1.2.0",
		TierMinimum:      models.TierStandard,
		Mode:             models.ModeSync,
		StreamingEnabled: true,
		RuntimeTarget:    runtimeURL,
		DeployedAt:       time.Now().UTC(),
	})
	env.seedAgent(t, models.AgentRecord{
		AgentName:        "narrator",
		Version:          "2.0.0",
		TierMinimum:      models.TierStandard,
		Mode:             models.ModeStreaming,
		StreamingEnabled: true,
		RuntimeTarget:    runtimeURL,
		DeployedAt:       time.Now().UTC(),
	})
	env.seedAgent(t, models.AgentRecord{
		AgentName:     "batcher",
		Version:       "1.0.0",
		TierMinimum:   models.TierStandard,
		Mode:          models.ModeAsync,
		RuntimeTarget: runtimeURL,
		DeployedAt:    time.Now().UTC(),
	})
	return env
}

func (e *testEnv) seedAgent(t *testing.T, rec models.AgentRecord) {
	t.Helper()
	if err := e.guard.Shared().Put(context.Background(), testTable, registry.EncodeAgent(rec)); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func standardCaller() models.TenantContext {
	return models.TenantContext{TenantID: "acme", AppID: "app-1", Tier: models.TierStandard}
}

func (e *testEnv) listRecords(t *testing.T, tc models.TenantContext) []*models.InvocationRecord {
	t.Helper()
	records, err := e.dispatcher.ListInvocations(context.Background(), tc, 0)
	if err != nil {
		t.Fatalf("list invocations: %v", err)
	}
	return records
}

func TestSyncInvocationSucceeds(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req runtime.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode runtime request: %v", err)
		}
		if req.TenantID != "acme" || req.AgentName != "summarizer" {
			t.Errorf("runtime saw wrong identity: %+v", req)
		}
		fmt.Fprintf(w, `{"output":%q,"tokensIn":3,"tokensOut":7}`, "Hello")
	}))
	defer rt.Close()

	env := newTestEnv(t, rt.URL)
	out, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{
		AgentName: "summarizer",
		SessionID: "sess-9",
		Input:     map[string]any{"text": "Hello"},
	}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Mode != models.ModeSync || out.Sync == nil {
		t.Fatalf("outcome = %+v", out)
	}
	resp := out.Sync
	if resp.Output != "Hello" || resp.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Mode != string(models.ModeSync) || resp.Status != string(models.InvocationSuccess) {
		t.Fatalf("mode/status = %s/%s", resp.Mode, resp.Status)
	}

	records := env.listRecords(t, standardCaller())
	if len(records) != 1 {
		t.Fatalf("%d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != models.InvocationSuccess || rec.Mode != models.ModeSync {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ExpiresAt.Sub(rec.Timestamp) != models.InvocationTTL {
		t.Fatalf("retention window = %s", rec.ExpiresAt.Sub(rec.Timestamp))
	}
	if rec.SessionID != "sess-9" {
		t.Fatalf("session id = %q", rec.SessionID)
	}
}

func TestOutcomeMatchesDeclaredMode(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req runtime.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode runtime request: %v", err)
		}
		if req.AgentName == "batcher" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		fmt.Fprint(w, `{"output":"ok"}`)
	}))
	defer rt.Close()

	env := newTestEnv(t, rt.URL)
	ctx := context.Background()

	// The registry record decides the delivery, not anything the caller
	// sends: the same plain request runs sync against summarizer and
	// lands as a job against batcher.
	out, err := env.dispatcher.Invoke(ctx, standardCaller(), Request{AgentName: "summarizer"}, nil)
	if err != nil {
		t.Fatalf("sync invoke: %v", err)
	}
	if out.Mode != models.ModeSync || out.Sync == nil || out.Job != nil {
		t.Fatalf("summarizer outcome = %+v", out)
	}

	out, err = env.dispatcher.Invoke(ctx, standardCaller(), Request{AgentName: "batcher"}, nil)
	if err != nil {
		t.Fatalf("async invoke: %v", err)
	}
	if out.Mode != models.ModeAsync || out.Job == nil || out.Sync != nil {
		t.Fatalf("batcher outcome = %+v", out)
	}
	if out.Job.Status != models.JobPending {
		t.Fatalf("job status = %s, want pending", out.Job.Status)
	}
}

func TestTierBelowMinimumRejectsBeforeDispatch(t *testing.T) {
	dispatched := false
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched = true
	}))
	defer rt.Close()

	env := newTestEnv(t, rt.URL)
	basic := models.TenantContext{TenantID: "acme", Tier: models.TierBasic}

	_, err := env.dispatcher.Invoke(context.Background(), basic, Request{AgentName: "summarizer"}, nil)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != RejectForbidden {
		t.Fatalf("expected FORBIDDEN rejection, got %v", err)
	}
	if dispatched {
		t.Fatal("runtime was called for an unauthorized invocation")
	}
	if got := env.listRecords(t, basic); len(got) != 0 {
		t.Fatalf("rejected invocation left %d records", len(got))
	}
}

func TestUnknownAgentIsNotFound(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	_, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{AgentName: "ghost"}, nil)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != RejectNotFound {
		t.Fatalf("expected NOT_FOUND rejection, got %v", err)
	}
}

func TestUnreachableRuntimeRecordsError(t *testing.T) {
	// A closed port: connection refused instead of timeout.
	env := newTestEnv(t, "http://127.0.0.1:1")

	_, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{AgentName: "summarizer"}, nil)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != RejectUpstream {
		t.Fatalf("expected BAD_GATEWAY rejection, got %v", err)
	}

	records := env.listRecords(t, standardCaller())
	if len(records) != 1 {
		t.Fatalf("%d records, want 1", len(records))
	}
	if records[0].Status != models.InvocationError {
		t.Fatalf("status = %s, want error", records[0].Status)
	}
}

func TestStreamingRelaysChunksInOrder(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range []string{"stream", "me"} {
			fmt.Fprintf(w, "data: {\"type\":\"text\",\"content\":%q}\n\n", word)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer rt.Close()

	env := newTestEnv(t, rt.URL)
	var got []string
	out, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{
		AgentName: "narrator",
		Input:     map[string]any{"text": "stream me"},
	}, func(chunk runtime.Chunk) error {
		got = append(got, chunk.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if out.Mode != models.ModeStreaming || out.Stream == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if strings.Join(got, " ") != "stream me" {
		t.Fatalf("chunks = %v", got)
	}
	if out.Stream.Chunks != 2 {
		t.Fatalf("chunk count = %d, want 2", out.Stream.Chunks)
	}
}

func TestStreamingDisabledAgentRejected(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	env.seedAgent(t, models.AgentRecord{
		AgentName:        "muted",
		Version:          "1.0.0",
		TierMinimum:      models.TierBasic,
		Mode:             models.ModeStreaming,
		StreamingEnabled: false,
		RuntimeTarget:    "http://127.0.0.1:1",
		DeployedAt:       time.Now().UTC(),
	})

	_, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{AgentName: "muted"}, func(runtime.Chunk) error { return nil })
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != RejectUnsupported {
		t.Fatalf("expected NOT_IMPLEMENTED rejection, got %v", err)
	}
}

func TestAsyncHandoffAccepted(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer rt.Close()

	env := newTestEnv(t, rt.URL)
	out, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{
		AgentName: "batcher",
		Input:     map[string]any{"text": "later"},
		WebhookID: "wh-1",
	}, nil)
	if err != nil {
		t.Fatalf("async invoke: %v", err)
	}
	job := out.Job
	if job == nil || job.Status != models.JobPending {
		t.Fatalf("job = %+v, want pending", job)
	}
	if job.WebhookID != "wh-1" {
		t.Fatalf("webhook id = %q", job.WebhookID)
	}

	records := env.listRecords(t, standardCaller())
	if len(records) != 1 || records[0].JobID != job.JobID {
		t.Fatalf("records = %+v", records)
	}
}

func TestAsyncSlowRuntimeStillAccepted(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Outlive the fire window; the dispatcher should hang up and
		// treat the handoff as delivered.
		time.Sleep(600 * time.Millisecond)
	}))
	defer rt.Close()

	env := newTestEnv(t, rt.URL)
	out, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{AgentName: "batcher"}, nil)
	if err != nil {
		t.Fatalf("async invoke: %v", err)
	}
	if out.Job == nil || out.Job.Status != models.JobPending {
		t.Fatalf("job = %+v, want pending", out.Job)
	}
}

func TestAsyncUnreachableRuntimeFailsJob(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	ts := env.guard.Tenant(standardCaller())

	out, err := env.dispatcher.Invoke(context.Background(), standardCaller(), Request{AgentName: "batcher"}, nil)
	if err != nil {
		t.Fatalf("async invoke: %v", err)
	}
	job := out.Job
	if job == nil || job.Status != models.JobFailed {
		t.Fatalf("job = %+v, want failed", job)
	}

	// The stored job carries the failure too, so a later poll sees it.
	stored, gerr := env.jobs.Get(context.Background(), ts, job.JobID)
	if gerr != nil {
		t.Fatalf("get job: %v", gerr)
	}
	if stored.Status != models.JobFailed || stored.ErrorMessage == "" {
		t.Fatalf("stored job = %+v", stored)
	}

	records := env.listRecords(t, standardCaller())
	if len(records) != 1 || records[0].Status != models.InvocationError {
		t.Fatalf("records = %+v", records)
	}
}

func TestMaintenanceModeRejectsEverything(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	err := env.guard.Shared().Put(context.Background(), testTable, storage.Item{
		storage.AttrPK:     models.ConfigKeyPrefix + "platform",
		storage.AttrSK:     "runtime",
		"maintenance_mode": true,
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	_, err = env.dispatcher.Invoke(context.Background(), standardCaller(), Request{AgentName: "summarizer"}, nil)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != RejectUnavailable {
		t.Fatalf("expected UNAVAILABLE rejection, got %v", err)
	}
}

func TestListInvocationsMergesShardsNewestFirst(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output":"ok"}`)
	}))
	defer rt.Close()

	env := newTestEnv(t, rt.URL)
	ctx := context.Background()
	now := time.Now().UTC()
	env.dispatcher.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	for i := 0; i < 10; i++ {
		if _, err := env.dispatcher.Invoke(ctx, standardCaller(), Request{AgentName: "summarizer"}, nil); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}

	records, err := env.dispatcher.ListInvocations(ctx, standardCaller(), 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("%d records, want 5", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Fatalf("records out of order at %d", i)
		}
	}
}
