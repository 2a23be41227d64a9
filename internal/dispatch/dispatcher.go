// Package dispatch routes authorized invocations to agent runtimes. It owns
// the invocation state machine: received, authorized, dispatched, then one
// of completed, accepted, or rejected. Authorization failures reject before
// dispatch and leave no invocation record; anything that reached a runtime
// is recorded in the caller's partition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentbridge/internal/config"
	"github.com/haasonsaas/agentbridge/internal/jobs"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/registry"
	"github.com/haasonsaas/agentbridge/internal/runtime"
	"github.com/haasonsaas/agentbridge/internal/tenant"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// Dispatcher executes the invocation pipeline for all three delivery modes.
type Dispatcher struct {
	guard      *tenant.Guard
	registry   *registry.Reader
	jobs       *jobs.Tracker
	runtime    *runtime.Client
	settings   *config.RuntimeCache
	table      string
	tracer     trace.Tracer
	logger     *observability.Logger
	metrics    *observability.Metrics
	fireWindow time.Duration
	now        func() time.Time
}

// Options carries the dispatcher's collaborators.
type Options struct {
	Guard      *tenant.Guard
	Registry   *registry.Reader
	Jobs       *jobs.Tracker
	Runtime    *runtime.Client
	Settings   *config.RuntimeCache
	Table      string
	Tracer     trace.Tracer
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	FireWindow time.Duration
}

// New builds a dispatcher. A zero fire window means two seconds.
func New(opts Options) *Dispatcher {
	if opts.FireWindow <= 0 {
		opts.FireWindow = 2 * time.Second
	}
	return &Dispatcher{
		guard:      opts.Guard,
		registry:   opts.Registry,
		jobs:       opts.Jobs,
		runtime:    opts.Runtime,
		settings:   opts.Settings,
		table:      opts.Table,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		fireWindow: opts.FireWindow,
		now:        time.Now,
	}
}

// SetClock overrides the dispatcher clock. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Request describes one invocation as the caller submitted it. An empty
// Version resolves to the latest registered version. The caller never
// chooses the delivery mode; the agent's registry record does.
type Request struct {
	AgentName string
	Version   string
	Input     map[string]any
	SessionID string
	WebhookID string
}

// Usage reports token consumption for a completed invocation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// SyncResponse is the completed result of a synchronous invocation.
type SyncResponse struct {
	InvocationID string `json:"invocationId"`
	Output       string `json:"output"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	Usage        Usage  `json:"usage"`
	LatencyMs    int64  `json:"latencyMs"`
}

// StreamSummary reports a finished streaming invocation.
type StreamSummary struct {
	InvocationID string
	Chunks       int
	LatencyMs    int64
}

// Outcome is the tagged result of one invocation. Exactly one of the
// mode-specific fields is set, matching Mode.
type Outcome struct {
	Mode   models.DeliveryMode
	Sync   *SyncResponse
	Stream *StreamSummary
	Job    *models.JobRecord
}

// Invoke runs one invocation end to end in the delivery mode the agent was
// registered with. emit receives chunks only when the resolved agent
// streams; it is never called for sync or async agents.
func (d *Dispatcher) Invoke(ctx context.Context, tc models.TenantContext, req Request, emit func(runtime.Chunk) error) (*Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.invoke", trace.WithAttributes(
		attribute.String("agent.name", req.AgentName),
	))
	defer span.End()

	inv, agent, err := d.authorize(ctx, tc, req.AgentName, req.Version)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ctx = observability.WithInvocationID(ctx, inv.id)
	span.SetAttributes(
		attribute.String("invocation.id", inv.id),
		attribute.String("delivery.mode", string(agent.Mode)),
	)

	switch agent.Mode {
	case models.ModeStreaming:
		summary, err := d.runStream(ctx, tc, req, inv, agent, emit)
		if err != nil {
			return nil, err
		}
		return &Outcome{Mode: models.ModeStreaming, Stream: summary}, nil

	case models.ModeAsync:
		job, err := d.runAsync(ctx, tc, req, inv, agent)
		if err != nil {
			return nil, err
		}
		return &Outcome{Mode: models.ModeAsync, Job: job}, nil

	default:
		resp, err := d.runSync(ctx, tc, req, inv, agent)
		if err != nil {
			return nil, err
		}
		return &Outcome{Mode: models.ModeSync, Sync: resp}, nil
	}
}

// runSync blocks for the full result and writes one invocation record.
func (d *Dispatcher) runSync(ctx context.Context, tc models.TenantContext, req Request, inv *invocation, agent *models.AgentRecord) (*SyncResponse, error) {
	span := trace.SpanFromContext(ctx)

	inv.to(stateDispatched)
	started := d.now()
	res := d.runtime.Invoke(ctx, agent.RuntimeTarget, runtime.Request{
		InvocationID: inv.id,
		TenantID:     tc.TenantID,
		AgentName:    agent.AgentName,
		AgentVersion: agent.Version,
		SessionID:    req.SessionID,
		Input:        req.Input,
	})
	latency := d.now().Sub(started)

	switch res.Kind {
	case runtime.OutcomeCompleted:
		inv.to(stateCompleted)
		rec := d.newRecord(inv.id, tc, agent, req, models.ModeSync, models.InvocationSuccess, latency)
		rec.InputTokens = res.TokensIn
		rec.OutputTokens = res.TokensOut
		if err := d.writeRecord(ctx, tc, rec); err != nil {
			return nil, err
		}
		d.observe(agent.AgentName, models.ModeSync, models.InvocationSuccess, latency)
		return &SyncResponse{
			InvocationID: inv.id,
			Output:       res.Output,
			Mode:         string(models.ModeSync),
			Status:       string(models.InvocationSuccess),
			Usage:        Usage{InputTokens: res.TokensIn, OutputTokens: res.TokensOut},
			LatencyMs:    latency.Milliseconds(),
		}, nil

	case runtime.OutcomeUnsupported:
		inv.to(stateRejected)
		if err := d.recordFailure(ctx, tc, agent, inv.id, req, models.ModeSync, models.InvocationError, latency); err != nil {
			return nil, err
		}
		return nil, reject(RejectUnsupported, "agent %s does not support sync invocation", agent.AgentName)

	case runtime.OutcomeUnreachable:
		inv.to(stateRejected)
		status := models.InvocationError
		if errors.Is(res.Err, context.DeadlineExceeded) {
			status = models.InvocationTimeout
		}
		if err := d.recordFailure(ctx, tc, agent, inv.id, req, models.ModeSync, status, latency); err != nil {
			return nil, err
		}
		span.SetStatus(codes.Error, "runtime unreachable")
		d.logger.Error(ctx, "runtime unreachable", "agent", agent.AgentName, "error", errString(res.Err))
		return nil, reject(RejectUpstream, "runtime for %s unreachable", agent.AgentName)

	default:
		inv.to(stateRejected)
		if err := d.recordFailure(ctx, tc, agent, inv.id, req, models.ModeSync, models.InvocationError, latency); err != nil {
			return nil, err
		}
		span.SetStatus(codes.Error, "runtime error")
		return nil, reject(RejectRuntime, "runtime for %s failed: %s", agent.AgentName, errString(res.Err))
	}
}

// runStream relays each chunk through emit as it arrives. The record is
// written after the stream terminates. StreamingEnabled gates the leg even
// for an agent registered as streaming.
func (d *Dispatcher) runStream(ctx context.Context, tc models.TenantContext, req Request, inv *invocation, agent *models.AgentRecord, emit func(runtime.Chunk) error) (*StreamSummary, error) {
	span := trace.SpanFromContext(ctx)

	if !agent.StreamingEnabled {
		inv.to(stateRejected)
		return nil, reject(RejectUnsupported, "agent %s does not support streaming", agent.AgentName)
	}

	inv.to(stateDispatched)
	started := d.now()
	res := d.runtime.Stream(ctx, agent.RuntimeTarget, runtime.Request{
		InvocationID: inv.id,
		TenantID:     tc.TenantID,
		AgentName:    agent.AgentName,
		AgentVersion: agent.Version,
		SessionID:    req.SessionID,
		Input:        req.Input,
	}, func(chunk runtime.Chunk) error {
		if d.metrics != nil {
			d.metrics.StreamChunks.WithLabelValues(agent.AgentName).Inc()
		}
		return emit(chunk)
	})
	latency := d.now().Sub(started)

	switch res.Kind {
	case runtime.OutcomeCompleted:
		inv.to(stateCompleted)
		rec := d.newRecord(inv.id, tc, agent, req, models.ModeStreaming, models.InvocationSuccess, latency)
		if err := d.writeRecord(ctx, tc, rec); err != nil {
			return nil, err
		}
		d.observe(agent.AgentName, models.ModeStreaming, models.InvocationSuccess, latency)
		return &StreamSummary{InvocationID: inv.id, Chunks: res.Chunks, LatencyMs: latency.Milliseconds()}, nil

	case runtime.OutcomeUnsupported:
		inv.to(stateRejected)
		if err := d.recordFailure(ctx, tc, agent, inv.id, req, models.ModeStreaming, models.InvocationError, latency); err != nil {
			return nil, err
		}
		return nil, reject(RejectUnsupported, "agent %s does not support streaming", agent.AgentName)

	default:
		inv.to(stateRejected)
		if err := d.recordFailure(ctx, tc, agent, inv.id, req, models.ModeStreaming, models.InvocationError, latency); err != nil {
			return nil, err
		}
		span.SetStatus(codes.Error, "stream failed")
		return nil, reject(RejectUpstream, "stream from %s failed: %s", agent.AgentName, errString(res.Err))
	}
}

// runAsync creates a pending job and hands the work to the runtime without
// waiting for completion. A handoff that times out inside the fire window
// still counts as accepted. A connection-level failure fails the job
// immediately, but the job is still returned so the caller gets the
// accepted response and sees the failure when it polls.
func (d *Dispatcher) runAsync(ctx context.Context, tc models.TenantContext, req Request, inv *invocation, agent *models.AgentRecord) (*models.JobRecord, error) {
	span := trace.SpanFromContext(ctx)

	ts := d.guard.Tenant(tc)
	job, err := d.jobs.Create(ctx, ts, agent.AgentName, agent.Version, inv.id, req.WebhookID)
	if err != nil {
		return nil, err
	}

	inv.to(stateDispatched)
	started := d.now()
	fireErr := d.runtime.Fire(ctx, agent.RuntimeTarget, runtime.Request{
		InvocationID: inv.id,
		TenantID:     tc.TenantID,
		AgentName:    agent.AgentName,
		AgentVersion: agent.Version,
		SessionID:    req.SessionID,
		Input:        req.Input,
	}, d.fireWindow)
	latency := d.now().Sub(started)

	if fireErr != nil {
		inv.to(stateAccepted)
		failed, ferr := d.jobs.MarkFailed(ctx, ts, job.JobID, "runtime handoff failed: "+fireErr.Error())
		if ferr != nil {
			d.logger.Error(ctx, "failed to fail job after handoff error", "job_id", job.JobID, "error", ferr.Error())
			failed = job
		}
		rec := d.newRecord(inv.id, tc, agent, req, models.ModeAsync, models.InvocationError, latency)
		rec.JobID = job.JobID
		if err := d.writeRecord(ctx, tc, rec); err != nil {
			return nil, err
		}
		d.observe(agent.AgentName, models.ModeAsync, models.InvocationError, latency)
		span.SetStatus(codes.Error, "handoff failed")
		d.logger.Error(ctx, "runtime handoff failed", "agent", agent.AgentName, "job_id", job.JobID, "error", fireErr.Error())
		return failed, nil
	}

	inv.to(stateAccepted)
	rec := d.newRecord(inv.id, tc, agent, req, models.ModeAsync, models.InvocationSuccess, latency)
	rec.JobID = job.JobID
	if err := d.writeRecord(ctx, tc, rec); err != nil {
		return nil, err
	}
	d.observe(agent.AgentName, models.ModeAsync, models.InvocationSuccess, latency)
	return job, nil
}

// authorize resolves the agent and checks platform and tier gates. It runs
// the received and authorized legs of the state machine.
func (d *Dispatcher) authorize(ctx context.Context, tc models.TenantContext, agentName, version string) (*invocation, *models.AgentRecord, error) {
	inv := newInvocation()

	settings := d.settings.Settings(ctx)
	if settings.MaintenanceMode {
		inv.to(stateRejected)
		return nil, nil, reject(RejectUnavailable, "platform is in maintenance mode")
	}
	if settings.DisabledAgents[agentName] {
		inv.to(stateRejected)
		return nil, nil, reject(RejectUnavailable, "agent %s is disabled", agentName)
	}

	var agent *models.AgentRecord
	var err error
	if version == "" {
		agent, err = d.registry.Latest(ctx, agentName)
	} else {
		agent, err = d.registry.Version(ctx, agentName, version)
	}
	if errors.Is(err, registry.ErrAgentNotFound) {
		inv.to(stateRejected)
		return nil, nil, reject(RejectNotFound, "agent %s not found", agentName)
	}
	if err != nil {
		return nil, nil, err
	}

	if !tc.Tier.AtLeast(agent.TierMinimum) {
		inv.to(stateRejected)
		d.logger.Warn(ctx, "tier below agent minimum",
			"agent", agent.AgentName,
			"caller_tier", string(tc.Tier),
			"minimum_tier", string(agent.TierMinimum),
		)
		return nil, nil, reject(RejectForbidden, "agent %s requires tier %s", agent.AgentName, agent.TierMinimum)
	}

	inv.to(stateAuthorized)
	return inv, agent, nil
}

// newRecord stamps the record at second precision because the storage
// layer's expiry attribute is unix seconds; keeping both at the same
// precision lets the retention window survive a persist/decode round trip.
func (d *Dispatcher) newRecord(id string, tc models.TenantContext, agent *models.AgentRecord, req Request, mode models.DeliveryMode, status models.InvocationStatus, latency time.Duration) *models.InvocationRecord {
	now := d.now().UTC().Truncate(time.Second)
	return &models.InvocationRecord{
		InvocationID: id,
		TenantID:     tc.TenantID,
		AppID:        tc.AppID,
		AgentName:    agent.AgentName,
		AgentVersion: agent.Version,
		SessionID:    req.SessionID,
		LatencyMs:    latency.Milliseconds(),
		Status:       status,
		Mode:         mode,
		Timestamp:    now,
		ExpiresAt:    now.Add(models.InvocationTTL),
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, tc models.TenantContext, agent *models.AgentRecord, id string, req Request, mode models.DeliveryMode, status models.InvocationStatus, latency time.Duration) error {
	rec := d.newRecord(id, tc, agent, req, mode, status, latency)
	if err := d.writeRecord(ctx, tc, rec); err != nil {
		return err
	}
	d.observe(agent.AgentName, mode, status, latency)
	return nil
}

func (d *Dispatcher) observe(agent string, mode models.DeliveryMode, status models.InvocationStatus, latency time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.InvocationCounter.WithLabelValues(agent, string(mode), string(status)).Inc()
	d.metrics.InvocationDuration.WithLabelValues(agent, string(mode)).Observe(latency.Seconds())
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// invocation tracks one request through the dispatch state machine.
type invocation struct {
	id    string
	state invocationState
}

type invocationState string

const (
	stateReceived   invocationState = "received"
	stateAuthorized invocationState = "authorized"
	stateDispatched invocationState = "dispatched"
	stateCompleted  invocationState = "completed"
	stateAccepted   invocationState = "accepted"
	stateRejected   invocationState = "rejected"
)

func newInvocation() *invocation {
	return &invocation{id: uuid.NewString(), state: stateReceived}
}

// to advances the state machine. Moves only run forward; a backward or
// repeated move is a programming error and panics in development builds.
func (i *invocation) to(next invocationState) {
	if !validMove(i.state, next) {
		panic(fmt.Sprintf("invalid invocation transition %s -> %s", i.state, next))
	}
	i.state = next
}

func validMove(from, to invocationState) bool {
	switch from {
	case stateReceived:
		return to == stateAuthorized || to == stateRejected
	case stateAuthorized:
		return to == stateDispatched || to == stateRejected
	case stateDispatched:
		return to == stateCompleted || to == stateAccepted || to == stateRejected
	default:
		return false
	}
}
