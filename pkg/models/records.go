package models

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryMode selects how an invocation's output reaches the caller.
type DeliveryMode string

const (
	ModeSync      DeliveryMode = "sync"
	ModeStreaming DeliveryMode = "streaming"
	ModeAsync     DeliveryMode = "async"
)

// InvocationStatus is the terminal status of one invocation attempt.
type InvocationStatus string

const (
	InvocationSuccess   InvocationStatus = "success"
	InvocationError     InvocationStatus = "error"
	InvocationTimeout   InvocationStatus = "timeout"
	InvocationThrottled InvocationStatus = "throttled"
)

// JobStatus is the lifecycle state of one asynchronous unit of work.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Retention windows. Storage-layer item expiration enforces both.
const (
	InvocationTTL = 90 * 24 * time.Hour
	JobTTL        = 7 * 24 * time.Hour
)

// Key prefixes for the partitioned store. Keys starting with TenantKeyPrefix
// encode a tenant identity and are subject to the partition guard; all other
// prefixes name shared, non-tenant data.
const (
	TenantKeyPrefix = "TENANT#"
	AgentKeyPrefix  = "AGENT#"
	LockKeyPrefix   = "LOCK#"
	ConfigKeyPrefix = "CONFIG#"
)

// InvocationShards is the number of shard suffixes used to spread one
// tenant's invocation writes across partitions.
const InvocationShards = 8

// TenantPK builds the partition key for a tenant's own records.
func TenantPK(tenantID string) string {
	return TenantKeyPrefix + tenantID
}

// TenantShardPK builds a sharded partition key for high-volume tenant
// records. Readers fan out over all shards and order by embedded timestamp.
func TenantShardPK(tenantID string, shard int) string {
	return fmt.Sprintf("%s%s#S%d", TenantKeyPrefix, tenantID, shard)
}

// TenantIDFromKey extracts the tenant segment of a partition key, or "" when
// the key does not encode a tenant.
func TenantIDFromKey(pk string) (string, bool) {
	if !strings.HasPrefix(pk, TenantKeyPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(pk, TenantKeyPrefix)
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

// TenantBlobPrefix is the object-key prefix confining a tenant's blobs.
func TenantBlobPrefix(tenantID string) string {
	return "tenants/" + tenantID + "/"
}

// TenantIDFromBlobKey extracts the tenant segment of an object key, or ""
// when the key does not fall under the tenants/ tree.
func TenantIDFromBlobKey(key string) (string, bool) {
	const root = "tenants/"
	if !strings.HasPrefix(key, root) {
		return "", false
	}
	rest := strings.TrimPrefix(key, root)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], true
	}
	// "tenants/<something-without-slash>" still names a tenant segment.
	return rest, true
}

// AgentRecord is one row per deployed agent version in the shared registry.
// Deployment tooling writes these; the bridge only reads them.
type AgentRecord struct {
	AgentName        string       `json:"agent_name"`
	Version          string       `json:"version"`
	OwnerTeam        string       `json:"owner_team,omitempty"`
	TierMinimum      Tier         `json:"tier_minimum"`
	Mode             DeliveryMode `json:"invocation_mode"`
	StreamingEnabled bool         `json:"streaming_enabled"`
	RuntimeTarget    string       `json:"runtime_target,omitempty"`
	EstimatedSeconds int          `json:"estimated_duration_seconds,omitempty"`
	DeployedAt       time.Time    `json:"deployed_at"`
}

// PK returns the shared-registry partition key for the agent.
func (a AgentRecord) PK() string { return AgentKeyPrefix + a.AgentName }

// SK returns the version sort key. Versions sort descending for "latest".
func (a AgentRecord) SK() string { return "VERSION#" + a.Version }

// InvocationRecord is the immutable audit entry for one invocation attempt.
// Always written inside the caller's tenant partition.
type InvocationRecord struct {
	InvocationID string           `json:"invocation_id"`
	TenantID     string           `json:"tenant_id"`
	AppID        string           `json:"app_id"`
	AgentName    string           `json:"agent_name"`
	AgentVersion string           `json:"agent_version"`
	SessionID    string           `json:"session_id,omitempty"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	LatencyMs    int64            `json:"latency_ms"`
	Status       InvocationStatus `json:"status"`
	Mode         DeliveryMode     `json:"mode"`
	Timestamp    time.Time        `json:"timestamp"`
	ExpiresAt    time.Time        `json:"expires_at"`
	JobID        string           `json:"job_id,omitempty"`
}

// JobRecord is the mutable state for one asynchronous unit of work.
type JobRecord struct {
	JobID          string     `json:"job_id"`
	TenantID       string     `json:"tenant_id"`
	AgentName      string     `json:"agent_name"`
	AgentVersion   string     `json:"agent_version"`
	InvocationID   string     `json:"invocation_id"`
	Status         JobStatus  `json:"status"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ResultLocation string     `json:"result_location,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	WebhookID      string     `json:"webhook_id,omitempty"`
	Delivered      bool       `json:"delivered"`
}

// PK returns the job's partition key inside its tenant partition.
func (j JobRecord) PK() string { return TenantPK(j.TenantID) }

// SK returns the job sort key.
func (j JobRecord) SK() string { return "JOB#" + j.JobID }

// OpsLockRecord is one row per named exclusive operation.
type OpsLockRecord struct {
	Name       string    `json:"name"`
	Token      string    `json:"token"`
	HeldBy     string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PK returns the lock's partition key in the shared table.
func (l OpsLockRecord) PK() string { return LockKeyPrefix + l.Name }
