// Package registry reads the shared agent registry: one row per deployed
// agent version, written by deployment tooling and read-only to the bridge.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/internal/tenant"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// ErrAgentNotFound is returned when the agent or the requested version does
// not exist. Callers map it to a NOT_FOUND response.
var ErrAgentNotFound = errors.New("agent not found")

// DefaultTable is the registry's table name.
const DefaultTable = "platform-agents"

// Reader looks up agent records through the guard's shared handle. The
// registry holds no tenant data, so no partition scoping applies.
type Reader struct {
	shared *tenant.SharedStore
	table  string
}

// NewReader builds a registry reader over the shared store.
func NewReader(shared *tenant.SharedStore, table string) *Reader {
	if table == "" {
		table = DefaultTable
	}
	return &Reader{shared: shared, table: table}
}

// Latest returns the newest deployed version of the agent, resolved by
// descending version order.
func (r *Reader) Latest(ctx context.Context, agentName string) (*models.AgentRecord, error) {
	items, err := r.shared.Query(ctx, r.table, models.AgentKeyPrefix+agentName, storage.QueryOptions{
		SKPrefix:   "VERSION#",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("query agent versions: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrAgentNotFound
	}
	return decodeAgent(items[0])
}

// Version returns one specific deployed version of the agent.
func (r *Reader) Version(ctx context.Context, agentName, version string) (*models.AgentRecord, error) {
	item, err := r.shared.Get(ctx, r.table, storage.Key{
		PK: models.AgentKeyPrefix + agentName,
		SK: "VERSION#" + version,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent version: %w", err)
	}
	return decodeAgent(item)
}

// EncodeAgent converts a registry record to its stored item. Deployment
// tooling and tests use it to seed the registry.
func EncodeAgent(rec models.AgentRecord) storage.Item {
	item := storage.Item{
		storage.AttrPK:      rec.PK(),
		storage.AttrSK:      rec.SK(),
		"agent_name":        rec.AgentName,
		"version":           rec.Version,
		"tier_minimum":      string(rec.TierMinimum),
		"invocation_mode":   string(rec.Mode),
		"streaming_enabled": rec.StreamingEnabled,
		"deployed_at":       rec.DeployedAt.UTC().Format(time.RFC3339),
	}
	if rec.OwnerTeam != "" {
		item["owner_team"] = rec.OwnerTeam
	}
	if rec.RuntimeTarget != "" {
		item["runtime_target"] = rec.RuntimeTarget
	}
	if rec.EstimatedSeconds > 0 {
		item["estimated_duration_seconds"] = rec.EstimatedSeconds
	}
	return item
}

func decodeAgent(item storage.Item) (*models.AgentRecord, error) {
	rec := &models.AgentRecord{
		AgentName:        item.String("agent_name"),
		Version:          item.String("version"),
		OwnerTeam:        item.String("owner_team"),
		TierMinimum:      models.ParseTier(item.String("tier_minimum")),
		Mode:             models.DeliveryMode(item.String("invocation_mode")),
		RuntimeTarget:    item.String("runtime_target"),
		EstimatedSeconds: int(item.Int64("estimated_duration_seconds")),
	}
	if enabled, ok := item["streaming_enabled"].(bool); ok {
		rec.StreamingEnabled = enabled
	}
	if ts := item.String("deployed_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			rec.DeployedAt = t
		}
	}
	if rec.AgentName == "" || rec.Version == "" {
		return nil, fmt.Errorf("malformed agent record at %s/%s", item.String(storage.AttrPK), item.String(storage.AttrSK))
	}
	switch rec.Mode {
	case models.ModeSync, models.ModeStreaming, models.ModeAsync:
	default:
		rec.Mode = models.ModeSync
	}
	return rec, nil
}
