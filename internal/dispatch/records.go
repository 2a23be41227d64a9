package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// Invocation rows are spread across shard suffixes so one busy tenant never
// funnels every write through a single partition. The shard is derived from
// the invocation id; readers fan out over all shards and merge by the
// timestamp embedded in the sort key.

func invocationShard(invocationID string) int {
	h := fnv.New32a()
	h.Write([]byte(invocationID))
	return int(h.Sum32() % uint32(models.InvocationShards))
}

func invocationSK(ts time.Time, invocationID string) string {
	return "INV#" + ts.UTC().Format(time.RFC3339Nano) + "#" + invocationID
}

func (d *Dispatcher) writeRecord(ctx context.Context, tc models.TenantContext, rec *models.InvocationRecord) error {
	shard := invocationShard(rec.InvocationID)
	item := storage.Item{
		storage.AttrPK:        models.TenantShardPK(tc.TenantID, shard),
		storage.AttrSK:        invocationSK(rec.Timestamp, rec.InvocationID),
		storage.AttrExpiresAt: rec.ExpiresAt.Unix(),
		"invocation_id":       rec.InvocationID,
		"tenant_id":           rec.TenantID,
		"app_id":              rec.AppID,
		"agent_name":          rec.AgentName,
		"agent_version":       rec.AgentVersion,
		"input_tokens":        int64(rec.InputTokens),
		"output_tokens":       int64(rec.OutputTokens),
		"latency_ms":          rec.LatencyMs,
		"status":              string(rec.Status),
		"mode":                string(rec.Mode),
		"timestamp":           rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if rec.SessionID != "" {
		item["session_id"] = rec.SessionID
	}
	if rec.JobID != "" {
		item["job_id"] = rec.JobID
	}
	ts := d.guard.Tenant(tc)
	if err := ts.PutIfAbsent(ctx, d.table, item); err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// ListInvocations returns the caller's recent invocations, newest first.
// Reads fan out over every shard and merge on the recorded timestamp.
func (d *Dispatcher) ListInvocations(ctx context.Context, tc models.TenantContext, limit int) ([]*models.InvocationRecord, error) {
	ts := d.guard.Tenant(tc)
	items, err := ts.QueryShards(ctx, d.table, storage.QueryOptions{SKPrefix: "INV#", Descending: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}

	out := make([]*models.InvocationRecord, 0, len(items))
	for _, item := range items {
		out = append(out, decodeInvocation(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func decodeInvocation(item storage.Item) *models.InvocationRecord {
	rec := &models.InvocationRecord{
		InvocationID: item.String("invocation_id"),
		TenantID:     item.String("tenant_id"),
		AppID:        item.String("app_id"),
		AgentName:    item.String("agent_name"),
		AgentVersion: item.String("agent_version"),
		SessionID:    item.String("session_id"),
		InputTokens:  int(item.Int64("input_tokens")),
		OutputTokens: int(item.Int64("output_tokens")),
		LatencyMs:    item.Int64("latency_ms"),
		Status:       models.InvocationStatus(item.String("status")),
		Mode:         models.DeliveryMode(item.String("mode")),
		JobID:        item.String("job_id"),
	}
	if ts := item.String("timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = parsed
		}
	}
	if exp := item.Int64(storage.AttrExpiresAt); exp > 0 {
		rec.ExpiresAt = time.Unix(exp, 0).UTC()
	}
	return rec
}
