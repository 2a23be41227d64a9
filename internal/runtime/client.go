// Package runtime calls the per-agent runtime endpoints that actually
// execute agent code. The bridge never runs agents itself; it forwards the
// request and classifies the outcome so the dispatcher can branch on a
// typed result instead of sniffing transport errors.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// OutcomeKind tags what happened to a runtime call.
type OutcomeKind string

const (
	// OutcomeCompleted means the runtime answered with a usable response.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeUnreachable means the runtime could not be reached or did not
	// answer in time.
	OutcomeUnreachable OutcomeKind = "unreachable"
	// OutcomeUnsupported means the runtime rejected the delivery mode.
	OutcomeUnsupported OutcomeKind = "unsupported"
	// OutcomeFailed means the runtime answered with an error status.
	OutcomeFailed OutcomeKind = "failed"
)

// Result is the tagged outcome of a sync invocation.
type Result struct {
	Kind       OutcomeKind
	Output     string
	TokensIn   int
	TokensOut  int
	StatusCode int
	Err        error
}

// Request is the payload forwarded to a runtime's /invocations endpoint.
type Request struct {
	InvocationID string         `json:"invocationId"`
	TenantID     string         `json:"tenantId"`
	AgentName    string         `json:"agentName"`
	AgentVersion string         `json:"agentVersion"`
	SessionID    string         `json:"sessionId,omitempty"`
	Input        map[string]any `json:"input"`
	Stream       bool           `json:"stream,omitempty"`
}

type syncResponse struct {
	Output    string `json:"output"`
	TokensIn  int    `json:"tokensIn"`
	TokensOut int    `json:"tokensOut"`
}

// Client talks HTTP to agent runtimes.
type Client struct {
	http *http.Client
}

// NewClient builds a runtime client. Zero timeout means 60 seconds, which
// bounds sync invocations end to end.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Invoke runs one synchronous invocation and classifies the outcome. All
// classification lives here: callers switch on Result.Kind and never see
// transport errors directly.
func (c *Client) Invoke(ctx context.Context, target string, req Request) Result {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Kind: OutcomeFailed, Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, invocationsURL(target), bytes.NewReader(body))
	if err != nil {
		return Result{Kind: OutcomeFailed, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{Kind: OutcomeUnreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotImplemented:
		return Result{Kind: OutcomeUnsupported, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return Result{Kind: OutcomeUnreachable, StatusCode: resp.StatusCode, Err: fmt.Errorf("runtime returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return Result{Kind: OutcomeFailed, StatusCode: resp.StatusCode, Err: fmt.Errorf("runtime returned %d", resp.StatusCode)}
	}

	var decoded syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{Kind: OutcomeFailed, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return Result{
		Kind:       OutcomeCompleted,
		Output:     decoded.Output,
		TokensIn:   decoded.TokensIn,
		TokensOut:  decoded.TokensOut,
		StatusCode: resp.StatusCode,
	}
}

// Fire launches an async invocation without waiting for the answer. The
// call is given a short window to hand the work off; a timeout inside that
// window still counts as a successful handoff since the runtime keeps
// processing after we hang up. A connection-level failure means the
// runtime never got the work.
func (c *Client) Fire(ctx context.Context, target string, req Request, window time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	fireCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(fireCtx, http.MethodPost, invocationsURL(target), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("fire invocation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("runtime returned %d", resp.StatusCode)
	}
	return nil
}

func invocationsURL(target string) string {
	return strings.TrimRight(target, "/") + "/invocations"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
