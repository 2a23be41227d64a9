package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// doneMarker terminates a runtime's event stream.
const doneMarker = "[DONE]"

// Chunk is one streamed fragment of agent output.
type Chunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamResult summarizes a finished stream. The runtime's event protocol
// carries no usage counters, so chunk count is the only volume measure.
type StreamResult struct {
	Kind   OutcomeKind
	Chunks int
	Err    error
}

// Stream runs a streaming invocation, calling emit for every text chunk the
// runtime produces. The runtime speaks server-sent events: each data line
// carries a JSON chunk, and the stream ends at the done marker. emit errors
// abort the stream, typically because the downstream client went away.
func (c *Client) Stream(ctx context.Context, target string, req Request, emit func(Chunk) error) StreamResult {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return StreamResult{Kind: OutcomeFailed, Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, invocationsURL(target), bytes.NewReader(body))
	if err != nil {
		return StreamResult{Kind: OutcomeFailed, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return StreamResult{Kind: OutcomeUnreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotImplemented:
		return StreamResult{Kind: OutcomeUnsupported}
	case resp.StatusCode >= 500:
		return StreamResult{Kind: OutcomeUnreachable, Err: fmt.Errorf("runtime returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return StreamResult{Kind: OutcomeFailed, Err: fmt.Errorf("runtime returned %d", resp.StatusCode)}
	}

	var result StreamResult
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneMarker {
			result.Kind = OutcomeCompleted
			return result
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Type != "text" {
			continue
		}
		if err := emit(chunk); err != nil {
			result.Kind = OutcomeFailed
			result.Err = fmt.Errorf("emit chunk: %w", err)
			return result
		}
		result.Chunks++
	}
	if err := scanner.Err(); err != nil {
		result.Kind = OutcomeUnreachable
		result.Err = err
		return result
	}
	// Stream ended without a done marker. Treat what arrived as complete.
	result.Kind = OutcomeCompleted
	return result
}
