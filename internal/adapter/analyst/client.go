// Package analyst implements agent capabilities against the inference proxy:
// each analytical agent kind is a streamed HTTP call that yields progress
// notes line by line and ends with a single result record.
package analyst

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/port/agentcap"
	"github.com/StrataBot/MarketMind/internal/resilience"
)

// Client talks to the analyst inference proxy.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates an analyst client. The HTTP client carries no timeout of
// its own; per-invocation deadlines come from the caller's context.
func NewClient(cfg config.Analyst) *Client {
	return &Client{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker to the connection setup of all
// invocations. An open breaker fails invocations fast; the stream itself is
// not breaker-guarded once established.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// analyzeRequest is the proxy's invocation body.
type analyzeRequest struct {
	Kind    string            `json:"kind"`
	TaskID  string            `json:"task_id"`
	Stage   int               `json:"stage"`
	AgentID string            `json:"agent_id"`
	Symbol  string            `json:"symbol"`
	Params  map[string]string `json:"params,omitempty"`
	Context []json.RawMessage `json:"context,omitempty"`
}

// streamRecord is one newline-delimited JSON record of the response stream.
// The proxy sends zero or more "note" records followed by exactly one
// "result" or "error" record.
type streamRecord struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Usage  *cost.Usage     `json:"usage,omitempty"`
}

// capability is one agent kind bound to the shared client.
type capability struct {
	kind   string
	client *Client
}

func (a *capability) Kind() string { return a.kind }

// Invoke starts the streamed analyze call and returns its live channels.
// The response is consumed on a separate goroutine; both channels are always
// closed, and Done always yields exactly one outcome.
func (a *capability) Invoke(ctx context.Context, req agentcap.Request) (*agentcap.Invocation, error) {
	resp, err := a.client.open(ctx, analyzeRequest{
		Kind:    a.kind,
		TaskID:  req.TaskID,
		Stage:   req.Stage,
		AgentID: req.AgentID,
		Symbol:  req.Symbol,
		Params:  req.Params,
		Context: req.Context,
	})
	if err != nil {
		return nil, err
	}

	notes := make(chan agentcap.Note, 16)
	done := make(chan agentcap.Outcome, 1)
	go consume(ctx, resp.Body, notes, done)

	return &agentcap.Invocation{Notes: notes, Done: done}, nil
}

// open issues the analyze request and returns the open response stream.
func (c *Client) open(ctx context.Context, body analyzeRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	var resp *http.Response
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/x-ndjson")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("analyze %s: %w", body.Kind, err)
		}
		if r.StatusCode != http.StatusOK {
			defer func() { _ = r.Body.Close() }()
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			return fmt.Errorf("analyze %s: status %d: %s", body.Kind, r.StatusCode, bytes.TrimSpace(msg))
		}
		resp = r
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// consume reads the NDJSON stream, forwarding notes until the terminal
// record arrives. Notes is closed before the outcome is delivered.
func consume(ctx context.Context, body io.ReadCloser, notes chan<- agentcap.Note, done chan<- agentcap.Outcome) {
	defer close(done)
	defer func() { _ = body.Close() }()

	var outcome agentcap.Outcome
	terminal := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec streamRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			outcome = agentcap.Outcome{Err: fmt.Errorf("malformed stream record: %w", err)}
			terminal = true
			break
		}

		switch rec.Type {
		case "note":
			// The send must not outlive the invocation: an abandoned reader
			// cancels ctx, which unblocks here.
			select {
			case notes <- agentcap.Note{Text: rec.Text}:
			case <-ctx.Done():
				outcome = agentcap.Outcome{Err: ctx.Err()}
				terminal = true
			}
		case "result":
			outcome = agentcap.Outcome{Result: rec.Result}
			if rec.Usage != nil {
				outcome.Usage = *rec.Usage
			}
			terminal = true
		case "error":
			outcome = agentcap.Outcome{Err: fmt.Errorf("analyst: %s", rec.Error)}
			if rec.Usage != nil {
				outcome.Usage = *rec.Usage
			}
			terminal = true
		}
		if terminal {
			break
		}
	}
	close(notes)

	if !terminal {
		// Stream ended without a terminal record: cancellation or transport
		// failure mid-stream.
		if err := ctx.Err(); err != nil {
			outcome = agentcap.Outcome{Err: err}
		} else if err := scanner.Err(); err != nil {
			outcome = agentcap.Outcome{Err: fmt.Errorf("read analyze stream: %w", err)}
		} else {
			outcome = agentcap.Outcome{Err: fmt.Errorf("analyze stream ended without result")}
		}
	}
	done <- outcome
}
