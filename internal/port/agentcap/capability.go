// Package agentcap defines the agent capability port: the narrow interface
// through which the runner pool invokes opaque analytical agents.
package agentcap

import (
	"context"
	"encoding/json"

	"github.com/StrataBot/MarketMind/internal/domain/cost"
)

// Request carries everything a capability needs for one invocation.
type Request struct {
	TaskID  string
	Stage   int
	AgentID string
	Symbol  string
	Params  map[string]string

	// Context carries the successful results of earlier stages so debate
	// and decision agents can build on the gathered material.
	Context []json.RawMessage
}

// Note is one intermediate progress notification from a running agent.
type Note struct {
	Text string
}

// Outcome is the single terminal result of an invocation.
type Outcome struct {
	Result json.RawMessage
	Usage  cost.Usage
	Err    error
}

// Invocation exposes a running agent as a progress stream plus exactly one
// terminal outcome. Notes is closed before the outcome is delivered on Done;
// Done yields exactly one value and is then closed. Both channels must be
// drained even after cancellation, within the caller's grace period.
type Invocation struct {
	Notes <-chan Note
	Done  <-chan Outcome
}

// Capability is the port interface for one kind of analytical agent.
// Implementations must honor ctx cancellation: in-flight work is aborted
// cooperatively and the terminal outcome reports ctx.Err().
type Capability interface {
	// Kind returns the unique identifier for this capability (e.g. "market").
	Kind() string

	// Invoke starts the agent and returns immediately with its live
	// invocation channels.
	Invoke(ctx context.Context, req Request) (*Invocation, error)
}
