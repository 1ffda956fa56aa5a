// Package event defines the immutable, ordered events emitted during task
// execution and delivered to stream subscribers.
package event

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of a task event.
type Kind string

const (
	KindStageStart    Kind = "stage_start"
	KindAgentThought  Kind = "agent_thought"
	KindAgentComplete Kind = "agent_complete"
	KindStageComplete Kind = "stage_complete"
	KindCostUpdate    Kind = "cost_update"
	KindTaskComplete  Kind = "task_complete"
	KindTaskError     Kind = "task_error"

	// KindGap is synthesized by the streamer when a subscriber asks for a
	// sequence older than the retention window; it is never buffered.
	KindGap Kind = "gap"
)

// Terminal reports whether the kind ends the task's event stream.
func (k Kind) Terminal() bool {
	return k == KindTaskComplete || k == KindTaskError
}

// Event is a single immutable record in a task's event stream. Seq is
// monotonic, strictly increasing, and gap-free per task.
type Event struct {
	Seq     uint64          `json:"seq"`
	TaskID  string          `json:"task_id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// --- Typed payloads ---

// StagePayload accompanies stage_start and stage_complete events.
type StagePayload struct {
	Stage  int    `json:"stage"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"` // completed | failed | skipped (stage_complete only)
}

// ThoughtPayload accompanies agent_thought events.
type ThoughtPayload struct {
	Stage   int    `json:"stage"`
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

// AgentCompletePayload accompanies agent_complete events.
type AgentCompletePayload struct {
	Stage      int             `json:"stage"`
	AgentID    string          `json:"agent_id"`
	Status     string          `json:"status"` // completed | failed
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// CostPayload accompanies cost_update events.
type CostPayload struct {
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	CostUSD      float64 `json:"cost_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	SoftAlert    bool    `json:"soft_alert,omitempty"`
	Exhausted    bool    `json:"exhausted,omitempty"`
}

// ErrorPayload accompanies task_error events.
type ErrorPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// GapPayload accompanies gap events; OldestSeq is the first sequence still
// retained, so the client knows to fetch a full snapshot instead.
type GapPayload struct {
	RequestedSeq uint64 `json:"requested_seq"`
	OldestSeq    uint64 `json:"oldest_seq"`
}

// Marshal is a convenience wrapper that panics on marshal failure. Payload
// types above are plain structs, so failure is a programming error.
func Marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
