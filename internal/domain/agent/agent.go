// Package agent defines the AgentExecution entity and per-stage outcomes.
package agent

import (
	"encoding/json"
	"time"

	"github.com/StrataBot/MarketMind/internal/domain/cost"
)

// Status represents the current state of one agent execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Execution is one agent's run within a stage, identified by
// (task id, stage index, agent id). It is owned exclusively by the runner
// pool handling its stage and never mutated after the stage outcome is
// reported.
type Execution struct {
	TaskID     string          `json:"task_id"`
	Stage      int             `json:"stage"`
	AgentID    string          `json:"agent_id"`
	Kind       string          `json:"kind"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Usage      cost.Usage      `json:"usage"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// StageStatus is the resolution of a whole stage.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageOutcome carries the per-agent results of one finished stage.
type StageOutcome struct {
	Stage      int         `json:"stage"`
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	Executions []Execution `json:"executions"`
	Usage      cost.Usage  `json:"usage"`
}

// Succeeded returns the executions that completed successfully.
func (o *StageOutcome) Succeeded() []Execution {
	var out []Execution
	for i := range o.Executions {
		if o.Executions[i].Status == StatusCompleted {
			out = append(out, o.Executions[i])
		}
	}
	return out
}

// Resolve applies the stage completion policy: completed if at least one
// agent succeeded, otherwise failed when the stage is required and skipped
// when it is not.
func (o *StageOutcome) Resolve(required bool) StageStatus {
	if len(o.Succeeded()) > 0 {
		return StageCompleted
	}
	if required {
		return StageFailed
	}
	return StageSkipped
}
