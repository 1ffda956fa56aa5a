// Package task defines the AnalysisTask domain entity.
package task

import (
	"time"

	"github.com/StrataBot/MarketMind/internal/domain/pipeline"
	"github.com/StrataBot/MarketMind/internal/domain/report"
)

// Status represents the current state of an analysis task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a transition from s to next is legal.
// Transitions are one-directional: a terminal task is never resurrected.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// AnalysisTask represents one end-to-end analysis run requested by an owner.
// The task's mutable fields are owned exclusively by its scheduler goroutine;
// other components only ever see immutable Snapshot copies.
type AnalysisTask struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	Slot      string        `json:"slot"`
	Symbol    string        `json:"symbol"`
	Pipeline  pipeline.Spec `json:"pipeline"`
	Status    Status        `json:"status"`
	Stage     int           `json:"stage"`
	Progress  int           `json:"progress"`
	TokensIn  int64         `json:"tokens_in"`
	TokensOut int64         `json:"tokens_out"`
	CostUSD   float64       `json:"cost_usd"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Snapshot is the externally visible, immutable view of a task, optionally
// carrying the aggregated report once the task has completed.
type Snapshot struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Slot      string         `json:"slot"`
	Symbol    string         `json:"symbol"`
	Status    Status         `json:"status"`
	Stage     int            `json:"stage"`
	Stages    int            `json:"stages"`
	Progress  int            `json:"progress"`
	TokensIn  int64          `json:"tokens_in"`
	TokensOut int64          `json:"tokens_out"`
	CostUSD   float64        `json:"cost_usd"`
	Error     string         `json:"error,omitempty"`
	Report    *report.Report `json:"report,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshot returns an immutable copy of the task's current state.
func (t *AnalysisTask) Snapshot() Snapshot {
	return Snapshot{
		ID:        t.ID,
		OwnerID:   t.OwnerID,
		Slot:      t.Slot,
		Symbol:    t.Symbol,
		Status:    t.Status,
		Stage:     t.Stage,
		Stages:    len(t.Pipeline.Stages),
		Progress:  t.Progress,
		TokensIn:  t.TokensIn,
		TokensOut: t.TokensOut,
		CostUSD:   t.CostUSD,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// StartRequest holds the fields needed to start a new analysis task.
type StartRequest struct {
	OwnerID  string         `json:"owner_id"`
	Slot     string         `json:"slot"`
	Pipeline *pipeline.Spec `json:"pipeline,omitempty"`
	Preset   string         `json:"preset,omitempty"`
	Symbol   string         `json:"symbol"`
}
