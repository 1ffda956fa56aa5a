// Package database defines the persistence port consumed by the task manager
// and cost ledger. Only terminal records and budgets are durable; in-flight
// task state lives in memory.
package database

import (
	"context"

	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/domain/event"
	"github.com/StrataBot/MarketMind/internal/domain/task"
)

// Store is the persistence port backed by PostgreSQL in production.
type Store interface {
	// SaveTaskRecord upserts a terminal task snapshot and its report.
	SaveTaskRecord(ctx context.Context, snap *task.Snapshot) error

	// GetTaskRecord loads a persisted terminal snapshot.
	// Returns domain.ErrNotFound when no record exists.
	GetTaskRecord(ctx context.Context, taskID string) (*task.Snapshot, error)

	// ListTaskRecords returns persisted snapshots for an owner, newest first.
	ListTaskRecords(ctx context.Context, ownerID string, limit int) ([]task.Snapshot, error)

	// AppendTerminalEvents stores the compacted durable copy of a task's
	// terminal events (stage/task boundaries and cost updates).
	AppendTerminalEvents(ctx context.Context, taskID string, events []event.Event) error

	// GetBudget loads an owner's budget. Returns domain.ErrNotFound when the
	// owner has no budget row (callers fall back to configured defaults).
	GetBudget(ctx context.Context, ownerID string) (*cost.Budget, error)

	// SaveBudget upserts an owner's budget.
	SaveBudget(ctx context.Context, b *cost.Budget) error

	// GetOwnerUsage loads an owner's rolling spend totals.
	// Returns domain.ErrNotFound when the owner has never spent.
	GetOwnerUsage(ctx context.Context, ownerID string) (*cost.OwnerUsage, error)

	// SaveOwnerUsage upserts an owner's rolling spend totals.
	SaveOwnerUsage(ctx context.Context, u *cost.OwnerUsage) error
}
