package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/StrataBot/MarketMind/internal/domain"
	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/domain/event"
	"github.com/StrataBot/MarketMind/internal/domain/report"
	"github.com/StrataBot/MarketMind/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Tasks ---

func (s *Store) SaveTaskRecord(ctx context.Context, snap *task.Snapshot) error {
	var reportJSON []byte
	if snap.Report != nil {
		var err error
		reportJSON, err = json.Marshal(snap.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, owner_id, slot, symbol, status, stage, stages, progress,
		                    tokens_in, tokens_out, cost_usd, error, report, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status, stage = EXCLUDED.stage, progress = EXCLUDED.progress,
		     tokens_in = EXCLUDED.tokens_in, tokens_out = EXCLUDED.tokens_out,
		     cost_usd = EXCLUDED.cost_usd, error = EXCLUDED.error,
		     report = EXCLUDED.report, updated_at = EXCLUDED.updated_at`,
		snap.ID, snap.OwnerID, snap.Slot, snap.Symbol, snap.Status, snap.Stage, snap.Stages,
		snap.Progress, snap.TokensIn, snap.TokensOut, snap.CostUSD, snap.Error, reportJSON,
		snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", snap.ID, err)
	}
	return nil
}

func (s *Store) GetTaskRecord(ctx context.Context, taskID string) (*task.Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, slot, symbol, status, stage, stages, progress,
		        tokens_in, tokens_out, cost_usd, error, report, created_at, updated_at
		 FROM tasks WHERE id = $1`, taskID)

	snap, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", taskID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &snap, nil
}

func (s *Store) ListTaskRecords(ctx context.Context, ownerID string, limit int) ([]task.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, slot, symbol, status, stage, stages, progress,
		        tokens_in, tokens_out, cost_usd, error, report, created_at, updated_at
		 FROM tasks WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var snaps []task.Snapshot
	for rows.Next() {
		snap, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanTask(row pgx.Row) (task.Snapshot, error) {
	var (
		snap       task.Snapshot
		reportJSON []byte
	)
	err := row.Scan(&snap.ID, &snap.OwnerID, &snap.Slot, &snap.Symbol, &snap.Status,
		&snap.Stage, &snap.Stages, &snap.Progress, &snap.TokensIn, &snap.TokensOut,
		&snap.CostUSD, &snap.Error, &reportJSON, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		return task.Snapshot{}, err
	}
	if len(reportJSON) > 0 {
		var rep report.Report
		if err := json.Unmarshal(reportJSON, &rep); err != nil {
			return task.Snapshot{}, fmt.Errorf("unmarshal report: %w", err)
		}
		snap.Report = &rep
	}
	return snap, nil
}

// --- Events ---

func (s *Store) AppendTerminalEvents(ctx context.Context, taskID string, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO task_events (task_id, seq, kind, payload, ts)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (task_id, seq) DO NOTHING`,
			taskID, int64(ev.Seq), ev.Kind, []byte(ev.Payload), ev.TS)
	}

	res := s.pool.SendBatch(ctx, batch)
	defer func() { _ = res.Close() }()

	for range events {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("append events for task %s: %w", taskID, err)
		}
	}
	return nil
}

// --- Budgets ---

func (s *Store) GetBudget(ctx context.Context, ownerID string) (*cost.Budget, error) {
	var b cost.Budget
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, daily_limit_usd, monthly_limit_usd, soft_threshold_pct
		 FROM budgets WHERE owner_id = $1`, ownerID).
		Scan(&b.OwnerID, &b.DailyLimitUSD, &b.MonthlyLimitUSD, &b.SoftThresholdPct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get budget %s: %w", ownerID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get budget %s: %w", ownerID, err)
	}
	return &b, nil
}

func (s *Store) SaveBudget(ctx context.Context, b *cost.Budget) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budgets (owner_id, daily_limit_usd, monthly_limit_usd, soft_threshold_pct)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id) DO UPDATE SET
		     daily_limit_usd = EXCLUDED.daily_limit_usd,
		     monthly_limit_usd = EXCLUDED.monthly_limit_usd,
		     soft_threshold_pct = EXCLUDED.soft_threshold_pct`,
		b.OwnerID, b.DailyLimitUSD, b.MonthlyLimitUSD, b.SoftThresholdPct)
	if err != nil {
		return fmt.Errorf("save budget %s: %w", b.OwnerID, err)
	}
	return nil
}

// --- Usage ---

func (s *Store) GetOwnerUsage(ctx context.Context, ownerID string) (*cost.OwnerUsage, error) {
	var u cost.OwnerUsage
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, day, month, daily_usd, monthly_usd
		 FROM owner_usage WHERE owner_id = $1`, ownerID).
		Scan(&u.OwnerID, &u.Day, &u.Month, &u.DailyUSD, &u.MonthlyUSD)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get usage %s: %w", ownerID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get usage %s: %w", ownerID, err)
	}
	return &u, nil
}

func (s *Store) SaveOwnerUsage(ctx context.Context, u *cost.OwnerUsage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owner_usage (owner_id, day, month, daily_usd, monthly_usd)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id) DO UPDATE SET
		     day = EXCLUDED.day, month = EXCLUDED.month,
		     daily_usd = EXCLUDED.daily_usd, monthly_usd = EXCLUDED.monthly_usd`,
		u.OwnerID, u.Day, u.Month, u.DailyUSD, u.MonthlyUSD)
	if err != nil {
		return fmt.Errorf("save usage %s: %w", u.OwnerID, err)
	}
	return nil
}
