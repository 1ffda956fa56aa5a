package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain"
	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/port/database"
)

// CostLedger tracks per-owner spend against daily and monthly budgets.
// Record is an atomic check-and-increment: concurrent charges for the same
// owner serialize on the owner's account lock, so accepted spend never
// exceeds the hard limit.
type CostLedger struct {
	store    database.Store
	defaults config.Budget

	mu       sync.Mutex
	accounts map[string]*ownerAccount

	now func() time.Time // for testing
}

// ownerAccount is one owner's in-memory ledger state. Charges lock the
// account, not the ledger, so owners never contend with each other.
type ownerAccount struct {
	mu     sync.Mutex
	budget cost.Budget
	usage  cost.OwnerUsage
	loaded bool
}

// NewCostLedger creates a ledger backed by store for budget rows and
// persisted usage, with defaults for owners that have no budget row.
func NewCostLedger(store database.Store, defaults config.Budget) *CostLedger {
	return &CostLedger{
		store:    store,
		defaults: defaults,
		accounts: make(map[string]*ownerAccount),
		now:      time.Now,
	}
}

// Record atomically charges usage against ownerID's budget. The charge is
// rejected, with Accepted false, when it would push the daily or monthly
// total past its limit; nothing is recorded in that case. SoftAlert is set
// once the daily total crosses the budget's soft threshold.
func (l *CostLedger) Record(ctx context.Context, ownerID string, u cost.Usage) (cost.LedgerResult, error) {
	acct := l.account(ownerID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := l.loadLocked(ctx, ownerID, acct); err != nil {
		return cost.LedgerResult{}, err
	}
	l.rolloverLocked(acct)

	daily := acct.usage.DailyUSD + u.CostUSD
	monthly := acct.usage.MonthlyUSD + u.CostUSD
	if daily > acct.budget.DailyLimitUSD || monthly > acct.budget.MonthlyLimitUSD {
		return cost.LedgerResult{
			Accepted:     false,
			RemainingUSD: l.remainingLocked(acct),
		}, nil
	}

	acct.usage.DailyUSD = daily
	acct.usage.MonthlyUSD = monthly

	// Persistence is best effort: the in-memory account is authoritative for
	// admission while the process lives.
	usage := acct.usage
	if err := l.store.SaveOwnerUsage(ctx, &usage); err != nil {
		slog.Warn("persist owner usage", "owner_id", ownerID, "error", err)
	}

	return cost.LedgerResult{
		Accepted:     true,
		RemainingUSD: l.remainingLocked(acct),
		SoftAlert:    l.softAlertLocked(acct),
	}, nil
}

// Admit reports whether ownerID has budget headroom left, without charging.
// Returns domain.ErrBudgetExhausted when either window is at its limit.
func (l *CostLedger) Admit(ctx context.Context, ownerID string) error {
	acct := l.account(ownerID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := l.loadLocked(ctx, ownerID, acct); err != nil {
		return err
	}
	l.rolloverLocked(acct)

	if acct.usage.DailyUSD >= acct.budget.DailyLimitUSD || acct.usage.MonthlyUSD >= acct.budget.MonthlyLimitUSD {
		return fmt.Errorf("owner %s: %w", ownerID, domain.ErrBudgetExhausted)
	}
	return nil
}

// Budget returns ownerID's effective budget (persisted row or defaults).
func (l *CostLedger) Budget(ctx context.Context, ownerID string) (cost.Budget, error) {
	acct := l.account(ownerID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := l.loadLocked(ctx, ownerID, acct); err != nil {
		return cost.Budget{}, err
	}
	return acct.budget, nil
}

// SetBudget replaces ownerID's budget and persists it. Accumulated usage is
// kept; the new limits apply to subsequent charges.
func (l *CostLedger) SetBudget(ctx context.Context, b cost.Budget) error {
	if b.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", domain.ErrValidation)
	}
	if b.DailyLimitUSD <= 0 || b.MonthlyLimitUSD <= 0 {
		return fmt.Errorf("%w: budget limits must be positive", domain.ErrValidation)
	}
	if b.SoftThresholdPct <= 0 || b.SoftThresholdPct > 100 {
		b.SoftThresholdPct = l.defaults.SoftThresholdPct
	}

	acct := l.account(b.OwnerID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := l.loadLocked(ctx, b.OwnerID, acct); err != nil {
		return err
	}
	if err := l.store.SaveBudget(ctx, &b); err != nil {
		return fmt.Errorf("save budget: %w", err)
	}
	acct.budget = b
	return nil
}

// Usage returns ownerID's current rolling spend totals.
func (l *CostLedger) Usage(ctx context.Context, ownerID string) (cost.OwnerUsage, error) {
	acct := l.account(ownerID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := l.loadLocked(ctx, ownerID, acct); err != nil {
		return cost.OwnerUsage{}, err
	}
	l.rolloverLocked(acct)
	return acct.usage, nil
}

func (l *CostLedger) account(ownerID string) *ownerAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[ownerID]
	if !ok {
		acct = &ownerAccount{}
		l.accounts[ownerID] = acct
	}
	return acct
}

// loadLocked populates the account from the store on first touch.
// Caller holds acct.mu.
func (l *CostLedger) loadLocked(ctx context.Context, ownerID string, acct *ownerAccount) error {
	if acct.loaded {
		return nil
	}

	b, err := l.store.GetBudget(ctx, ownerID)
	switch {
	case err == nil:
		acct.budget = *b
	case errors.Is(err, domain.ErrNotFound):
		acct.budget = cost.Budget{
			OwnerID:          ownerID,
			DailyLimitUSD:    l.defaults.DefaultDailyUSD,
			MonthlyLimitUSD:  l.defaults.DefaultMonthlyUSD,
			SoftThresholdPct: l.defaults.SoftThresholdPct,
		}
	default:
		return fmt.Errorf("load budget: %w", err)
	}

	u, err := l.store.GetOwnerUsage(ctx, ownerID)
	switch {
	case err == nil:
		acct.usage = *u
	case errors.Is(err, domain.ErrNotFound):
		now := l.now().UTC()
		acct.usage = cost.OwnerUsage{
			OwnerID: ownerID,
			Day:     now.Format("2006-01-02"),
			Month:   now.Format("2006-01"),
		}
	default:
		return fmt.Errorf("load owner usage: %w", err)
	}

	acct.loaded = true
	return nil
}

// rolloverLocked resets stale daily/monthly windows. Caller holds acct.mu.
func (l *CostLedger) rolloverLocked(acct *ownerAccount) {
	now := l.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if acct.usage.Month != month {
		acct.usage.Month = month
		acct.usage.MonthlyUSD = 0
	}
	if acct.usage.Day != day {
		acct.usage.Day = day
		acct.usage.DailyUSD = 0
	}
}

// remainingLocked is the tighter of the two remaining windows.
// Caller holds acct.mu.
func (l *CostLedger) remainingLocked(acct *ownerAccount) float64 {
	daily := acct.budget.DailyLimitUSD - acct.usage.DailyUSD
	monthly := acct.budget.MonthlyLimitUSD - acct.usage.MonthlyUSD
	remaining := daily
	if monthly < remaining {
		remaining = monthly
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// softAlertLocked reports whether either window crossed the soft threshold.
// Caller holds acct.mu.
func (l *CostLedger) softAlertLocked(acct *ownerAccount) bool {
	pct := acct.budget.SoftThresholdPct / 100
	return acct.usage.DailyUSD >= acct.budget.DailyLimitUSD*pct ||
		acct.usage.MonthlyUSD >= acct.budget.MonthlyLimitUSD*pct
}
