// Package service contains the task manager, stage scheduler, runner pool,
// event streamer and cost ledger that together execute analysis tasks.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mmotel "github.com/StrataBot/MarketMind/internal/adapter/otel"
	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain"
	"github.com/StrataBot/MarketMind/internal/domain/event"
	"github.com/StrataBot/MarketMind/internal/domain/pipeline"
	"github.com/StrataBot/MarketMind/internal/domain/task"
	"github.com/StrataBot/MarketMind/internal/port/database"
	"github.com/StrataBot/MarketMind/internal/port/messagequeue"
)

// persistTimeout bounds the background writes performed after a task reaches
// a terminal state.
const persistTimeout = 10 * time.Second

// SnapshotCache caches terminal task snapshots so recent queries avoid a
// database round trip.
type SnapshotCache interface {
	Get(taskID string) (*task.Snapshot, bool)
	Set(snap *task.Snapshot)
	Del(taskID string)
}

// Manager is the single authority over the task registry. It admits new
// tasks, enforces the per-owner slot and global concurrency limits, hands
// admitted tasks to the scheduler, and handles terminal bookkeeping:
// persistence, announcement, caching and registry removal.
type Manager struct {
	cfg       config.Scheduler
	scheduler *Scheduler
	streamer  *Streamer
	ledger    *CostLedger
	store     database.Store
	queue     messagequeue.Queue
	cache     SnapshotCache
	pipelines map[string]pipeline.Spec
	metrics   *mmotel.Metrics

	mu     sync.Mutex
	active map[string]*activeTask
	slots  map[slotKey]string // (owner, slot) -> task id

	wg sync.WaitGroup
}

type slotKey struct {
	ownerID string
	slot    string
}

// activeTask is a registry entry for a non-terminal task.
type activeTask struct {
	cancel context.CancelFunc

	mu  sync.Mutex
	cur task.Snapshot
}

func (a *activeTask) snapshot() task.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

func (a *activeTask) update(snap task.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur = snap
}

// NewManager creates the task manager. Custom pipelines from
// cfg.PipelineDir are loaded once at construction and merged over the
// builtin presets.
func NewManager(
	cfg config.Scheduler,
	scheduler *Scheduler,
	streamer *Streamer,
	ledger *CostLedger,
	store database.Store,
	queue messagequeue.Queue,
	cache SnapshotCache,
) (*Manager, error) {
	pipelines := pipeline.Presets()
	custom, err := pipeline.LoadDir(cfg.PipelineDir)
	if err != nil {
		return nil, fmt.Errorf("load custom pipelines: %w", err)
	}
	for name, spec := range custom {
		pipelines[name] = spec
	}

	return &Manager{
		cfg:       cfg,
		scheduler: scheduler,
		streamer:  streamer,
		ledger:    ledger,
		store:     store,
		queue:     queue,
		cache:     cache,
		pipelines: pipelines,
		active:    make(map[string]*activeTask),
		slots:     make(map[slotKey]string),
	}, nil
}

// SetMetrics attaches metric instruments. Nil metrics disable instrumentation.
func (m *Manager) SetMetrics(mm *mmotel.Metrics) {
	m.metrics = mm
}

// Start admits and launches a new analysis task. It rejects the request when
// the owner already runs a task in the same slot, the global active limit is
// reached, or the owner's budget is exhausted.
func (m *Manager) Start(ctx context.Context, req task.StartRequest) (task.Snapshot, error) {
	spec, err := m.resolvePipeline(req)
	if err != nil {
		return task.Snapshot{}, err
	}
	if req.OwnerID == "" {
		return task.Snapshot{}, fmt.Errorf("%w: owner_id is required", domain.ErrValidation)
	}
	if req.Symbol == "" {
		return task.Snapshot{}, fmt.Errorf("%w: symbol is required", domain.ErrValidation)
	}
	if req.Slot == "" {
		req.Slot = "default"
	}

	if err := m.ledger.Admit(ctx, req.OwnerID); err != nil {
		return task.Snapshot{}, err
	}

	now := time.Now().UTC()
	t := &task.AnalysisTask{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Slot:      req.Slot,
		Symbol:    req.Symbol,
		Pipeline:  spec,
		Status:    task.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := slotKey{ownerID: req.OwnerID, slot: req.Slot}

	m.mu.Lock()
	if existing, ok := m.slots[key]; ok {
		m.mu.Unlock()
		return task.Snapshot{}, fmt.Errorf("%w: task %s holds slot %q", domain.ErrDuplicateTask, existing, req.Slot)
	}
	if len(m.active) >= m.cfg.MaxActiveTasks {
		m.mu.Unlock()
		return task.Snapshot{}, fmt.Errorf("%w: %d active", domain.ErrTooManyTasks, len(m.active))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	at := &activeTask{cancel: cancel, cur: t.Snapshot()}
	m.active[t.ID] = at
	m.slots[key] = t.ID
	m.mu.Unlock()

	m.streamer.Register(t.ID)

	if m.metrics != nil {
		m.metrics.TasksStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("owner.id", t.OwnerID),
			attribute.String("pipeline", spec.Name),
		))
	}

	slog.Info("task started",
		"task_id", t.ID, "owner_id", t.OwnerID, "slot", t.Slot,
		"symbol", t.Symbol, "pipeline", spec.Name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		final := m.scheduler.Run(runCtx, t, at.update)
		m.finalize(key, final)
	}()

	return at.snapshot(), nil
}

// Cancel requests cooperative cancellation of a running task. Cancelling an
// already terminal task returns domain.ErrAlreadyTerminal.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	at, ok := m.active[taskID]
	m.mu.Unlock()

	if ok {
		slog.Info("task cancel requested", "task_id", taskID)
		at.cancel()
		return nil
	}

	// Not active: distinguish "finished" from "never existed".
	if _, err := m.Query(ctx, taskID); err != nil {
		return err
	}
	return fmt.Errorf("task %s: %w", taskID, domain.ErrAlreadyTerminal)
}

// Query returns the current snapshot of a task: live state for active tasks,
// otherwise the cached or persisted terminal record.
func (m *Manager) Query(ctx context.Context, taskID string) (task.Snapshot, error) {
	m.mu.Lock()
	at, ok := m.active[taskID]
	m.mu.Unlock()
	if ok {
		return at.snapshot(), nil
	}

	if snap, hit := m.cache.Get(taskID); hit {
		return *snap, nil
	}

	snap, err := m.store.GetTaskRecord(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return task.Snapshot{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return task.Snapshot{}, fmt.Errorf("load task record: %w", err)
	}
	m.cache.Set(snap)
	return *snap, nil
}

// List returns an owner's tasks, active first, then persisted terminal
// records, newest first within each group.
func (m *Manager) List(ctx context.Context, ownerID string, limit int) ([]task.Snapshot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	m.mu.Lock()
	var live []task.Snapshot
	for _, at := range m.active {
		snap := at.snapshot()
		if snap.OwnerID == ownerID {
			live = append(live, snap)
		}
	}
	m.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })

	records, err := m.store.ListTaskRecords(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}

	out := append(live, records...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Pipelines returns the available pipeline specs (presets plus custom).
func (m *Manager) Pipelines() []pipeline.Spec {
	out := make([]pipeline.Spec, 0, len(m.pipelines))
	for _, spec := range m.pipelines {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveCount returns the number of non-terminal tasks in the registry.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels all active tasks and waits for their terminal
// bookkeeping, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, at := range m.active {
		at.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// finalize runs the terminal bookkeeping for one finished task: persist the
// record and its durable events, cache the snapshot, announce on the bus,
// and release the registry entry. Persistence and announcement are best
// effort; a failure is logged and never resurrects the task.
func (m *Manager) finalize(key slotKey, snap task.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.store.SaveTaskRecord(ctx, &snap); err != nil {
		slog.Error("persist terminal task", "task_id", snap.ID, "error", err)
	}
	if durable := compactEvents(m.streamer.Events(snap.ID)); len(durable) > 0 {
		if err := m.store.AppendTerminalEvents(ctx, snap.ID, durable); err != nil {
			slog.Error("persist terminal events", "task_id", snap.ID, "error", err)
		}
	}

	m.cache.Set(&snap)
	m.announce(ctx, snap)

	m.mu.Lock()
	delete(m.active, snap.ID)
	delete(m.slots, key)
	m.mu.Unlock()

	m.streamer.Drop(snap.ID)

	slog.Info("task finished",
		"task_id", snap.ID, "owner_id", snap.OwnerID, "status", snap.Status,
		"cost_usd", snap.CostUSD, "duration", snap.UpdatedAt.Sub(snap.CreatedAt))
}

// announce publishes the terminal record to the message bus.
func (m *Manager) announce(ctx context.Context, snap task.Snapshot) {
	var subject string
	switch snap.Status {
	case task.StatusCompleted:
		subject = messagequeue.SubjectTaskCompleted
	case task.StatusFailed:
		subject = messagequeue.SubjectTaskFailed
	case task.StatusCancelled:
		subject = messagequeue.SubjectTaskCancelled
	default:
		return
	}

	payload := messagequeue.TaskTerminalPayload{
		TaskID:     snap.ID,
		OwnerID:    snap.OwnerID,
		Status:     string(snap.Status),
		Error:      snap.Error,
		FinishedAt: snap.UpdatedAt,
	}
	payload.Usage.TokensIn = snap.TokensIn
	payload.Usage.TokensOut = snap.TokensOut
	payload.Usage.CostUSD = snap.CostUSD
	if snap.Report != nil {
		payload.Decision = snap.Report.Decision
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal terminal payload", "task_id", snap.ID, "error", err)
		return
	}
	if err := m.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("announce terminal task", "task_id", snap.ID, "subject", subject, "error", err)
	}
}

// resolvePipeline picks the spec for a start request: an inline pipeline
// wins, then the named preset or custom pipeline, then the standard preset.
func (m *Manager) resolvePipeline(req task.StartRequest) (pipeline.Spec, error) {
	if req.Pipeline != nil {
		if err := req.Pipeline.Validate(); err != nil {
			return pipeline.Spec{}, err
		}
		return *req.Pipeline, nil
	}

	name := req.Preset
	if name == "" {
		name = pipeline.PresetStandard
	}
	spec, ok := m.pipelines[name]
	if !ok {
		return pipeline.Spec{}, fmt.Errorf("%w: %w: %q", domain.ErrValidation, pipeline.ErrUnknownPreset, name)
	}
	return spec, nil
}

/// compactEvents keeps the durable subset of a task's event stream: stage
// boundaries, cost updates and the terminal event. Per-agent chatter stays
// in memory only.
func compactEvents(events []event.Event) []event.Event {
	var out []event.Event
	for _, ev := range events {
		switch ev.Kind {
		case event.KindStageStart, event.KindStageComplete, event.KindCostUpdate,
			event.KindTaskComplete, event.KindTaskError:
			out = append(out, ev)
		}
	}
	return out
}
