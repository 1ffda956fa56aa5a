package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain"
	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/domain/event"
	"github.com/StrataBot/MarketMind/internal/domain/task"
	"github.com/StrataBot/MarketMind/internal/port/agentcap"
	"github.com/StrataBot/MarketMind/internal/port/messagequeue"
)

// mockStore implements database.Store for testing.
type mockStore struct {
	mu       sync.Mutex
	records  map[string]task.Snapshot
	events   map[string][]event.Event
	budgets  map[string]cost.Budget
	usage    map[string]cost.OwnerUsage
	saveErr  error
	usageErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		records: make(map[string]task.Snapshot),
		events:  make(map[string][]event.Event),
		budgets: make(map[string]cost.Budget),
		usage:   make(map[string]cost.OwnerUsage),
	}
}

func (s *mockStore) SaveTaskRecord(_ context.Context, snap *task.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records[snap.ID] = *snap
	return nil
}

func (s *mockStore) GetTaskRecord(_ context.Context, taskID string) (*task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.records[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &snap, nil
}

func (s *mockStore) ListTaskRecords(_ context.Context, ownerID string, limit int) ([]task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Snapshot
	for _, snap := range s.records {
		if snap.OwnerID == ownerID && len(out) < limit {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *mockStore) AppendTerminalEvents(_ context.Context, taskID string, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[taskID] = append(s.events[taskID], events...)
	return nil
}

func (s *mockStore) GetBudget(_ context.Context, ownerID string) (*cost.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[ownerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (s *mockStore) SaveBudget(_ context.Context, b *cost.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.OwnerID] = *b
	return nil
}

func (s *mockStore) GetOwnerUsage(_ context.Context, ownerID string) (*cost.OwnerUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageErr != nil {
		return nil, s.usageErr
	}
	u, ok := s.usage[ownerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (s *mockStore) SaveOwnerUsage(_ context.Context, u *cost.OwnerUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[u.OwnerID] = *u
	return nil
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Close() error { return nil }

func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.published))
	for _, p := range q.published {
		out = append(out, p.subject)
	}
	return out
}

// mockCache implements SnapshotCache for testing.
type mockCache struct {
	mu    sync.Mutex
	snaps map[string]task.Snapshot
}

func newMockCache() *mockCache {
	return &mockCache{snaps: make(map[string]task.Snapshot)}
}

func (c *mockCache) Get(taskID string) (*task.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[taskID]
	if !ok {
		return nil, false
	}
	return &snap, true
}

func (c *mockCache) Set(snap *task.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.ID] = *snap
}

func (c *mockCache) Del(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, taskID)
}

// fakeCapability implements agentcap.Capability with scripted behavior.
type fakeCapability struct {
	kind    string
	notes   []string
	result  json.RawMessage
	usage   cost.Usage
	err     error
	delay   time.Duration // before delivering the outcome
	ignores bool          // ignore cancellation, never finish

	mu      sync.Mutex
	invokes int
	reqs    []agentcap.Request
	failN   int // fail the first N invocations with err, then succeed
}

func (f *fakeCapability) Kind() string { return f.kind }

func (f *fakeCapability) Invoke(ctx context.Context, req agentcap.Request) (*agentcap.Invocation, error) {
	f.mu.Lock()
	f.invokes++
	n := f.invokes
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	notes := make(chan agentcap.Note, len(f.notes)+1)
	done := make(chan agentcap.Outcome, 1)

	go func() {
		defer close(notes)
		defer close(done)

		for _, text := range f.notes {
			notes <- agentcap.Note{Text: text}
		}

		if f.ignores {
			// Uncooperative work: never delivers an outcome.
			select {}
		}
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				done <- agentcap.Outcome{Usage: f.usage, Err: ctx.Err()}
				return
			}
		}
		if err := ctx.Err(); err != nil {
			done <- agentcap.Outcome{Usage: f.usage, Err: err}
			return
		}
		if f.err != nil && (f.failN == 0 || n <= f.failN) {
			done <- agentcap.Outcome{Usage: f.usage, Err: f.err}
			return
		}
		done <- agentcap.Outcome{Result: f.result, Usage: f.usage}
	}()

	return &agentcap.Invocation{Notes: notes, Done: done}, nil
}

func (f *fakeCapability) invoked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes
}

func (f *fakeCapability) lastRequest() agentcap.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return agentcap.Request{}
	}
	return f.reqs[len(f.reqs)-1]
}

// capFactory builds a CapabilityFactory from a fixed kind -> capability map.
func capFactory(caps map[string]*fakeCapability) CapabilityFactory {
	return func(kind string, _ map[string]string) (agentcap.Capability, error) {
		c, ok := caps[kind]
		if !ok {
			return nil, domain.ErrNotFound
		}
		return c, nil
	}
}

func testRunnerConfig() config.Runner {
	return config.Runner{
		MaxConcurrency: 4,
		AgentTimeout:   time.Second,
		GracePeriod:    50 * time.Millisecond,
		MaxAttempts:    2,
		Backoff:        time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func testStreamConfig() config.Stream {
	return config.Stream{BufferSize: 16, SubscriberBuffer: 64, WriteTimeout: time.Second}
}

func testBudgetConfig() config.Budget {
	return config.Budget{DefaultDailyUSD: 25, DefaultMonthlyUSD: 250, SoftThresholdPct: 80}
}
