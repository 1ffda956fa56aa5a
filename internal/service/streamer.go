package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mmotel "github.com/StrataBot/MarketMind/internal/adapter/otel"
	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain"
	"github.com/StrataBot/MarketMind/internal/domain/event"
)

// Drop reasons reported on closed subscriptions.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonStreamClosed = "stream_closed"
	ReasonUnsubscribed = "unsubscribed"
)

// Streamer delivers ordered, at-least-once event streams for running tasks.
// Each task has a single serialized publish path that assigns gap-free
// monotonic sequence numbers and retains a bounded ring of recent events so
// reconnecting subscribers can replay what they missed.
type Streamer struct {
	cfg     config.Stream
	metrics *mmotel.Metrics

	mu      sync.RWMutex
	streams map[string]*taskStream
}

// NewStreamer creates a Streamer with the given stream configuration.
func NewStreamer(cfg config.Stream) *Streamer {
	return &Streamer{
		cfg:     cfg,
		streams: make(map[string]*taskStream),
	}
}

// SetMetrics attaches metric instruments. Nil metrics disable instrumentation.
func (s *Streamer) SetMetrics(m *mmotel.Metrics) {
	s.metrics = m
}

// taskStream holds one task's ring buffer and live subscribers.
// All sequencing goes through its mutex: that is the single per-task publish
// path that makes the stream totally ordered regardless of which goroutine
// produced an event.
type taskStream struct {
	mu      sync.Mutex
	taskID  string
	nextSeq uint64
	buf     []event.Event // ring storage, len == retention
	start   int           // index of oldest buffered event
	count   int
	subs    map[*Subscription]struct{}
	closed  bool
}

// Subscription is one subscriber's live event feed. C is closed when the
// subscriber is dropped or the task's stream ends; Reason() explains why.
type Subscription struct {
	C <-chan event.Event

	ch     chan event.Event
	stream *taskStream
	once   sync.Once
	reason string
}

// Reason returns why the subscription was closed, or "" while it is live.
func (s *Subscription) Reason() string {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.reason
}

// Close detaches the subscription. Dropping a subscriber never affects the
// task's execution.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	s.stream.dropLocked(s, ReasonUnsubscribed)
}

// Register creates the event stream for a new task. Idempotent.
func (s *Streamer) Register(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[taskID]; ok {
		return
	}
	s.streams[taskID] = &taskStream{
		taskID: taskID,
		buf:    make([]event.Event, s.cfg.BufferSize),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Drop removes a task's stream, closing any remaining subscriptions.
func (s *Streamer) Drop(taskID string) {
	s.mu.Lock()
	ts, ok := s.streams[taskID]
	delete(s.streams, taskID)
	s.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	for sub := range ts.subs {
		ts.dropLocked(sub, ReasonStreamClosed)
	}
}

// Close tears down all streams at process shutdown.
func (s *Streamer) Close() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*taskStream)
	s.mu.Unlock()

	for _, ts := range streams {
		ts.mu.Lock()
		ts.closed = true
		for sub := range ts.subs {
			ts.dropLocked(sub, ReasonStreamClosed)
		}
		ts.mu.Unlock()
	}
}

// Publish appends an event to the task's ordered buffer and pushes it to
// every live subscriber. A slow subscriber is dropped rather than ever
// blocking the publisher. Returns the assigned sequence number.
func (s *Streamer) Publish(taskID string, kind event.Kind, payload any) uint64 {
	ts := s.stream(taskID)
	if ts == nil {
		// Stream was never registered or already dropped; nothing to deliver.
		slog.Debug("publish to unknown task stream", "task_id", taskID, "kind", kind)
		return 0
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event payload", "task_id", taskID, "kind", kind, "error", err)
		return 0
	}

	if s.metrics != nil {
		s.metrics.EventsPublished.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("event.kind", string(kind)),
		))
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return ts.nextSeq
	}

	ev := event.Event{
		Seq:     ts.nextSeq,
		TaskID:  taskID,
		Kind:    kind,
		Payload: data,
		TS:      time.Now().UTC(),
	}
	ts.nextSeq++
	ts.appendLocked(ev)

	for sub := range ts.subs {
		select {
		case sub.ch <- ev:
		default:
			// Bounded outbound queue is full: drop the subscriber instead of
			// buffering unbounded memory or stalling the task.
			ts.dropLocked(sub, ReasonSlowConsumer)
			slog.Warn("slow consumer dropped", "task_id", taskID, "seq", ev.Seq)
		}
	}

	// Terminal events end the stream; subscribers see the event, then EOF.
	if kind.Terminal() {
		ts.closed = true
		for sub := range ts.subs {
			ts.dropLocked(sub, ReasonStreamClosed)
		}
	}

	return ev.Seq
}

// Subscribe attaches a new subscriber starting at fromSeq. Buffered events
// from fromSeq onward are replayed into the subscription before any live
// event; if fromSeq predates the retention window, a gap event is delivered
// first so the client knows to fetch a full snapshot.
func (s *Streamer) Subscribe(taskID string, fromSeq uint64) (*Subscription, error) {
	ts := s.stream(taskID)
	if ts == nil {
		return nil, domain.ErrNotFound
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	// Replay plus one gap signal always fits: config validation guarantees
	// the subscriber buffer is at least the retention size.
	sub := &Subscription{
		ch:     make(chan event.Event, s.cfg.SubscriberBuffer+1),
		stream: ts,
	}
	sub.C = sub.ch

	oldest := ts.nextSeq - uint64(ts.count)
	if fromSeq < oldest {
		sub.ch <- event.Event{
			Seq:    oldest,
			TaskID: taskID,
			Kind:   event.KindGap,
			Payload: event.Marshal(event.GapPayload{
				RequestedSeq: fromSeq,
				OldestSeq:    oldest,
			}),
			TS: time.Now().UTC(),
		}
		fromSeq = oldest
	}

	for i := 0; i < ts.count; i++ {
		ev := ts.buf[(ts.start+i)%len(ts.buf)]
		if ev.Seq >= fromSeq {
			sub.ch <- ev
		}
	}

	if ts.closed {
		sub.reason = ReasonStreamClosed
		close(sub.ch)
		return sub, nil
	}

	ts.subs[sub] = struct{}{}
	return sub, nil
}

// Events returns a copy of the task's currently buffered events in order.
func (s *Streamer) Events(taskID string) []event.Event {
	ts := s.stream(taskID)
	if ts == nil {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	out := make([]event.Event, 0, ts.count)
	for i := 0; i < ts.count; i++ {
		out = append(out, ts.buf[(ts.start+i)%len(ts.buf)])
	}
	return out
}

// SubscriberCount returns the number of live subscribers for a task.
func (s *Streamer) SubscriberCount(taskID string) int {
	ts := s.stream(taskID)
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

func (s *Streamer) stream(taskID string) *taskStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[taskID]
}

// appendLocked stores ev in the ring, evicting the oldest entry when full.
// Caller holds ts.mu.
func (ts *taskStream) appendLocked(ev event.Event) {
	if ts.count < len(ts.buf) {
		ts.buf[(ts.start+ts.count)%len(ts.buf)] = ev
		ts.count++
		return
	}
	ts.buf[ts.start] = ev
	ts.start = (ts.start + 1) % len(ts.buf)
}

// dropLocked detaches a subscriber and closes its channel exactly once.
// Caller holds ts.mu.
func (ts *taskStream) dropLocked(sub *Subscription, reason string) {
	if _, ok := ts.subs[sub]; ok {
		delete(ts.subs, sub)
	}
	sub.once.Do(func() {
		if sub.reason == "" {
			sub.reason = reason
		}
		close(sub.ch)
	})
}
