package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain/event"
	"github.com/StrataBot/MarketMind/internal/service"
)

type mockCanceller struct {
	mu     sync.Mutex
	called []string
}

func (m *mockCanceller) Cancel(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called = append(m.called, taskID)
	return nil
}

func (m *mockCanceller) cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.called...)
}

func newTestServer(t *testing.T) (*service.Streamer, *mockCanceller, *httptest.Server) {
	t.Helper()

	streamer := service.NewStreamer(config.Stream{
		BufferSize:       32,
		SubscriberBuffer: 64,
		WriteTimeout:     time.Second,
	})
	canceller := &mockCanceller{}
	h := NewHandler(streamer, canceller, config.Stream{WriteTimeout: time.Second})

	r := chi.NewRouter()
	r.Get("/ws/tasks/{id}", h.HandleTask)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(streamer.Close)
	return streamer, canceller, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+path, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return ev
}

func TestHandleTaskStreamsEventsInOrder(t *testing.T) {
	streamer, _, srv := newTestServer(t)
	streamer.Register("t1")

	conn := dial(t, srv, "/ws/tasks/t1")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for i := 0; i < 5; i++ {
		streamer.Publish("t1", event.KindAgentThought, event.ThoughtPayload{Text: "note"})
	}

	for want := uint64(0); want < 5; want++ {
		ev := readEvent(t, conn)
		if ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
		if ev.TaskID != "t1" {
			t.Fatalf("expected task t1, got %q", ev.TaskID)
		}
	}
}

func TestHandleTaskReplaysFromSeq(t *testing.T) {
	streamer, _, srv := newTestServer(t)
	streamer.Register("t1")

	for i := 0; i < 10; i++ {
		streamer.Publish("t1", event.KindAgentThought, event.ThoughtPayload{Text: "note"})
	}

	conn := dial(t, srv, "/ws/tasks/t1?from_seq=6")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for want := uint64(6); want < 10; want++ {
		ev := readEvent(t, conn)
		if ev.Seq != want {
			t.Fatalf("expected replayed seq %d, got %d", want, ev.Seq)
		}
	}
}

func TestHandleTaskUnknownTaskRejectedBeforeUpgrade(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws/tasks/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleTaskInvalidFromSeq(t *testing.T) {
	streamer, _, srv := newTestServer(t)
	streamer.Register("t1")

	resp, err := http.Get(srv.URL + "/ws/tasks/t1?from_seq=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleTaskCancelAction(t *testing.T) {
	streamer, canceller, srv := newTestServer(t)
	streamer.Register("t1")

	conn := dial(t, srv, "/ws/tasks/t1")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"action":"cancel"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := canceller.cancelled(); len(got) == 1 && got[0] == "t1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cancel action never reached the task manager")
}

func TestHandleTaskTerminalEventClosesStream(t *testing.T) {
	streamer, _, srv := newTestServer(t)
	streamer.Register("t1")

	conn := dial(t, srv, "/ws/tasks/t1")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	streamer.Publish("t1", event.KindTaskComplete, struct{}{})

	ev := readEvent(t, conn)
	if ev.Kind != event.KindTaskComplete {
		t.Fatalf("expected task_complete, got %q", ev.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected connection closed after terminal event")
	}
}
