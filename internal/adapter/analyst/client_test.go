package analyst

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/port/agentcap"
	"github.com/StrataBot/MarketMind/internal/resilience"
)

func newTestClient(handler http.HandlerFunc) (*Client, func()) {
	srv := httptest.NewServer(handler)
	client := NewClient(config.Analyst{URL: srv.URL})
	return client, srv.Close
}

func collectOutcome(t *testing.T, inv *agentcap.Invocation) ([]string, agentcap.Outcome) {
	t.Helper()

	var notes []string
	for {
		select {
		case note, ok := <-inv.Notes:
			if ok {
				notes = append(notes, note.Text)
				continue
			}
			inv.Notes = nil
		case out := <-inv.Done:
			return notes, out
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for outcome")
		}
	}
}

func TestInvokeStreamsNotesAndResult(t *testing.T) {
	client, closeSrv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyze" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"type":"note","text":"pulling candles"}` + "\n"))
		_, _ = w.Write([]byte(`{"type":"note","text":"computing signal"}` + "\n"))
		_, _ = w.Write([]byte(`{"type":"result","result":{"trend":"up"},"usage":{"tokens_in":120,"tokens_out":80,"cost_usd":0.02}}` + "\n"))
	})
	defer closeSrv()

	cap := &capability{kind: "market", client: client}
	inv, err := cap.Invoke(context.Background(), agentcap.Request{TaskID: "t1", AgentID: "market", Symbol: "NVDA"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	notes, out := collectOutcome(t, inv)
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	if out.Err != nil {
		t.Fatalf("unexpected outcome error: %v", out.Err)
	}
	if string(out.Result) != `{"trend":"up"}` {
		t.Fatalf("unexpected result %s", out.Result)
	}
	if out.Usage.CostUSD != 0.02 {
		t.Fatalf("expected cost 0.02, got %v", out.Usage.CostUSD)
	}
}

func TestInvokeErrorRecordCarriesUsage(t *testing.T) {
	client, closeSrv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"error","error":"model overloaded","usage":{"tokens_in":50,"cost_usd":0.01}}` + "\n"))
	})
	defer closeSrv()

	cap := &capability{kind: "news", client: client}
	inv, err := cap.Invoke(context.Background(), agentcap.Request{TaskID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, out := collectOutcome(t, inv)
	if out.Err == nil {
		t.Fatal("expected outcome error")
	}
	// Tokens burned by a failed invocation are still accounted.
	if out.Usage.CostUSD != 0.01 {
		t.Fatalf("expected cost 0.01, got %v", out.Usage.CostUSD)
	}
}

func TestInvokeNon200Fails(t *testing.T) {
	client, closeSrv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	defer closeSrv()

	cap := &capability{kind: "market", client: client}
	if _, err := cap.Invoke(context.Background(), agentcap.Request{TaskID: "t1"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestInvokeTruncatedStreamYieldsError(t *testing.T) {
	client, closeSrv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"note","text":"working"}` + "\n"))
		// Connection ends without a terminal record.
	})
	defer closeSrv()

	cap := &capability{kind: "market", client: client}
	inv, err := cap.Invoke(context.Background(), agentcap.Request{TaskID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, out := collectOutcome(t, inv)
	if out.Err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestInvokeBreakerOpensAfterFailures(t *testing.T) {
	client, closeSrv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	defer closeSrv()
	client.SetBreaker(resilience.NewBreaker(2, time.Minute))

	cap := &capability{kind: "market", client: client}
	for i := 0; i < 2; i++ {
		if _, err := cap.Invoke(context.Background(), agentcap.Request{TaskID: "t1"}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err := cap.Invoke(context.Background(), agentcap.Request{TaskID: "t1"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestRegisterMakesAllKindsAvailable(t *testing.T) {
	agentcap.Reset()
	t.Cleanup(agentcap.Reset)

	client := NewClient(config.Analyst{URL: "http://localhost:0"})
	Register(client)

	available := agentcap.Available()
	if len(available) != len(Kinds) {
		t.Fatalf("expected %d kinds, got %d", len(Kinds), len(available))
	}
	for _, kind := range Kinds {
		if _, err := agentcap.New(kind, nil); err != nil {
			t.Fatalf("kind %s: %v", kind, err)
		}
	}
}
