package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUnavailable = errors.New("analyst unavailable")

func TestBreakerClosedAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errUnavailable })
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errUnavailable })
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Second)

	// Half-open allows one probe; success closes the circuit again.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errUnavailable })
	}

	now = now.Add(2 * time.Second)

	if err := b.Execute(func() error { return errUnavailable }); !errors.Is(err, errUnavailable) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(2, time.Second)

	_ = b.Execute(func() error { return errUnavailable })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errUnavailable })

	// One failure since the last success: still closed.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}
