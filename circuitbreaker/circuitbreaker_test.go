package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New("test", 3, time.Minute, zaptest.NewLogger(t))
	failing := func() error { return errors.New("downstream unavailable") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); err == nil {
			t.Fatal("Expected failure to propagate")
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("Expected open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func() error {
		t.Fatal("An open circuit must not invoke the call")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond, zaptest.NewLogger(t))

	if err := cb.Execute(context.Background(), func() error { return errors.New("boom") }); err == nil {
		t.Fatal("Expected failure")
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected open, got %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Expected the probe call to pass through, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected closed after a successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond, zaptest.NewLogger(t))

	cb.Execute(context.Background(), func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	cb.Execute(context.Background(), func() error { return errors.New("still down") })
	if cb.State() != StateOpen {
		t.Errorf("Expected a failed probe to reopen the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := New("test", 3, time.Minute, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error {
		t.Fatal("A cancelled context must not invoke the call")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("A cancelled context must not count as a failure, got %s", cb.State())
	}
}
