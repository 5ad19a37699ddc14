package retry

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap/zaptest"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      Kind
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true, KindDBContention},
		{"serialization failure", &pq.Error{Code: "40001"}, true, KindDBContention},
		{"deadlock", &pq.Error{Code: "40P01"}, true, KindDBContention},
		{"connection exception", &pq.Error{Code: "08006"}, true, KindConnection},
		{"integrity violation", &pq.Error{Code: "23503"}, false, KindClientError},
		{"http 401", &HTTPError{StatusCode: 401}, true, KindTokenExpired},
		{"http 429", &HTTPError{StatusCode: 429}, true, KindRateLimited},
		{"http 404", &HTTPError{StatusCode: 404}, false, KindNotFound},
		{"http 500", &HTTPError{StatusCode: 500}, true, KindServerError},
		{"http 400", &HTTPError{StatusCode: 400}, false, KindClientError},
		{"validation", &ValidationError{Reason: "bid below minimum"}, false, KindValidation},
		{"not found sentinel", ErrNotFound, false, KindNotFound},
		{"sql no rows", sql.ErrNoRows, false, KindNotFound},
		{"deadline exceeded", context.DeadlineExceeded, true, KindTimeout},
		{"unknown", errors.New("something odd"), true, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			if cls.Retryable != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, cls.Retryable)
			}
			if cls.Kind != tt.kind {
				t.Errorf("Expected kind=%s, got %s", tt.kind, cls.Kind)
			}
		})
	}
}

func TestClassify_RateLimitedCarriesSuggestedDelay(t *testing.T) {
	cls := Classify(&HTTPError{StatusCode: 429, RetryAfter: 7 * time.Second})
	if cls.SuggestedDelay != 7*time.Second {
		t.Errorf("Expected suggested delay 7s, got %v", cls.SuggestedDelay)
	}
}

func TestPolicyDelay_CappedAndJittered(t *testing.T) {
	policy := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond}

	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		d := policy.Delay(attempt, 0)
		if d < prev-policy.BaseDelay {
			t.Errorf("Delay decreased beyond jitter bound at attempt %d: %v -> %v", attempt, prev, d)
		}
		if d > policy.MaxDelay+policy.BaseDelay {
			t.Errorf("Delay %v exceeds cap plus jitter at attempt %d", d, attempt)
		}
		prev = d
	}
}

func TestPolicyDelay_SuggestedDelayWins(t *testing.T) {
	policy := Policy{BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 30 * time.Second}
	d := policy.Delay(1, 5*time.Second)
	if d < 5*time.Second {
		t.Errorf("Expected at least the suggested 5s, got %v", d)
	}
}

func testPolicy(maxAttempts int) Policy {
	return Policy{
		Name:        "test",
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
		MaxElapsed:  time.Second,
	}
}

func TestDo_RetryableSucceedsOnThirdAttempt(t *testing.T) {
	logger := zaptest.NewLogger(t)

	attempts := 0
	err := Do(context.Background(), logger, testPolicy(4), "write", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDo_NonRetryableAbortsAfterOneAttempt(t *testing.T) {
	logger := zaptest.NewLogger(t)

	attempts := 0
	wantErr := &ValidationError{Reason: "reserve price not met"}
	err := Do(context.Background(), logger, testPolicy(4), "validate", func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected the validation error back, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", attempts)
	}
}

func TestDo_ExhaustionReportsAttempts(t *testing.T) {
	logger := zaptest.NewLogger(t)

	attempts := 0
	err := Do(context.Background(), logger, testPolicy(3), "write", func(ctx context.Context) error {
		attempts++
		return errors.New("transient")
	})
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("Expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Expected attempt count 3 in error, got %d", exhausted.Attempts)
	}
}

func TestDo_MaxElapsedProducesDistinctError(t *testing.T) {
	logger := zaptest.NewLogger(t)

	policy := Policy{
		Name:        "test",
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Second,
		MaxElapsed:  10 * time.Millisecond,
	}

	err := Do(context.Background(), logger, policy, "write", func(ctx context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, ErrMaxDurationExceeded) {
		t.Fatalf("Expected ErrMaxDurationExceeded, got %v", err)
	}
	if errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Error("Duration exhaustion must not also report attempt exhaustion")
	}
}

func TestDo_ContextCancellationStopsRetries(t *testing.T) {
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	policy := Policy{Name: "test", MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	err := Do(ctx, logger, policy, "write", func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}
