package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Kind is a closed enumeration of failure causes. Classification happens
// once, at the lowest layer that can observe the real cause (database
// driver, network stack, HTTP status); upper layers branch on the tag and
// never inspect error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindTokenExpired
	KindRateLimited
	KindServerError
	KindDBContention
	KindClientError
	KindValidation
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindTokenExpired:
		return "token_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindDBContention:
		return "db_contention"
	case KindClientError:
		return "client_error"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type Classification struct {
	Retryable      bool
	Kind           Kind
	SuggestedDelay time.Duration
}

// HTTPError carries the status of a failed call to an external HTTP API so
// Classify can tag it without parsing response text. RetryAfter is the
// provider-suggested delay from a 429, if any.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// ValidationError marks a terminal business-rule or input failure. It is
// never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

var ErrNotFound = errors.New("not found")

// Postgres SQLSTATE codes that signal benign write contention. These are
// retried because they can result from concurrent writers racing on the same
// rows, not because the operation is conceptually idempotent.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgQueryCanceled        = "57014"
)

// Classify tags an error with a retryability decision. Unknown causes
// default to retryable: we fail open on classification, not on exhaustion.
func Classify(err error) Classification {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return Classification{Retryable: true, Kind: KindDBContention}
		case pgQueryCanceled:
			return Classification{Retryable: true, Kind: KindTimeout}
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return Classification{Retryable: true, Kind: KindConnection}
		}
		return Classification{Retryable: false, Kind: KindClientError}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401:
			return Classification{Retryable: true, Kind: KindTokenExpired}
		case httpErr.StatusCode == 429:
			return Classification{Retryable: true, Kind: KindRateLimited, SuggestedDelay: httpErr.RetryAfter}
		case httpErr.StatusCode == 404:
			return Classification{Retryable: false, Kind: KindNotFound}
		case httpErr.StatusCode >= 500:
			return Classification{Retryable: true, Kind: KindServerError}
		default:
			return Classification{Retryable: false, Kind: KindClientError}
		}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return Classification{Retryable: false, Kind: KindValidation}
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return Classification{Retryable: false, Kind: KindNotFound}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Kind: KindTimeout}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Retryable: true, Kind: KindTimeout}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return Classification{Retryable: true, Kind: KindConnection}
	}

	return Classification{Retryable: true, Kind: KindUnknown}
}

// Policy tunes retry behaviour for one operation class.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxElapsed  time.Duration
}

var (
	// Database: fast and few; only transient contention is worth waiting on.
	Database = Policy{Name: "database", MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second, MaxElapsed: 10 * time.Second}
	// Critical: losing the operation is costlier than latency (order creation).
	Critical = Policy{Name: "critical", MaxAttempts: 6, BaseDelay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Second, MaxElapsed: time.Minute}
	// Notification: best-effort fan-out.
	Notification = Policy{Name: "notification", MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second, MaxElapsed: 30 * time.Second}
	// ExternalAPI: most conservative, respects remote rate limits.
	ExternalAPI = Policy{Name: "external_api", MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, MaxElapsed: 2 * time.Minute}
)

// Delay computes the backoff before the given attempt (1-based) is retried:
// exponential growth capped at MaxDelay, plus bounded random jitter so
// concurrent callers do not retry in lockstep. A provider-suggested delay
// takes precedence over the computed base.
func (p Policy) Delay(attempt int, suggested time.Duration) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if suggested > d {
		d = suggested
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.BaseDelay > 0 {
		d += time.Duration(rand.Int63n(int64(p.BaseDelay)))
	}
	return d
}

var (
	ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")
	ErrMaxDurationExceeded = errors.New("maximum retry duration exceeded")
)

// ExhaustedError reports that a retried operation gave up, with the attempt
// count accumulated for diagnostics. Limit is one of ErrMaxAttemptsExceeded
// or ErrMaxDurationExceeded.
type ExhaustedError struct {
	Op       string
	Attempts int
	Limit    error
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", e.Op, e.Limit, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool {
	return target == e.Limit
}

// Do runs fn under the policy, retrying errors classified as retryable.
// A non-retryable error aborts after exactly one attempt and is returned
// unchanged so callers can inspect it.
func Do(ctx context.Context, logger *zap.Logger, policy Policy, op string, fn func(context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retries",
					zap.String("operation", op),
					zap.String("class", policy.Name),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		cls := Classify(lastErr)
		if !cls.Retryable {
			logger.Warn("Operation failed with non-retryable error",
				zap.String("operation", op),
				zap.String("class", policy.Name),
				zap.String("kind", cls.Kind.String()),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			return lastErr
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt, cls.SuggestedDelay)
		if policy.MaxElapsed > 0 && time.Since(start)+delay > policy.MaxElapsed {
			logger.Error("Operation exceeded maximum retry duration",
				zap.String("operation", op),
				zap.String("class", policy.Name),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(lastErr),
			)
			return &ExhaustedError{Op: op, Attempts: attempt, Limit: ErrMaxDurationExceeded, Err: lastErr}
		}

		logger.Warn("Operation failed, retrying",
			zap.String("operation", op),
			zap.String("class", policy.Name),
			zap.String("kind", cls.Kind.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	logger.Error("Operation exhausted retry attempts",
		zap.String("operation", op),
		zap.String("class", policy.Name),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return &ExhaustedError{Op: op, Attempts: policy.MaxAttempts, Limit: ErrMaxAttemptsExceeded, Err: lastErr}
}
