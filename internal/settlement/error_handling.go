package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"investment-settlement/internal/ledger"
	"investment-settlement/internal/lock"
)

// RetryConfig defines in-tick retry behavior for transient failures.
// Anything not retried here is picked up by the next scheduled tick.
type RetryConfig struct {
	MaxRetries    int
	BackoffDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    2,
		BackoffDelays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond},
	}
}

// Delay returns the backoff before retry number attempt (0-based)
func (c *RetryConfig) Delay(attempt int) time.Duration {
	if len(c.BackoffDelays) == 0 {
		return 0
	}
	// bounds check, BackoffDelays may be shorter than MaxRetries
	idx := attempt
	if idx >= len(c.BackoffDelays) {
		idx = len(c.BackoffDelays) - 1
	}
	return c.BackoffDelays[idx]
}

// ErrorKind classifies a per-investment failure
type ErrorKind string

const (
	KindMissingDependency ErrorKind = "missing_dependency"
	KindTransient         ErrorKind = "transient"
	KindInvariant         ErrorKind = "invariant"
	KindStoreUnavailable  ErrorKind = "store_unavailable"
	KindCancelled         ErrorKind = "cancelled"
	KindPanic             ErrorKind = "panic"
	KindUnknown           ErrorKind = "unknown"
)

// SettlementError represents a detailed settlement failure
type SettlementError struct {
	InvestmentID string
	BatchID      string
	Kind         ErrorKind
	Attempt      int
	Err          error
	Timestamp    time.Time
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("[%s] investment %s, batch %s, kind %s, attempt %d: %v",
		e.Timestamp.Format(time.RFC3339), e.InvestmentID, e.BatchID, e.Kind, e.Attempt, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// ErrorClassifier maps errors onto the settlement error taxonomy
type ErrorClassifier struct{}

// Classify returns the kind of err. Sentinel errors win over message patterns.
func (c *ErrorClassifier) Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingDependency):
		return KindMissingDependency
	case errors.Is(err, ledger.ErrInvariantViolation):
		return KindInvariant
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, lock.ErrNotAcquired),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case c.IsRetryable(err):
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable determines if an error message looks transient
func (c *ErrorClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"timeout",
		"connection reset",
		"temporary failure",
		"deadlock",
		"lock timeout",
		"serialization failure",
		"could not serialize",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// ShouldRetryInTick reports whether the scheduler should retry right away
// rather than wait for the next tick
func (c *ErrorClassifier) ShouldRetryInTick(err error) bool {
	return c.Classify(err) == KindTransient && !errors.Is(err, context.DeadlineExceeded)
}
