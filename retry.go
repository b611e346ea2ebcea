package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryExecutor runs operations with configurable retry logic. It recovers
// transient failures locally and only surfaces the last error after
// exhausting retries or hitting a non-retryable classification.
type RetryExecutor[T any] struct {
	config *RetryConfig
	logger *slog.Logger
	stats  *retryStats
}

// Result describes the outcome of a retried operation.
type Result[T any] struct {
	// Success is true when some attempt returned without error.
	Success bool

	// Value is the operation's value on success, zero otherwise.
	Value T

	// Err is the last error observed, nil on success.
	Err error

	// Attempts is the number of times the operation was invoked.
	Attempts int

	// Elapsed is the total wall-clock time spent, including backoff sleeps.
	Elapsed time.Duration
}

// retryStats tracks aggregate retry statistics across runs.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryExecutor creates a retry executor configured by the provided options.
//
// Example:
//
//	exec := resilience.NewRetryExecutor[*Booking](
//	    resilience.WithMaxRetries(4),
//	    resilience.WithExponentialBackoff(200*time.Millisecond, 10*time.Second),
//	)
func NewRetryExecutor[T any](opts ...RetryOption) *RetryExecutor[T] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RetryExecutor[T]{
		config: config,
		logger: config.Logger,
		stats:  &retryStats{},
	}
}

// Run executes op under the executor's default policy.
func (e *RetryExecutor[T]) Run(ctx context.Context, op Operation[T]) Result[T] {
	return e.RunPolicy(ctx, op, e.config.Policy)
}

// RunPolicy executes op under an explicit retry policy. The operation is
// invoked up to policy.MaxRetries+1 times; between failed attempts the
// executor sleeps for the policy's backoff delay. The backoff sleep is
// context-aware, but a running operation is never interrupted.
func (e *RetryExecutor[T]) RunPolicy(ctx context.Context, op Operation[T], policy RetryPolicy) Result[T] {
	start := time.Now()

	// A done context means no attempt should run at all.
	select {
	case <-ctx.Done():
		return Result[T]{Err: ctx.Err(), Elapsed: time.Since(start)}
	default:
	}

	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	retryIf := policy.retryIf()

	var value T
	attempts := 0

	err := retry.Do(ctx, policy.backoff(e.config.Rand), func(ctx context.Context) error {
		attempts++

		e.stats.mu.Lock()
		e.stats.totalAttempts++
		if attempts > 1 {
			e.stats.totalRetries++
		}
		e.stats.lastAttemptTime = time.Now()
		e.stats.mu.Unlock()

		v, opErr := op(ctx)
		if opErr == nil {
			if attempts > 1 {
				e.logger.Info("operation succeeded after retry",
					"attempts", attempts)
			}
			value = v
			return nil
		}

		// Last permitted attempt, or an error not worth retrying:
		// stop and surface it as-is.
		if attempts > maxRetries || !retryIf(opErr) {
			e.logger.Debug("giving up",
				"error", opErr,
				"attempts", attempts)
			return opErr
		}

		if e.config.OnRetry != nil {
			e.config.OnRetry(opErr, attempts)
		}

		e.logger.Debug("retrying after backoff",
			"attempt", attempts,
			"error", opErr)

		return retry.RetryableError(opErr)
	})

	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("operation failed after retries",
			"attempts", attempts,
			"error", err)
		e.stats.mu.Lock()
		e.stats.totalFailures++
		e.stats.lastError = err
		e.stats.mu.Unlock()
		return Result[T]{Err: err, Attempts: attempts, Elapsed: elapsed}
	}

	e.stats.mu.Lock()
	e.stats.totalSuccesses++
	e.stats.mu.Unlock()

	return Result[T]{Success: true, Value: value, Attempts: attempts, Elapsed: elapsed}
}

// RetryStats holds aggregate statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64 `json:"total_attempts"`

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64 `json:"total_retries"`

	// TotalSuccesses is the number of successful operations
	TotalSuccesses int64 `json:"total_successes"`

	// TotalFailures is the number of failed operations (after all retries exhausted)
	TotalFailures int64 `json:"total_failures"`

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time `json:"last_attempt_time"`

	// LastError is the last error encountered (if any)
	LastError error `json:"-"`
}

// Stats returns a snapshot of the executor's aggregate statistics.
// This method is safe for concurrent use.
func (e *RetryExecutor[T]) Stats() RetryStats {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   e.stats.totalAttempts,
		TotalRetries:    e.stats.totalRetries,
		TotalSuccesses:  e.stats.totalSuccesses,
		TotalFailures:   e.stats.totalFailures,
		LastAttemptTime: e.stats.lastAttemptTime,
		LastError:       e.stats.lastError,
	}
}
