package resilience

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy describes how an operation is retried: how many times, how
// long to wait between attempts, and which errors are worth another try.
// Policies are immutable value types, supplied per call or defaulted.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// The operation runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay between any two attempts.
	MaxDelay time.Duration

	// Exponential selects exponential growth (BaseDelay * 2^attempt).
	// When false, growth is linear (BaseDelay * (attempt+1)).
	Exponential bool

	// JitterEnabled applies full jitter around the computed delay.
	JitterEnabled bool

	// JitterFactor is the jitter amplitude as a fraction of the raw
	// delay: the final delay is perturbed by uniform(-f*raw, +f*raw).
	JitterFactor float64

	// RetryIf decides whether an error should trigger another attempt.
	// Nil means DefaultRetryPredicate.
	RetryIf func(error) bool
}

// DefaultRetryPolicy returns the policy used when callers don't supply one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     300 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Exponential:   true,
		JitterEnabled: true,
		JitterFactor:  0.3,
	}
}

// defaultRand is the fallback jitter source when no RNG is injected.
// Guarded by its own mutex because rand.Rand is not safe for concurrent use.
var (
	defaultRandMu sync.Mutex
	defaultRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Delay computes the backoff delay before the retry following the given
// zero-based attempt. The result is deterministic for a seeded rng; pass
// nil to use the process-wide source.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.BaseDelay)
	var raw float64
	if p.Exponential {
		raw = base * math.Pow(2, float64(attempt))
	} else {
		raw = base * float64(attempt+1)
	}

	delay := raw
	if p.JitterEnabled && p.JitterFactor > 0 {
		delay = raw + p.jitter(raw, rng)
		if delay < 0 {
			delay = 0
		}
	}

	maxDelay := float64(p.MaxDelay)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	return time.Duration(delay)
}

// jitter returns a uniform perturbation in (-JitterFactor*raw, +JitterFactor*raw).
func (p RetryPolicy) jitter(raw float64, rng *rand.Rand) float64 {
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		defaultRandMu.Lock()
		u = defaultRand.Float64()
		defaultRandMu.Unlock()
	}
	return raw * p.JitterFactor * (2*u - 1)
}

// retryIf returns the configured predicate or the default.
func (p RetryPolicy) retryIf() func(error) bool {
	if p.RetryIf != nil {
		return p.RetryIf
	}
	return DefaultRetryPredicate
}

// backoff adapts the policy to go-retry's Backoff interface. Each call to
// the returned Backoff yields the delay for the next retry, starting from
// attempt 0. The MaxRetries bound is applied here as a backstop; the
// executor enforces it itself so the retry hook fires only when another
// attempt will actually run.
func (p RetryPolicy) backoff(rng *rand.Rand) retry.Backoff {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d := p.Delay(attempt, rng)
		attempt++
		return d, false
	})

	return retry.WithMaxRetries(uint64(maxRetries), b) // #nosec G115 - bounds checked above
}
