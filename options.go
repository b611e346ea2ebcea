package resilience

import (
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig holds retry executor configuration.
type RetryConfig struct {
	// Policy is the default retry policy for Run.
	Policy RetryPolicy

	// OnRetry is invoked before each backoff sleep with the error that
	// failed and the 1-based number of the retry about to run.
	OnRetry func(err error, retry int)

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Rand is the jitter source. Nil uses a process-wide seeded source;
	// inject a seeded one for deterministic delays in tests.
	Rand *rand.Rand
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Policy: DefaultRetryPolicy(),
		Logger: slog.Default(),
	}
}

// WithRetryPolicy replaces the executor's default policy wholesale.
func WithRetryPolicy(policy RetryPolicy) RetryOption {
	return func(c *RetryConfig) {
		c.Policy = policy
	}
}

// WithMaxRetries sets how many retries follow the initial attempt.
//
// Example:
//
//	resilience.WithMaxRetries(4) // up to 5 calls total
func WithMaxRetries(retries int) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.MaxRetries = retries
	}
}

// WithExponentialBackoff configures doubling backoff between retries.
//
// Example:
//
//	resilience.WithExponentialBackoff(200*time.Millisecond, 10*time.Second)
//	// raw delays: 200ms, 400ms, 800ms, ... capped at 10s
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.Exponential = true
		c.Policy.BaseDelay = baseDelay
		c.Policy.MaxDelay = maxDelay
	}
}

// WithLinearBackoff configures linearly growing backoff between retries.
//
// Example:
//
//	resilience.WithLinearBackoff(500*time.Millisecond, 5*time.Second)
//	// raw delays: 500ms, 1s, 1.5s, ... capped at 5s
func WithLinearBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.Exponential = false
		c.Policy.BaseDelay = baseDelay
		c.Policy.MaxDelay = maxDelay
	}
}

// WithJitterFactor enables full jitter with the given amplitude
// (fraction of the raw delay).
func WithJitterFactor(factor float64) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.JitterEnabled = factor > 0
		c.Policy.JitterFactor = factor
	}
}

// WithoutJitter disables jitter, making delays fully deterministic.
func WithoutJitter() RetryOption {
	return func(c *RetryConfig) {
		c.Policy.JitterEnabled = false
	}
}

// WithRetryPredicate sets which errors trigger another attempt.
//
// Example:
//
//	resilience.WithRetryPredicate(func(err error) bool {
//	    return resilience.Classify(err) == resilience.KindServer
//	})
func WithRetryPredicate(fn func(error) bool) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.RetryIf = fn
	}
}

// WithOnRetry registers a side-effect hook invoked before each retry.
func WithOnRetry(fn func(err error, retry int)) RetryOption {
	return func(c *RetryConfig) {
		c.OnRetry = fn
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// WithRetryRand injects the jitter RNG, for deterministic tests.
//
// Example:
//
//	resilience.WithRetryRand(rand.New(rand.NewSource(1)))
func WithRetryRand(rng *rand.Rand) RetryOption {
	return func(c *RetryConfig) {
		c.Rand = rng
	}
}

// BreakerConfig holds circuit breaker group configuration.
type BreakerConfig struct {
	// Policy applies to every key without an override in KeyPolicies.
	Policy BreakerPolicy

	// KeyPolicies overrides the policy for specific keys.
	KeyPolicies map[BreakerKey]BreakerPolicy

	// TripIf decides which failures count against the failure budget.
	// Default: DefaultTripPredicate
	TripIf func(error) bool

	// OnStateChange is called whenever a breaker changes state. It runs
	// under the record's lock and must not call back into the group.
	OnStateChange func(key BreakerKey, from, to CircuitBreakerState)

	// Logger for breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Reporter, when set, records breaker rejections.
	Reporter *ErrorReporter

	// Clock is the time source for lazy transitions. Default: time.Now.
	Clock func() time.Time
}

// BreakerOption is a functional option for configuring circuit breaker behavior.
type BreakerOption func(*BreakerConfig)

// DefaultBreakerConfig returns breaker configuration with sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Policy: DefaultBreakerPolicy(),
		TripIf: DefaultTripPredicate,
		Logger: slog.Default(),
	}
}

// WithBreakerPolicy replaces the default per-key policy wholesale.
func WithBreakerPolicy(policy BreakerPolicy) BreakerOption {
	return func(c *BreakerConfig) {
		c.Policy = policy
	}
}

// WithFailureThreshold sets how many consecutive counted failures open a
// closed breaker.
func WithFailureThreshold(threshold int) BreakerOption {
	return func(c *BreakerConfig) {
		c.Policy.FailureThreshold = threshold
	}
}

// WithResetTimeout sets how long an open breaker rejects calls before
// admitting half-open probes.
func WithResetTimeout(timeout time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.Policy.ResetTimeout = timeout
	}
}

// WithMonitoringPeriod sets how long a closed breaker remembers failures.
func WithMonitoringPeriod(period time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.Policy.MonitoringPeriod = period
	}
}

// WithHalfOpenMaxProbes sets the probe budget of a half-open breaker.
func WithHalfOpenMaxProbes(probes int) BreakerOption {
	return func(c *BreakerConfig) {
		c.Policy.HalfOpenMaxProbes = probes
	}
}

// WithKeyPolicy overrides the breaker policy for one key.
//
// Example:
//
//	resilience.WithKeyPolicy("POST /bookings", resilience.BreakerPolicy{
//	    FailureThreshold:  2,
//	    ResetTimeout:      5 * time.Second,
//	    MonitoringPeriod:  30 * time.Second,
//	    HalfOpenMaxProbes: 1,
//	})
func WithKeyPolicy(key BreakerKey, policy BreakerPolicy) BreakerOption {
	return func(c *BreakerConfig) {
		if c.KeyPolicies == nil {
			c.KeyPolicies = make(map[BreakerKey]BreakerPolicy)
		}
		c.KeyPolicies[key] = policy
	}
}

// WithTripPredicate sets which failures count against a breaker.
func WithTripPredicate(fn func(error) bool) BreakerOption {
	return func(c *BreakerConfig) {
		c.TripIf = fn
	}
}

// WithStateChangeHandler sets a callback for breaker state changes.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(key resilience.BreakerKey, from, to resilience.CircuitBreakerState) {
//	    log.Printf("breaker %s: %s -> %s", key, from, to)
//	})
func WithStateChangeHandler(fn func(key BreakerKey, from, to CircuitBreakerState)) BreakerOption {
	return func(c *BreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithBreakerLogger sets a custom logger for breaker operations.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(c *BreakerConfig) {
		c.Logger = logger
	}
}

// WithBreakerReporter wires an error reporter that records rejections.
func WithBreakerReporter(reporter *ErrorReporter) BreakerOption {
	return func(c *BreakerConfig) {
		c.Reporter = reporter
	}
}

// WithBreakerClock injects the time source, for deterministic tests.
func WithBreakerClock(clock func() time.Time) BreakerOption {
	return func(c *BreakerConfig) {
		c.Clock = clock
	}
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	// DefaultTTL applies when a call passes a non-positive ttl.
	DefaultTTL time.Duration

	// MaxEntries bounds the store; inserting beyond it evicts the entry
	// with the oldest createdAt. Non-positive means unbounded.
	MaxEntries int

	// SweepInterval is how often expired entries are removed in the
	// background. Non-positive disables the sweeper.
	SweepInterval time.Duration

	// Logger for cache operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock is the time source for freshness checks. Default: time.Now.
	Clock func() time.Time
}

// CacheOption is a functional option for configuring the response cache.
type CacheOption func(*CacheConfig)

// DefaultCacheConfig returns cache configuration with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		DefaultTTL:    5 * time.Minute,
		MaxEntries:    1000,
		SweepInterval: time.Minute,
		Logger:        slog.Default(),
	}
}

// WithDefaultTTL sets the fallback time-to-live for stored entries.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.DefaultTTL = ttl
	}
}

// WithMaxEntries bounds the number of cached entries.
func WithMaxEntries(n int) CacheOption {
	return func(c *CacheConfig) {
		c.MaxEntries = n
	}
}

// WithSweepInterval sets how often the expiry sweeper runs.
func WithSweepInterval(interval time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.SweepInterval = interval
	}
}

// WithCacheLogger sets a custom logger for cache operations.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CacheConfig) {
		c.Logger = logger
	}
}

// WithCacheClock injects the time source, for deterministic tests.
func WithCacheClock(clock func() time.Time) CacheOption {
	return func(c *CacheConfig) {
		c.Clock = clock
	}
}

// ReporterConfig holds error reporter configuration.
type ReporterConfig struct {
	// MaxReports caps the ordered record list; the oldest record is
	// evicted past it. Non-positive means unbounded.
	MaxReports int

	// ThrottleWindow is the length of one throttle window.
	ThrottleWindow time.Duration

	// MaxPerWindow is the global cap on surfaced reports per window.
	MaxPerWindow int

	// MaxPerFingerprint is the per-fingerprint cap per window.
	MaxPerFingerprint int

	// Logger for reporter operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock is the time source for windows and timestamps. Default: time.Now.
	Clock func() time.Time
}

// ReporterOption is a functional option for configuring the error reporter.
type ReporterOption func(*ReporterConfig)

// DefaultReporterConfig returns reporter configuration with sensible defaults.
func DefaultReporterConfig() *ReporterConfig {
	return &ReporterConfig{
		MaxReports:        100,
		ThrottleWindow:    time.Minute,
		MaxPerWindow:      25,
		MaxPerFingerprint: 5,
		Logger:            slog.Default(),
	}
}

// WithMaxReports caps how many records the reporter retains.
func WithMaxReports(n int) ReporterOption {
	return func(c *ReporterConfig) {
		c.MaxReports = n
	}
}

// WithThrottleWindow sets the throttle window length.
func WithThrottleWindow(window time.Duration) ReporterOption {
	return func(c *ReporterConfig) {
		c.ThrottleWindow = window
	}
}

// WithMaxPerWindow sets the global cap on surfaced reports per window.
func WithMaxPerWindow(n int) ReporterOption {
	return func(c *ReporterConfig) {
		c.MaxPerWindow = n
	}
}

// WithMaxPerFingerprint sets the per-fingerprint cap per window.
func WithMaxPerFingerprint(n int) ReporterOption {
	return func(c *ReporterConfig) {
		c.MaxPerFingerprint = n
	}
}

// WithReporterLogger sets a custom logger for reporter operations.
func WithReporterLogger(logger *slog.Logger) ReporterOption {
	return func(c *ReporterConfig) {
		c.Logger = logger
	}
}

// WithReporterClock injects the time source, for deterministic tests.
func WithReporterClock(clock func() time.Time) ReporterOption {
	return func(c *ReporterConfig) {
		c.Clock = clock
	}
}

// ClientConfig holds configuration for the composed client.
type ClientConfig struct {
	// Logger is shared by every subcomponent.
	Logger *slog.Logger

	// DefaultTTL is the time-to-live the client passes on cached reads.
	DefaultTTL time.Duration

	// StaleAfter is the freshness horizon for GetFresh; entries older
	// than this are served stale while a background refresh runs.
	StaleAfter time.Duration

	cacheOpts    []CacheOption
	breakerOpts  []BreakerOption
	retryOpts    []RetryOption
	reporterOpts []ReporterOption
}

// ClientOption is a functional option for configuring the composed client.
type ClientOption func(*ClientConfig)

// DefaultClientConfig returns client configuration with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Logger:     slog.Default(),
		DefaultTTL: 5 * time.Minute,
		StaleAfter: time.Minute,
	}
}

// WithClientLogger sets the logger shared by all subcomponents.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithTTL sets the cache time-to-live and the stale-while-revalidate
// horizon used by the client's cached reads.
func WithTTL(ttl, staleAfter time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.DefaultTTL = ttl
		c.StaleAfter = staleAfter
	}
}

// WithCacheOptions forwards options to the client's response cache.
func WithCacheOptions(opts ...CacheOption) ClientOption {
	return func(c *ClientConfig) {
		c.cacheOpts = append(c.cacheOpts, opts...)
	}
}

// WithBreakerOptions forwards options to the client's breaker group.
func WithBreakerOptions(opts ...BreakerOption) ClientOption {
	return func(c *ClientConfig) {
		c.breakerOpts = append(c.breakerOpts, opts...)
	}
}

// WithRetryOptions forwards options to the client's retry executor.
func WithRetryOptions(opts ...RetryOption) ClientOption {
	return func(c *ClientConfig) {
		c.retryOpts = append(c.retryOpts, opts...)
	}
}

// WithReporterOptions forwards options to the client's error reporter.
func WithReporterOptions(opts ...ReporterOption) ClientOption {
	return func(c *ClientConfig) {
		c.reporterOpts = append(c.reporterOpts, opts...)
	}
}
