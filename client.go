// Package resilience mediates outbound calls with retries, per-endpoint
// circuit breakers, a stale-while-revalidate response cache, and a
// deduplicating error reporter. It supports any response type using Go
// generics and integrates with jp-go-errors for standardized error
// handling.
//
// The layer never inspects the transport itself: callers hand it a
// zero-argument operation and a stable key, and it classifies failures
// from error shape alone (status code, kind, message).
package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Operation is the universal contract callers pass into the layer: an
// asynchronous unit of work producing a value or failing with an error.
// The context controls the caller's deadline; the layer itself only
// bounds retry duration, never the operation.
type Operation[T any] func(ctx context.Context) (T, error)

// Client composes the full resilience pipeline for one response type:
// cache in front, then the per-key circuit breaker, driven by the retry
// executor (breaker inner, retry outer, so every attempt re-consults the
// breaker). Terminal failures are pushed to the error reporter.
//
// Clients are explicitly constructed and injected; there is no package
// level instance. Construct one per response type at startup and share
// it: all methods are safe for concurrent use.
//
// Example:
//
//	client := resilience.NewClient[[]Booking](
//	    resilience.WithTTL(time.Minute, 20*time.Second),
//	    resilience.WithBreakerOptions(resilience.WithFailureThreshold(5)),
//	    resilience.WithRetryOptions(resilience.WithMaxRetries(3)),
//	)
//	defer client.Close()
//
//	bookings, err := client.GetFresh(ctx, "GET /bookings", fetchBookings)
type Client[T any] struct {
	cache    *ResponseCache[T]
	breakers *BreakerGroup[T]
	retries  *RetryExecutor[T]
	reporter *ErrorReporter
	logger   *slog.Logger

	defaultTTL time.Duration
	staleAfter time.Duration
}

// NewClient builds a client and its four subcomponents from one option
// list. Options for the individual components apply to the instances the
// client constructs.
func NewClient[T any](opts ...ClientOption) *Client[T] {
	config := DefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	// Shared logger first so explicit per-component options win.
	reporterOpts := append([]ReporterOption{WithReporterLogger(config.Logger)}, config.reporterOpts...)
	reporter := NewErrorReporter(reporterOpts...)

	breakerOpts := append([]BreakerOption{
		WithBreakerLogger(config.Logger),
		WithBreakerReporter(reporter),
	}, config.breakerOpts...)

	cacheOpts := append([]CacheOption{WithCacheLogger(config.Logger)}, config.cacheOpts...)
	retryOpts := append([]RetryOption{WithRetryLogger(config.Logger)}, config.retryOpts...)

	c := &Client[T]{
		cache:      NewResponseCache[T](cacheOpts...),
		breakers:   NewBreakerGroup[T](breakerOpts...),
		retries:    NewRetryExecutor[T](retryOpts...),
		reporter:   reporter,
		logger:     config.Logger,
		defaultTTL: config.DefaultTTL,
		staleAfter: config.StaleAfter,
	}
	return c
}

// Do runs op through the breaker for key under the retry executor's
// default policy. The last error after exhausted retries, or the
// breaker's fail-fast rejection, is reported before being returned.
func (c *Client[T]) Do(ctx context.Context, key BreakerKey, op Operation[T]) (T, error) {
	result := c.retries.Run(ctx, c.breakers.Wrap(key, op))
	if result.Success {
		return result.Value, nil
	}

	c.report(result.Err, key)
	var zero T
	return zero, result.Err
}

// DoPolicy is Do with an explicit retry policy for this call.
func (c *Client[T]) DoPolicy(ctx context.Context, key BreakerKey, op Operation[T], policy RetryPolicy) (T, error) {
	result := c.retries.RunPolicy(ctx, c.breakers.Wrap(key, op), policy)
	if result.Success {
		return result.Value, nil
	}

	c.report(result.Err, key)
	var zero T
	return zero, result.Err
}

// Get serves key from the cache while unexpired, fetching through the
// breaker and retry pipeline otherwise.
func (c *Client[T]) Get(ctx context.Context, key BreakerKey, op Operation[T]) (T, error) {
	return c.cache.GetOrFetch(ctx, CacheKey(key), c.defaultTTL, func(ctx context.Context) (T, error) {
		return c.Do(ctx, key, op)
	})
}

// GetFresh serves key with stale-while-revalidate semantics: fresh
// entries return directly, aging entries return while refreshing in the
// background, and expired entries block on a coalesced fetch through the
// breaker and retry pipeline.
func (c *Client[T]) GetFresh(ctx context.Context, key BreakerKey, op Operation[T]) (T, error) {
	return c.cache.GetWithRevalidate(ctx, CacheKey(key), c.defaultTTL, c.staleAfter, func(ctx context.Context) (T, error) {
		return c.Do(ctx, key, op)
	})
}

// report records a terminal failure against the reporter, except breaker
// rejections, which the breaker already reported when it refused the call.
func (c *Client[T]) report(err error, key BreakerKey) {
	if err == nil {
		return
	}
	kind := Classify(err)
	if kind == KindCircuitOpen {
		return
	}
	c.reporter.Report(err, kind, string(key))
}

// Cache exposes the response cache for administration (clear,
// invalidate, stats).
func (c *Client[T]) Cache() *ResponseCache[T] { return c.cache }

// Breakers exposes the circuit breaker group for introspection.
func (c *Client[T]) Breakers() *BreakerGroup[T] { return c.breakers }

// Retries exposes the retry executor for statistics.
func (c *Client[T]) Retries() *RetryExecutor[T] { return c.retries }

// Reporter exposes the error reporter, whose Subscribe is the layer's
// only outward-facing interface.
func (c *Client[T]) Reporter() *ErrorReporter { return c.reporter }

// Health returns per-breaker health snapshots plus cache statistics.
func (c *Client[T]) Health() ClientHealth {
	keys := c.breakers.Keys()
	breakers := make(map[BreakerKey]HealthStatus, len(keys))
	healthy := true
	for _, key := range keys {
		h := c.breakers.Health(key)
		breakers[key] = h
		if !h.Healthy {
			healthy = false
		}
	}

	return ClientHealth{
		Healthy:  healthy,
		Breakers: breakers,
		Cache:    c.cache.Stats(),
		Retries:  c.retries.Stats(),
	}
}

// Close releases background resources (the cache sweeper).
func (c *Client[T]) Close() {
	c.cache.Close()
}
