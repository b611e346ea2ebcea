package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// BreakerKey identifies a logical endpoint guarded by its own circuit
// breaker record. Conventionally "<method> <path>". Distinct keys are
// fully independent.
type BreakerKey string

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the endpoint has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerPolicy controls a single breaker record's transitions.
type BreakerPolicy struct {
	// FailureThreshold is the number of consecutive counted failures
	// that moves a closed breaker to open.
	FailureThreshold int

	// ResetTimeout is how long an open breaker rejects calls before
	// admitting half-open probes.
	ResetTimeout time.Duration

	// MonitoringPeriod bounds how long a closed breaker remembers
	// failures: once it elapses without a new failure, the consecutive
	// failure count resets. Independent of ResetTimeout.
	MonitoringPeriod time.Duration

	// HalfOpenMaxProbes is the number of probe calls admitted while
	// half-open. The first successful probe closes the breaker; any
	// failed probe reopens it.
	HalfOpenMaxProbes int
}

// DefaultBreakerPolicy returns the policy used for keys without an override.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		MonitoringPeriod:  60 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreakerCounts holds the bookkeeping of a single breaker record.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// breakerRecord is the per-key state machine. It is created lazily, lives
// for the process lifetime, and is only touched under its own mutex so
// callers for different keys never contend.
type breakerRecord struct {
	mu     sync.Mutex
	policy BreakerPolicy

	state               CircuitBreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	lastSuccessTime     time.Time
	halfOpenProbes      int

	counts CircuitBreakerCounts
}

// BreakerGroup is a registry of per-key circuit breakers sharing one
// configuration. State transitions are evaluated lazily against the
// clock at call time; the group never runs timers of its own.
type BreakerGroup[T any] struct {
	config *BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records map[BreakerKey]*breakerRecord
}

// NewBreakerGroup creates a breaker group configured by the provided options.
//
// Example:
//
//	breakers := resilience.NewBreakerGroup[*Service](
//	    resilience.WithFailureThreshold(3),
//	    resilience.WithResetTimeout(10*time.Second),
//	)
func NewBreakerGroup[T any](opts ...BreakerOption) *BreakerGroup[T] {
	config := DefaultBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TripIf == nil {
		config.TripIf = DefaultTripPredicate
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &BreakerGroup[T]{
		config:  config,
		logger:  config.Logger,
		now:     config.Clock,
		records: make(map[BreakerKey]*breakerRecord),
	}
}

// Do executes op through the breaker for key. If the breaker is open (or
// half-open with its probe budget spent) the call fails immediately
// without invoking op; otherwise the outcome updates the record per the
// transition rules. Rejections are recorded with the group's reporter
// when one is configured.
func (g *BreakerGroup[T]) Do(ctx context.Context, key BreakerKey, op Operation[T]) (T, error) {
	var zero T
	rec := g.record(key)

	if err := g.admit(rec, key); err != nil {
		if g.config.Reporter != nil {
			g.config.Reporter.Report(err, KindCircuitOpen, string(key))
		}
		return zero, err
	}

	v, err := op(ctx)
	if err == nil {
		g.recordSuccess(rec, key)
		return v, nil
	}

	g.recordFailure(rec, key, err)
	return zero, err
}

// Wrap returns op guarded by the breaker for key, for callers that want
// to hand the guarded operation to something else (typically a
// RetryExecutor, so retries go back through the breaker each attempt).
func (g *BreakerGroup[T]) Wrap(key BreakerKey, op Operation[T]) Operation[T] {
	return func(ctx context.Context) (T, error) {
		return g.Do(ctx, key, op)
	}
}

// record returns the breaker record for key, creating it on first use.
func (g *BreakerGroup[T]) record(key BreakerKey) *breakerRecord {
	g.mu.RLock()
	rec := g.records[key]
	g.mu.RUnlock()
	if rec != nil {
		return rec
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec := g.records[key]; rec != nil {
		return rec
	}

	policy := g.config.Policy
	if override, ok := g.config.KeyPolicies[key]; ok {
		policy = override
	}
	rec = &breakerRecord{policy: policy, state: StateClosed}
	g.records[key] = rec
	return rec
}

// admit decides whether a call may proceed, applying the lazy
// time-driven transitions first. Returns nil when the call is admitted.
func (g *BreakerGroup[T]) admit(rec *breakerRecord, key BreakerKey) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := g.now()

	if rec.state == StateOpen {
		if now.Sub(rec.lastFailureTime) >= rec.policy.ResetTimeout {
			g.transition(rec, key, StateHalfOpen)
		} else {
			return g.rejectionError(rec, key, "open", ErrCircuitOpen)
		}
	}

	switch rec.state {
	case StateHalfOpen:
		if rec.halfOpenProbes >= rec.policy.HalfOpenMaxProbes {
			return g.rejectionError(rec, key, "half-open", ErrTooManyProbes)
		}
		rec.halfOpenProbes++
	case StateClosed:
		g.forgive(rec, now)
	}

	rec.counts.Requests++
	return nil
}

// forgive resets the consecutive failure counter once the monitoring
// period has elapsed since the last failure. Caller holds rec.mu.
func (g *BreakerGroup[T]) forgive(rec *breakerRecord, now time.Time) {
	if rec.consecutiveFailures == 0 || rec.policy.MonitoringPeriod <= 0 {
		return
	}
	if now.Sub(rec.lastFailureTime) >= rec.policy.MonitoringPeriod {
		rec.consecutiveFailures = 0
		rec.counts.ConsecutiveFailures = 0
	}
}

func (g *BreakerGroup[T]) recordSuccess(rec *breakerRecord, key BreakerKey) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.lastSuccessTime = g.now()
	rec.counts.TotalSuccesses++
	rec.counts.ConsecutiveSuccesses++
	rec.counts.ConsecutiveFailures = 0

	switch rec.state {
	case StateHalfOpen:
		// First successful probe closes the breaker.
		rec.consecutiveFailures = 0
		rec.halfOpenProbes = 0
		g.transition(rec, key, StateClosed)
	case StateClosed:
		rec.consecutiveFailures = 0
	}
}

func (g *BreakerGroup[T]) recordFailure(rec *breakerRecord, key BreakerKey, err error) {
	if !g.config.TripIf(err) {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := g.now()
	g.forgive(rec, now)

	rec.counts.TotalFailures++
	rec.counts.ConsecutiveFailures++
	rec.counts.ConsecutiveSuccesses = 0

	switch rec.state {
	case StateHalfOpen:
		rec.lastFailureTime = now
		g.transition(rec, key, StateOpen)
	case StateClosed:
		rec.lastFailureTime = now
		rec.consecutiveFailures++
		if rec.consecutiveFailures >= rec.policy.FailureThreshold {
			g.transition(rec, key, StateOpen)
		}
	case StateOpen:
		// A straggler that was admitted before the breaker opened.
		rec.lastFailureTime = now
	}
}

// transition moves rec to a new state. Caller holds rec.mu; state change
// callbacks must not call back into the group.
func (g *BreakerGroup[T]) transition(rec *breakerRecord, key BreakerKey, to CircuitBreakerState) {
	from := rec.state
	if from == to {
		return
	}
	rec.state = to
	if to == StateHalfOpen {
		rec.halfOpenProbes = 0
	}

	g.logger.Warn("circuit breaker state changed",
		"key", string(key),
		"from", from.String(),
		"to", to.String())

	if g.config.OnStateChange != nil {
		g.config.OnStateChange(key, from, to)
	}
}

// rejectionError builds the synthetic fail-fast error for a rejected
// call. Caller holds rec.mu.
func (g *BreakerGroup[T]) rejectionError(rec *breakerRecord, key BreakerKey, state string, cause error) error {
	return pkgerrors.NewCircuitBreakerError(
		"request rejected",
		string(key),
		state,
		pkgerrors.WithCause(cause),
		pkgerrors.WithCounts(pkgerrors.CircuitCounts{
			Requests:             rec.counts.Requests,
			TotalSuccesses:       rec.counts.TotalSuccesses,
			TotalFailures:        rec.counts.TotalFailures,
			ConsecutiveSuccesses: rec.counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  rec.counts.ConsecutiveFailures,
		}),
	)
}

// State returns the current state of the breaker for key, applying the
// open-to-half-open transition if its reset timeout has elapsed. A key
// that has never been used reports closed.
func (g *BreakerGroup[T]) State(key BreakerKey) CircuitBreakerState {
	g.mu.RLock()
	rec := g.records[key]
	g.mu.RUnlock()
	if rec == nil {
		return StateClosed
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == StateOpen && g.now().Sub(rec.lastFailureTime) >= rec.policy.ResetTimeout {
		g.transition(rec, key, StateHalfOpen)
	}
	return rec.state
}

// Counts returns a snapshot of the bookkeeping for key.
func (g *BreakerGroup[T]) Counts(key BreakerKey) CircuitBreakerCounts {
	g.mu.RLock()
	rec := g.records[key]
	g.mu.RUnlock()
	if rec == nil {
		return CircuitBreakerCounts{}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.counts
}

// Keys returns the keys with live breaker records, in no particular order.
func (g *BreakerGroup[T]) Keys() []BreakerKey {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := make([]BreakerKey, 0, len(g.records))
	for key := range g.records {
		keys = append(keys, key)
	}
	return keys
}

// Reset returns the breaker for key to a fresh closed state.
func (g *BreakerGroup[T]) Reset(key BreakerKey) {
	g.mu.RLock()
	rec := g.records[key]
	g.mu.RUnlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	g.transition(rec, key, StateClosed)
	rec.consecutiveFailures = 0
	rec.halfOpenProbes = 0
	rec.counts = CircuitBreakerCounts{}
}

// Health returns the health snapshot for key.
func (g *BreakerGroup[T]) Health(key BreakerKey) HealthStatus {
	state := g.State(key)
	counts := g.Counts(key)

	var healthy bool
	var status string

	switch state {
	case StateClosed:
		healthy = true
		status = "closed"
	case StateHalfOpen:
		healthy = true // Degraded but operational
		status = "half-open"
	case StateOpen:
		healthy = false
		status = "open"
	default:
		status = "unknown"
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               status,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}
