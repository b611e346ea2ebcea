package resilience

// HealthStatus represents the health status of a single circuit breaker.
// It provides a strongly-typed alternative to map[string]interface{} for health checks.
type HealthStatus struct {
	// Healthy indicates whether the breaker is in a healthy state.
	// True for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// Status is a short string description of the state ("closed", "half-open", "open", "unknown").
	Status string `json:"status"`

	// State is the full string representation of the circuit breaker state.
	State string `json:"state"`

	// Requests is the total number of admitted requests.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful requests.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of counted failures.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive counted failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// ClientHealth aggregates the health of a composed client: one breaker
// snapshot per key seen so far, plus cache and retry statistics.
type ClientHealth struct {
	// Healthy is false when any breaker is open.
	Healthy bool `json:"healthy"`

	// Breakers maps each key to its breaker snapshot.
	Breakers map[BreakerKey]HealthStatus `json:"breakers"`

	// Cache holds the response cache counters.
	Cache CacheStats `json:"cache"`

	// Retries holds the retry executor counters.
	Retries RetryStats `json:"retries"`
}
