package toolregistry

import (
	"sync"
	"time"
)

// BreakerConfig parameterizes the per-category circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before the next probe
	// is allowed through.
	Cooldown time.Duration
}

// DefaultBreakerConfig matches the registry defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// CircuitBreaker short-circuits a category after consecutive failures,
// admitting one probe per cooldown window. A successful probe closes the
// circuit.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    BreakerConfig
	failures  int
	openUntil time.Time
	now       func() time.Time // injectable for deterministic tests
}

func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// Open reports whether the circuit is currently open and, if so, how long
// until the next probe is admitted. Once the cooldown elapses, the call
// itself admits the probe (the circuit reads closed until the probe's
// outcome is recorded).
func (b *CircuitBreaker) Open() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return 0, false
	}
	remaining := b.openUntil.Sub(b.now())
	if remaining <= 0 {
		// Cooldown over: admit a probe.
		b.openUntil = time.Time{}
		return 0, false
	}
	return remaining, true
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// RecordFailure counts one failure; at the threshold the circuit opens
// for the cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.openUntil = b.now().Add(b.config.Cooldown)
	}
}

// ConsecutiveFailures reports the current failure streak.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
