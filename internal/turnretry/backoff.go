// Package turnretry provides the backoff schedule used by the tool
// registry's adaptive retry loop and the LLM provider adapters'
// transient-failure retries. The wait grows geometrically per attempt,
// is clamped to the policy ceiling, and is widened by a bounded random
// jitter so concurrent retries don't synchronize.
package turnretry

import (
	"math/rand"
	"time"
)

// Policy parameterizes a retry schedule. All waits are duration-typed;
// Growth is the per-attempt multiplier and Jitter the maximum fraction of
// the wait added randomly on top.
type Policy struct {
	Initial time.Duration
	Ceiling time.Duration
	Growth  float64
	Jitter  float64
}

// ToolRegistryPolicy is the registry's 200/400/800ms schedule.
func ToolRegistryPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Ceiling: 3200 * time.Millisecond, Growth: 2, Jitter: 0.1}
}

// ProviderPolicy is a general-purpose schedule for LLM provider retries.
func ProviderPolicy() Policy {
	return Policy{Initial: time.Second, Ceiling: 30 * time.Second, Growth: 2, Jitter: 0.1}
}

// Delay returns the wait before the given attempt (1-based), jittered by
// the package RNG.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRoll(attempt, rand.Float64()) //nolint:gosec // jitter, not security-sensitive
}

// delayWithRoll is Delay with an injectable roll in [0, 1) for
// deterministic tests. The wait compounds by Growth per attempt but stops
// compounding once it reaches the ceiling; jitter is applied last and is
// itself clamped so no wait ever exceeds the ceiling.
func (p Policy) delayWithRoll(attempt int, roll float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	growth := p.Growth
	if growth <= 1 {
		growth = 2
	}

	wait := p.Initial
	for i := 1; i < attempt; i++ {
		if p.Ceiling > 0 && wait >= p.Ceiling {
			break
		}
		wait = time.Duration(float64(wait) * growth)
	}
	if p.Ceiling > 0 && wait > p.Ceiling {
		wait = p.Ceiling
	}

	if p.Jitter > 0 {
		wait += time.Duration(roll * p.Jitter * float64(wait))
		if p.Ceiling > 0 && wait > p.Ceiling {
			wait = p.Ceiling
		}
	}
	return wait
}
