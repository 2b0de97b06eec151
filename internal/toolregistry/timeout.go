package toolregistry

import (
	"sort"
	"sync"
	"time"
)

// TimeoutConfig parameterizes the per-category timeout policy, mirroring
// the timeouts configuration block.
type TimeoutConfig struct {
	DefaultCeiling time.Duration
	PtyCeiling     time.Duration
	MCPCeiling     time.Duration

	// WarningThresholdPct is the fraction of the ceiling past which a
	// warning observability event fires (0..1).
	WarningThresholdPct float64

	// Adaptive tuning knobs.
	SuccessStreak int           // successes under the ceiling before relaxing
	DecayRatio    float64       // fraction of the gap closed per relax step
	MinFloor      time.Duration // effective ceilings never tighten below this
}

// DefaultTimeoutConfig mirrors the configured defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		DefaultCeiling:      30 * time.Second,
		PtyCeiling:          120 * time.Second,
		MCPCeiling:          60 * time.Second,
		WarningThresholdPct: 0.8,
		SuccessStreak:       5,
		DecayRatio:          0.5,
		MinFloor:            500 * time.Millisecond,
	}
}

// latencyWindow bounds the retained samples per category for p95 tuning.
const latencyWindow = 64

type categoryState struct {
	static    time.Duration
	effective time.Duration
	streak    int
	latencies []time.Duration
}

// TimeoutPolicy holds static ceilings plus the adaptively-tuned effective
// ceilings per category: after SuccessStreak consecutive successes under
// the ceiling the effective ceiling relaxes toward the static one; when
// observed p95 exceeds the ceiling it tightens to max(floor, 1.1*p95).
type TimeoutPolicy struct {
	mu     sync.Mutex
	config TimeoutConfig
	states map[Category]*categoryState
}

// NewTimeoutPolicy builds the policy from config, filling defaults.
func NewTimeoutPolicy(config TimeoutConfig) *TimeoutPolicy {
	defaults := DefaultTimeoutConfig()
	if config.DefaultCeiling <= 0 {
		config.DefaultCeiling = defaults.DefaultCeiling
	}
	if config.PtyCeiling <= 0 {
		config.PtyCeiling = defaults.PtyCeiling
	}
	if config.MCPCeiling <= 0 {
		config.MCPCeiling = defaults.MCPCeiling
	}
	if config.WarningThresholdPct <= 0 || config.WarningThresholdPct > 1 {
		config.WarningThresholdPct = defaults.WarningThresholdPct
	}
	if config.SuccessStreak <= 0 {
		config.SuccessStreak = defaults.SuccessStreak
	}
	if config.DecayRatio <= 0 || config.DecayRatio > 1 {
		config.DecayRatio = defaults.DecayRatio
	}
	if config.MinFloor <= 0 {
		config.MinFloor = defaults.MinFloor
	}

	states := map[Category]*categoryState{
		CategoryDefault: {static: config.DefaultCeiling, effective: config.DefaultCeiling},
		CategoryPty:     {static: config.PtyCeiling, effective: config.PtyCeiling},
		CategoryMCP:     {static: config.MCPCeiling, effective: config.MCPCeiling},
	}
	return &TimeoutPolicy{config: config, states: states}
}

func (p *TimeoutPolicy) state(category Category) *categoryState {
	if s, ok := p.states[category]; ok {
		return s
	}
	return p.states[CategoryDefault]
}

// EffectiveCeiling returns the category's current (adaptively-tuned)
// ceiling.
func (p *TimeoutPolicy) EffectiveCeiling(category Category) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state(category).effective
}

// StaticCeiling returns the configured ceiling for the category.
func (p *TimeoutPolicy) StaticCeiling(category Category) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state(category).static
}

// PastWarningThreshold reports whether elapsed crossed the warning
// fraction of the category's effective ceiling.
func (p *TimeoutPolicy) PastWarningThreshold(category Category, elapsed time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state(category)
	return float64(elapsed) >= p.config.WarningThresholdPct*float64(s.effective)
}

// RecordSuccess counts one completed-under-ceiling execution; a full
// streak relaxes the effective ceiling toward the static one.
func (p *TimeoutPolicy) RecordSuccess(category Category) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state(category)
	s.streak++
	if s.streak < p.config.SuccessStreak || s.effective >= s.static {
		return
	}
	s.streak = 0
	gap := s.static - s.effective
	s.effective += time.Duration(p.config.DecayRatio * float64(gap))
	if s.effective > s.static {
		s.effective = s.static
	}
}

// RecordLatency records one observed execution duration; when the p95
// over the retained window exceeds the effective ceiling, the ceiling
// tightens to max(floor, 1.1 * p95).
func (p *TimeoutPolicy) RecordLatency(category Category, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state(category)

	s.latencies = append(s.latencies, elapsed)
	if len(s.latencies) > latencyWindow {
		s.latencies = s.latencies[len(s.latencies)-latencyWindow:]
	}

	p95 := p95Of(s.latencies)
	if p95 <= s.effective {
		return
	}
	s.streak = 0
	tightened := time.Duration(1.1 * float64(p95))
	if tightened < p.config.MinFloor {
		tightened = p.config.MinFloor
	}
	if tightened > s.static {
		tightened = s.static
	}
	s.effective = tightened
}

func p95Of(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(0.95 * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
