package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vtcode/turndriver/internal/toolregistry"
)

// Metrics is the Prometheus instrument set for the turn driver.
type Metrics struct {
	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	toolCacheHits  *prometheus.CounterVec
	timeoutWarns   *prometheus.CounterVec

	turns         *prometheus.CounterVec
	promptTokens  prometheus.Counter
	completionTok prometheus.Counter

	breakerOpen   *prometheus.GaugeVec
	mcpDiscovered prometheus.Counter
	contextTrims  *prometheus.CounterVec
}

// NewMetrics registers the instrument set on reg (nil selects the default
// registerer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		if err := reg.Register(c); err != nil {
			// Re-registration (tests building multiple Metrics against
			// the default registerer) is not an error worth failing on.
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}

	m := &Metrics{
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turndriver_tool_executions_total",
			Help: "Tool executions by tool name and terminal status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turndriver_tool_duration_seconds",
			Help:    "Tool execution latency by category.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"category"}),
		toolCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turndriver_tool_cache_hits_total",
			Help: "Result-cache hits by tool name.",
		}, []string{"tool"}),
		timeoutWarns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turndriver_tool_timeout_warnings_total",
			Help: "Executions past the warning fraction of their ceiling.",
		}, []string{"tool", "category"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turndriver_turns_total",
			Help: "Completed turns by finish reason.",
		}, []string{"finish_reason"}),
		promptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turndriver_prompt_tokens_total",
			Help: "Prompt tokens consumed across turns.",
		}),
		completionTok: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turndriver_completion_tokens_total",
			Help: "Completion tokens consumed across turns.",
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turndriver_circuit_open",
			Help: "1 while a category's circuit breaker is open.",
		}, []string{"category"}),
		mcpDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turndriver_mcp_tools_discovered_total",
			Help: "MCP tools added by registry refresh.",
		}),
		contextTrims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turndriver_context_trims_total",
			Help: "Context trims by strategy.",
		}, []string{"strategy"}),
	}

	factory(m.toolExecutions)
	factory(m.toolDuration)
	factory(m.toolCacheHits)
	factory(m.timeoutWarns)
	factory(m.turns)
	factory(m.promptTokens)
	factory(m.completionTok)
	factory(m.breakerOpen)
	factory(m.mcpDiscovered)
	factory(m.contextTrims)

	return m
}

// RecordToolExecution records one tool invocation outcome.
func (m *Metrics) RecordToolExecution(tool, category, status string, duration time.Duration) {
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordCacheHit counts a result-cache hit for tool.
func (m *Metrics) RecordCacheHit(tool string) {
	m.toolCacheHits.WithLabelValues(tool).Inc()
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(finishReason string, promptTokens, completionTokens int) {
	m.turns.WithLabelValues(finishReason).Inc()
	m.promptTokens.Add(float64(promptTokens))
	m.completionTok.Add(float64(completionTokens))
}

// SetCircuitOpen flips the breaker gauge for category.
func (m *Metrics) SetCircuitOpen(category string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(category).Set(v)
}

// RecordContextTrim counts one adaptive trim.
func (m *Metrics) RecordContextTrim(strategy string) {
	m.contextTrims.WithLabelValues(strategy).Inc()
}

// TimeoutWarning implements toolregistry.Observer.
func (m *Metrics) TimeoutWarning(tool string, category toolregistry.Category, elapsed, ceiling time.Duration) {
	m.timeoutWarns.WithLabelValues(tool, string(category)).Inc()
}

// MCPToolsDiscovered implements toolregistry.Observer.
func (m *Metrics) MCPToolsDiscovered(added []string) {
	m.mcpDiscovered.Add(float64(len(added)))
}
