package mcpsupervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNoProvidersConnected is the typed error for tool queries while the
// live set is empty.
var ErrNoProvidersConnected = errors.New("mcpsupervisor: no MCP providers connected")

// ClientFactory builds the client for one provider; tests substitute
// fakes here.
type ClientFactory func(cfg ProviderConfig, logger *slog.Logger) ProviderClient

// Config is the supervisor's slice of the agent configuration.
type Config struct {
	Enabled   bool             `yaml:"enabled"`
	Providers []ProviderConfig `yaml:"providers"`
}

// liveProvider is one healthy provider with its tools and concurrency gate.
type liveProvider struct {
	config ProviderConfig
	client ProviderClient
	tools  []ToolDescriptor
	sem    chan struct{}
}

// Supervisor is the MCP Supervisor.
type Supervisor struct {
	config  Config
	factory ClientFactory
	logger  *slog.Logger

	mu     sync.RWMutex
	live   map[string]*liveProvider
	failed map[string]error
}

// New creates a Supervisor. A nil factory selects the stdio client.
func New(config Config, factory ClientFactory, logger *slog.Logger) *Supervisor {
	if factory == nil {
		factory = func(cfg ProviderConfig, logger *slog.Logger) ProviderClient {
			return NewStdioClient(cfg, logger)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		config:  config,
		factory: factory,
		logger:  logger.With("component", "mcp_supervisor"),
		live:    make(map[string]*liveProvider),
		failed:  make(map[string]error),
	}
}

// Initialize connects every enabled provider concurrently, each under its
// own startup timeout. One provider's failure never blocks the others and
// never fails initialization as a whole: unhealthy providers are recorded
// and omitted from tool enumeration.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Debug("mcp disabled")
		return nil
	}

	var wg sync.WaitGroup
	for _, cfg := range s.config.Providers {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(cfg ProviderConfig) {
			defer wg.Done()
			s.startProvider(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
	return nil
}

func (s *Supervisor) startProvider(ctx context.Context, cfg ProviderConfig) {
	record := func(err error) {
		s.mu.Lock()
		s.failed[cfg.Name] = err
		s.mu.Unlock()
		s.logger.Warn("mcp provider failed to start", "provider", cfg.Name, "error", err)
	}

	if err := cfg.Validate(); err != nil {
		record(err)
		return
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout())
	defer cancel()

	client := s.factory(cfg, s.logger)
	if err := client.Connect(startCtx); err != nil {
		record(err)
		return
	}

	// Tool listing is part of startup: a provider the supervisor cannot
	// enumerate is not healthy. Listing is atomic per provider — either
	// all of its tools register or none do.
	tools, err := client.ListTools(startCtx)
	if err != nil {
		client.Close()
		record(fmt.Errorf("list tools: %w", err))
		return
	}

	concurrency := cfg.MaxConcurrentRequests
	if concurrency <= 0 {
		concurrency = 4
	}

	s.mu.Lock()
	s.live[cfg.Name] = &liveProvider{
		config: cfg,
		client: client,
		tools:  tools,
		sem:    make(chan struct{}, concurrency),
	}
	delete(s.failed, cfg.Name)
	s.mu.Unlock()

	s.logger.Info("mcp provider started", "provider", cfg.Name, "tools", len(tools))
}

// ProviderCount reports the size of the live set.
func (s *Supervisor) ProviderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// ConfiguredProviders lists the healthy providers, sorted by name.
func (s *Supervisor) ConfiguredProviders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.live))
	for name := range s.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailedProviders reports providers that could not start, with the cause.
func (s *Supervisor) FailedProviders() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]error, len(s.failed))
	for name, err := range s.failed {
		out[name] = err
	}
	return out
}

// QualifiedTool pairs a descriptor with its registry-facing name.
type QualifiedTool struct {
	Provider  string
	Qualified string
	Tool      ToolDescriptor
}

// ListTools returns the union of every healthy provider's tools under
// qualified names, ordered by provider then tool name.
func (s *Supervisor) ListTools() []QualifiedTool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	providers := make([]string, 0, len(s.live))
	for name := range s.live {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	var out []QualifiedTool
	for _, provider := range providers {
		lp := s.live[provider]
		tools := make([]ToolDescriptor, len(lp.tools))
		copy(tools, lp.tools)
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, tool := range tools {
			out = append(out, QualifiedTool{
				Provider:  provider,
				Qualified: QualifiedToolName(provider, tool.Name),
				Tool:      tool,
			})
		}
	}
	return out
}

// HasMCPTool reports whether name (qualified or unqualified) resolves to a
// live provider tool. With no providers connected it returns the typed
// ErrNoProvidersConnected.
func (s *Supervisor) HasMCPTool(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.live) == 0 {
		return false, ErrNoProvidersConnected
	}
	_, _, ok := s.resolveLocked(name)
	return ok, nil
}

// resolveLocked maps a tool name onto (provider, unqualified tool). A
// qualified "mcp_<provider>_<tool>" name matches by known-provider prefix;
// an unqualified name matches the first provider advertising it (provider
// order is sorted, so resolution is deterministic).
func (s *Supervisor) resolveLocked(name string) (string, string, bool) {
	providers := make([]string, 0, len(s.live))
	for p := range s.live {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	for _, provider := range providers {
		prefix := "mcp_" + provider + "_"
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			tool := name[len(prefix):]
			for _, t := range s.live[provider].tools {
				if t.Name == tool {
					return provider, tool, true
				}
			}
		}
	}
	for _, provider := range providers {
		for _, t := range s.live[provider].tools {
			if t.Name == name {
				return provider, t.Name, true
			}
		}
	}
	return "", "", false
}

// CallTool dispatches a (qualified or unqualified) tool call, enforcing
// the owning provider's concurrency limit.
func (s *Supervisor) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	if len(s.live) == 0 {
		s.mu.RUnlock()
		return nil, ErrNoProvidersConnected
	}
	provider, tool, ok := s.resolveLocked(name)
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("mcpsupervisor: unknown tool %q", name)
	}
	lp := s.live[provider]
	s.mu.RUnlock()

	select {
	case lp.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-lp.sem }()

	return lp.client.CallTool(ctx, tool, args)
}

// RefreshTools re-enumerates one provider's tools, atomically replacing
// its listing. Used by the registry's on-demand refresh.
func (s *Supervisor) RefreshTools(ctx context.Context, provider string) ([]ToolDescriptor, error) {
	s.mu.RLock()
	lp, ok := s.live[provider]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpsupervisor: provider %q not connected", provider)
	}

	tools, err := lp.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if current, ok := s.live[provider]; ok {
		current.tools = tools
	}
	s.mu.Unlock()
	return tools, nil
}

// ShutdownGrace bounds how long Shutdown waits for each provider.
const ShutdownGrace = 5 * time.Second

// Shutdown terminates every live provider with a bounded grace period.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	live := s.live
	s.live = make(map[string]*liveProvider)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for name, lp := range live {
		wg.Add(1)
		go func(name string, lp *liveProvider) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				lp.client.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(ShutdownGrace):
				s.logger.Warn("mcp provider shutdown timed out", "provider", name)
			}
		}(name, lp)
	}
	wg.Wait()
}
