package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vtcode/turndriver/internal/audit"
	"github.com/vtcode/turndriver/internal/config"
	"github.com/vtcode/turndriver/internal/contextmgr"
	"github.com/vtcode/turndriver/internal/execsandbox"
	"github.com/vtcode/turndriver/internal/exectracker"
	"github.com/vtcode/turndriver/internal/llm"
	"github.com/vtcode/turndriver/internal/mcpsupervisor"
	"github.com/vtcode/turndriver/internal/observability"
	"github.com/vtcode/turndriver/internal/policy"
	"github.com/vtcode/turndriver/internal/resolver"
	"github.com/vtcode/turndriver/internal/resultcache"
	"github.com/vtcode/turndriver/internal/sessionarchive"
	"github.com/vtcode/turndriver/internal/toolpipeline"
	"github.com/vtcode/turndriver/internal/toolregistry"
	"github.com/vtcode/turndriver/internal/tools"
	"github.com/vtcode/turndriver/internal/turndriver"
	"github.com/vtcode/turndriver/pkg/turnmodel"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "vtcode-turndriver",
		Short:         "Run the vtcode turn driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newSessionsCmd(&configPath))
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		message   string
		sessionID string
		planMode  bool
		workspace string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one turn against the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message is required")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if workspace == "" {
				workspace, err = os.Getwd()
				if err != nil {
					return err
				}
			}
			return runOneTurn(cmd.Context(), cfg, workspace, message, sessionID, planMode)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "the user message for this turn")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an archived session by identifier")
	cmd.Flags().BoolVar(&planMode, "plan", false, "start the turn in plan mode")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root (defaults to the current directory)")
	return cmd
}

func runOneTurn(ctx context.Context, cfg config.Config, workspace, message, sessionID string, planMode bool) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	auditLog, err := audit.NewLogger(cfg.Audit.Dir, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	policies, err := cfg.Tools.ToRegistryPolicies()
	if err != nil {
		return err
	}
	shellPolicy, err := cfg.Commands.ToShellPolicy()
	if err != nil {
		return err
	}

	registry := toolregistry.NewRegistry(toolregistry.Config{
		ShellPolicy: shellPolicy,
		Timeouts:    toolregistry.NewTimeoutPolicy(cfg.Timeouts.ToTimeoutConfig()),
		Policies:    policies,
		Logger:      logger,
	})
	metrics := observability.NewMetrics(nil)
	registry.AddObserver(metrics)

	sandbox := execsandbox.New(logger)
	tools.RegisterBuiltins(registry, tools.Workspace{Root: workspace}, sandbox)

	// MCP providers: partial failures logged, never fatal.
	supervisor := mcpsupervisor.New(cfg.MCP.ToSupervisorConfig(), nil, logger)
	if err := supervisor.Initialize(ctx); err != nil {
		return err
	}
	defer supervisor.Shutdown()
	registry.RefreshMCPTools(supervisor)
	for name, err := range supervisor.FailedProviders() {
		logger.Warn("mcp provider unavailable", "provider", name, "error", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	mode := turndriver.NewModeState(cfg.Agent.RequirePlanConfirmation)
	if planMode {
		mode.EnterPlanMode()
	}

	pipeline, err := toolpipeline.New(toolpipeline.Config{
		Registry:    registry,
		Engine:      commandPolicyEngine(cfg),
		Resolver:    resolver.New(),
		PermCache:   policy.NewPermissionCache(0),
		Audit:       auditLog,
		ResultCache: resultcache.New(0),
		Tracker:     exectracker.New(0),
		ModeGate:    mode,
		Prompter:    &terminalPrompter{},
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var archive *sessionarchive.Archive
	if cfg.Agent.Checkpointing.Enabled {
		checkpointing := cfg.Agent.Checkpointing
		if checkpointing.Dir == "" {
			checkpointing.Dir = ".vtcode/sessions"
		}
		archive, err = sessionarchive.New(checkpointing)
		if err != nil {
			return err
		}
	}

	driver, err := turndriver.New(turndriver.Deps{
		Provider:   provider,
		Pipeline:   pipeline,
		Registry:   registry,
		ContextMgr: contextmgr.NewManager(200_000, contextmgr.DefaultThresholds()),
		Archive:    archive,
		Mode:       mode,
		Metrics:    metrics,
		Sink:       &terminalSink{},
		Logger:     logger,
	}, turndriver.Config{
		ProviderID:           cfg.Agent.Provider,
		Model:                cfg.Agent.DefaultModel,
		WorkspacePath:        workspace,
		MaxToolLoops:         cfg.Tools.MaxToolLoops,
		MaxRepeatedToolCalls: cfg.Tools.MaxRepeatedToolCalls,
	})
	if err != nil {
		return err
	}

	if sessionID != "" {
		if archive == nil {
			return fmt.Errorf("--session requires checkpointing to be enabled")
		}
		snapshot, history, err := archive.Resume(sessionID)
		if err != nil {
			return err
		}
		driver.ResumeFrom(snapshot, history)
	}

	// Three-level Ctrl-C: first press cancels the turn, second exits.
	ctrlc := turndriver.NewCtrlCState(ctx)
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		for range signals {
			if ctrlc.Press() {
				os.Exit(130)
			}
		}
	}()

	result, err := driver.RunTurn(ctrlc.Context(), turnmodel.Message{
		Role:    turnmodel.RoleUser,
		Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: message}},
	})
	if err != nil {
		return err
	}

	fmt.Println()
	if result.Cancelled {
		fmt.Println("turn cancelled")
	}
	fmt.Printf("session %s: %d tool calls, finish=%s\n", driver.SessionID(), result.ToolCount, result.FinishReason.Kind)
	return nil
}

// buildProvider selects the configured provider adapter; credentials come
// from the environment, never the config file.
func buildProvider(cfg config.Config) (llm.Provider, error) {
	switch cfg.Agent.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			DefaultModel: cfg.Agent.DefaultModel,
		})
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			DefaultModel: cfg.Agent.DefaultModel,
		})
	case "bedrock":
		return llm.NewBedrockProvider(llm.BedrockConfig{
			Region:       os.Getenv("AWS_REGION"),
			DefaultModel: cfg.Agent.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic|openai|bedrock)", cfg.Agent.Provider)
	}
}

// commandPolicyEngine builds the prefix-rule engine from the deny_regex
// configuration: each deny rule's leading literal tokens become a
// Forbidden prefix rule, and the full regex set still applies in the
// registry's shell policy.
func commandPolicyEngine(cfg config.Config) *policy.Engine {
	var rules []policy.PrefixRule
	for _, pattern := range cfg.Commands.DenyRegex {
		tokens := literalPrefixTokens(pattern)
		if len(tokens) > 0 {
			rules = append(rules, policy.PrefixRule{Pattern: tokens, Decision: policy.Forbidden})
		}
	}
	return policy.NewEngine(rules)
}

// literalPrefixTokens extracts leading literal tokens from a ^-anchored
// regex like "^rm\s+-rf" -> ["rm", "-rf"].
func literalPrefixTokens(pattern string) []string {
	trimmed := strings.TrimPrefix(pattern, "^")
	if trimmed == pattern {
		return nil
	}
	trimmed = strings.ReplaceAll(trimmed, `\s+`, " ")
	fields := strings.Fields(trimmed)
	var tokens []string
	for _, f := range fields {
		if strings.ContainsAny(f, `\[](){}.*+?|$`) {
			break
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func newSessionsCmd(configPath *string) *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List and fork archived sessions",
	}

	open := func() (*sessionarchive.Archive, error) {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return nil, err
		}
		checkpointing := cfg.Agent.Checkpointing
		if checkpointing.Dir == "" {
			checkpointing.Dir = ".vtcode/sessions"
		}
		return sessionarchive.New(checkpointing)
	}

	sessions.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := open()
			if err != nil {
				return err
			}
			listings, err := archive.List()
			if err != nil {
				return err
			}
			for _, l := range listings {
				fork := ""
				if l.Snapshot.IsFork {
					fork = " (fork)"
				}
				fmt.Printf("%s  %s  %d messages  %s%s\n",
					l.Identifier, l.Snapshot.CreatedAt.Format("2006-01-02 15:04"),
					len(l.Snapshot.Messages), l.Snapshot.Mode, fork)
			}
			return nil
		},
	})

	sessions.AddCommand(&cobra.Command{
		Use:   "fork <session-id>",
		Short: "Fork an archived session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := open()
			if err != nil {
				return err
			}
			fork, err := archive.Fork(args[0])
			if err != nil {
				return err
			}
			fmt.Println(fork.Identifier)
			return nil
		},
	})

	return sessions
}

// terminalSink prints driver events to stdout.
type terminalSink struct{}

func (terminalSink) ContentDelta(delta string)   { fmt.Print(delta) }
func (terminalSink) ReasoningDelta(delta string) {}

func (terminalSink) ToolOutcome(name string, outcome toolpipeline.Outcome) {
	switch outcome.Status {
	case toolpipeline.StatusSuccess, toolpipeline.StatusCacheHit:
		fmt.Printf("\n✓ %s\n", name)
	default:
		if line := toolpipeline.CompactRunCompletionLine(name, json.RawMessage(outcome.Message.Text())); line != "" {
			fmt.Printf("\n%s\n", line)
			return
		}
		reason := ""
		if outcome.Err != nil {
			reason = " — " + outcome.Err.Error()
		}
		fmt.Printf("\n✗ %s%s\n", name, reason)
	}
}

func (terminalSink) SystemNote(note string) { fmt.Printf("\n%s\n", note) }

// terminalPrompter asks on stdin for Prompt-gated tools.
type terminalPrompter struct{}

func (terminalPrompter) ConfirmTool(ctx context.Context, toolName string, args json.RawMessage, reason string) (bool, error) {
	fmt.Printf("\n%s\n  %s %s\nAllow? [y/N] ", reason, toolName, string(args))
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
