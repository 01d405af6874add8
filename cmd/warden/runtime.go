// Package main provides runtime wiring for agent runs.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/openclaw/warden/internal/approval"
	"github.com/openclaw/warden/internal/checkpoint"
	"github.com/openclaw/warden/internal/config"
	"github.com/openclaw/warden/internal/events"
	"github.com/openclaw/warden/internal/gate"
	"github.com/openclaw/warden/internal/goal"
	"github.com/openclaw/warden/internal/guardian"
	"github.com/openclaw/warden/internal/judge"
	"github.com/openclaw/warden/internal/loop"
	"github.com/openclaw/warden/internal/security"
	"github.com/openclaw/warden/internal/session"
	"github.com/openclaw/warden/internal/tools"
)

// runtime assembles the agent from configuration and owns component
// lifecycles for one CLI invocation.
type runtime struct {
	cfg *config.Config
	g   *goal.Goal

	// Components
	provider    llm.Provider
	judgeLLM    llm.Provider
	registry    *tools.Registry
	bus         *events.Bus
	broker      *approval.Broker
	gt          *gate.Gate
	jdg         *judge.Judge
	guard       *guardian.Guardian
	hints       <-chan guardian.Action
	telem       telemetry.Exporter
	runner      *loop.Runner
	sessions    *session.FileStore
	checkpoints *checkpoint.Store

	// runCtx bounds the run; the guardian cancels it on a budget hard stop.
	runCtx    context.Context
	cancelRun context.CancelFunc

	storagePath string

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(cfg *config.Config, g *goal.Goal) *runtime {
	rt := &runtime{cfg: cfg, g: g}
	rt.storagePath = cfg.StoragePath()
	rt.runCtx, rt.cancelRun = context.WithCancel(context.Background())
	return rt
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup() error {
	if err := os.MkdirAll(rt.storagePath, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	if err := rt.createProvider(); err != nil {
		return err
	}
	rt.createJudge()
	if err := rt.setupRegistry(); err != nil {
		return err
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupStorage(); err != nil {
		return err
	}
	rt.bus = events.NewBus()
	rt.addCloser(rt.bus.Close)
	rt.broker = approval.NewBroker(rt.bus)
	if err := rt.setupGate(); err != nil {
		return err
	}
	rt.setupGuardian()
	if err := rt.setupEventBridge(); err != nil {
		return err
	}
	rt.createRunner()
	return nil
}

// createProvider creates the main LLM provider.
func (rt *runtime) createProvider() error {
	llmProvider := rt.cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if llmProvider == "" && rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}

	var err error
	rt.provider, err = llm.NewProvider(llm.ProviderConfig{
		Provider:    llmProvider,
		Model:       rt.cfg.LLM.Model,
		APIKey:      rt.cfg.GetAPIKey(),
		MaxTokens:   rt.cfg.LLM.MaxTokens,
		BaseURL:     rt.cfg.LLM.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(rt.cfg.LLM.Thinking)},
		RetryConfig: parseRetryConfig(rt.cfg.LLM.MaxRetries, rt.cfg.LLM.RetryBackoff),
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	return nil
}

// createJudge creates the goal evaluator, optionally on its own model.
// When the judge model cannot be created the evaluator falls back to
// deterministic criteria only.
func (rt *runtime) createJudge() {
	jc := rt.cfg.JudgeLLM()
	if jc.Model == rt.cfg.LLM.Model && jc.Provider == rt.cfg.LLM.Provider {
		rt.judgeLLM = rt.provider
	} else {
		providerName := jc.Provider
		if providerName == "" {
			providerName = llm.InferProviderFromModel(jc.Model)
		}
		var err error
		rt.judgeLLM, err = llm.NewProvider(llm.ProviderConfig{
			Provider:  providerName,
			Model:     jc.Model,
			APIKey:    apiKeyFor(jc),
			MaxTokens: jc.MaxTokens,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: judge model unavailable, using deterministic criteria only: %v\n", err)
			rt.judgeLLM = nil
		}
	}
	rt.jdg = judge.New(rt.judgeLLM)
}

// setupRegistry registers the built-in tools against the workspace.
func (rt *runtime) setupRegistry() error {
	rt.registry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(rt.registry, rt.cfg.Loop.Workspace); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}
	return nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupStorage opens the session store and checkpoint database.
func (rt *runtime) setupStorage() error {
	var err error
	rt.sessions, err = session.NewFileStore(filepath.Join(rt.storagePath, "sessions"))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	rt.checkpoints, err = checkpoint.Open(filepath.Join(rt.storagePath, "checkpoints.db"))
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	rt.addCloser(func() { rt.checkpoints.Close() })
	return nil
}

// setupGate builds the policy, pattern set, and gate.
func (rt *runtime) setupGate() error {
	pol, err := rt.cfg.Policy()
	if err != nil {
		return fmt.Errorf("security config: %w", err)
	}
	subPol, err := rt.cfg.SubAgentPolicy()
	if err != nil {
		return fmt.Errorf("security config: %w", err)
	}

	patterns := rt.patternSet()

	rt.gt = gate.New(gate.Config{
		Registry:       rt.registry,
		Policy:         pol,
		SubAgentPolicy: subPol,
		Patterns:       patterns,
		Broker:         rt.broker,
		Bus:            rt.bus,
	})
	return nil
}

// patternSet loads the dangerous-pattern file when configured and watches
// it for edits; otherwise the built-in set applies.
func (rt *runtime) patternSet() *security.PatternSet {
	patterns := security.DefaultPatterns()
	if rt.cfg.Security.PatternsFile == "" {
		return patterns
	}
	if err := patterns.LoadFile(rt.cfg.Security.PatternsFile); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, using built-in patterns\n", err)
		return security.DefaultPatterns()
	}
	stop, err := patterns.Watch(rt.cfg.Security.PatternsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: pattern file watch unavailable: %v\n", err)
	} else {
		rt.addCloser(stop)
	}
	return patterns
}

// setupGuardian creates the watchdog and its action channel.
func (rt *runtime) setupGuardian() {
	rt.guard, rt.hints = guardian.New(rt.cfg.GuardianSettings(), rt.bus, rt.cancelRun)
}

// createRunner wires the agent loop.
func (rt *runtime) createRunner() {
	rt.runner = loop.New(loop.Config{
		Provider:      rt.provider,
		Registry:      rt.registry,
		Gate:          rt.gt,
		Judge:         rt.jdg,
		Goal:          rt.g,
		Bus:           rt.bus,
		Checkpoints:   rt.checkpoints,
		Sessions:      rt.sessions,
		Hints:         rt.hints,
		MaxTurns:      rt.cfg.Loop.MaxTurns,
		MaxDuration:   time.Duration(rt.cfg.Loop.MaxDurationSecs) * time.Second,
		ParallelTools: rt.cfg.Loop.ParallelTools,
		Retry:         rt.cfg.RetrySettings(),
		SystemPrompt:  rt.cfg.Loop.SystemPrompt,
	})
}

// run executes a fresh session and reports the outcome.
func (rt *runtime) run(goalText string) error {
	sess := session.New(goalText)
	console := rt.attachConsole(sess.ID)

	fmt.Fprintf(os.Stderr, "Session %s\n\n", sess.ID)
	err := rt.runner.Run(rt.runCtx, sess)

	// Let trailing events render before the summary.
	time.Sleep(50 * time.Millisecond)
	console.summary(sess)
	return err
}

// resume continues an interrupted session from its latest checkpoint.
func (rt *runtime) resume(sessionID string) error {
	console := rt.attachConsole(sessionID)

	fmt.Fprintf(os.Stderr, "Resuming session %s\n\n", sessionID)
	sess, err := rt.runner.Resume(rt.runCtx, sessionID)

	time.Sleep(50 * time.Millisecond)
	if sess != nil {
		console.summary(sess)
	}
	return err
}

// attachConsole starts the guardian, event renderer, and approval reader
// for one run.
func (rt *runtime) attachConsole(sessionID string) *console {
	go rt.guard.Run(rt.runCtx, sessionID)
	c := newConsole(rt.bus, rt.broker, rt.telem)
	go c.watch(rt.runCtx)
	go c.readApprovals(rt.runCtx)
	return c
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	rt.cancelRun()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// parseRetryConfig converts config values to the provider RetryConfig.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{MaxRetries: maxRetries}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}

// apiKeyFor resolves the API key env var for an LLM section.
func apiKeyFor(lc config.LLMConfig) string {
	envVar := lc.APIKeyEnv
	if envVar == "" {
		envVar = config.DefaultAPIKeyEnv(lc.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}
