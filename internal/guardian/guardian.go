// Package guardian is the watchdog that observes the event stream and
// injects corrective hints without ever sitting in the execution path.
package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/openclaw/warden/internal/events"
)

// fingerprintLimit bounds the serialized-argument signature used for doom
// loop detection.
const fingerprintLimit = 200

// ActionKind distinguishes guardian actions.
type ActionKind int

const (
	// InjectHint appends advisory text to the next turn's context.
	InjectHint ActionKind = iota
	// CancelRun stops the run; only the budget hard stop emits this.
	CancelRun
)

// Action is what the guardian sends to the agent loop.
type Action struct {
	Kind    ActionKind
	Message string
}

// Config holds the guardian detection thresholds.
type Config struct {
	Enabled           bool
	DoomLoopThreshold int
	StallTimeout      time.Duration
	// TokenBudget of zero disables budget monitoring.
	TokenBudget  int64
	TokenWarnPct int
}

// DefaultConfig enables all detections with a 3-call doom loop window, a
// two-minute stall timeout, and budget monitoring off.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DoomLoopThreshold: 3,
		StallTimeout:      120 * time.Second,
		TokenBudget:       0,
		TokenWarnPct:      80,
	}
}

type callRecord struct {
	name        string
	fingerprint string
}

// Guardian owns its derived state exclusively; it reads the event stream and
// communicates only through the action channel and the cancel function.
type Guardian struct {
	cfg       Config
	bus       *events.Bus
	cancelRun context.CancelFunc
	actions   chan Action
	logger    *logging.Logger
}

// New creates a guardian and the action channel the agent loop drains.
// cancelRun is invoked on a budget hard stop; it may be nil.
func New(cfg Config, bus *events.Bus, cancelRun context.CancelFunc) (*Guardian, <-chan Action) {
	actions := make(chan Action, 32)
	g := &Guardian{
		cfg:       cfg,
		bus:       bus,
		cancelRun: cancelRun,
		actions:   actions,
		logger:    logging.New().WithComponent("guardian"),
	}
	return g, actions
}

// Run subscribes to the event stream and watches until ctx is cancelled.
// Intended to run as its own goroutine alongside the agent loop.
func (g *Guardian) Run(ctx context.Context, sessionID string) {
	if !g.cfg.Enabled {
		return
	}

	ch, cancel := g.bus.SubscribeFiltered(events.Filter{SessionID: sessionID})
	defer cancel()

	threshold := g.cfg.DoomLoopThreshold
	if threshold <= 0 {
		threshold = DefaultConfig().DoomLoopThreshold
	}
	windowCap := threshold * 2

	var recent []callRecord
	lastProgress := time.Now()
	var totalTokens int64
	warned := false
	hardStopped := false

	g.logger.Info("watchdog started", map[string]interface{}{"session": sessionID})

	for {
		stallRemaining := g.cfg.StallTimeout - time.Since(lastProgress)
		if g.cfg.StallTimeout <= 0 {
			stallRemaining = time.Hour
		}
		timer := time.NewTimer(stallRemaining)

		select {
		case e, ok := <-ch:
			timer.Stop()
			if !ok {
				return
			}
			switch e.Type {
			case events.ToolStart:
				recent = append(recent, callRecord{name: e.Tool, fingerprint: fingerprint(e.Args)})
				if len(recent) > windowCap {
					recent = recent[len(recent)-windowCap:]
				}
				if g.isDoomLoop(recent, threshold) {
					tail := recent[len(recent)-1]
					g.logger.Warn("doom loop detected", map[string]interface{}{
						"tool":        tail.name,
						"consecutive": threshold,
					})
					g.bus.Publish(events.Event{
						Type:      events.GuardianDoomLoop,
						SessionID: sessionID,
						Tool:      tail.name,
						Count:     threshold,
					})
					g.hint(sessionID, fmt.Sprintf(
						"[Guardian] You have called '%s' %d times with identical input. This looks like an infinite loop. Stop repeating this call and try a different approach.",
						tail.name, threshold))
					recent = recent[:0]
				}

			case events.ToolEnd, events.TurnComplete:
				lastProgress = time.Now()

			case events.UsageUpdate:
				totalTokens += int64(e.InputTokens) + int64(e.OutputTokens)
				if g.cfg.TokenBudget <= 0 || hardStopped {
					break
				}
				warnThreshold := g.cfg.TokenBudget * int64(g.cfg.TokenWarnPct) / 100
				if !warned && totalTokens >= warnThreshold && totalTokens < g.cfg.TokenBudget {
					warned = true
					g.logger.Warn("token budget warning", map[string]interface{}{
						"used":   totalTokens,
						"budget": g.cfg.TokenBudget,
					})
					g.bus.Publish(events.Event{
						Type:         events.GuardianBudgetAlert,
						SessionID:    sessionID,
						UsedTokens:   totalTokens,
						BudgetTokens: g.cfg.TokenBudget,
					})
					g.hint(sessionID, fmt.Sprintf(
						"[Guardian] Token budget warning: %d/%d tokens used (%d%%). Please wrap up your current task efficiently.",
						totalTokens, g.cfg.TokenBudget, totalTokens*100/g.cfg.TokenBudget))
				}
				if totalTokens >= g.cfg.TokenBudget {
					hardStopped = true
					g.logger.Warn("token budget exceeded, cancelling run", map[string]interface{}{
						"used":   totalTokens,
						"budget": g.cfg.TokenBudget,
					})
					g.bus.Publish(events.Event{
						Type:         events.GuardianBudgetAlert,
						SessionID:    sessionID,
						UsedTokens:   totalTokens,
						BudgetTokens: g.cfg.TokenBudget,
						HardStop:     true,
					})
					g.send(Action{Kind: CancelRun, Message: fmt.Sprintf("token budget exceeded: %d/%d", totalTokens, g.cfg.TokenBudget)})
					if g.cancelRun != nil {
						g.cancelRun()
					}
				}

			case events.RunCompleted, events.RunFailed:
				recent = recent[:0]
				lastProgress = time.Now()
				totalTokens = 0
				warned = false
				hardStopped = false
			}

		case <-timer.C:
			if g.cfg.StallTimeout > 0 && time.Since(lastProgress) >= g.cfg.StallTimeout {
				elapsed := int64(time.Since(lastProgress).Seconds())
				g.logger.Warn("stall detected", map[string]interface{}{"elapsed_secs": elapsed})
				g.bus.Publish(events.Event{
					Type:        events.GuardianStall,
					SessionID:   sessionID,
					ElapsedSecs: elapsed,
				})
				g.hint(sessionID, fmt.Sprintf(
					"[Guardian] No progress detected for %ds. If you are stuck, try a different approach or ask the user for help.",
					elapsed))
				// Reset so one stall does not spam hints.
				lastProgress = time.Now()
			}

		case <-ctx.Done():
			timer.Stop()
			g.logger.Info("watchdog stopped", map[string]interface{}{"session": sessionID})
			return
		}
	}
}

func (g *Guardian) isDoomLoop(recent []callRecord, threshold int) bool {
	if len(recent) < threshold {
		return false
	}
	tail := recent[len(recent)-threshold:]
	first := tail[0]
	for _, r := range tail[1:] {
		if r.name != first.name || r.fingerprint != first.fingerprint {
			return false
		}
	}
	return true
}

// hint publishes a WatchdogHint event and queues the hint for injection.
func (g *Guardian) hint(sessionID, message string) {
	g.bus.Publish(events.Event{
		Type:      events.WatchdogHint,
		SessionID: sessionID,
		Message:   message,
	})
	g.send(Action{Kind: InjectHint, Message: message})
}

func (g *Guardian) send(a Action) {
	select {
	case g.actions <- a:
	default:
		// The loop is not draining; a lost hint is advisory anyway.
	}
}

func fingerprint(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > fingerprintLimit {
		s = s[:fingerprintLimit]
	}
	return s
}
