// Package loop orchestrates a run: it asks the model for the next step,
// gates every proposed tool call, executes what is allowed, checkpoints
// each turn, and stops when the judge or a hard limit says so.
package loop

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaw/warden/internal/checkpoint"
	"github.com/openclaw/warden/internal/events"
	"github.com/openclaw/warden/internal/gate"
	"github.com/openclaw/warden/internal/goal"
	"github.com/openclaw/warden/internal/guardian"
	"github.com/openclaw/warden/internal/judge"
	"github.com/openclaw/warden/internal/session"
	"github.com/openclaw/warden/internal/tools"
)

// resultExcerptLimit bounds tool output carried on ToolEnd events.
const resultExcerptLimit = 500

// concurrencyLimit is the default cap on concurrent tool executions,
// oversubscribing CPUs for I/O-bound tools.
var concurrencyLimit = func() int {
	limit := runtime.NumCPU() * 4
	if limit < 4 {
		limit = 4
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}()

// Config wires a Runner.
type Config struct {
	Provider llm.Provider
	Registry *tools.Registry
	Gate     *gate.Gate
	Judge    *judge.Judge
	Goal     *goal.Goal
	Bus      *events.Bus

	// Checkpoints and Sessions are optional; without them the run is not
	// durable but still works.
	Checkpoints *checkpoint.Store
	Sessions    session.Store

	// Hints delivers guardian actions between turns.
	Hints <-chan guardian.Action

	MaxTurns    int
	MaxDuration time.Duration
	// ParallelTools overrides the CPU-derived concurrency cap when > 0.
	ParallelTools int
	Retry         RetryConfig
	SystemPrompt  string
	IsSubAgent    bool
}

// Runner executes the agent loop for one session at a time. The session is
// exclusively owned by the running loop; everything else observes through
// the event stream.
type Runner struct {
	cfg    Config
	logger *logging.Logger
}

// New creates a runner.
func New(cfg Config) *Runner {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Runner{
		cfg:    cfg,
		logger: logging.New().WithComponent("loop"),
	}
}

// Run drives a fresh session until a terminal verdict or limit.
func (r *Runner) Run(ctx context.Context, sess *session.Session) error {
	return r.run(ctx, sess, r.initialMessages(sess))
}

// Resume restores a non-terminal session from its latest checkpoint and
// continues the loop. Guardian and broker state are not persisted; they
// start fresh. A checkpoint that cannot be restored fails the session.
func (r *Runner) Resume(ctx context.Context, sessionID string) (*session.Session, error) {
	if r.cfg.Sessions == nil {
		return nil, fmt.Errorf("no session store configured")
	}
	sess, err := r.cfg.Sessions.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if sess.Terminal() {
		return sess, fmt.Errorf("session %s is already %s", sessionID, sess.Status)
	}

	messages := r.initialMessages(sess)
	if r.cfg.Checkpoints != nil {
		cp, err := r.cfg.Checkpoints.LoadLatest(sessionID)
		if err != nil {
			return sess, fmt.Errorf("loading checkpoint: %w", err)
		}
		if cp != nil {
			restored, err := checkpoint.UnmarshalMessages(cp.MessagesJSON)
			if err != nil {
				sess.Fail("corrupt checkpoint: " + err.Error())
				r.saveSession(sess)
				r.cfg.Bus.Publish(events.Event{
					Type:      events.RunFailed,
					SessionID: sess.ID,
					Reason:    "corrupt checkpoint",
				})
				return sess, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
			}
			messages = restored
			r.logger.Info("resuming from checkpoint", map[string]interface{}{
				"session": sessionID,
				"turn":    cp.Turn,
			})
		}
	}
	return sess, r.run(ctx, sess, messages)
}

func (r *Runner) run(ctx context.Context, sess *session.Session, messages []llm.Message) error {
	runID := uuid.NewString()
	start := time.Now()

	if r.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.MaxDuration)
		defer cancel()
	}

	ctx, span := startRunSpan(ctx, sess.ID, runID)

	r.cfg.Bus.Publish(events.Event{Type: events.RunStarted, SessionID: sess.ID})
	r.logger.Info("run started", map[string]interface{}{
		"session": sess.ID,
		"run":     runID,
		"goal":    sess.Goal,
	})

	for {
		if hint, stopped := r.drainHints(&messages); stopped {
			sess.Cancel(hint)
			r.saveSession(sess)
			r.cfg.Bus.Publish(events.Event{Type: events.RunFailed, SessionID: sess.ID, Reason: hint})
			endRunSpan(span, sess.Status, ErrCancelled)
			return fmt.Errorf("%w: %s", ErrCancelled, hint)
		}

		turnIndex := sess.TurnCount()
		if r.cfg.MaxTurns > 0 && turnIndex >= r.cfg.MaxTurns {
			return r.fail(sess, span, ErrMaxTurns, fmt.Sprintf("turn limit %d reached", r.cfg.MaxTurns))
		}
		if r.cfg.MaxDuration > 0 && time.Since(start) >= r.cfg.MaxDuration {
			return r.fail(sess, span, ErrMaxDuration, fmt.Sprintf("duration limit %s reached", r.cfg.MaxDuration))
		}
		if err := ctx.Err(); err != nil {
			if err == context.DeadlineExceeded {
				return r.fail(sess, span, ErrMaxDuration, fmt.Sprintf("duration limit %s reached", r.cfg.MaxDuration))
			}
			sess.Cancel("context cancelled")
			r.saveSession(sess)
			r.cfg.Bus.Publish(events.Event{Type: events.RunFailed, SessionID: sess.ID, Reason: "cancelled"})
			endRunSpan(span, sess.Status, err)
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		turnCtx, turnSpan := startTurnSpan(ctx, turnIndex)
		r.cfg.Bus.Publish(events.Event{Type: events.TurnStarted, SessionID: sess.ID, Turn: turnIndex})
		turnStart := time.Now()

		resp, err := r.chat(turnCtx, messages)
		if err != nil {
			turnSpan.RecordError(err)
			turnSpan.End()
			return r.fail(sess, span, err, "model call failed: "+err.Error())
		}

		if resp.Content != "" {
			r.cfg.Bus.Publish(events.Event{
				Type:      events.TextDelta,
				SessionID: sess.ID,
				Turn:      turnIndex,
				Content:   resp.Content,
			})
		}
		r.cfg.Bus.Publish(events.Event{
			Type:         events.UsageUpdate,
			SessionID:    sess.ID,
			Turn:         turnIndex,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		})

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		turn := session.Turn{
			Output:       resp.Content,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			StartedAt:    turnStart,
		}
		for _, tc := range resp.ToolCalls {
			turn.ToolCalls = append(turn.ToolCalls, session.ToolCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: tc.Args,
			})
		}

		if len(resp.ToolCalls) > 0 {
			toolMsgs, results := r.dispatchCalls(turnCtx, sess, turnIndex, resp.ToolCalls)
			messages = append(messages, toolMsgs...)
			turn.Results = results
		}
		turn.CompletedAt = time.Now()
		sess.AppendTurn(turn)

		r.saveSession(sess)
		r.saveCheckpoint(sess, runID, messages)
		r.cfg.Bus.Publish(events.Event{Type: events.TurnComplete, SessionID: sess.ID, Turn: turnIndex})
		turnSpan.End()

		verdict := r.cfg.Judge.Evaluate(ctx, r.cfg.Goal, sess.LatestOutput(), judge.Snapshot{
			Turn:        sess.TurnCount(),
			Elapsed:     time.Since(start),
			TotalTokens: int64(sess.TotalInputTokens + sess.TotalOutputTokens),
		})
		r.cfg.Bus.Publish(events.Event{
			Type:       events.Verdict,
			SessionID:  sess.ID,
			Turn:       turnIndex,
			Kind:       string(verdict.Kind),
			Confidence: verdict.Confidence,
			Reason:     verdict.Reason,
		})
		r.logger.Info("verdict", map[string]interface{}{
			"session":    sess.ID,
			"turn":       turnIndex,
			"kind":       string(verdict.Kind),
			"confidence": verdict.Confidence,
		})

		switch verdict.Kind {
		case judge.Accept:
			sess.Complete(sess.LatestOutput())
			r.saveSession(sess)
			if r.cfg.Checkpoints != nil {
				if _, err := r.cfg.Checkpoints.DeleteRun(sess.ID, runID); err != nil {
					r.logger.Warn("checkpoint cleanup failed", map[string]interface{}{"error": err.Error()})
				}
			}
			r.cfg.Bus.Publish(events.Event{Type: events.RunCompleted, SessionID: sess.ID, Reason: verdict.Reason})
			endRunSpan(span, sess.Status, nil)
			return nil

		case judge.Escalate:
			return r.fail(sess, span, ErrEscalated, verdict.Reason)

		case judge.Retry:
			nudge := verdict.Reason
			if verdict.Hint != "" {
				nudge += ". " + verdict.Hint
			}
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "The goal is not yet met: " + nudge,
			})

		case judge.Continue:
			// Without tool calls or fresh guidance the model would see the
			// same context again; nudge it forward.
			if len(resp.ToolCalls) == 0 {
				messages = append(messages, llm.Message{
					Role:    "user",
					Content: "Continue working toward the goal.",
				})
			}
		}
	}
}

// dispatchCalls authorizes and executes one turn's tool calls. Calls run
// concurrently behind a semaphore; an approval wait blocks only its own
// call. Results come back in call order regardless of completion order.
func (r *Runner) dispatchCalls(ctx context.Context, sess *session.Session, turnIndex int, calls []llm.ToolCallResponse) ([]llm.Message, []session.ToolResult) {
	limit := r.cfg.ParallelTools
	if limit <= 0 {
		limit = concurrencyLimit
	}
	sem := make(chan struct{}, limit)

	results := make([]session.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc llm.ToolCallResponse) {
			defer wg.Done()
			results[idx] = r.runCall(ctx, sess, turnIndex, tc, sem)
		}(i, call)
	}
	wg.Wait()

	msgs := make([]llm.Message, len(calls))
	for i, res := range results {
		msgs[i] = llm.Message{
			Role:       "tool",
			ToolCallID: res.CallID,
			Content:    res.Content,
		}
	}
	return msgs, results
}

// runCall takes one call through the gate and, if allowed, executes it.
// Failures of any kind become error results; they never abort siblings.
func (r *Runner) runCall(ctx context.Context, sess *session.Session, turnIndex int, tc llm.ToolCallResponse, sem chan struct{}) session.ToolResult {
	start := time.Now()
	gctx := gate.Context{SessionID: sess.ID, IsSubAgent: r.cfg.IsSubAgent}

	auth := r.cfg.Gate.Authorize(ctx, tc, gctx, sess)
	if !auth.Proceed {
		return session.ToolResult{
			CallID:     tc.ID,
			Content:    auth.Violation,
			IsError:    true,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	// Concurrency is bounded at execution, not while waiting on approval.
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return session.ToolResult{
			CallID:     tc.ID,
			Content:    "Error: " + ctx.Err().Error(),
			IsError:    true,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	defer func() { <-sem }()

	tool := r.cfg.Registry.Get(tc.Name)
	if tool == nil {
		// The gate fails unknown tools closed; this is unreachable unless
		// the registry changed mid-run.
		return session.ToolResult{
			CallID:  tc.ID,
			Content: "Error: tool not found: " + tc.Name,
			IsError: true,
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, tools.ExecTimeout(tool))
	defer cancel()
	execCtx, toolSpan := startToolSpan(execCtx, tc.Name, tc.ID)

	r.cfg.Bus.Publish(events.Event{
		Type:      events.ToolStart,
		SessionID: sess.ID,
		Turn:      turnIndex,
		CallID:    tc.ID,
		Tool:      tc.Name,
		Args:      tc.Args,
	})

	result, err := tool.Execute(execCtx, tc.Args)
	duration := time.Since(start)
	if err != nil {
		toolSpan.RecordError(err)
		result = tools.Result{Content: "Error: " + err.Error(), IsError: true}
	}
	toolSpan.End()

	r.cfg.Bus.Publish(events.Event{
		Type:      events.ToolEnd,
		SessionID: sess.ID,
		Turn:      turnIndex,
		CallID:    tc.ID,
		Tool:      tc.Name,
		Content:   excerpt(result.Content),
		IsError:   result.IsError,
	})

	return session.ToolResult{
		CallID:     tc.ID,
		Content:    result.Content,
		IsError:    result.IsError,
		DurationMs: duration.Milliseconds(),
	}
}

// drainHints applies queued guardian actions. It returns stopped=true with
// the stop reason when a hard stop was requested.
func (r *Runner) drainHints(messages *[]llm.Message) (string, bool) {
	if r.cfg.Hints == nil {
		return "", false
	}
	for {
		select {
		case action, ok := <-r.cfg.Hints:
			if !ok {
				return "", false
			}
			if action.Kind == guardian.CancelRun {
				return action.Message, true
			}
			*messages = append(*messages, llm.Message{Role: "user", Content: action.Message})
		default:
			return "", false
		}
	}
}

func (r *Runner) chat(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	var resp *llm.ChatResponse
	err := withRetry(ctx, r.cfg.Retry, func() error {
		var chatErr error
		resp, chatErr = r.cfg.Provider.Chat(ctx, llm.ChatRequest{
			Messages: messages,
			Tools:    r.cfg.Registry.Defs(),
		})
		if chatErr != nil {
			r.logger.Warn("model call failed, may retry", map[string]interface{}{"error": chatErr.Error()})
		}
		return chatErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Runner) initialMessages(sess *session.Session) []llm.Message {
	system := r.cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(system)
	if r.cfg.Goal != nil {
		sb.WriteString("\n\nGOAL: ")
		sb.WriteString(r.cfg.Goal.Description)
		if len(r.cfg.Goal.Constraints) > 0 {
			sb.WriteString("\nCONSTRAINTS:")
			for _, c := range r.cfg.Goal.Constraints {
				sb.WriteString(fmt.Sprintf("\n- [%s] %s", c.Kind, c.Description))
			}
		}
	}

	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: sess.Goal},
	}
}

func (r *Runner) fail(sess *session.Session, span trace.Span, cause error, reason string) error {
	sess.Fail(reason)
	r.saveSession(sess)
	r.cfg.Bus.Publish(events.Event{Type: events.RunFailed, SessionID: sess.ID, Reason: reason})
	r.logger.Error("run failed", map[string]interface{}{"session": sess.ID, "reason": reason})
	endRunSpan(span, sess.Status, cause)
	return fmt.Errorf("%w: %s", cause, reason)
}

func (r *Runner) saveSession(sess *session.Session) {
	if r.cfg.Sessions == nil {
		return
	}
	if err := r.cfg.Sessions.Save(sess); err != nil {
		r.logger.Error("session save failed", map[string]interface{}{"error": err.Error()})
	}
}

func (r *Runner) saveCheckpoint(sess *session.Session, runID string, messages []llm.Message) {
	if r.cfg.Checkpoints == nil {
		return
	}
	raw, err := checkpoint.MarshalMessages(messages)
	if err != nil {
		r.logger.Error("checkpoint serialization failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := r.cfg.Checkpoints.Save(checkpoint.Checkpoint{
		SessionID:         sess.ID,
		RunID:             runID,
		Turn:              sess.TurnCount(),
		MessagesJSON:      raw,
		TotalInputTokens:  int64(sess.TotalInputTokens),
		TotalOutputTokens: int64(sess.TotalOutputTokens),
	}); err != nil {
		r.logger.Error("checkpoint save failed", map[string]interface{}{"error": err.Error()})
	}
}

func excerpt(s string) string {
	if len(s) > resultExcerptLimit {
		return s[:resultExcerptLimit]
	}
	return s
}

const defaultSystemPrompt = `You are an autonomous agent. Work toward the stated goal using the available tools. Some tool calls require human approval and may be denied; when a call is denied, adapt your approach instead of repeating it.`
