// Package judge scores run progress against the declared goal and returns
// the control verdict that drives the agent loop.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/openclaw/warden/internal/goal"
)

// Kind classifies a verdict.
type Kind string

const (
	// Accept terminates the run successfully. No further turns are scheduled.
	Accept Kind = "accept"
	// Retry asks the loop to keep going with a corrective hint.
	Retry Kind = "retry"
	// Escalate terminates the run as failed. Hard constraint violations
	// always escalate, regardless of score.
	Escalate Kind = "escalate"
	// Continue lets the loop proceed without a strong opinion.
	Continue Kind = "continue"
)

// Verdict is the judge's control decision for one completed turn.
type Verdict struct {
	Kind       Kind
	Confidence float64
	Reason     string
	Hint       string
}

// Snapshot carries the loop's resource counters so hard goal constraints
// can be checked unconditionally each turn. Loop-level turn and duration
// limits are the loop's own terminals, not the judge's.
type Snapshot struct {
	Turn        int
	Elapsed     time.Duration
	TotalTokens int64
}

// Judge evaluates a session against its goal. Level 0 is deterministic and
// cheap; Level 1 asks the model, and only runs when the goal declares an
// llm_judge criterion.
type Judge struct {
	provider llm.Provider
	logger   *logging.Logger

	mu         sync.RWMutex
	predicates map[string]goal.Predicate
}

// New creates a judge. The provider may be nil when no goal in use carries
// an llm_judge criterion.
func New(provider llm.Provider) *Judge {
	return &Judge{
		provider:   provider,
		logger:     logging.New().WithComponent("judge"),
		predicates: make(map[string]goal.Predicate),
	}
}

// RegisterPredicate binds a named predicate for custom criteria. Intended
// to be called once at startup, before the loop runs.
func (j *Judge) RegisterPredicate(name string, p goal.Predicate) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.predicates[name] = p
}

// Evaluate produces the verdict for one completed turn. Hard constraint
// violations force Escalate before any scoring. A deterministic score that
// meets the threshold short-circuits to Accept unless an llm_judge
// criterion demands the model's opinion, in which case the model's verdict
// takes precedence.
func (j *Judge) Evaluate(ctx context.Context, g *goal.Goal, output string, snap Snapshot) Verdict {
	if violation := j.checkHardLimits(g, snap); violation != "" {
		j.logger.Warn("hard constraint violated", map[string]interface{}{"violation": violation})
		return Verdict{Kind: Escalate, Confidence: 1.0, Reason: violation}
	}

	j.mu.RLock()
	predicates := j.predicates
	j.mu.RUnlock()

	results := g.EvaluateDeterministic(output, predicates)
	eval := g.ComputeEvaluation(results, nil)

	if !g.HasLLMJudge() {
		if eval.OverallScore >= g.SuccessThreshold {
			return Verdict{
				Kind:       Accept,
				Confidence: 1.0,
				Reason:     fmt.Sprintf("score %.0f%% meets threshold %.0f%%", eval.OverallScore*100, g.SuccessThreshold*100),
			}
		}
		v := Verdict{
			Kind:       Retry,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("score %.0f%% < threshold %.0f%%", eval.OverallScore*100, g.SuccessThreshold*100),
		}
		if failed := eval.FailedCriteria(g); len(failed) > 0 {
			v.Hint = "unmet criteria: " + strings.Join(failed, "; ")
		}
		return j.applyConfidenceFloor(g, v)
	}

	verdict := j.askModel(ctx, g, output, eval)
	return j.applyConfidenceFloor(g, verdict)
}

// applyConfidenceFloor downgrades any confident Accept or Retry below the
// goal's floor to Continue. Escalate is never weakened.
func (j *Judge) applyConfidenceFloor(g *goal.Goal, v Verdict) Verdict {
	if g.ConfidenceFloor <= 0 || v.Confidence >= g.ConfidenceFloor {
		return v
	}
	if v.Kind != Accept && v.Kind != Retry {
		return v
	}
	j.logger.Info("verdict below confidence floor", map[string]interface{}{
		"kind":       string(v.Kind),
		"confidence": v.Confidence,
		"floor":      g.ConfidenceFloor,
	})
	return Verdict{
		Kind:   Continue,
		Reason: fmt.Sprintf("%s verdict at confidence %.2f below floor %.2f", v.Kind, v.Confidence, g.ConfidenceFloor),
	}
}

// checkHardLimits returns a non-empty description when a hard goal
// constraint with a numeric time (seconds) or cost (tokens) value is
// exceeded.
func (j *Judge) checkHardLimits(g *goal.Goal, snap Snapshot) string {
	for _, c := range g.Constraints {
		if c.Kind != goal.KindHard {
			continue
		}
		limit, ok := numericValue(c.Value)
		if !ok {
			continue
		}
		switch c.Category {
		case goal.CategoryTime:
			if snap.Elapsed.Seconds() > limit {
				return fmt.Sprintf("hard time constraint violated: %s (%.0fs elapsed)", c.Description, snap.Elapsed.Seconds())
			}
		case goal.CategoryCost:
			if float64(snap.TotalTokens) > limit {
				return fmt.Sprintf("hard cost constraint violated: %s (%d tokens used)", c.Description, snap.TotalTokens)
			}
		}
	}
	return ""
}

// numericValue coerces a YAML/JSON constraint value to a float64 limit.
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// judgeResponse is the JSON shape the model is asked to produce.
type judgeResponse struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Hint       string  `json:"hint"`
}

// askModel runs the Level 1 evaluation. Anything that prevents a usable
// verdict degrades to Continue rather than blocking the loop.
func (j *Judge) askModel(ctx context.Context, g *goal.Goal, output string, eval goal.Evaluation) Verdict {
	if j.provider == nil {
		return Verdict{Kind: Continue, Reason: "llm_judge criterion configured but no judge model available"}
	}

	resp, err := j.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: j.buildPrompt(g, output, eval)},
		},
	})
	if err != nil {
		j.logger.Error("judge model call failed", map[string]interface{}{"error": err.Error()})
		return Verdict{Kind: Continue, Reason: "judge model call failed: " + err.Error()}
	}

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		j.logger.Warn("unparseable judge response", map[string]interface{}{
			"error":    err.Error(),
			"response": resp.Content,
		})
		return Verdict{Kind: Continue, Reason: "unparseable judge response"}
	}

	kind := Continue
	switch strings.ToLower(strings.TrimSpace(parsed.Verdict)) {
	case "accept":
		kind = Accept
	case "retry":
		kind = Retry
	case "escalate":
		kind = Escalate
	case "continue":
		kind = Continue
	default:
		return Verdict{Kind: Continue, Reason: fmt.Sprintf("unknown judge verdict %q", parsed.Verdict)}
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	return Verdict{Kind: kind, Confidence: confidence, Reason: parsed.Reason, Hint: parsed.Hint}
}

func (j *Judge) buildPrompt(g *goal.Goal, output string, eval goal.Evaluation) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("GOAL: %s\n\n", g.Description))

	sb.WriteString("SUCCESS CRITERIA:\n")
	for _, c := range g.Criteria {
		switch c.Type {
		case goal.TypeLLMJudge:
			sb.WriteString(fmt.Sprintf("- [%s, weight %.1f] %s\n", c.ID, c.Weight, c.Prompt))
		default:
			sb.WriteString(fmt.Sprintf("- [%s, weight %.1f] %s\n", c.ID, c.Weight, c.Description))
		}
	}
	sb.WriteString("\n")

	if len(g.Constraints) > 0 {
		sb.WriteString("CONSTRAINTS:\n")
		for _, c := range g.Constraints {
			sb.WriteString(fmt.Sprintf("- [%s/%s] %s\n", c.Category, c.Kind, c.Description))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("DETERMINISTIC SCORE SO FAR: %.0f%% (threshold %.0f%%)\n", eval.OverallScore*100, g.SuccessThreshold*100))
	for _, r := range eval.Results {
		sb.WriteString(fmt.Sprintf("- %s: %.1f (%s)\n", r.CriterionID, r.Score, r.Reasoning))
	}
	sb.WriteString("\n")

	sb.WriteString("AGENT'S LATEST OUTPUT:\n")
	sb.WriteString(output)
	sb.WriteString("\n\n")

	sb.WriteString(`Assess whether the goal has been met. Respond with ONLY valid JSON:
{"verdict": "accept|retry|escalate|continue", "confidence": 0.0-1.0, "reason": "brief explanation", "hint": "guidance for the agent if retrying, else empty"}`)

	return sb.String()
}

// extractJSON pulls a JSON object out of a response that may wrap it in
// markdown code fences or surrounding prose.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "```json"); start != -1 {
		after := trimmed[start+7:]
		if end := strings.Index(after, "```"); end != -1 {
			return strings.TrimSpace(after[:end])
		}
	}
	if start := strings.Index(trimmed, "```"); start != -1 {
		after := trimmed[start+3:]
		if end := strings.Index(after, "```"); end != -1 {
			return strings.TrimSpace(after[:end])
		}
	}
	if start := strings.Index(trimmed, "{"); start != -1 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return trimmed[start : end+1]
		}
	}
	return trimmed
}

const judgeSystemPrompt = `You are evaluating whether an autonomous agent has met its declared goal.

Be strict about the success criteria: the agent passes only when the criteria are genuinely satisfied, not merely claimed.

Respond with exactly one verdict:
- accept: the goal is met, the run should stop
- retry: the goal is not met but is reachable; include a concrete hint
- escalate: the run is off the rails or violating a constraint; stop it
- continue: too early to tell, let the agent keep working`
