package judge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/openclaw/warden/internal/goal"
)

func containsGoal(pattern string, threshold float64) *goal.Goal {
	g := goal.New("test", goal.Criterion{ID: "c1", Type: goal.TypeOutputContains, Pattern: pattern})
	g.SuccessThreshold = threshold
	return g
}

// One OutputContains("done") criterion at threshold 0.8: output containing
// "done" accepts at full confidence without ever calling the model.
func TestDeterministicAcceptShortCircuits(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		t.Fatal("model must not be invoked when the deterministic score suffices")
		return nil, nil
	}

	j := New(provider)
	v := j.Evaluate(context.Background(), containsGoal("done", 0.8), "the task is done", Snapshot{})
	if v.Kind != Accept {
		t.Fatalf("verdict = %s, want accept", v.Kind)
	}
	if v.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", v.Confidence)
	}
}

func TestBelowThresholdRetriesWithHint(t *testing.T) {
	g := goal.New("test",
		goal.Criterion{ID: "c1", Type: goal.TypeOutputContains, Pattern: "done", Description: "mentions completion"},
	)
	j := New(llm.NewMockProvider())

	v := j.Evaluate(context.Background(), g, "still working", Snapshot{})
	if v.Kind != Retry {
		t.Fatalf("verdict = %s, want retry", v.Kind)
	}
	if !strings.Contains(v.Reason, "threshold") {
		t.Errorf("reason = %q", v.Reason)
	}
	if !strings.Contains(v.Hint, "mentions completion") {
		t.Errorf("hint should name the unmet criterion: %q", v.Hint)
	}
}

func TestHardConstraintForcesEscalate(t *testing.T) {
	g := containsGoal("done", 0.8)
	g.Constraints = []goal.Constraint{
		{Category: goal.CategoryTime, Kind: goal.KindHard, Description: "finish within 60s", Value: 60},
	}
	j := New(llm.NewMockProvider())

	// Criteria fully satisfied, but the hard time limit is blown.
	v := j.Evaluate(context.Background(), g, "done", Snapshot{Elapsed: 2 * time.Minute})
	if v.Kind != Escalate {
		t.Fatalf("verdict = %s, want escalate", v.Kind)
	}
	if !strings.Contains(v.Reason, "time constraint") {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestHardCostConstraint(t *testing.T) {
	g := containsGoal("done", 0.8)
	g.Constraints = []goal.Constraint{
		{Category: goal.CategoryCost, Kind: goal.KindHard, Description: "stay under 10k tokens", Value: 10000},
	}
	j := New(llm.NewMockProvider())

	v := j.Evaluate(context.Background(), g, "done", Snapshot{TotalTokens: 15000})
	if v.Kind != Escalate {
		t.Fatalf("verdict = %s, want escalate", v.Kind)
	}
}

func TestSoftConstraintDoesNotEscalate(t *testing.T) {
	g := containsGoal("done", 0.8)
	g.Constraints = []goal.Constraint{
		{Category: goal.CategoryTime, Kind: goal.KindSoft, Description: "prefer under 60s", Value: 60},
	}
	j := New(llm.NewMockProvider())

	v := j.Evaluate(context.Background(), g, "done", Snapshot{Elapsed: 2 * time.Minute})
	if v.Kind != Accept {
		t.Errorf("soft constraint must not escalate: %s", v.Kind)
	}
}

// Loop-level turn and duration bounds belong to the loop; a met goal is
// accepted no matter how many turns or how much wall time it took.
func TestLoopBoundsAreNotJudged(t *testing.T) {
	g := containsGoal("done", 0.8)
	j := New(llm.NewMockProvider())

	v := j.Evaluate(context.Background(), g, "done", Snapshot{Turn: 500, Elapsed: time.Hour})
	if v.Kind != Accept {
		t.Errorf("verdict = %+v, want accept regardless of loop counters", v)
	}
}

func llmJudgeGoal() *goal.Goal {
	return goal.New("test",
		goal.Criterion{ID: "c1", Type: goal.TypeLLMJudge, Prompt: "Is the answer correct?"},
	)
}

func TestModelVerdictTakesPrecedence(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse(`{"verdict": "retry", "confidence": 0.9, "reason": "answer incomplete", "hint": "address the second question"}`)

	j := New(provider)
	v := j.Evaluate(context.Background(), llmJudgeGoal(), "partial answer", Snapshot{})
	if v.Kind != Retry {
		t.Fatalf("verdict = %s, want retry", v.Kind)
	}
	if v.Hint != "address the second question" {
		t.Errorf("hint = %q", v.Hint)
	}
	if v.Confidence != 0.9 {
		t.Errorf("confidence = %v", v.Confidence)
	}
}

func TestModelVerdictInCodeFence(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("Here is my assessment:\n```json\n{\"verdict\": \"accept\", \"confidence\": 0.95, \"reason\": \"all criteria met\", \"hint\": \"\"}\n```")

	j := New(provider)
	v := j.Evaluate(context.Background(), llmJudgeGoal(), "answer", Snapshot{})
	if v.Kind != Accept || v.Confidence != 0.95 {
		t.Errorf("verdict = %+v", v)
	}
}

func TestUnparseableModelResponseContinues(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("I think it looks pretty good overall!")

	j := New(provider)
	v := j.Evaluate(context.Background(), llmJudgeGoal(), "answer", Snapshot{})
	if v.Kind != Continue {
		t.Errorf("unparseable response should degrade to continue, got %s", v.Kind)
	}
}

func TestModelErrorContinues(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetError(errors.New("rate limited"))

	j := New(provider)
	v := j.Evaluate(context.Background(), llmJudgeGoal(), "answer", Snapshot{})
	if v.Kind != Continue {
		t.Errorf("model failure should degrade to continue, got %s", v.Kind)
	}
}

// A confident verdict below the floor downgrades to Continue; this applies
// to Retry as well as Accept.
func TestConfidenceFloorDowngrades(t *testing.T) {
	for _, kind := range []string{"accept", "retry"} {
		provider := llm.NewMockProvider()
		provider.SetResponse(`{"verdict": "` + kind + `", "confidence": 0.4, "reason": "unsure", "hint": ""}`)

		g := llmJudgeGoal()
		g.ConfidenceFloor = 0.7
		j := New(provider)

		v := j.Evaluate(context.Background(), g, "answer", Snapshot{})
		if v.Kind != Continue {
			t.Errorf("%s at 0.4 under floor 0.7 should continue, got %s", kind, v.Kind)
		}
	}
}

func TestConfidenceFloorNeverWeakensEscalate(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse(`{"verdict": "escalate", "confidence": 0.3, "reason": "constraint breach", "hint": ""}`)

	g := llmJudgeGoal()
	g.ConfidenceFloor = 0.7
	j := New(provider)

	v := j.Evaluate(context.Background(), g, "answer", Snapshot{})
	if v.Kind != Escalate {
		t.Errorf("escalate must survive the confidence floor, got %s", v.Kind)
	}
}

func TestRegisteredPredicateScoresCustomCriterion(t *testing.T) {
	g := goal.New("test", goal.Criterion{ID: "c1", Type: goal.TypeCustom, Name: "nonempty"})
	g.SuccessThreshold = 0.8

	j := New(llm.NewMockProvider())
	j.RegisterPredicate("nonempty", func(output string) bool {
		return strings.TrimSpace(output) != ""
	})

	if v := j.Evaluate(context.Background(), g, "result", Snapshot{}); v.Kind != Accept {
		t.Errorf("predicate pass should accept, got %s", v.Kind)
	}
	if v := j.Evaluate(context.Background(), g, "   ", Snapshot{}); v.Kind != Retry {
		t.Errorf("predicate fail should retry, got %s", v.Kind)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"verdict": "accept"}`, `{"verdict": "accept"}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{`prefix {"a": 1} suffix`, `{"a": 1}`},
	}
	for i, c := range cases {
		if got := extractJSON(c.in); got != c.want {
			t.Errorf("case %d: extractJSON = %q, want %q", i, got, c.want)
		}
	}
}
