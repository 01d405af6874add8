package goal

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func containsCriterion(id, pattern string, weight float64) Criterion {
	return Criterion{ID: id, Type: TypeOutputContains, Pattern: pattern, Weight: weight}
}

func TestWeightedScoring(t *testing.T) {
	g := New("test",
		containsCriterion("c1", "hello", 2.0),
		containsCriterion("c2", "world", 1.0),
	)
	g.SuccessThreshold = 0.6

	results := g.EvaluateDeterministic("hello there", nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	eval := g.ComputeEvaluation(results, nil)
	// c1 (weight 2) passes, c2 (weight 1) fails: (2*1 + 1*0)/3.
	if math.Abs(eval.OverallScore-0.667) > 0.01 {
		t.Errorf("overall score = %.3f, want ~0.667", eval.OverallScore)
	}
	if !eval.Passed {
		t.Error("0.667 >= 0.6 should pass")
	}
}

func TestContainsIsCaseInsensitiveByDefault(t *testing.T) {
	g := New("test", containsCriterion("c1", "SUCCESS", 1.0))
	results := g.EvaluateDeterministic("the task was a success!", nil)
	if !results[0].Passed {
		t.Error("case-insensitive match should pass")
	}

	sensitive := New("test", Criterion{
		ID: "c1", Type: TypeOutputContains, Pattern: "SUCCESS", CaseSensitive: true,
	})
	results = sensitive.EvaluateDeterministic("the task was a success!", nil)
	if results[0].Passed {
		t.Error("case-sensitive match should fail")
	}
}

func TestEqualsTrimsWhitespace(t *testing.T) {
	g := New("test", Criterion{ID: "c1", Type: TypeOutputEquals, Expected: "42"})
	results := g.EvaluateDeterministic("  42\n", nil)
	if !results[0].Passed {
		t.Error("trimmed equality should pass")
	}
}

func TestLLMJudgeLeftPending(t *testing.T) {
	g := New("test",
		containsCriterion("c1", "hello", 1.0),
		Criterion{ID: "c2", Type: TypeLLMJudge, Prompt: "is it good?"},
	)
	results := g.EvaluateDeterministic("hello world", nil)
	if len(results) != 1 || results[0].CriterionID != "c1" {
		t.Fatalf("only the deterministic criterion should be scored: %+v", results)
	}
	if !g.HasLLMJudge() {
		t.Error("HasLLMJudge should be true")
	}
	if len(g.JudgeCriteria()) != 1 {
		t.Error("one judge criterion expected")
	}

	// The pending judge criterion must not drag down the partial score.
	eval := g.ComputeEvaluation(results, nil)
	if eval.OverallScore != 1.0 {
		t.Errorf("partial score = %.2f, want 1.0", eval.OverallScore)
	}
}

func TestCustomPredicate(t *testing.T) {
	g := New("test", Criterion{ID: "c1", Type: TypeCustom, Name: "has_digits"})
	preds := map[string]Predicate{
		"has_digits": func(output string) bool {
			for _, r := range output {
				if r >= '0' && r <= '9' {
					return true
				}
			}
			return false
		},
	}

	results := g.EvaluateDeterministic("answer: 7", preds)
	if !results[0].Passed {
		t.Error("registered predicate should score the output")
	}
	results = g.EvaluateDeterministic("no numbers here", preds)
	if results[0].Passed {
		t.Error("predicate rejection should fail the criterion")
	}
}

func TestUnregisteredCustomIsNeutral(t *testing.T) {
	g := New("test", Criterion{ID: "c1", Type: TypeCustom, Name: "missing"})
	results := g.EvaluateDeterministic("anything", nil)
	if results[0].Score != 0.5 || !results[0].Passed {
		t.Errorf("unregistered custom should be neutral: %+v", results[0])
	}
}

func TestHardConstraintViolationOverridesScore(t *testing.T) {
	g := New("test", containsCriterion("c1", "ok", 1.0))
	g.SuccessThreshold = 0.5

	results := g.EvaluateDeterministic("ok", nil)
	eval := g.ComputeEvaluation(results, []ConstraintViolation{
		{Description: "time limit", Kind: KindHard, Detail: "exceeded 60s"},
	})
	if eval.Passed {
		t.Error("a hard violation must fail the evaluation regardless of score")
	}

	eval = g.ComputeEvaluation(results, []ConstraintViolation{
		{Description: "prefer brevity", Kind: KindSoft, Detail: "output long"},
	})
	if !eval.Passed {
		t.Error("a soft violation alone must not fail the evaluation")
	}
}

func TestEmptyCriteriaNeverPass(t *testing.T) {
	g := New("test")
	eval := g.ComputeEvaluation(g.EvaluateDeterministic("anything", nil), nil)
	if eval.Passed {
		t.Error("no criteria means score 0, which is below any positive threshold")
	}
}

func TestFailedCriteriaUseDescriptions(t *testing.T) {
	g := New("test",
		Criterion{ID: "c1", Type: TypeOutputContains, Pattern: "done", Description: "mentions completion"},
		containsCriterion("c2", "summary", 1.0),
	)
	eval := g.ComputeEvaluation(g.EvaluateDeterministic("nothing useful", nil), nil)
	failed := eval.FailedCriteria(g)
	if len(failed) != 2 {
		t.Fatalf("failed = %v", failed)
	}
	if failed[0] != "mentions completion" || failed[1] != "c2" {
		t.Errorf("failed = %v", failed)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	data := []byte(`
description: summarize the report
success_criteria:
  - type: output_contains
    pattern: summary
  - type: llm_judge
    prompt: Is the summary faithful to the source?
    weight: 2.0
constraints:
  - category: time
    kind: hard
    description: finish within 10 minutes
    value: 600
`)
	g, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if g.SuccessThreshold != DefaultSuccessThreshold {
		t.Errorf("threshold = %v, want default", g.SuccessThreshold)
	}
	if g.Criteria[0].ID != "c1" || g.Criteria[1].ID != "c2" {
		t.Errorf("auto IDs not assigned: %+v", g.Criteria)
	}
	if g.Criteria[0].Weight != 1.0 || g.Criteria[1].Weight != 2.0 {
		t.Errorf("weights = %v, %v", g.Criteria[0].Weight, g.Criteria[1].Weight)
	}
	if len(g.Constraints) != 1 || g.Constraints[0].Kind != KindHard {
		t.Errorf("constraints = %+v", g.Constraints)
	}
}

func TestParseRejectsInvalidCriteria(t *testing.T) {
	cases := []string{
		"description: x\nsuccess_criteria:\n  - type: output_contains\n", // no pattern
		"description: x\nsuccess_criteria:\n  - type: llm_judge\n",       // no prompt
		"description: x\nsuccess_criteria:\n  - type: nonsense\n",        // unknown type
		"description: x\nsuccess_criteria: []\nsuccess_threshold: 1.5\n", // threshold > 1
	}
	for i, c := range cases {
		if _, err := Parse([]byte(c)); err == nil {
			t.Errorf("case %d: expected a validation error", i)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goal.yaml")
	content := "description: test\nsuccess_criteria:\n  - type: output_equals\n    expected: done\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if g.Description != "test" || g.Criteria[0].Expected != "done" {
		t.Errorf("loaded goal = %+v", g)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should error")
	}
}
