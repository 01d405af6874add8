// Package goal declares what success looks like for a run: weighted
// criteria, hard/soft constraints, and the acceptance threshold.
package goal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSuccessThreshold is the minimum weighted score to pass.
const DefaultSuccessThreshold = 0.9

// Criterion types. The type field selects which of the remaining fields
// are meaningful.
const (
	TypeOutputContains = "output_contains"
	TypeOutputEquals   = "output_equals"
	TypeLLMJudge       = "llm_judge"
	TypeCustom         = "custom"
)

// Constraint kinds.
const (
	KindHard = "hard"
	KindSoft = "soft"
)

// Constraint categories.
const (
	CategoryTime    = "time"
	CategoryCost    = "cost"
	CategorySafety  = "safety"
	CategoryScope   = "scope"
	CategoryQuality = "quality"
)

// Criterion is one weighted success criterion.
type Criterion struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`

	// output_contains
	Pattern       string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	CaseSensitive bool   `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	// output_equals
	Expected string `yaml:"expected,omitempty" json:"expected,omitempty"`
	// llm_judge
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	// custom: the name a predicate was registered under
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	Weight      float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// Constraint bounds the execution. Hard constraints are fatal when
// violated; soft ones are best effort.
type Constraint struct {
	Category    string      `yaml:"category" json:"category"`
	Kind        string      `yaml:"kind" json:"kind"`
	Description string      `yaml:"description" json:"description"`
	Value       interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// Goal is the declared success definition for a session. It is set at
// session start and read-only during the run.
type Goal struct {
	Description      string       `yaml:"description" json:"description"`
	Criteria         []Criterion  `yaml:"success_criteria" json:"success_criteria"`
	Constraints      []Constraint `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	SuccessThreshold float64      `yaml:"success_threshold,omitempty" json:"success_threshold,omitempty"`
	// ConfidenceFloor downgrades any confident model verdict below it.
	ConfidenceFloor float64 `yaml:"confidence_floor,omitempty" json:"confidence_floor,omitempty"`
}

// Predicate is a pure check over the latest output, registered by name
// for custom criteria.
type Predicate func(output string) bool

// CriterionResult is the score for one evaluated criterion.
type CriterionResult struct {
	CriterionID string  `json:"criterion_id"`
	Score       float64 `json:"score"`
	Passed      bool    `json:"passed"`
	Reasoning   string  `json:"reasoning"`
}

// ConstraintViolation records one violated constraint.
type ConstraintViolation struct {
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Detail      string `json:"detail"`
}

// Evaluation is the overall result of scoring output against a goal.
type Evaluation struct {
	OverallScore float64               `json:"overall_score"`
	Passed       bool                  `json:"passed"`
	Results      []CriterionResult     `json:"criteria_results"`
	Violations   []ConstraintViolation `json:"constraint_violations"`
}

// New creates a goal with defaults applied.
func New(description string, criteria ...Criterion) *Goal {
	g := &Goal{Description: description, Criteria: criteria}
	g.normalize()
	return g
}

// LoadFile reads a goal definition from a YAML file.
func LoadFile(path string) (*Goal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading goal file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML goal definition, applies defaults, and validates it.
func Parse(data []byte) (*Goal, error) {
	var g Goal
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing goal: %w", err)
	}
	g.normalize()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// normalize fills in default threshold, weights, and criterion IDs.
func (g *Goal) normalize() {
	if g.SuccessThreshold <= 0 {
		g.SuccessThreshold = DefaultSuccessThreshold
	}
	for i := range g.Criteria {
		if g.Criteria[i].Weight <= 0 {
			g.Criteria[i].Weight = 1.0
		}
		if g.Criteria[i].ID == "" {
			g.Criteria[i].ID = fmt.Sprintf("c%d", i+1)
		}
	}
}

// Validate checks that every criterion carries the fields its type needs.
func (g *Goal) Validate() error {
	if g.SuccessThreshold > 1.0 {
		return fmt.Errorf("success_threshold %.2f exceeds 1.0", g.SuccessThreshold)
	}
	for _, c := range g.Criteria {
		switch c.Type {
		case TypeOutputContains:
			if c.Pattern == "" {
				return fmt.Errorf("criterion %s: output_contains requires a pattern", c.ID)
			}
		case TypeOutputEquals:
			if c.Expected == "" {
				return fmt.Errorf("criterion %s: output_equals requires an expected value", c.ID)
			}
		case TypeLLMJudge:
			if c.Prompt == "" {
				return fmt.Errorf("criterion %s: llm_judge requires a prompt", c.ID)
			}
		case TypeCustom:
			if c.Name == "" {
				return fmt.Errorf("criterion %s: custom requires a predicate name", c.ID)
			}
		default:
			return fmt.Errorf("criterion %s: unknown type %q", c.ID, c.Type)
		}
	}
	for _, c := range g.Constraints {
		if c.Kind != KindHard && c.Kind != KindSoft {
			return fmt.Errorf("constraint %q: kind must be hard or soft", c.Description)
		}
	}
	return nil
}

// HasLLMJudge reports whether any criterion needs the model to score it.
func (g *Goal) HasLLMJudge() bool {
	for _, c := range g.Criteria {
		if c.Type == TypeLLMJudge {
			return true
		}
	}
	return false
}

// JudgeCriteria returns the criteria that require a model verdict.
func (g *Goal) JudgeCriteria() []Criterion {
	var out []Criterion
	for _, c := range g.Criteria {
		if c.Type == TypeLLMJudge {
			out = append(out, c)
		}
	}
	return out
}

// EvaluateDeterministic scores every criterion that can be decided without
// the model: output_contains, output_equals, and custom criteria with a
// registered predicate. llm_judge criteria are left for the judge; a custom
// criterion with no registered predicate scores a neutral 0.5.
func (g *Goal) EvaluateDeterministic(output string, predicates map[string]Predicate) []CriterionResult {
	var results []CriterionResult
	for _, c := range g.Criteria {
		switch c.Type {
		case TypeOutputContains:
			found := false
			if c.CaseSensitive {
				found = strings.Contains(output, c.Pattern)
			} else {
				found = strings.Contains(strings.ToLower(output), strings.ToLower(c.Pattern))
			}
			reasoning := fmt.Sprintf("output does not contain %q", c.Pattern)
			if found {
				reasoning = fmt.Sprintf("output contains %q", c.Pattern)
			}
			results = append(results, CriterionResult{
				CriterionID: c.ID,
				Score:       boolScore(found),
				Passed:      found,
				Reasoning:   reasoning,
			})

		case TypeOutputEquals:
			matches := strings.TrimSpace(output) == strings.TrimSpace(c.Expected)
			reasoning := "output does not match expected value"
			if matches {
				reasoning = "output matches expected value"
			}
			results = append(results, CriterionResult{
				CriterionID: c.ID,
				Score:       boolScore(matches),
				Passed:      matches,
				Reasoning:   reasoning,
			})

		case TypeCustom:
			pred, ok := predicates[c.Name]
			if !ok {
				results = append(results, CriterionResult{
					CriterionID: c.ID,
					Score:       0.5,
					Passed:      true,
					Reasoning:   fmt.Sprintf("custom criterion %q has no registered predicate", c.Name),
				})
				continue
			}
			passed := pred(output)
			reasoning := fmt.Sprintf("predicate %q rejected the output", c.Name)
			if passed {
				reasoning = fmt.Sprintf("predicate %q accepted the output", c.Name)
			}
			results = append(results, CriterionResult{
				CriterionID: c.ID,
				Score:       boolScore(passed),
				Passed:      passed,
				Reasoning:   reasoning,
			})
		}
	}
	return results
}

// ComputeEvaluation folds criterion results into a weighted score. Only
// criteria that actually produced a result count toward the total weight,
// so a pending llm_judge criterion does not drag the partial score down.
// Any hard constraint violation fails the evaluation outright.
func (g *Goal) ComputeEvaluation(results []CriterionResult, violations []ConstraintViolation) Evaluation {
	scored := make(map[string]float64, len(results))
	for _, r := range results {
		scored[r.CriterionID] = r.Score
	}

	var totalWeight, weightedSum float64
	for _, c := range g.Criteria {
		score, ok := scored[c.ID]
		if !ok {
			continue
		}
		totalWeight += c.Weight
		weightedSum += score * c.Weight
	}

	overall := 0.0
	if totalWeight > 0 {
		overall = weightedSum / totalWeight
	}

	hardViolation := false
	for _, v := range violations {
		if v.Kind == KindHard {
			hardViolation = true
			break
		}
	}

	return Evaluation{
		OverallScore: overall,
		Passed:       !hardViolation && overall >= g.SuccessThreshold,
		Results:      results,
		Violations:   violations,
	}
}

// FailedCriteria lists the descriptions (or IDs) of criteria that did not
// pass, for inclusion in retry hints.
func (e Evaluation) FailedCriteria(g *Goal) []string {
	byID := make(map[string]Criterion, len(g.Criteria))
	for _, c := range g.Criteria {
		byID[c.ID] = c
	}
	var failed []string
	for _, r := range e.Results {
		if r.Passed {
			continue
		}
		if c, ok := byID[r.CriterionID]; ok && c.Description != "" {
			failed = append(failed, c.Description)
		} else {
			failed = append(failed, r.CriterionID)
		}
	}
	return failed
}

func boolScore(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
