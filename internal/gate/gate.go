// Package gate is the mandatory interception point between a proposed tool
// call and its execution. Every call passes through Authorize exactly once.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/openclaw/warden/internal/approval"
	"github.com/openclaw/warden/internal/events"
	"github.com/openclaw/warden/internal/security"
	"github.com/openclaw/warden/internal/session"
	"github.com/openclaw/warden/internal/tools"
)

// summaryLimit bounds the serialized argument excerpt shown to approvers and
// recorded in events.
const summaryLimit = 200

// Context carries per-call gating context.
type Context struct {
	SessionID  string
	IsSubAgent bool
}

// Journal receives the audit record for every decision.
type Journal interface {
	RecordDecision(d session.Decision) uint64
}

// Authorization is the gate's full answer for one call: the decision plus
// whether execution may proceed. When Proceed is false, Violation carries the
// policy-violation text surfaced to the model as the tool result.
type Authorization struct {
	Decision  security.Decision
	Proceed   bool
	Violation string
	// RequestID is set when the call went through the approval broker.
	RequestID      string
	ApprovalStatus string
}

// Config wires a Gate.
type Config struct {
	Registry *tools.Registry
	Policy   security.Policy
	// SubAgentPolicy is composed with the parent policy via Overlay for
	// calls made in a sub-agent context. Zero value means the parent policy
	// applies unchanged (Overlay still clamps it).
	SubAgentPolicy *security.Policy
	Patterns       *security.PatternSet
	Broker         *approval.Broker
	Bus            *events.Bus
}

// Gate classifies and decides on every requested action.
type Gate struct {
	registry       *tools.Registry
	policy         security.Policy
	subAgentPolicy security.Policy
	patterns       *security.PatternSet
	broker         *approval.Broker
	bus            *events.Bus
	logger         *logging.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// New creates a gate. The sub-agent policy is composed once, up front.
func New(cfg Config) *Gate {
	patterns := cfg.Patterns
	if patterns == nil {
		patterns = security.DefaultPatterns()
	}
	sub := cfg.Policy
	if cfg.SubAgentPolicy != nil {
		sub = *cfg.SubAgentPolicy
	}
	return &Gate{
		registry:       cfg.Registry,
		policy:         cfg.Policy,
		subAgentPolicy: security.Overlay(cfg.Policy, sub),
		patterns:       patterns,
		broker:         cfg.Broker,
		bus:            cfg.Bus,
		logger:         logging.New().WithComponent("gate"),
		schemas:        make(map[string]*jsonschema.Schema),
	}
}

// Decide computes the security decision for one call and records it to the
// journal and the event stream.
func (g *Gate) Decide(call llm.ToolCallResponse, gctx Context, journal Journal) security.Decision {
	pol := g.policy
	if gctx.IsSubAgent {
		pol = g.subAgentPolicy
	}

	var decision security.Decision
	tool := g.registry.Get(call.Name)
	switch {
	case tool == nil:
		// Unknown capability: fail closed at the critical tier.
		decision = pol.Decide(call.Name, security.TierT4, security.TierT4)
		decision.Reason = "unknown tool: " + call.Name

	default:
		base := tool.Tier()
		if err := g.validateArgs(tool, call.Args); err != nil {
			// Arguments that cannot be understood are never trusted.
			decision = security.Decision{
				Outcome:       security.OutcomeDeny,
				BaseTier:      base,
				EffectiveTier: security.TierT4,
				Reason:        "schema validation failed: " + err.Error(),
			}
			break
		}

		effective := base
		var matched string
		if label, ok := g.patterns.Match(serializeArgs(call.Args)); ok {
			effective = security.TierT4
			matched = label
		}
		decision = pol.Decide(call.Name, base, effective)
		decision.MatchedPattern = matched
		if matched != "" && decision.Reason == "" {
			decision.Reason = "dangerous pattern: " + matched
		}
	}

	if journal != nil {
		journal.RecordDecision(session.Decision{
			CallID:         call.ID,
			Tool:           call.Name,
			BaseTier:       decision.BaseTier.String(),
			EffectiveTier:  decision.EffectiveTier.String(),
			Outcome:        string(decision.Outcome),
			MatchedPattern: decision.MatchedPattern,
			Reason:         decision.Reason,
		})
	}
	g.bus.Publish(events.Event{
		Type:      events.ToolCallDecided,
		SessionID: gctx.SessionID,
		CallID:    call.ID,
		Tool:      call.Name,
		Decision:  string(decision.Outcome),
		Tier:      decision.EffectiveTier.String(),
		Pattern:   decision.MatchedPattern,
		Reason:    decision.Reason,
	})
	g.logger.Info("tool call decided", map[string]interface{}{
		"tool":    call.Name,
		"outcome": string(decision.Outcome),
		"tier":    decision.EffectiveTier.String(),
		"pattern": decision.MatchedPattern,
	})
	return decision
}

// Authorize decides a call and, when needed, blocks on the approval broker.
// A denial or an approval timeout yields a non-proceeding authorization with
// a policy-violation message; it never yields an error.
func (g *Gate) Authorize(ctx context.Context, call llm.ToolCallResponse, gctx Context, journal Journal) Authorization {
	decision := g.Decide(call, gctx, journal)

	switch decision.Outcome {
	case security.OutcomeAllow:
		return Authorization{Decision: decision, Proceed: true}

	case security.OutcomeDeny:
		reason := decision.Reason
		if reason == "" {
			reason = fmt.Sprintf("tier %s is not permitted", decision.EffectiveTier)
		}
		return Authorization{
			Decision:  decision,
			Violation: fmt.Sprintf("policy violation: call to %s denied (%s)", call.Name, reason),
		}
	}

	pol := g.policy
	if gctx.IsSubAgent {
		pol = g.subAgentPolicy
	}
	timeout := pol.ApprovalTimeout
	if timeout <= 0 {
		timeout = security.DefaultPolicy().ApprovalTimeout
	}

	req := security.ApprovalRequest{
		ID:           uuid.NewString(),
		SessionID:    gctx.SessionID,
		CallID:       call.ID,
		ToolName:     call.Name,
		Tier:         decision.EffectiveTier,
		InputSummary: summarizeArgs(call.Args),
		Timestamp:    time.Now(),
		Deadline:     time.Now().Add(timeout),
	}
	ch := g.broker.Request(req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outcome security.ApprovalDecision
	select {
	case outcome = <-ch:
	case <-timer.C:
		// Resolve the timeout ourselves; if a human won the race the
		// broker ignores us and their decision is already on the channel.
		g.broker.Resolve(req.ID, security.ApprovalDecision{TimedOut: true, Reason: "approval timed out"})
		outcome = <-ch
	case <-ctx.Done():
		g.broker.Resolve(req.ID, security.ApprovalDecision{Reason: "run cancelled"})
		outcome = <-ch
	}

	auth := Authorization{
		Decision:       decision,
		RequestID:      req.ID,
		ApprovalStatus: outcome.Status(),
	}
	if outcome.Approved {
		auth.Proceed = true
		return auth
	}
	reason := outcome.Reason
	if reason == "" {
		reason = "denied by approver"
	}
	auth.Violation = fmt.Sprintf("policy violation: call to %s not approved (%s)", call.Name, reason)
	return auth
}

// validateArgs checks the call arguments against the tool's declared schema.
func (g *Gate) validateArgs(tool tools.Tool, args map[string]interface{}) error {
	sch, err := g.compiledSchema(tool)
	if err != nil {
		return err
	}
	// Round-trip the arguments so the validator sees canonical JSON types.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("unserializable arguments: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unparseable arguments: %w", err)
	}
	return sch.Validate(instance)
}

func (g *Gate) compiledSchema(tool tools.Tool) (*jsonschema.Schema, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sch, ok := g.schemas[tool.Name()]; ok {
		return sch, nil
	}

	// Round-trip through JSON so the compiler sees canonical types.
	raw, err := json.Marshal(tool.Schema())
	if err != nil {
		return nil, fmt.Errorf("marshaling schema for %s: %w", tool.Name(), err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing schema for %s: %w", tool.Name(), err)
	}

	compiler := jsonschema.NewCompiler()
	url := "warden://tools/" + tool.Name() + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("registering schema for %s: %w", tool.Name(), err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema for %s: %w", tool.Name(), err)
	}
	g.schemas[tool.Name()] = sch
	return sch, nil
}

// serializeArgs returns the full serialization. The pattern scan must see
// every byte of the arguments; truncation here would let a long prefix hide
// a dangerous suffix from the gate.
func serializeArgs(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// summarizeArgs bounds the serialization for approvers and event payloads.
func summarizeArgs(args map[string]interface{}) string {
	s := serializeArgs(args)
	if len(s) > summaryLimit {
		s = s[:summaryLimit]
	}
	return s
}
