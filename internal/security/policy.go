package security

import "time"

// Outcome is the gate's verdict for a single tool call.
type Outcome string

const (
	OutcomeAllow         Outcome = "allow"
	OutcomeDeny          Outcome = "deny"
	OutcomeNeedsApproval Outcome = "needs_approval"
)

// Decision is the immutable record of one gate verdict.
type Decision struct {
	Outcome        Outcome `json:"outcome"`
	BaseTier       Tier    `json:"base_tier"`
	EffectiveTier  Tier    `json:"effective_tier"`
	MatchedPattern string  `json:"matched_pattern,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Policy controls how tool calls are gated by tier.
type Policy struct {
	// Calls at or below this tier execute without asking.
	AutoApproveUpTo Tier
	// Calls above this tier are denied outright. Calls between the two
	// thresholds need human approval.
	DenyAbove Tier
	// How long a pending approval waits before it counts as denied.
	ApprovalTimeout time.Duration
	// Per-tool overrides checked before tier logic: "allow", "deny", "ask".
	ToolOverrides map[string]string
}

// DefaultPolicy auto-approves up to T1, never denies outright, and waits
// 60 seconds for approvals.
func DefaultPolicy() Policy {
	return Policy{
		AutoApproveUpTo: TierT1,
		DenyAbove:       TierT4,
		ApprovalTimeout: 60 * time.Second,
	}
}

// Decide applies overrides and tier thresholds to an already-classified call.
// The effective tier must include any pattern or schema escalation.
func (p Policy) Decide(toolName string, base, effective Tier) Decision {
	d := Decision{BaseTier: base, EffectiveTier: effective}

	if override, ok := p.ToolOverrides[toolName]; ok {
		switch override {
		case "allow":
			d.Outcome = OutcomeAllow
			d.Reason = "tool override: allow"
			return d
		case "deny":
			d.Outcome = OutcomeDeny
			d.Reason = "tool override: deny"
			return d
		case "ask":
			d.Outcome = OutcomeNeedsApproval
			d.Reason = "tool override: ask"
			return d
		}
	}

	switch {
	case effective > p.DenyAbove:
		d.Outcome = OutcomeDeny
		d.Reason = "tier " + effective.String() + " exceeds deny threshold " + p.DenyAbove.String()
	case effective <= p.AutoApproveUpTo:
		d.Outcome = OutcomeAllow
	default:
		d.Outcome = OutcomeNeedsApproval
	}
	return d
}

// Overlay derives a sub-agent policy from a parent policy. The child is never
// less restrictive than the parent: both thresholds are clamped down, tool
// overrides are inherited, and a parent "deny" override always wins.
func Overlay(parent, child Policy) Policy {
	out := child
	out.AutoApproveUpTo = minTier(child.AutoApproveUpTo, parent.AutoApproveUpTo)
	out.DenyAbove = minTier(child.DenyAbove, parent.DenyAbove)
	if out.ApprovalTimeout <= 0 || (parent.ApprovalTimeout > 0 && parent.ApprovalTimeout < out.ApprovalTimeout) {
		out.ApprovalTimeout = parent.ApprovalTimeout
	}

	if len(parent.ToolOverrides) > 0 {
		merged := make(map[string]string, len(parent.ToolOverrides)+len(child.ToolOverrides))
		for name, action := range child.ToolOverrides {
			merged[name] = action
		}
		for name, action := range parent.ToolOverrides {
			if action == "deny" {
				merged[name] = action
				continue
			}
			if _, ok := merged[name]; !ok {
				merged[name] = action
			}
		}
		out.ToolOverrides = merged
	}
	return out
}
