package security

import "time"

// Approval request lifecycle states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalTimedOut = "timed_out"
)

// ApprovalRequest is a pending human decision for one gated tool call.
type ApprovalRequest struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	CallID       string    `json:"call_id"`
	ToolName     string    `json:"tool_name"`
	Tier         Tier      `json:"tier"`
	InputSummary string    `json:"input_summary"`
	Timestamp    time.Time `json:"timestamp"`
	Deadline     time.Time `json:"deadline"`
}

// ApprovalDecision is the terminal answer for an ApprovalRequest.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Status maps the decision onto a request lifecycle state.
func (d ApprovalDecision) Status() string {
	switch {
	case d.TimedOut:
		return ApprovalTimedOut
	case d.Approved:
		return ApprovalApproved
	default:
		return ApprovalDenied
	}
}
