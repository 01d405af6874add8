// Package events provides the typed event stream connecting the agent loop,
// the guardian, the approval broker, and external subscribers.
package events

import "time"

// Type identifies an event on the stream.
type Type string

const (
	RunStarted   Type = "run_started"
	RunCompleted Type = "run_completed"
	RunFailed    Type = "run_failed"

	TurnStarted  Type = "turn_started"
	TurnComplete Type = "turn_complete"
	TextDelta    Type = "text_delta"

	ToolStart       Type = "tool_start"
	ToolEnd         Type = "tool_end"
	ToolCallDecided Type = "tool_call_decided"

	ApprovalRequested Type = "approval_requested"
	ApprovalResolved  Type = "approval_resolved"

	WatchdogHint        Type = "watchdog_hint"
	GuardianDoomLoop    Type = "guardian_doom_loop"
	GuardianStall       Type = "guardian_stall"
	GuardianBudgetAlert Type = "guardian_budget_alert"

	UsageUpdate Type = "usage_update"
	Verdict     Type = "verdict"
)

// Event is a single entry on the stream. Fields are sparse; which are set
// depends on Type. SessionID may be empty for events that precede session
// creation.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Turn int `json:"turn,omitempty"`

	// Tool call fields
	CallID  string                 `json:"call_id,omitempty"`
	Tool    string                 `json:"tool,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Content string                 `json:"content,omitempty"`
	IsError bool                   `json:"is_error,omitempty"`

	// Gate decision fields
	Decision string `json:"decision,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Approval fields
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`

	// Guardian fields
	Message      string `json:"message,omitempty"`
	Count        int    `json:"count,omitempty"`
	ElapsedSecs  int64  `json:"elapsed_secs,omitempty"`
	UsedTokens   int64  `json:"used_tokens,omitempty"`
	BudgetTokens int64  `json:"budget_tokens,omitempty"`
	HardStop     bool   `json:"hard_stop,omitempty"`

	// Usage fields
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Judge fields
	Kind       string  `json:"kind,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}
