// Package session provides run session records and persistence.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status constants for sessions.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ToolCall is one action the model requested within a turn.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	Tier string                 `json:"tier,omitempty"`
}

// ToolResult is the recorded outcome of one tool call. Results within a turn
// are stored in call-id order, not completion order.
type ToolResult struct {
	CallID     string `json:"call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Turn is one loop iteration. Immutable once appended.
type Turn struct {
	Index        int          `json:"index"`
	Output       string       `json:"output,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Results      []ToolResult `json:"results,omitempty"`
	InputTokens  int          `json:"input_tokens,omitempty"`
	OutputTokens int          `json:"output_tokens,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at"`
}

// Decision is the audit record of one gate verdict.
type Decision struct {
	SeqID          uint64    `json:"seq"`
	CallID         string    `json:"call_id"`
	Tool           string    `json:"tool"`
	BaseTier       string    `json:"base_tier"`
	EffectiveTier  string    `json:"effective_tier"`
	Outcome        string    `json:"outcome"`
	MatchedPattern string    `json:"pattern,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Session is one run context. The agent loop is its only writer; the decision
// journal is appended through RecordDecision by the gate.
type Session struct {
	ID                string     `json:"id"`
	Goal              string     `json:"goal"`
	Status            string     `json:"status"`
	Turns             []Turn     `json:"turns"`
	Decisions         []Decision `json:"decisions"`
	TotalInputTokens  int        `json:"total_input_tokens"`
	TotalOutputTokens int        `json:"total_output_tokens"`
	Result            string     `json:"result,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	seqCounter uint64
	mu         sync.Mutex
}

// New creates a running session for the given goal description.
func New(goal string) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendTurn appends a completed turn and accumulates token totals.
func (s *Session) AppendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Index = len(s.Turns)
	s.Turns = append(s.Turns, t)
	s.TotalInputTokens += t.InputTokens
	s.TotalOutputTokens += t.OutputTokens
	s.UpdatedAt = time.Now()
}

// RecordDecision appends a gate decision with automatic sequencing.
func (s *Session) RecordDecision(d Decision) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.SeqID = atomic.AddUint64(&s.seqCounter, 1)
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	s.Decisions = append(s.Decisions, d)
	s.UpdatedAt = time.Now()
	return d.SeqID
}

// TurnCount returns the number of completed turns.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Turns)
}

// LatestOutput returns the model output of the most recent turn.
func (s *Session) LatestOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Turns) == 0 {
		return ""
	}
	return s.Turns[len(s.Turns)-1].Output
}

// Terminal reports whether the session reached a terminal status.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Complete marks the session completed with a final result.
func (s *Session) Complete(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusCompleted
	s.Result = result
	s.UpdatedAt = time.Now()
}

// Fail marks the session failed with a human-readable reason.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusFailed
	s.Error = reason
	s.UpdatedAt = time.Now()
}

// Cancel marks the session cancelled.
func (s *Session) Cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusCancelled
	s.Error = reason
	s.UpdatedAt = time.Now()
}

// restoreSeq resets the decision sequence counter after loading from disk.
func (s *Session) restoreSeq() {
	if len(s.Decisions) > 0 {
		s.seqCounter = s.Decisions[len(s.Decisions)-1].SeqID
	}
}

// Store is the interface for session persistence.
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
	List() ([]string, error)
}
