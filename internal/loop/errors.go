package loop

import "errors"

// Terminal run errors. Per-call failures never surface here: a denied or
// failed tool call becomes an error result fed back to the model instead.
var (
	// ErrMaxTurns means the turn limit was reached before the goal was met.
	ErrMaxTurns = errors.New("maximum turns reached")
	// ErrMaxDuration means the wall-clock limit was reached.
	ErrMaxDuration = errors.New("maximum duration exceeded")
	// ErrCancelled means the run was stopped from outside, including a
	// guardian hard stop.
	ErrCancelled = errors.New("run cancelled")
	// ErrEscalated means the judge terminated the run.
	ErrEscalated = errors.New("run escalated")
	// ErrCorruptCheckpoint means persisted state could not be restored on
	// resume. The session is marked failed rather than silently restarted.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)
