package guardian

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/warden/internal/events"
)

func waitAction(t *testing.T, ch <-chan Action, timeout time.Duration) Action {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(timeout):
		t.Fatal("timeout waiting for guardian action")
		return Action{}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Enabled {
		t.Error("guardian should be enabled by default")
	}
	if cfg.DoomLoopThreshold != 3 {
		t.Errorf("doom loop threshold = %d, want 3", cfg.DoomLoopThreshold)
	}
	if cfg.StallTimeout != 120*time.Second {
		t.Errorf("stall timeout = %v, want 2m", cfg.StallTimeout)
	}
	if cfg.TokenBudget != 0 {
		t.Error("budget monitoring should be off by default")
	}
	if cfg.TokenWarnPct != 80 {
		t.Errorf("warn pct = %d, want 80", cfg.TokenWarnPct)
	}
}

func TestDoomLoopDetection(t *testing.T) {
	bus := events.NewBus()
	cfg := DefaultConfig()
	cfg.DoomLoopThreshold = 5
	cfg.StallTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, actions := New(cfg, bus, nil)
	go g.Run(ctx, "s1")
	time.Sleep(20 * time.Millisecond) // let the subscription land

	args := map[string]interface{}{"query": "x"}
	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{Type: events.ToolStart, SessionID: "s1", Tool: "web_search", Args: args})
	}

	a := waitAction(t, actions, 2*time.Second)
	if a.Kind != InjectHint {
		t.Fatalf("expected InjectHint, got %v", a.Kind)
	}
	if !contains(a.Message, "web_search") || !contains(a.Message, "5 times") {
		t.Errorf("hint should name the repeated call: %q", a.Message)
	}
}

func TestNoDoomLoopForVaryingCalls(t *testing.T) {
	bus := events.NewBus()
	cfg := DefaultConfig()
	cfg.StallTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, actions := New(cfg, bus, nil)
	go g.Run(ctx, "s1")
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{Type: events.ToolStart, SessionID: "s1", Tool: "shell", Args: map[string]interface{}{"command": "ls"}})
	bus.Publish(events.Event{Type: events.ToolStart, SessionID: "s1", Tool: "read", Args: map[string]interface{}{"path": "/tmp"}})
	bus.Publish(events.Event{Type: events.ToolStart, SessionID: "s1", Tool: "shell", Args: map[string]interface{}{"command": "pwd"}})

	select {
	case a := <-actions:
		t.Fatalf("unexpected action for varying calls: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStallDetection(t *testing.T) {
	bus := events.NewBus()
	cfg := DefaultConfig()
	cfg.StallTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, actions := New(cfg, bus, nil)
	go g.Run(ctx, "s1")

	a := waitAction(t, actions, 2*time.Second)
	if a.Kind != InjectHint || !contains(a.Message, "No progress") {
		t.Errorf("expected stall hint, got %+v", a)
	}
}

func TestProgressResetsStallTimer(t *testing.T) {
	bus := events.NewBus()
	cfg := DefaultConfig()
	cfg.StallTimeout = 150 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, actions := New(cfg, bus, nil)
	go g.Run(ctx, "s1")
	time.Sleep(20 * time.Millisecond)

	// Keep reporting progress faster than the stall timeout.
	for i := 0; i < 4; i++ {
		bus.Publish(events.Event{Type: events.ToolEnd, SessionID: "s1", Tool: "read"})
		time.Sleep(60 * time.Millisecond)
	}

	select {
	case a := <-actions:
		t.Fatalf("stall hint despite steady progress: %+v", a)
	default:
	}
}

func TestBudgetWarningThenHardStop(t *testing.T) {
	bus := events.NewBus()
	cfg := DefaultConfig()
	cfg.StallTimeout = time.Hour
	cfg.TokenBudget = 1000
	cfg.TokenWarnPct = 80

	cancelled := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, actions := New(cfg, bus, func() { close(cancelled) })
	go g.Run(ctx, "s1")
	time.Sleep(20 * time.Millisecond)

	alerts, cancelSub := bus.SubscribeFiltered(events.Filter{Types: []events.Type{events.GuardianBudgetAlert}})
	defer cancelSub()

	// 850 tokens: past the 80% warning threshold, under the budget.
	bus.Publish(events.Event{Type: events.UsageUpdate, SessionID: "s1", InputTokens: 600, OutputTokens: 250})

	warn := waitAction(t, actions, 2*time.Second)
	if warn.Kind != InjectHint || !contains(warn.Message, "budget warning") {
		t.Fatalf("expected budget warning hint, got %+v", warn)
	}

	// Push over the budget.
	bus.Publish(events.Event{Type: events.UsageUpdate, SessionID: "s1", InputTokens: 200})

	stop := waitAction(t, actions, 2*time.Second)
	if stop.Kind != CancelRun {
		t.Fatalf("expected CancelRun, got %+v", stop)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("cancel function not invoked on hard stop")
	}

	sawHard := false
	deadline := time.After(time.Second)
	for !sawHard {
		select {
		case e := <-alerts:
			if e.HardStop {
				sawHard = true
			}
		case <-deadline:
			t.Fatal("no hard-stop budget alert published")
		}
	}
}

func TestRunCompletionResetsState(t *testing.T) {
	bus := events.NewBus()
	cfg := DefaultConfig()
	cfg.DoomLoopThreshold = 3
	cfg.StallTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, actions := New(cfg, bus, nil)
	go g.Run(ctx, "s1")
	time.Sleep(20 * time.Millisecond)

	args := map[string]interface{}{"command": "ls"}
	bus.Publish(events.Event{Type: events.ToolStart, SessionID: "s1", Tool: "shell", Args: args})
	bus.Publish(events.Event{Type: events.ToolStart, SessionID: "s1", Tool: "shell", Args: args})
	bus.Publish(events.Event{Type: events.RunCompleted, SessionID: "s1"})
	// Only one more identical call after the reset: window must not carry over.
	bus.Publish(events.Event{Type: events.ToolStart, SessionID: "s1", Tool: "shell", Args: args})

	select {
	case a := <-actions:
		t.Fatalf("window should reset on run completion, got %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisabledGuardianDoesNothing(t *testing.T) {
	bus := events.NewBus()
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.StallTimeout = 10 * time.Millisecond

	g, actions := New(cfg, bus, nil)
	done := make(chan struct{})
	go func() {
		g.Run(context.Background(), "s1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled guardian should return immediately")
	}
	select {
	case a := <-actions:
		t.Fatalf("disabled guardian emitted %+v", a)
	default:
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
