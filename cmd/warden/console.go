// Terminal rendering and interactive approvals for a live run.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/openclaw/warden/internal/approval"
	"github.com/openclaw/warden/internal/events"
	"github.com/openclaw/warden/internal/security"
	"github.com/openclaw/warden/internal/session"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - metadata

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")) // Blue - tools

	gateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan - gate decisions

	guardianStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")) // Orange - watchdog

	approvalStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11")) // Yellow - pending approvals

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red
)

// console renders the event stream to stderr and feeds operator approval
// answers back into the broker.
type console struct {
	bus    *events.Bus
	broker *approval.Broker
	telem  telemetry.Exporter
	out    *os.File
}

func newConsole(bus *events.Bus, broker *approval.Broker, telem telemetry.Exporter) *console {
	return &console{bus: bus, broker: broker, telem: telem, out: os.Stderr}
}

// watch renders events until ctx is cancelled.
func (c *console) watch(ctx context.Context) {
	ch, cancel := c.bus.Subscribe()
	defer cancel()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.render(e)
		case <-ctx.Done():
			return
		}
	}
}

func (c *console) render(e events.Event) {
	switch e.Type {
	case events.TurnStarted:
		fmt.Fprintln(c.out, dimStyle.Render(fmt.Sprintf("-- turn %d --", e.Turn)))

	case events.TextDelta:
		fmt.Fprintln(c.out, e.Content)

	case events.ToolCallDecided:
		line := fmt.Sprintf("  gate: %s %s (%s)", e.Tool, e.Decision, e.Tier)
		if e.Pattern != "" {
			line += " pattern=" + e.Pattern
		}
		fmt.Fprintln(c.out, gateStyle.Render(line))
		c.telem.LogEvent("gate_decision", map[string]interface{}{
			"tool": e.Tool, "decision": e.Decision, "tier": e.Tier,
		})

	case events.ToolStart:
		fmt.Fprintln(c.out, toolStyle.Render("  -> "+e.Tool))
		c.telem.LogEvent("tool_call", map[string]interface{}{"tool": e.Tool, "args": e.Args})

	case events.ToolEnd:
		if e.IsError {
			fmt.Fprintln(c.out, errorStyle.Render("  x "+e.Tool+": "+firstLine(e.Content)))
			c.telem.LogEvent("tool_error", map[string]interface{}{"tool": e.Tool, "error": e.Content})
		}

	case events.ApprovalRequested:
		short := e.RequestID
		if len(short) > 8 {
			short = short[:8]
		}
		fmt.Fprintln(c.out, approvalStyle.Render(fmt.Sprintf(
			"? approval needed [%s]: %s (%s) %s", short, e.Tool, e.Tier, e.Content)))
		fmt.Fprintln(c.out, dimStyle.Render(fmt.Sprintf(
			"  type 'a %s' to approve, 'd %s' to deny, 'p' to list pending", short, short)))

	case events.ApprovalResolved:
		verdict := "denied"
		style := errorStyle
		if e.Approved {
			verdict = "approved"
			style = successStyle
		}
		fmt.Fprintln(c.out, style.Render("  approval "+verdict))

	case events.WatchdogHint, events.GuardianDoomLoop, events.GuardianStall:
		if e.Message != "" {
			fmt.Fprintln(c.out, guardianStyle.Render("  "+e.Message))
		}

	case events.GuardianBudgetAlert:
		line := fmt.Sprintf("  budget: %d/%d tokens", e.UsedTokens, e.BudgetTokens)
		if e.HardStop {
			line += " - hard stop"
		}
		fmt.Fprintln(c.out, guardianStyle.Render(line))

	case events.Verdict:
		fmt.Fprintln(c.out, dimStyle.Render(fmt.Sprintf(
			"  verdict: %s (%.2f) %s", e.Kind, e.Confidence, e.Reason)))
		c.telem.LogEvent("verdict", map[string]interface{}{
			"kind": e.Kind, "confidence": e.Confidence,
		})

	case events.RunFailed:
		fmt.Fprintln(c.out, errorStyle.Render("x run failed: "+e.Reason))

	case events.RunCompleted:
		fmt.Fprintln(c.out, successStyle.Render("* goal met"))
	}
}

// readApprovals reads operator answers from stdin until ctx is cancelled.
// Lines: "a <id-prefix>" approves, "d <id-prefix>" denies, "p" lists pending.
func (c *console) readApprovals(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "p", "pending":
			for _, req := range c.broker.Pending() {
				fmt.Fprintln(c.out, approvalStyle.Render(fmt.Sprintf(
					"  [%s] %s (%s) %s", req.ID[:8], req.ToolName, req.Tier, req.InputSummary)))
			}
		case "a", "approve", "y":
			c.resolve(fields, true)
		case "d", "deny", "n":
			c.resolve(fields, false)
		default:
			fmt.Fprintln(c.out, dimStyle.Render("  commands: a <id> | d <id> | p"))
		}
	}
}

func (c *console) resolve(fields []string, approved bool) {
	prefix := ""
	if len(fields) > 1 {
		prefix = fields[1]
	}
	id, ok := c.broker.FindByPrefix(prefix)
	if !ok {
		fmt.Fprintln(c.out, errorStyle.Render("  no pending approval matches "+prefix))
		return
	}
	c.broker.Resolve(id, security.ApprovalDecision{
		Approved: approved,
		Reason:   "operator",
	})
}

// summary prints the terminal state of a session.
func (c *console) summary(sess *session.Session) {
	fmt.Fprintln(c.out)
	switch sess.Status {
	case session.StatusCompleted:
		fmt.Fprintln(c.out, successStyle.Render("Status:  completed"))
	case session.StatusCancelled:
		fmt.Fprintln(c.out, guardianStyle.Render("Status:  cancelled"))
	default:
		fmt.Fprintln(c.out, errorStyle.Render("Status:  "+sess.Status))
	}
	fmt.Fprintln(c.out, dimStyle.Render(fmt.Sprintf(
		"Turns:   %d    Tokens: %d in / %d out",
		len(sess.Turns), sess.TotalInputTokens, sess.TotalOutputTokens)))
	if sess.Error != "" {
		fmt.Fprintln(c.out, errorStyle.Render("Error:   "+sess.Error))
	}
	if sess.Result != "" {
		fmt.Fprintln(c.out)
		fmt.Println(sess.Result)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
