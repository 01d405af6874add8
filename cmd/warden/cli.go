// Package main defines the CLI structure using kong.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/kong"

	"github.com/openclaw/warden/internal/config"
	"github.com/openclaw/warden/internal/goal"
	"github.com/openclaw/warden/internal/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run the agent toward a goal"`
	Resume   ResumeCmd   `cmd:"" help:"Resume an interrupted session from its checkpoint"`
	Sessions SessionsCmd `cmd:"" help:"List or inspect stored sessions"`
	Config   ConfigCmd   `cmd:"" help:"Manage configuration"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd drives a fresh session toward a goal.
type RunCmd struct {
	Goal       string `arg:"" optional:"" help:"Goal description (free text)"`
	GoalFile   string `short:"g" help:"YAML goal definition with success criteria"`
	Config     string `short:"c" help:"Config file path (default: ./warden.toml)"`
	Model      string `help:"Model name (overrides config)"`
	Workspace  string `help:"Workspace directory for file and shell tools"`
	MaxTurns   int    `help:"Turn limit (overrides config)"`
	Budget     int64  `help:"Token budget; the guardian cancels the run when exceeded"`
	NoGuardian bool   `help:"Disable the watchdog"`
	NATSURL    string `name:"nats-url" help:"Publish the event stream to this NATS server"`
}

// ResumeCmd restores a session from its latest checkpoint and continues.
type ResumeCmd struct {
	Session string `arg:"" help:"Session ID to resume"`
	Config  string `short:"c" help:"Config file path (default: ./warden.toml)"`
}

// SessionsCmd groups session inspection commands.
type SessionsCmd struct {
	List SessionsListCmd `cmd:"" default:"1" help:"List stored session IDs"`
	Show SessionsShowCmd `cmd:"" help:"Show one session's status and history"`
}

// SessionsListCmd lists stored sessions.
type SessionsListCmd struct {
	Config string `short:"c" help:"Config file path (default: ./warden.toml)"`
}

// SessionsShowCmd prints one session.
type SessionsShowCmd struct {
	Session string `arg:"" help:"Session ID"`
	Config  string `short:"c" help:"Config file path (default: ./warden.toml)"`
}

// ConfigCmd groups configuration commands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a starter warden.toml"`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
}

// ConfigInitCmd writes a starter config file.
type ConfigInitCmd struct {
	Path string `arg:"" optional:"" default:"warden.toml" help:"Destination path"`
}

// ConfigShowCmd prints the effective configuration.
type ConfigShowCmd struct {
	Config string `short:"c" help:"Config file path (default: ./warden.toml)"`
}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}

// loadConfig loads an explicit config path, or warden.toml from the current
// directory with a silent fallback to defaults when neither exists.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *RunCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.Model != "" {
		cfg.LLM.Model = c.Model
	}
	if c.NATSURL != "" {
		cfg.Events.NATSURL = c.NATSURL
	}
	if c.Workspace != "" {
		cfg.Loop.Workspace = c.Workspace
	}
	if cfg.Loop.Workspace == "" {
		cfg.Loop.Workspace, _ = os.Getwd()
	}
	if !filepath.IsAbs(cfg.Loop.Workspace) {
		cfg.Loop.Workspace, _ = filepath.Abs(cfg.Loop.Workspace)
	}
	if c.MaxTurns > 0 {
		cfg.Loop.MaxTurns = c.MaxTurns
	}
	if c.Budget > 0 {
		cfg.Guardian.BudgetTokens = c.Budget
	}
	if c.NoGuardian {
		cfg.Guardian.Enabled = false
	}

	g, goalText, err := resolveGoal(c.Goal, c.GoalFile, cfg)
	if err != nil {
		return err
	}

	rt := newRuntime(cfg, g)
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.cleanup()
	return rt.run(goalText)
}

func (c *ResumeCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if cfg.Loop.Workspace == "" {
		cfg.Loop.Workspace, _ = os.Getwd()
	}

	// The stored session carries the goal text; criteria come from the goal
	// file when configured, otherwise the default model-judged criterion.
	store, err := session.NewFileStore(filepath.Join(cfg.StoragePath(), "sessions"))
	if err != nil {
		return err
	}
	sess, err := store.Load(c.Session)
	if err != nil {
		return err
	}

	g, _, err := resolveGoal(sess.Goal, "", cfg)
	if err != nil {
		return err
	}

	rt := newRuntime(cfg, g)
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.cleanup()
	return rt.resume(c.Session)
}

// resolveGoal builds the goal from, in order: an explicit goal file, the
// configured goal file, or free text with a single model-judged criterion.
func resolveGoal(text, goalFile string, cfg *config.Config) (*goal.Goal, string, error) {
	path := goalFile
	if path == "" {
		path = cfg.Goal.File
	}
	if path != "" {
		g, err := goal.LoadFile(path)
		if err != nil {
			return nil, "", err
		}
		if cfg.Goal.ConfidenceFloor > 0 && g.ConfidenceFloor == 0 {
			g.ConfidenceFloor = cfg.Goal.ConfidenceFloor
		}
		if text == "" {
			text = g.Description
		}
		return g, text, nil
	}

	if text == "" {
		return nil, "", fmt.Errorf("no goal given: pass a goal description or --goal-file")
	}
	g := goal.New(text, goal.Criterion{
		Type:   goal.TypeLLMJudge,
		Name:   "goal_met",
		Prompt: "Has the agent fully accomplished the stated goal?",
	})
	if cfg.Goal.SuccessThreshold > 0 {
		g.SuccessThreshold = cfg.Goal.SuccessThreshold
	}
	g.ConfidenceFloor = cfg.Goal.ConfidenceFloor
	return g, text, nil
}

func (c *SessionsListCmd) Run() error {
	store, err := openSessionStore(c.Config)
	if err != nil {
		return err
	}
	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, id := range ids {
		sess, err := store.Load(id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s  %-10s  turns=%-3d  %s\n", sess.ID, sess.Status, len(sess.Turns), truncate(sess.Goal, 60))
	}
	return nil
}

func (c *SessionsShowCmd) Run() error {
	store, err := openSessionStore(c.Config)
	if err != nil {
		return err
	}
	sess, err := store.Load(c.Session)
	if err != nil {
		return err
	}
	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Status:   %s\n", sess.Status)
	fmt.Printf("Goal:     %s\n", sess.Goal)
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Tokens:   %d in / %d out\n", sess.TotalInputTokens, sess.TotalOutputTokens)
	if sess.Error != "" {
		fmt.Printf("Error:    %s\n", sess.Error)
	}
	for _, turn := range sess.Turns {
		fmt.Printf("\nTurn %d:\n", turn.Index)
		if turn.Output != "" {
			fmt.Printf("  %s\n", truncate(turn.Output, 200))
		}
		for _, tc := range turn.ToolCalls {
			fmt.Printf("  -> %s\n", tc.Name)
		}
	}
	if sess.Result != "" {
		fmt.Printf("\nResult:\n%s\n", sess.Result)
	}
	return nil
}

func openSessionStore(configPath string) (*session.FileStore, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return session.NewFileStore(filepath.Join(cfg.StoragePath(), "sessions"))
}

func (c *ConfigInitCmd) Run() error {
	if _, err := os.Stat(c.Path); err == nil {
		return fmt.Errorf("%s already exists", c.Path)
	}
	if err := os.WriteFile(c.Path, []byte(starterConfig), 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", c.Path)
	return nil
}

func (c *ConfigShowCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

const starterConfig = `[llm]
model = "claude-sonnet-4-20250514"
max_tokens = 8192

[security]
auto_approve_up_to = "t1"
deny_above = "t4"
approval_timeout_secs = 60

# [security.tool_overrides]
# shell = "ask"

[guardian]
enabled = true
doom_loop_threshold = 3
stall_timeout_secs = 120
# budget_tokens = 500000

[loop]
max_turns = 50
max_duration_secs = 1800

[storage]
path = "~/.local/warden"
`
