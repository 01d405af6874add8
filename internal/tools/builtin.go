package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/openclaw/warden/internal/security"
)

// shellTool runs a command through the shell inside the working directory.
type shellTool struct {
	workDir string
}

// NewShellTool creates the shell tool rooted at workDir.
func NewShellTool(workDir string) Tool {
	return &shellTool{workDir: workDir}
}

func (t *shellTool) Name() string { return "shell" }

func (t *shellTool) Description() string {
	return "Run a shell command in the working directory and return its combined output."
}

func (t *shellTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to run",
			},
		},
		"required": []string{"command"},
	}
}

func (t *shellTool) Tier() security.Tier    { return security.TierT3 }
func (t *shellTool) Timeout() time.Duration { return 120 * time.Second }

func (t *shellTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return Errorf("command is required"), nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Errorf("command failed: %v\n%s", err, out), nil
	}
	return Success(string(out)), nil
}

// readTool reads a file relative to the working directory.
type readTool struct {
	workDir string
}

// NewReadTool creates the file read tool rooted at workDir.
func NewReadTool(workDir string) Tool {
	return &readTool{workDir: workDir}
}

func (t *readTool) Name() string { return "read" }

func (t *readTool) Description() string {
	return "Read the contents of a file at the given path."
}

func (t *readTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *readTool) Tier() security.Tier    { return security.TierT0 }
func (t *readTool) Timeout() time.Duration { return 0 }

func (t *readTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return Errorf("path is required"), nil
	}
	content, err := os.ReadFile(t.resolve(path))
	if err != nil {
		return Errorf("failed to read file: %v", err), nil
	}
	return Success(string(content)), nil
}

func (t *readTool) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.workDir, path)
}

// writeTool writes a file relative to the working directory.
type writeTool struct {
	workDir string
}

// NewWriteTool creates the file write tool rooted at workDir.
func NewWriteTool(workDir string) Tool {
	return &writeTool{workDir: workDir}
}

func (t *writeTool) Name() string { return "file_write" }

func (t *writeTool) Description() string {
	return "Write content to a file at the given path. Creates parent directories if needed."
}

func (t *writeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *writeTool) Tier() security.Tier    { return security.TierT1 }
func (t *writeTool) Timeout() time.Duration { return 0 }

func (t *writeTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return Errorf("path is required"), nil
	}
	content, ok := args["content"].(string)
	if !ok {
		return Errorf("content is required"), nil
	}

	resolved := path
	if !filepath.IsAbs(path) {
		resolved = filepath.Join(t.workDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return Errorf("failed to create directories: %v", err), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return Errorf("failed to write file: %v", err), nil
	}
	return Success(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

// RegisterBuiltins registers the built-in tool set rooted at workDir.
func RegisterBuiltins(r *Registry, workDir string) error {
	for _, t := range []Tool{
		NewShellTool(workDir),
		NewReadTool(workDir),
		NewWriteTool(workDir),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
