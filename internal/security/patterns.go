package security

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"
	"gopkg.in/yaml.v3"
)

// Pattern pairs a regular expression with a human-readable label recorded in
// the decision log when the pattern matches.
type Pattern struct {
	Regex string `yaml:"regex"`
	Label string `yaml:"label"`
}

type compiledPattern struct {
	re    *regexp.Regexp
	label string
}

// defaultPatterns is the built-in set. The list is product policy, not
// architecture: a patterns file replaces it wholesale at runtime.
var defaultPatterns = []Pattern{
	{Regex: `rm\s+(-\w*)?r`, Label: "recursive delete"},
	{Regex: `git\s+push\s+.*--force`, Label: "force push"},
	{Regex: `git\s+reset\s+--hard`, Label: "hard reset"},
	{Regex: `(?i)DROP\s+TABLE`, Label: "SQL drop"},
	{Regex: `chmod\s+777`, Label: "wide-open permissions"},
	{Regex: `mkfs\.`, Label: "format filesystem"},
	{Regex: `dd\s+if=`, Label: "raw disk write"},
	{Regex: `>\s*/dev/`, Label: "write to device"},
	{Regex: `curl.*\|\s*(ba)?sh`, Label: "pipe to shell"},
}

// PatternSet is a reloadable collection of dangerous-pattern matchers.
type PatternSet struct {
	mu       sync.RWMutex
	compiled []compiledPattern
	logger   *logging.Logger
}

// DefaultPatterns returns a set holding the built-in patterns.
func DefaultPatterns() *PatternSet {
	ps := &PatternSet{logger: logging.New().WithComponent("patterns")}
	ps.replace(defaultPatterns)
	return ps
}

// replace swaps in a new pattern list, skipping entries that fail to compile.
func (ps *PatternSet) replace(patterns []Pattern) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			ps.logger.Warn("skipping invalid dangerous pattern", map[string]interface{}{
				"regex": p.Regex,
				"error": err.Error(),
			})
			continue
		}
		compiled = append(compiled, compiledPattern{re: re, label: p.Label})
	}

	ps.mu.Lock()
	ps.compiled = compiled
	ps.mu.Unlock()
}

// Match scans text against the current pattern list and returns the label of
// the first match.
func (ps *PatternSet) Match(text string) (string, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, p := range ps.compiled {
		if p.re.MatchString(text) {
			return p.label, true
		}
	}
	return "", false
}

// Len returns the number of active patterns.
func (ps *PatternSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.compiled)
}

// LoadFile replaces the pattern list from a YAML file containing a list of
// {regex, label} entries.
func (ps *PatternSet) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading patterns file: %w", err)
	}
	var patterns []Pattern
	if err := yaml.Unmarshal(data, &patterns); err != nil {
		return fmt.Errorf("parsing patterns file: %w", err)
	}
	ps.replace(patterns)
	ps.logger.Info("loaded dangerous patterns", map[string]interface{}{
		"path":  path,
		"count": ps.Len(),
	})
	return nil
}

// Watch reloads the pattern file on change until the returned stop function
// is called. A reload failure keeps the previous pattern list.
func (ps *PatternSet) Watch(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating pattern watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching patterns file: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := ps.LoadFile(path); err != nil {
					ps.logger.Warn("pattern reload failed, keeping previous set", map[string]interface{}{
						"path":  path,
						"error": err.Error(),
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ps.logger.Warn("pattern watcher error", map[string]interface{}{
					"error": err.Error(),
				})
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
