// Package security provides risk classification, security policy, and
// dangerous-pattern detection for tool calls.
package security

import (
	"fmt"
	"strings"
)

// Tier is an ordinal risk classification for a tool call.
// T0 is read-only/safe; T4 is critical (destructive or irreversible).
type Tier int

const (
	TierT0 Tier = iota // read-only, no side effects
	TierT1             // workspace writes
	TierT2             // system writes outside the workspace
	TierT3             // network or process spawning
	TierT4             // critical: destructive, irreversible, or untrusted
)

// String returns the lowercase form used in config files and logs.
func (t Tier) String() string {
	return fmt.Sprintf("t%d", int(t))
}

// ParseTier parses "t0".."t4" (case-insensitive).
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t0":
		return TierT0, nil
	case "t1":
		return TierT1, nil
	case "t2":
		return TierT2, nil
	case "t3":
		return TierT3, nil
	case "t4":
		return TierT4, nil
	}
	return TierT0, fmt.Errorf("invalid security tier %q (expected t0..t4)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func minTier(a, b Tier) Tier {
	if a < b {
		return a
	}
	return b
}
