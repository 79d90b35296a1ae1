// Package policy is the advisory admission layer in front of tool execution: a block list of
// destructive tool names, an always-allow list of read-only ones, and free-text intent checks.
// It is not a sandbox.
package policy

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/rs/zerolog/log"
)

// Tables are the two reloadable policy lists. Entries are exact tool names or glob patterns.
type Tables struct {
	Blocked     []string `json:"blocked" yaml:"blocked"`
	AlwaysAllow []string `json:"always_allow" yaml:"always_allow"`
}

// DefaultTables returns the built-in policy lists
func DefaultTables() Tables {
	return Tables{
		Blocked: []string{
			"delete_file",
			"delete_all",
			"delete_*",
			"make_payment",
			"payment*",
			"shutdown",
			"system_shutdown",
			"drop_table",
			"format_disk",
		},
		AlwaysAllow: []string{
			"read_file",
			"list_directory",
			"search_web",
			"web_fetch",
			"get_time",
			"search_memory",
		},
	}
}

// Validate checks that every entry is a usable pattern.
func (t Tables) Validate() error {
	for _, list := range [][]string{t.Blocked, t.AlwaysAllow} {
		for _, pattern := range list {
			if pattern == "" {
				return fmt.Errorf("empty policy entry")
			}
			if _, err := filepath.Match(pattern, ""); err != nil {
				return fmt.Errorf("invalid policy pattern %q: %w", pattern, err)
			}
		}
	}
	return nil
}

func (t Tables) clone() Tables {
	return Tables{
		Blocked:     append([]string(nil), t.Blocked...),
		AlwaysAllow: append([]string(nil), t.AlwaysAllow...),
	}
}

// Gate decides whether a tool call may proceed.
type Gate struct {
	tables Tables
	mu     sync.RWMutex
}

// NewGate creates a gate over tables.
func NewGate(tables Tables) *Gate {
	return &Gate{tables: tables.clone()}
}

// Check reports whether the named tool may run and why. The always-allow list wins over the
// block list; anything on neither list is allowed.
func (g *Gate) Check(name string, params map[string]interface{}) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if pattern, ok := firstMatch(g.tables.AlwaysAllow, name); ok {
		observability.RecordPolicyDecision(true)
		return true, fmt.Sprintf("tool '%s' is always allowed (matched '%s')", name, pattern)
	}

	if pattern, ok := firstMatch(g.tables.Blocked, name); ok {
		observability.RecordPolicyDecision(false)
		log.Warn().
			Str("tool", name).
			Str("pattern", pattern).
			Int("params", len(params)).
			Msg("Tool blocked by policy")
		return false, fmt.Sprintf("tool '%s' is on the block list (matched '%s')", name, pattern)
	}

	observability.RecordPolicyDecision(true)
	return true, ""
}

// Update replaces both policy lists.
func (g *Gate) Update(tables Tables) {
	g.mu.Lock()
	g.tables = tables.clone()
	g.mu.Unlock()

	log.Info().
		Int("blocked", len(tables.Blocked)).
		Int("always_allow", len(tables.AlwaysAllow)).
		Msg("Policy tables updated")
}

// Tables returns a copy of the current lists
func (g *Gate) Tables() Tables {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tables.clone()
}

func firstMatch(patterns []string, name string) (string, bool) {
	for _, pattern := range patterns {
		if pattern == name || matchGlob(pattern, name) {
			return pattern, true
		}
	}
	return "", false
}

func matchGlob(pattern, name string) bool {
	if pattern == "*" {
		return true
	}

	matched, err := filepath.Match(pattern, name)
	if err != nil {
		log.Warn().
			Err(err).
			Str("pattern", pattern).
			Msg("Invalid glob pattern")
		return false
	}

	return matched
}
