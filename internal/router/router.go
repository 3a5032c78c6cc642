// Package router implements the listener's prefix-matching handler table
// and static-file fallback described in the HTTP codec's routing rule:
// longest-prefix wins; an unmatched path falls back to a public folder with
// traversal rejection, conditional requests, single-range support, and
// pre-compressed sidecar negotiation.
//
// Grounded on the teacher's channels.go prefix/pattern matching style
// (longest, most-specific match wins), generalized from NATS-subject
// matching to URL path prefixes.
package router

import (
	"sort"
	"strings"

	"github.com/ionrelay/ionrelay/internal/handler"
)

// Entry binds a path prefix to a handler and its per-route settings.
type Entry struct {
	Prefix  string
	Handler handler.Handler
}

// Table is a listener's prefix-matching route table plus an optional static
// file fallback directory.
type Table struct {
	entries    []Entry
	publicRoot string
}

// NewTable creates an empty route table. publicRoot, if non-empty, is
// consulted for any request that matches no entry.
func NewTable(publicRoot string) *Table {
	return &Table{publicRoot: publicRoot}
}

// Add registers prefix -> h. Longest-prefix-wins is computed at Match time,
// so registration order does not matter.
func (t *Table) Add(prefix string, h handler.Handler) {
	t.entries = append(t.entries, Entry{Prefix: prefix, Handler: h})
}

// Match returns the handler whose prefix is the longest match for path, or
// nil if none match (the caller should then try static file resolution via
// PublicRoot).
func (t *Table) Match(path string) handler.Handler {
	best := -1
	var bestHandler handler.Handler
	for _, e := range t.entries {
		if strings.HasPrefix(path, e.Prefix) && len(e.Prefix) > best {
			best = len(e.Prefix)
			bestHandler = e.Handler
		}
	}
	return bestHandler
}

// PublicRoot returns the configured static file root, or "" if none.
func (t *Table) PublicRoot() string { return t.publicRoot }

// Prefixes returns the registered prefixes sorted longest-first, useful for
// diagnostics/health output.
func (t *Table) Prefixes() []string {
	prefixes := make([]string, len(t.entries))
	for i, e := range t.entries {
		prefixes[i] = e.Prefix
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return prefixes
}
