// Package routes implements the host+path route table: exact host before
// wildcard host, longest path prefix before shorter, insertion order as
// the final tie-break. The matching shape follows the host-precedence
// idiom used by the teacher's autoHTTPS host matching (most specific
// first), generalized to tako's two-level host/path patterns.
package routes

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Route binds one host+path pattern to an app name.
type Route struct {
	AppName string
	Host    string // exact host, or "*.example.com" wildcard
	Path    string // path prefix, always starting with "/"

	seq int // insertion order, for stable tie-breaking
}

// Table is the process-wide, concurrency-safe route table.
type Table struct {
	mu     sync.RWMutex
	routes []Route
	seq    int
}

// New returns an empty route table.
func New() *Table { return &Table{} }

// Conflict reports whether pattern would collide with an existing route
// for a different app (identical host+path already routed elsewhere).
func (t *Table) Conflict(appName, host, path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.Host == host && r.Path == path && r.AppName != appName {
			return fmt.Errorf("route %s%s already assigned to app %q: %w", host, path, r.AppName, ErrConflict)
		}
	}
	return nil
}

// ReplaceAppRoutes atomically removes all existing routes for appName
// and installs the given host/path pairs in order.
func (t *Table) ReplaceAppRoutes(appName string, patterns [][2]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range patterns {
		host, path := p[0], p[1]
		for _, r := range t.routes {
			if r.Host == host && r.Path == path && r.AppName != appName {
				return fmt.Errorf("route %s%s already assigned to app %q: %w", host, path, r.AppName, ErrConflict)
			}
		}
	}

	kept := t.routes[:0:0]
	for _, r := range t.routes {
		if r.AppName != appName {
			kept = append(kept, r)
		}
	}
	for _, p := range patterns {
		t.seq++
		kept = append(kept, Route{AppName: appName, Host: p[0], Path: p[1], seq: t.seq})
	}
	t.routes = kept
	return nil
}

// RemoveAppRoutes deletes every route belonging to appName.
func (t *Table) RemoveAppRoutes(appName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.routes[:0:0]
	for _, r := range t.routes {
		if r.AppName != appName {
			kept = append(kept, r)
		}
	}
	t.routes = kept
}

// Match finds the best route for the given request host and path:
// exact host beats wildcard host, longest matching path prefix beats a
// shorter one, and ties break on insertion order (first wins).
func (t *Table) Match(host, path string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []Route
	for _, r := range t.routes {
		if !hostMatches(r.Host, host) {
			continue
		}
		if !strings.HasPrefix(path, r.Path) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return Route{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aExact, bExact := !strings.HasPrefix(a.Host, "*."), !strings.HasPrefix(b.Host, "*.")
		if aExact != bExact {
			return aExact // exact host sorts first
		}
		if len(a.Path) != len(b.Path) {
			return len(a.Path) > len(b.Path) // longer prefix sorts first
		}
		return a.seq < b.seq // earlier insertion sorts first
	})
	return candidates[0], true
}

func hostMatches(pattern, host string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	suffix := pattern[1:] // ".example.com"
	return strings.HasSuffix(host, suffix) && host != suffix[1:]
}

// List returns a snapshot of all routes, in no particular order.
func (t *Table) List() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Route(nil), t.routes...)
}
