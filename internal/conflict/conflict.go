// Package conflict tracks, per target, which patch currently claims
// which symbol, and answers the conflict/override queries the drivers
// consult before activating or deactivating a patch (spec.md §4.8).
package conflict

import "sync"

// Tracker holds target -> symbol -> ordered list of claiming UUIDs.
// The last entry for a symbol is the effective override; earlier
// entries are shadowed but retained so a later deactivate can detect
// them.
type Tracker struct {
	mu      sync.Mutex
	targets map[string]map[string][]string
}

func New() *Tracker {
	return &Tracker{targets: make(map[string]map[string][]string)}
}

func (t *Tracker) byTarget(target string) map[string][]string {
	m, ok := t.targets[target]
	if !ok {
		m = make(map[string][]string)
		t.targets[target] = m
	}
	return m
}

// AddSymbols records uuid as a claimant of each of symbols on target.
func (t *Tracker) AddSymbols(target, uuid string, symbols []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byTarget(target)
	for _, sym := range symbols {
		m[sym] = append(m[sym], uuid)
	}
}

// RemoveSymbols removes every occurrence of uuid from the named
// symbols' claimant lists on target.
func (t *Tracker) RemoveSymbols(target, uuid string, symbols []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byTarget(target)
	for _, sym := range symbols {
		list := m[sym]
		out := list[:0]
		for _, u := range list {
			if u != uuid {
				out = append(out, u)
			}
		}
		if len(out) == 0 {
			delete(m, sym)
		} else {
			m[sym] = out
		}
	}
}

// GetConflicts returns the distinct UUIDs already claiming any of
// symbols on target, in first-seen order.
func (t *Tracker) GetConflicts(target string, symbols []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byTarget(target)
	seen := make(map[string]bool)
	var out []string
	for _, sym := range symbols {
		for _, u := range m[sym] {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

// GetOverrides returns the distinct UUIDs that appear after uuid in at
// least one of symbols' claimant lists on target: patches that shadow
// uuid and must be peeled before uuid can be deactivated.
func (t *Tracker) GetOverrides(target, uuid string, symbols []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byTarget(target)
	seen := make(map[string]bool)
	var out []string
	for _, sym := range symbols {
		list := m[sym]
		idx := -1
		for i, u := range list {
			if u == uuid {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		for _, u := range list[idx+1:] {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}
