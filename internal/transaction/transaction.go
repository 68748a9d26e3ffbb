// Package transaction implements the transaction coordinator
// (spec.md §4.9): given a request that may match several patch
// entities, it snapshots each one's status, drives every entity toward
// the requested target sequentially, and rolls every already-modified
// entity back to its snapshot if any one of them fails.
package transaction

import (
	"github.com/openeuler-mirror/syscare/internal/manager"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

// Result is the outcome for one resolved entity.
type Result struct {
	UUID   string
	Status patch.Status
	Err    error
}

// Composite collects per-entity errors from a multi-identifier request
// (spec.md §7 "Propagation": "per-entity errors ... are collected and
// the request returns a composite error at the end").
type Composite struct {
	Results []Result
}

func (c *Composite) Error() string {
	msg := "composite error:"
	for _, r := range c.Results {
		if r.Err != nil {
			msg += " " + r.UUID + ": " + r.Err.Error() + ";"
		}
	}
	return msg
}

// Failed reports whether any Result in c carries an error.
func (c *Composite) Failed() bool {
	for _, r := range c.Results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// Coordinator drives one or more identifiers through a single manager
// under its write-serialized Transition calls.
type Coordinator struct {
	Manager *manager.Manager
}

func New(m *manager.Manager) *Coordinator {
	return &Coordinator{Manager: m}
}

// Run resolves pattern via Manager.Match, snapshots every matched
// entity's current status, then drives each toward target in turn. On
// any entity's failure, every entity transitioned so far in this call,
// including the one that failed part-way, is rolled back (in reverse
// order) to its snapshot before the
// composite error is returned. Entities that never started are left
// untouched.
func (c *Coordinator) Run(pattern string, target patch.Status, force bool) ([]Result, error) {
	uuids := c.Manager.Match(pattern)
	if len(uuids) == 0 {
		return nil, &Composite{Results: []Result{{UUID: pattern, Err: errNoMatch(pattern)}}}
	}

	type snapshot struct {
		uuid string
		from patch.Status
	}
	var done []snapshot
	results := make([]Result, 0, len(uuids))

	var firstErr error
	for _, uuid := range uuids {
		from, err := c.Manager.Status(uuid)
		if err != nil {
			results = append(results, Result{UUID: uuid, Err: err})
			firstErr = err
			break
		}
		st, err := c.Manager.Transition(uuid, target, force)
		results = append(results, Result{UUID: uuid, Status: st, Err: err})
		done = append(done, snapshot{uuid: uuid, from: from})
		if err != nil {
			firstErr = err
			break
		}
	}

	if firstErr != nil {
		for i := len(done) - 1; i >= 0; i-- {
			s := done[i]
			c.Manager.Transition(s.uuid, s.from, true)
		}
		return results, &Composite{Results: results}
	}
	return results, nil
}

type noMatchError string

func (e noMatchError) Error() string { return "no patch matches " + string(e) }

func errNoMatch(pattern string) error { return noMatchError(pattern) }
