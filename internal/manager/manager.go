// Package manager implements the patch-management core (spec.md §4.7):
// the registry of installed patches, the status map, the static
// transition table, install-dir scanning, identifier matching, and
// restore-on-start policy. It owns the symbol-conflict tracker and
// dispatches driver actions to whichever backend matches a patch's
// Kind, per DESIGN.md's "sum type over (KernelDriver, UserDriver)"
// note rather than a deep interface hierarchy.
package manager

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openeuler-mirror/syscare/internal/conflict"
	"github.com/openeuler-mirror/syscare/internal/driver"
	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/metadata"
	"github.com/openeuler-mirror/syscare/internal/patch"
	"github.com/openeuler-mirror/syscare/internal/status"
)

// Action is one atomic driver-dispatched step of a Transition.
type Action int

const (
	Check Action = iota
	Load
	Remove
	Active
	Deactive
	Accept
	Decline
)

func (a Action) String() string {
	switch a {
	case Check:
		return "Check"
	case Load:
		return "Load"
	case Remove:
		return "Remove"
	case Active:
		return "Active"
	case Deactive:
		return "Deactive"
	case Accept:
		return "Accept"
	case Decline:
		return "Decline"
	default:
		return "Unknown"
	}
}

// transitionKey is an ordered (from, to) pair.
type transitionKey struct {
	from, to patch.Status
}

// table is the static transition table from spec.md §4.7. Unlisted
// pairs (aside from same-state no-ops) log and do not mutate.
var table = map[transitionKey][]Action{
	{patch.NotApplied, patch.Deactived}: {Check, Load},
	{patch.NotApplied, patch.Actived}:   {Check, Load, Active},
	{patch.NotApplied, patch.Accepted}:  {Check, Load, Active, Accept},
	{patch.Deactived, patch.NotApplied}: {Remove},
	{patch.Deactived, patch.Actived}:    {Check, Active},
	{patch.Deactived, patch.Accepted}:   {Active, Accept},
	{patch.Actived, patch.NotApplied}:   {Deactive, Remove},
	{patch.Actived, patch.Deactived}:    {Deactive},
	{patch.Actived, patch.Accepted}:     {Accept},
	{patch.Accepted, patch.NotApplied}:  {Decline, Deactive, Remove},
	{patch.Accepted, patch.Deactived}:   {Decline, Deactive},
	{patch.Accepted, patch.Actived}:     {Decline},
}

// TransitionIncomplete is returned when an action sequence completes
// without driver error but the entity did not end up at the requested
// status.
type TransitionIncomplete struct {
	UUID string
	Want patch.Status
	Got  patch.Status
}

func (e *TransitionIncomplete) Error() string {
	return "transition incomplete: " + e.UUID + " wanted " + e.Want.String() + " got " + e.Got.String()
}

// entry is one registered patch, private to the manager.
type entry struct {
	info   *patch.Info
	view   *patch.Patch
	status patch.Status
}

// Manager owns the registry of patches, the status map, and the
// symbol-conflict tracker behind a single reader-writer lock
// (spec.md §5, §9 "Global state").
type Manager struct {
	InstallRoot string
	Kernel      driver.Driver
	User        driver.Driver
	Tracker     *conflict.Tracker
	Store       *status.Store

	// AcceptedOnly, when set, restricts Restore to entries whose
	// persisted status is Accepted (spec.md §4.7 "Restore policy").
	AcceptedOnly bool

	mu      sync.RWMutex
	entries map[string]*entry // uuid -> entry
}

// New constructs a Manager rooted at installRoot, wiring both driver
// backends and the given symbol-conflict tracker.
func New(installRoot string, kernel, user driver.Driver, tracker *conflict.Tracker) *Manager {
	return &Manager{
		InstallRoot: installRoot,
		Kernel:      kernel,
		User:        user,
		Tracker:     tracker,
		Store:       status.New(installRoot),
		entries:     make(map[string]*entry),
	}
}

func (m *Manager) driverFor(info *patch.Info) driver.Driver {
	if info.Kind == patch.KernelPatch {
		return m.Kernel
	}
	return m.User
}

// Scan lists sub-directories of the install root, loads each one's
// metadata file, and (re)materializes its Patch views. Broken
// directories (missing or malformed metadata) log and are skipped; the
// rest still register (spec.md §4.7 "Scanning", §8 boundary case).
func (m *Manager) Scan() error {
	dirs, err := os.ReadDir(filepath.Join(m.InstallRoot, "patches"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return kind.Wrap(kind.System, "reading install root %s: %w", m.InstallRoot, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(m.InstallRoot, "patches", d.Name())
		info, err := metadata.ReadInfo(filepath.Join(dir, "patch_info"))
		if err != nil {
			log.Printf("manager: skipping broken patch directory %s: %v", dir, err)
			continue
		}
		accepted := fileExists(filepath.Join(dir, "accept_flag"))
		for _, ent := range info.Entities {
			view := &patch.Patch{
				Info:      info,
				Entity:    ent,
				Artifact:  filepath.Join(dir, ent.Name),
				Functions: ent.Functions,
			}
			st := patch.NotApplied
			if e, ok := m.entries[ent.UUID]; ok {
				st = e.status
			} else if accepted {
				st = patch.Accepted
			}
			m.entries[ent.UUID] = &entry{info: info, view: view, status: st}
			seen[ent.UUID] = true
		}
	}
	for uuid := range m.entries {
		if !seen[uuid] {
			delete(m.entries, uuid)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Status returns the current status of uuid.
func (m *Manager) Status(uuid string) (patch.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[uuid]
	if !ok {
		return patch.Unknown, kind.Wrap(kind.Input, "no such patch %s", uuid)
	}
	return e.status, nil
}

// List returns every registered entity UUID, its PatchInfo, and its
// current status, under a read lock.
type Listing struct {
	UUID   string
	Info   *patch.Info
	Entity patch.Entity
	Status patch.Status
}

func (m *Manager) List() []Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Listing, 0, len(m.entries))
	for uuid, e := range m.entries {
		out = append(out, Listing{UUID: uuid, Info: e.info, Entity: e.view.Entity, Status: e.status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Match resolves an identifier string per spec.md §4.7 "Identifier
// matching": a full UUID (exact), an entity-qualified name
// "target-pkg/patch-name/entity-target", the prefix
// "target-pkg/patch-name", or the short package name. (b)-(d) may
// return multiple entities.
func (m *Manager) Match(s string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.entries[s]; ok {
		return []string{s}
	}

	var out []string
	for uuid, e := range m.entries {
		qualified := e.info.QualifiedName() + "/" + e.view.Entity.Target
		switch {
		case qualified == s:
			out = append(out, uuid)
		case e.info.QualifiedName() == s:
			out = append(out, uuid)
		case e.info.Target.Name == s:
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out
}

// Transition drives entity uuid from its current status to target,
// executing the table's action sequence under the manager's write
// lock. On driver failure the action sequence aborts and the entity's
// status is re-read from the driver to re-sync the manager's view
// (spec.md §4.7).
func (m *Manager) Transition(uuid string, target patch.Status, force bool) (patch.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(uuid, target, force)
}

func (m *Manager) transitionLocked(uuid string, target patch.Status, force bool) (patch.Status, error) {
	e, ok := m.entries[uuid]
	if !ok {
		return patch.Unknown, kind.Wrap(kind.Input, "no such patch %s", uuid)
	}
	if e.status == target {
		return e.status, nil
	}

	actions, ok := table[transitionKey{e.status, target}]
	if !ok {
		log.Printf("manager: no transition from %s to %s for %s, ignoring", e.status, target, uuid)
		return e.status, nil
	}

	drv := m.driverFor(e.info)
	for _, action := range actions {
		if err := m.dispatch(drv, e, action, force); err != nil {
			if st, serr := drv.Status(e.view); serr == nil {
				e.status = st
			}
			return e.status, err
		}
	}

	if e.status != target {
		return e.status, &TransitionIncomplete{UUID: uuid, Want: target, Got: e.status}
	}
	return e.status, nil
}

func (m *Manager) dispatch(drv driver.Driver, e *entry, action Action, force bool) error {
	switch action {
	case Check:
		if err := drv.Check(e.view); err != nil {
			return err
		}
	case Load:
		if err := drv.Load(e.view); err != nil {
			return err
		}
		e.status = patch.Deactived
	case Remove:
		if err := drv.Remove(e.view); err != nil {
			return err
		}
		e.status = patch.NotApplied
	case Active:
		if err := drv.Active(e.view, force); err != nil {
			return err
		}
		e.status = patch.Actived
	case Deactive:
		if err := drv.Deactive(e.view, force); err != nil {
			return err
		}
		e.status = patch.Deactived
	case Accept:
		if e.status != patch.Actived {
			return kind.Wrap(kind.State, "cannot accept %s: not active", e.view.Entity.Name)
		}
		e.status = patch.Accepted
	case Decline:
		e.status = patch.Actived
	}
	return nil
}

// Restore reads the persisted status map and drives every entity whose
// patch still exists toward its stored status. If AcceptedOnly is set,
// only entries stored as Accepted are restored; others remain
// NotApplied (spec.md §4.7 "Restore policy", §8 scenario 5).
//
// Per-entity restore errors are logged and do not abort startup
// (spec.md §7 "Restore-on-start errors are logged and do not abort
// daemon startup").
func (m *Manager) Restore() error {
	saved, err := m.Store.Load()
	if err != nil {
		log.Printf("manager: loading status store: %v", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for uuid, want := range saved {
		e, ok := m.entries[uuid]
		if !ok {
			log.Printf("manager: status store references missing patch %s, dropping", uuid)
			continue
		}
		if m.AcceptedOnly && want != patch.Accepted {
			continue
		}
		if _, err := m.transitionLocked(uuid, want, false); err != nil {
			log.Printf("manager: restoring %s to %s: %v", uuid, want, err)
		}
	}
	return nil
}

// Save refreshes every entity's status directly from its driver, then
// persists the resulting map atomically (spec.md §5 "save_patch_status
// ... refreshes every status via the driver before serializing").
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(status.Map, len(m.entries))
	for uuid, e := range m.entries {
		drv := m.driverFor(e.info)
		if st, err := drv.Status(e.view); err == nil {
			// Accepted is a manager-level layer the drivers never
			// report (they only know NotApplied/Deactived/Actived);
			// only adopt the refreshed status when it disagrees with
			// that layer, i.e. the patch fell out of Actived outside
			// the manager's knowledge.
			if !(e.status == patch.Accepted && st == patch.Actived) {
				e.status = st
			}
		}
		out[uuid] = e.status
	}
	return m.Store.Save(out)
}

// SplitQualified splits an entity-qualified identifier into its
// "target-pkg/patch-name" prefix and trailing "entity-target"
// component, used by callers assembling Match queries.
func SplitQualified(s string) (prefix, target string) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}
