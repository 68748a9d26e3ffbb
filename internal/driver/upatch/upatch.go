// Package upatch implements the user-space patch backend (spec.md
// §4.6): per-target bookkeeping of applied patches and patched PIDs,
// live injection into running processes, and an inotify watch so newly
// spawned processes of a patched binary are caught automatically.
package upatch

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/openeuler-mirror/syscare/internal/conflict"
	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Injector is the external live-patching service the driver asks to
// load or unload a patch ELF in a specific running process. It is an
// out-of-scope collaborator per spec.md §1; this is its contract.
type Injector interface {
	Inject(pid int, artifact string) error
	Eject(pid int, artifact string) error
}

// target is one entry of the driver's ActivePatchMap: a target binary
// path, the patches currently applied to it, and the PIDs already
// patched.
type target struct {
	mu          sync.Mutex
	status      map[string]patch.Status // entity uuid -> status
	patches     map[string]*patch.Patch // entity uuid -> patch, only while Deactived/Actived/Accepted
	activeOrder []string                // uuids in the order they became Actived, for conflict ordering
	pids        map[int]bool
	watchCancel func()
}

// Driver is the user-patch backend.
type Driver struct {
	Tracker  *conflict.Tracker
	Injector Injector

	// ListPIDs resolves the set of running PIDs whose main executable
	// is target. Defaults to scanning /proc/*/exe.
	ListPIDs func(target string) ([]int, error)

	// NewWatcher constructs an fsnotify watcher. Overridable for tests
	// that never touch a real filesystem event source.
	NewWatcher func() (*fsnotify.Watcher, error)

	mu      sync.Mutex
	targets map[string]*target
}

func New(tracker *conflict.Tracker, injector Injector) *Driver {
	return &Driver{
		Tracker:    tracker,
		Injector:   injector,
		ListPIDs:   listPIDsProc,
		NewWatcher: fsnotify.NewWatcher,
		targets:    make(map[string]*target),
	}
}

func (d *Driver) targetFor(path string) *target {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.targets[path]
	if !ok {
		t = &target{
			status:  make(map[string]patch.Status),
			patches: make(map[string]*patch.Patch),
			pids:    make(map[int]bool),
		}
		d.targets[path] = t
	}
	return t
}

// Status returns the in-memory bookkeeping status for p, NotApplied if
// never loaded.
func (d *Driver) Status(p *patch.Patch) (patch.Status, error) {
	t := d.targetFor(p.Entity.Target)
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.status[p.Entity.UUID]; ok {
		return st, nil
	}
	return patch.NotApplied, nil
}

// Check verifies the artifact digest matches the recorded one and that
// the target ELF exists.
func (d *Driver) Check(p *patch.Patch) error {
	if _, err := os.Stat(p.Entity.Target); err != nil {
		return kind.Wrap(kind.Dependency, "target binary %s: %w", p.Entity.Target, err)
	}
	digest, err := fileDigest(p.Artifact)
	if err != nil {
		return kind.Wrap(kind.System, "digesting %s: %w", p.Artifact, err)
	}
	if digest != p.Entity.Digest {
		return kind.Wrap(kind.Consistency, "%s: digest mismatch, expected %s got %s", p.Artifact, p.Entity.Digest, digest)
	}
	return nil
}

// Load is purely in-memory bookkeeping: insert p into the target's
// applied-patch map at Deactived.
func (d *Driver) Load(p *patch.Patch) error {
	t := d.targetFor(p.Entity.Target)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.patches[p.Entity.UUID] = p
	t.status[p.Entity.UUID] = patch.Deactived
	return nil
}

// Remove is purely in-memory bookkeeping: drop p from the target's
// applied-patch map, leaving it NotApplied.
func (d *Driver) Remove(p *patch.Patch) error {
	t := d.targetFor(p.Entity.Target)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.patches, p.Entity.UUID)
	delete(t.status, p.Entity.UUID)
	t.activeOrder = removeString(t.activeOrder, p.Entity.UUID)
	return nil
}

// Active enumerates every running process of p's target binary,
// injects p into each, and subscribes to inotify so future process
// launches are caught by onNewProcess.
func (d *Driver) Active(p *patch.Patch, force bool) error {
	symbols := functionNames(p)
	if !force {
		if conflicts := d.Tracker.GetConflicts(p.Entity.Target, symbols); len(conflicts) > 0 {
			return kind.Wrap(kind.Conflict, "symbols claimed by already-active patches: %v", conflicts)
		}
	}

	pids, err := d.ListPIDs(p.Entity.Target)
	if err != nil {
		return kind.Wrap(kind.System, "listing pids for %s: %w", p.Entity.Target, err)
	}

	t := d.targetFor(p.Entity.Target)

	done := make([]int, 0, len(pids))
	var injectErr error
	for _, pid := range pids {
		if err := d.Injector.Inject(pid, p.Artifact); err != nil {
			injectErr = kind.Wrap(kind.Driver, "injecting into pid %d: %w", pid, err)
			break
		}
		done = append(done, pid)
	}
	if injectErr != nil {
		// Best-effort rollback, reverse order (spec.md §4.6 atomicity).
		for i := len(done) - 1; i >= 0; i-- {
			_ = d.Injector.Eject(done[i], p.Artifact)
		}
		return injectErr
	}

	t.mu.Lock()
	for _, pid := range done {
		t.pids[pid] = true
	}
	t.status[p.Entity.UUID] = patch.Actived
	t.activeOrder = append(t.activeOrder, p.Entity.UUID)
	needWatch := t.watchCancel == nil
	t.mu.Unlock()

	d.Tracker.AddSymbols(p.Entity.Target, p.Entity.UUID, symbols)

	if needWatch {
		if err := d.watch(p.Entity.Target, t); err != nil {
			return kind.Wrap(kind.System, "watching %s: %w", p.Entity.Target, err)
		}
	}
	return nil
}

// Deactive ejects p from every PID it was injected into. If this
// leaves the target with no applied patches, the inotify watch is
// cancelled.
func (d *Driver) Deactive(p *patch.Patch, force bool) error {
	symbols := functionNames(p)
	if !force {
		if overrides := d.Tracker.GetOverrides(p.Entity.Target, p.Entity.UUID, symbols); len(overrides) > 0 {
			return kind.Wrap(kind.Conflict, "symbols overridden by later patches: %v", overrides)
		}
	}

	t := d.targetFor(p.Entity.Target)
	t.mu.Lock()
	pids := make([]int, 0, len(t.pids))
	for pid := range t.pids {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	var g errgroup.Group
	for _, pid := range pids {
		pid := pid
		g.Go(func() error {
			return d.Injector.Eject(pid, p.Artifact)
		})
	}
	if err := g.Wait(); err != nil {
		return kind.Wrap(kind.Driver, "ejecting %s: %w", p.Entity.Name, err)
	}

	t.mu.Lock()
	t.status[p.Entity.UUID] = patch.Deactived
	t.activeOrder = removeString(t.activeOrder, p.Entity.UUID)
	empty := len(t.activeOrder) == 0
	var cancel func()
	if empty && t.watchCancel != nil {
		cancel = t.watchCancel
		t.watchCancel = nil
		t.pids = make(map[int]bool)
	}
	t.mu.Unlock()

	d.Tracker.RemoveSymbols(p.Entity.Target, p.Entity.UUID, symbols)

	if cancel != nil {
		cancel()
	}
	return nil
}

func (d *Driver) watch(path string, t *target) error {
	w, err := d.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				d.onNewProcess(path, t)
			case <-w.Errors:
			case <-done:
				w.Close()
				return
			}
		}
	}()
	t.mu.Lock()
	t.watchCancel = func() { close(done) }
	t.mu.Unlock()
	return nil
}

// onNewProcess computes current_pids \ last_patched_pids and injects
// every active patch into each new pid. Failures on an individual pid
// are logged and do not abort the sweep (spec.md §4.6).
func (d *Driver) onNewProcess(path string, t *target) {
	current, err := d.ListPIDs(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "upatch: listing pids for %s: %v\n", path, err)
		return
	}

	t.mu.Lock()
	var fresh []int
	for _, pid := range current {
		if !t.pids[pid] {
			fresh = append(fresh, pid)
		}
	}
	var active []*patch.Patch
	for _, uuid := range t.activeOrder {
		active = append(active, t.patches[uuid])
	}
	t.mu.Unlock()

	for _, pid := range fresh {
		ok := true
		for _, p := range active {
			if err := d.Injector.Inject(pid, p.Artifact); err != nil {
				fmt.Fprintf(os.Stderr, "upatch: injecting %s into new pid %d: %v\n", p.Entity.Name, pid, err)
				ok = false
			}
		}
		if ok {
			t.mu.Lock()
			t.pids[pid] = true
			t.mu.Unlock()
		}
	}
}

func functionNames(p *patch.Patch) []string {
	names := make([]string, len(p.Functions))
	for i, fn := range p.Functions {
		names[i] = fn.Name
	}
	return names
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// listPIDsProc resolves running PIDs whose /proc/<pid>/exe symlink
// resolves to target.
func listPIDsProc(target string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		exe, err := os.Readlink(filepath.Join("/proc", e.Name(), "exe"))
		if err != nil {
			continue
		}
		if exe == target {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}
