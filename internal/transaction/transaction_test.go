package transaction_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openeuler-mirror/syscare/internal/conflict"
	"github.com/openeuler-mirror/syscare/internal/manager"
	"github.com/openeuler-mirror/syscare/internal/metadata"
	"github.com/openeuler-mirror/syscare/internal/patch"
	"github.com/openeuler-mirror/syscare/internal/transaction"
)

type fakeDriver struct {
	status     map[string]patch.Status
	failFor    string // entity UUID whose Active call fails
}

func (d *fakeDriver) Status(p *patch.Patch) (patch.Status, error) {
	if st, ok := d.status[p.Entity.UUID]; ok {
		return st, nil
	}
	return patch.NotApplied, nil
}
func (d *fakeDriver) Check(p *patch.Patch) error { return nil }
func (d *fakeDriver) Load(p *patch.Patch) error {
	d.status[p.Entity.UUID] = patch.Deactived
	return nil
}
func (d *fakeDriver) Remove(p *patch.Patch) error {
	d.status[p.Entity.UUID] = patch.NotApplied
	return nil
}
func (d *fakeDriver) Active(p *patch.Patch, force bool) error {
	if p.Entity.UUID == d.failFor {
		return errFake("active failed")
	}
	d.status[p.Entity.UUID] = patch.Actived
	return nil
}
func (d *fakeDriver) Deactive(p *patch.Patch, force bool) error {
	d.status[p.Entity.UUID] = patch.Deactived
	return nil
}

type errFake string

func (e errFake) Error() string { return string(e) }

// setup registers one patch per name, each under its own package so a
// UUID or qualified-name Match resolves to exactly one entity. sharedPkg,
// when non-empty, overrides every patch's target package name so a
// single short-name Match resolves to all of them at once.
func setup(t *testing.T, names []string, sharedPkg, failFor string) (*manager.Manager, *fakeDriver, []string) {
	t.Helper()
	root := t.TempDir()
	drv := &fakeDriver{status: make(map[string]patch.Status), failFor: failFor}

	var uuids []string
	for _, n := range names {
		pkg := n
		if sharedPkg != "" {
			pkg = sharedPkg
		}
		ent := patch.NewEntity(n, "/usr/bin/"+n, "digest-"+n)
		info := &patch.Info{
			UUID:     patch.NewUUID(),
			Name:     n,
			Kind:     patch.UserPatch,
			Target:   patch.TargetPackage{Name: pkg},
			Entities: []patch.Entity{ent},
		}
		dir := filepath.Join(root, "patches", info.UUID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := metadata.WriteInfoFile(filepath.Join(dir, "patch_info"), info); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, ent.Name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		uuids = append(uuids, ent.UUID)
	}

	m := manager.New(root, drv, drv, conflict.New())
	if err := m.Scan(); err != nil {
		t.Fatal(err)
	}
	return m, drv, uuids
}

func TestCoordinatorAppliesAllMatches(t *testing.T) {
	t.Parallel()
	m, _, uuids := setup(t, []string{"svc-a"}, "", "")
	coord := transaction.New(m)

	results, err := coord.Run(uuids[0], patch.Actived, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 1 || results[0].Status != patch.Actived {
		t.Fatalf("Run() results = %+v, want single Actived result", results)
	}
}

func TestCoordinatorRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	// Both patches share one package name, so a single Match("pkg")
	// resolves to both entities; the second one's Active call fails,
	// and the coordinator must roll the first back to NotApplied.
	m, drv, uuids := setup(t, []string{"svc-a", "svc-b"}, "pkg", "")
	drv.failFor = uuids[1]
	coord := transaction.New(m)

	results, err := coord.Run("pkg", patch.Actived, false)
	if err == nil {
		t.Fatal("expected Run() to fail when one entity's Active call fails")
	}

	var sawFailure bool
	for _, r := range results {
		if r.Err != nil {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("results = %+v, want at least one failing result", results)
	}

	for _, u := range uuids {
		if st, err := m.Status(u); err != nil || st != patch.NotApplied {
			t.Fatalf("after rollback, %s status = %v, %v, want NotApplied", u, st, err)
		}
	}
}

func TestCoordinatorNoMatch(t *testing.T) {
	t.Parallel()
	m, _, _ := setup(t, []string{"svc-a"}, "", "")
	coord := transaction.New(m)

	if _, err := coord.Run("does-not-exist", patch.Actived, false); err == nil {
		t.Fatal("expected error for unmatched pattern")
	}
}
