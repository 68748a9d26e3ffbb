// Package kpatch implements the kernel-patch backend (spec.md §4.5):
// insmod/rmmod a livepatch module, toggle its sysfs "enabled" bit, and
// set its SELinux security label before loading.
package kpatch

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/openeuler-mirror/syscare/internal/conflict"
	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

// modulesObjectT is the SELinux type kernel modules must carry to be
// insmod-able under an enforcing policy.
const modulesObjectT = "system_u:object_r:modules_object_t:s0"

// Driver is the kernel-patch backend. Every external effect (running
// insmod/rmmod, rewriting an xattr, reading sysfs) is reachable through
// a struct field so tests can substitute a fake without touching a
// real kernel.
type Driver struct {
	Tracker *conflict.Tracker

	SysfsRoot          string // default "/sys/kernel/livepatch"
	SelinuxEnforcePath string // default "/sys/fs/selinux/enforce"
	ModulesDir         string // default "/sys/module"
	KernelRelease      string // default: uname -r

	// RunCmd executes an external tool (insmod/rmmod) and returns its
	// combined output. Defaults to os/exec.
	RunCmd func(name string, args ...string) ([]byte, error)

	// Setxattr rewrites a file's security context. Defaults to
	// golang.org/x/sys/unix.Setxattr("security.selinux", ...).
	Setxattr func(path string, value []byte) error
}

func New(tracker *conflict.Tracker) *Driver {
	return &Driver{
		Tracker:            tracker,
		SysfsRoot:          "/sys/kernel/livepatch",
		SelinuxEnforcePath: "/sys/fs/selinux/enforce",
		ModulesDir:         "/sys/module",
		KernelRelease:      uname(),
		RunCmd:             runCmd,
		Setxattr:           setxattr,
	}
}

func uname() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return cstr(u.Release[:])
}

func cstr(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func runCmd(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func setxattr(path string, value []byte) error {
	return unix.Setxattr(path, "security.selinux", value, 0)
}

func (d *Driver) enabledFile(p *patch.Patch) string {
	return filepath.Join(d.SysfsRoot, p.SysfsName(), "enabled")
}

// Status reads the patch's sysfs enabled file: absent -> NotApplied,
// "0" -> Deactived, "1" -> Actived, anything else -> error.
func (d *Driver) Status(p *patch.Patch) (patch.Status, error) {
	b, err := os.ReadFile(d.enabledFile(p))
	if os.IsNotExist(err) {
		return patch.NotApplied, nil
	}
	if err != nil {
		return patch.Unknown, kind.Wrap(kind.Driver, "reading %s: %w", d.enabledFile(p), err)
	}
	switch strings.TrimSpace(string(b)) {
	case "0":
		return patch.Deactived, nil
	case "1":
		return patch.Actived, nil
	default:
		return patch.Unknown, kind.Wrap(kind.Driver, "unexpected content %q in %s", string(b), d.enabledFile(p))
	}
}

// Check verifies (1) the artifact digest matches the entity's recorded
// digest, (2) the patch target equals "kernel-<uname-r>", (3) every
// module the patch targets is vmlinux or already loaded.
func (d *Driver) Check(p *patch.Patch) error {
	digest, err := fileDigest(p.Artifact)
	if err != nil {
		return kind.Wrap(kind.System, "digesting %s: %w", p.Artifact, err)
	}
	if digest != p.Entity.Digest {
		return kind.Wrap(kind.Consistency, "%s: digest mismatch, expected %s got %s", p.Artifact, p.Entity.Digest, digest)
	}

	want := "kernel-" + d.KernelRelease
	if p.Entity.Target != want {
		return kind.Wrap(kind.Dependency, "patch target %s incompatible with running kernel %s", p.Entity.Target, want)
	}

	for _, fn := range p.Functions {
		if fn.Object == "" || fn.Object == "vmlinux" {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.ModulesDir, fn.Object)); err != nil {
			return kind.Wrap(kind.Dependency, "module %s is not loaded", fn.Object)
		}
	}
	return nil
}

// Load rewrites the artifact's security context (if SELinux is
// enforcing) and insmods it.
func (d *Driver) Load(p *patch.Patch) error {
	if d.enforcing() {
		if err := d.Setxattr(p.Artifact, []byte(modulesObjectT)); err != nil {
			return kind.Wrap(kind.Driver, "relabeling %s: %w", p.Artifact, err)
		}
	}
	out, err := d.RunCmd("insmod", p.Artifact)
	if err != nil {
		return kind.Wrap(kind.Driver, "insmod %s: %w (%s)", p.Artifact, err, string(out))
	}
	return nil
}

// Remove rmmods the patch module.
func (d *Driver) Remove(p *patch.Patch) error {
	out, err := d.RunCmd("rmmod", p.SysfsName())
	if err != nil {
		return kind.Wrap(kind.Driver, "rmmod %s: %w (%s)", p.SysfsName(), err, string(out))
	}
	return nil
}

// Active writes "1" to the enabled file, after checking for symbol
// conflicts with any already-active patch on the same target(s).
func (d *Driver) Active(p *patch.Patch, force bool) error {
	if !force {
		if conflicts := d.conflicts(p); len(conflicts) > 0 {
			return kind.Wrap(kind.Conflict, "symbols claimed by already-active patches: %v", conflicts)
		}
	}
	if err := os.WriteFile(d.enabledFile(p), []byte("1"), 0644); err != nil {
		return kind.Wrap(kind.Driver, "activating %s: %w", p.Entity.Name, err)
	}
	d.claim(p)
	return nil
}

// Deactive writes "0" to the enabled file, after checking that no
// later-applied patch overrides this one's symbols.
func (d *Driver) Deactive(p *patch.Patch, force bool) error {
	if !force {
		if overrides := d.overrides(p); len(overrides) > 0 {
			return kind.Wrap(kind.Conflict, "symbols overridden by later patches: %v", overrides)
		}
	}
	if err := os.WriteFile(d.enabledFile(p), []byte("0"), 0644); err != nil {
		return kind.Wrap(kind.Driver, "deactivating %s: %w", p.Entity.Name, err)
	}
	d.unclaim(p)
	return nil
}

// targetSymbols groups p's function-table symbol names by the kernel
// object they belong to, since a single patch can span vmlinux and a
// module and conflicts are tracked per sub-target (spec.md §4.8).
func targetSymbols(p *patch.Patch) map[string][]string {
	out := make(map[string][]string)
	for _, fn := range p.Functions {
		obj := fn.Object
		if obj == "" {
			obj = "vmlinux"
		}
		out[obj] = append(out[obj], fn.Name)
	}
	return out
}

func (d *Driver) conflicts(p *patch.Patch) []string {
	var all []string
	for obj, syms := range targetSymbols(p) {
		all = append(all, d.Tracker.GetConflicts(obj, syms)...)
	}
	return all
}

func (d *Driver) overrides(p *patch.Patch) []string {
	var all []string
	for obj, syms := range targetSymbols(p) {
		all = append(all, d.Tracker.GetOverrides(obj, p.Entity.UUID, syms)...)
	}
	return all
}

func (d *Driver) claim(p *patch.Patch) {
	for obj, syms := range targetSymbols(p) {
		d.Tracker.AddSymbols(obj, p.Entity.UUID, syms)
	}
}

func (d *Driver) unclaim(p *patch.Patch) {
	for obj, syms := range targetSymbols(p) {
		d.Tracker.RemoveSymbols(obj, p.Entity.UUID, syms)
	}
}

func (d *Driver) enforcing() bool {
	b, err := os.ReadFile(d.SelinuxEnforcePath)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	return err == nil && n == 1
}

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
