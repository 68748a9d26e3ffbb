// Package patch holds the data model shared by the build pipeline and
// the daemon: patch files, the on-disk PatchInfo descriptor, the
// driver-kind enum, and the runtime Patch view joining them with an
// installed artifact.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Kind distinguishes a kernel livepatch from a user-space one; the
// manager and the drivers dispatch on it instead of using an interface
// hierarchy (see DESIGN.md, "dynamic dispatch for drivers").
type Kind int

const (
	KernelPatch Kind = iota
	UserPatch
)

func (k Kind) String() string {
	if k == KernelPatch {
		return "KernelPatch"
	}
	return "UserPatch"
}

// File is a single unified diff collected for a patch build. Immutable
// after CollectFile.
type File struct {
	Name   string // stable file name, e.g. "fix-overflow.patch"
	Path   string // absolute path on disk
	Digest string // sha256 hex digest of the contents
}

// NewUUID allocates a fresh UUID, used by the build pipeline for both
// PatchInfo and PatchEntity identifiers.
func NewUUID() string { return uuid.NewString() }

// DigestFile returns the sha256 hex digest of path's contents.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("digesting %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", xerrors.Errorf("digesting %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CollectFiles runs CollectFile over a list of patch file paths,
// deriving each one's stable name from its base name.
func CollectFiles(paths []string) ([]File, error) {
	out := make([]File, 0, len(paths))
	for _, p := range paths {
		f, err := CollectFile(p, filepath.Base(p))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// CollectFile stat/hashes path and returns an immutable File record.
func CollectFile(path, name string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, xerrors.Errorf("opening patch file %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return File{}, xerrors.Errorf("hashing patch file %s: %w", path, err)
	}
	return File{
		Name:   name,
		Path:   path,
		Digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// FuncEntry is one row of a patch's resolved function table: the
// original and replacement addresses/sizes of a single patched
// function, keyed by the object (vmlinux, a module name, or empty for
// a user patch's single target).
type FuncEntry struct {
	Name    string
	Object  string
	OldAddr uint64
	OldSize uint64
	NewAddr uint64
	NewSize uint64
}

// Entity is one unit a driver applies independently. A PatchInfo
// contains one or more, all of the same Kind as the PatchInfo.
type Entity struct {
	UUID      string
	Name      string
	Target    string // vmlinux, a module file name, or an absolute ELF path
	Digest    string // content digest of the produced artifact
	Patched   bool   // cached driver-observed state; not set or read by the manager or drivers
	Functions []FuncEntry
}

// NewEntity allocates a fresh UUID for a new entity, matching the
// teacher's convention of generating identifiers at construction time
// rather than leaving them zero-valued.
func NewEntity(name, target, digest string) Entity {
	return Entity{UUID: uuid.NewString(), Name: name, Target: target, Digest: digest}
}

// TargetPackage is the RPM-shaped descriptor of the package a PatchInfo
// modifies, supplemented from original_source's patch_info.rs.
type TargetPackage struct {
	Name       string
	Epoch      string
	Version    string
	Release    string
	Arch       string
	License    string
	SourceFile string
}

// Info is the package-level descriptor of one build output: spec.md's
// PatchInfo. It is immutable after the build pipeline constructs it and
// is safe to share (read-only) across many runtime Patch views.
type Info struct {
	UUID        string
	Name        string
	Version     string
	Release     int
	Arch        string
	Kind        Kind
	Target      TargetPackage
	Entities    []Entity
	Description string
	Files       []File
	CreatedAt   time.Time
}

// Validate checks that there is at least one entity and that every
// entity has a UUID. Entities carry no Kind of their own, so kind
// agreement with the PatchInfo is not checked.
func (i *Info) Validate() error {
	if len(i.Entities) == 0 {
		return xerrors.Errorf("patch %s/%s has no entities", i.Name, i.Version)
	}
	for _, e := range i.Entities {
		if e.UUID == "" {
			return xerrors.Errorf("entity %q in patch %s has no uuid", e.Name, i.Name)
		}
	}
	return nil
}

// QualifiedName returns the "target-pkg/patch-name" prefix used by
// match_patch (§4.7).
func (i *Info) QualifiedName() string {
	return i.Target.Name + "/" + i.Name
}

// Patch is the driver-ready runtime view: an Info, one of its
// Entities, and the on-disk artifact path, joined by the manager when
// it scans the install directory.
type Patch struct {
	Info      *Info // shared, read-only
	Entity    Entity
	Artifact  string // path to the .ko (kernel) or relocatable ELF (user)
	Functions []FuncEntry
}

// SysfsName is the kernel driver's sanitized control-file component:
// the entity name with '-' and '.' replaced by '_' (spec.md §6).
func (p *Patch) SysfsName() string {
	return sanitize(p.Entity.Name)
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '-' || c == '.' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
