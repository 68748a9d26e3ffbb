// Package driver defines the small operation set shared by the kernel
// and user-space patch backends. The manager dispatches to whichever
// implementation matches a patch's Kind; per DESIGN.md this is modeled
// as a flat interface with two concrete implementations (kpatch,
// upatch) rather than a deeper abstract hierarchy.
package driver

import "github.com/openeuler-mirror/syscare/internal/patch"

// Driver is implemented by kpatch.Driver and upatch.Driver.
type Driver interface {
	// Status reads the patch's current state directly from the
	// backend (sysfs file, or in-memory bookkeeping for user patches).
	Status(p *patch.Patch) (patch.Status, error)

	// Check verifies the patch is safe to load: digest, target
	// compatibility, dependency presence.
	Check(p *patch.Patch) error

	// Load installs the patch artifact without activating it.
	Load(p *patch.Patch) error

	// Remove uninstalls a loaded-but-inactive patch artifact.
	Remove(p *patch.Patch) error

	// Active activates a loaded patch. If force is false and a
	// conflicting patch already claims one of this patch's symbols,
	// Active fails with a kind.Conflict error.
	Active(p *patch.Patch, force bool) error

	// Deactive deactivates an active patch. If force is false and a
	// later-applied patch overrides one of this patch's symbols,
	// Deactive fails with a kind.Conflict error.
	Deactive(p *patch.Patch, force bool) error
}
