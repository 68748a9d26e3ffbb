// Command syscared is the patch-management daemon: it owns the patch
// registry, the status map, and the symbol-conflict tracker, and
// serves the manage CLI over a UNIX socket (spec.md §2, §6).
package main

import (
	"flag"
	"log"

	"github.com/openeuler-mirror/syscare/internal/conflict"
	"github.com/openeuler-mirror/syscare/internal/daemon"
	"github.com/openeuler-mirror/syscare/internal/driver/kpatch"
	"github.com/openeuler-mirror/syscare/internal/driver/upatch"
	"github.com/openeuler-mirror/syscare/internal/manager"
	"github.com/openeuler-mirror/syscare/internal/transaction"
)

var (
	installRoot  = flag.String("install_root", "/usr/lib/syscare", "root directory under which patches/ and patch_status live")
	socketPath   = flag.String("socket", "/run/syscare/syscare.sock", "UNIX socket the manage CLI connects to")
	acceptedOnly = flag.Bool("restore-accepted-only", false, "on startup, only restore patches whose persisted status is Accepted")
)

// noopInjector is the default upatch.Injector until a real
// live-patching injection service is wired in; it is an out-of-scope
// external collaborator per spec.md §1.
type noopInjector struct{}

func (noopInjector) Inject(pid int, artifact string) error { return nil }
func (noopInjector) Eject(pid int, artifact string) error  { return nil }

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()

	tracker := conflict.New()
	kernelDriver := kpatch.New(tracker)
	userDriver := upatch.New(tracker, noopInjector{})

	m := manager.New(*installRoot, kernelDriver, userDriver, tracker)
	m.AcceptedOnly = *acceptedOnly

	if err := m.Scan(); err != nil {
		log.Fatalf("syscared: initial scan: %v", err)
	}
	if err := m.Restore(); err != nil {
		log.Fatalf("syscared: restore: %v", err)
	}

	svc := &daemon.PatchService{Manager: m, Coordinator: transaction.New(m)}
	log.Printf("syscared: serving on %s (install root %s)", *socketPath, *installRoot)
	if err := daemon.Serve(*socketPath, svc); err != nil {
		log.Fatalf("syscared: serve: %v", err)
	}
}
