// Package diffengine drives the per-object diff binary (upatch-diff)
// over every correlated object pair and assembles the notes.o carrying
// build-id provenance into the final livepatch (spec.md §4.3).
package diffengine

import (
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/relation"
)

// DiffBinary is the external per-object diff tool's path, defaulting
// to "upatch-diff" on PATH. It is an out-of-scope collaborator per
// spec.md §1 ("the diff binary" is specified only at its interface):
// invoked as `upatch-diff -s <original> -p <patched> -d <debuginfo> -o
// <output>`.
var DiffBinary = "upatch-diff"

// Engine runs DiffBinary over a set of object pairs.
type Engine struct {
	DiffBinary string
	RunCmd     func(argv []string) ([]byte, error)
}

func New() *Engine {
	return &Engine{DiffBinary: DiffBinary, RunCmd: runCmd}
}

func runCmd(argv []string) ([]byte, error) {
	return exec.Command(argv[0], argv[1:]...).CombinedOutput()
}

// Result is one pair's outcome: Relocatable is empty if the objects
// are functionally identical (spec.md §4.3 "Policy").
type Result struct {
	UUID        string
	Relocatable string // path, empty if the diff was empty
}

// Diff runs the diff tool concurrently (one goroutine per pair, fanned
// out with errgroup the way the teacher's internal/build used it for
// per-package work) over pairs, writing each non-empty relocatable into
// outDir. An object pair that yields an empty diff is silently skipped.
func (e *Engine) Diff(pairs []relation.ObjectPair, debuginfo, outDir string) ([]Result, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, kind.Wrap(kind.System, "creating diff output dir %s: %w", outDir, err)
	}

	results := make([]Result, len(pairs))
	var g errgroup.Group
	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			out := filepath.Join(outDir, pair.UUID+".o")
			output, err := e.RunCmd([]string{e.DiffBinary, "-s", pair.Original, "-p", pair.Patched, "-d", debuginfo, "-o", out})
			if err != nil {
				return kind.Wrap(kind.Build, "upatch-diff %s: %w (%s)", pair.UUID, err, string(output))
			}
			if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
				results[i] = Result{UUID: pair.UUID}
				return nil
			}
			results[i] = Result{UUID: pair.UUID, Relocatable: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// NonEmpty filters results down to the relocatables that were actually
// produced.
func NonEmpty(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Relocatable != "" {
			out = append(out, r.Relocatable)
		}
	}
	return out
}

// WriteNotes extracts the .notes section of debuginfo into a small
// standalone relocatable (notes.o) so the final livepatch carries
// build-id provenance (spec.md §4.3). Shells out to objcopy the way
// the diff engine shells out to upatch-diff, rather than hand-rolling
// an ELF writer for a single-section object.
func WriteNotes(debuginfo, outPath string) error {
	out, err := exec.Command("objcopy",
		"--only-section=.notes",
		"--only-section=.note.gnu.build-id",
		debuginfo, outPath).CombinedOutput()
	if err != nil {
		return kind.Wrap(kind.Build, "objcopy notes from %s: %w (%s)", debuginfo, err, string(out))
	}
	return nil
}
