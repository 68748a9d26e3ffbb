// Command upatch-build is the patch-build pipeline's CLI surface
// (spec.md §6 "CLI surface (build)"): it observes a baseline and a
// patched build of the same source tree, diffs the changed objects,
// and emits one relocatable patch ELF plus its metadata file per
// target binary.
package main

import (
	debugelf "debug/elf"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openeuler-mirror/syscare/internal/buildobserver"
	"github.com/openeuler-mirror/syscare/internal/diffengine"
	"github.com/openeuler-mirror/syscare/internal/elf"
	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/metadata"
	"github.com/openeuler-mirror/syscare/internal/patch"
	"github.com/openeuler-mirror/syscare/internal/relation"
	"github.com/openeuler-mirror/syscare/internal/resolver"
)

// stringList accumulates repeated -flag=value occurrences, matching
// spec.md §6's "one or more source-tree and binary locations" etc.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var (
	name        = flag.String("name", "", "patch display name")
	version     = flag.String("version", "", "patch version string")
	release     = flag.Int("release", 1, "monotonically increasing release integer")
	archFlag    = flag.String("arch", "", "target architecture")
	description = flag.String("description", "", "free-form patch description")
	kindFlag    = flag.String("kind", "user", "patch kind: \"user\" or \"kernel\"")

	workDir   = flag.String("workdir", "", "scratch directory for intercepted-build wrappers and per-TU diffs")
	buildDir  = flag.String("builddir", "", "source tree to build")
	outputDir = flag.String("output", "", "directory to write the produced patch artifacts and metadata into")

	binaries   stringList
	debuginfos stringList
	patchFiles stringList
	compilers  stringList

	prepareCmd = flag.String("prepare", "", "prepare command template")
	buildCmd   = flag.String("build", "", "build command template")
	cleanCmd   = flag.String("clean", "", "clean command template")

	skipCompilerCheck = flag.Bool("skip-compiler-check", false, "skip probing compilers before the build")
	skipCleanup       = flag.Bool("skip-cleanup", false, "keep the compiler-wrapper directory under -workdir on error")
	keepLineMacros    = flag.Bool("keep-line-macros", false, "has no effect: __LINE__-derived macros are never stripped")
	verbose           = flag.Bool("verbose", false, "log every pipeline stage")
)

func init() {
	flag.Var(&binaries, "binary", "binary name pattern to track (repeatable, parallel to -debuginfo)")
	flag.Var(&debuginfos, "debuginfo", "debuginfo path matched pairwise with -binary (repeatable)")
	flag.Var(&patchFiles, "patch", "unified diff to apply (repeatable)")
	flag.Var(&compilers, "compiler", "compiler binary to intercept (repeatable)")
}

func fatal(err error) {
	k, _ := kind.Of(err)
	log.Printf("upatch-build: %s: %v", k, err)
	if !*skipCleanup {
		os.RemoveAll(filepath.Join(*workDir, "upatch-wrappers"))
	}
	os.Exit(1)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()

	if *name == "" || *buildDir == "" || *outputDir == "" {
		fmt.Fprintln(os.Stderr, "upatch-build: -name, -builddir and -output are required")
		os.Exit(2)
	}
	if !*skipCleanup {
		defer os.RemoveAll(filepath.Join(*workDir, "upatch-wrappers"))
	}

	if !*skipCompilerCheck {
		for _, c := range compilers {
			if _, err := exec.LookPath(c); err != nil {
				fatal(kind.Wrap(kind.Build, "BuildToolingUnavailable: probing compiler %s: %w", c, err))
			}
		}
	}

	baselineOut := filepath.Join(*workDir, "baseline-out")
	patchedOut := filepath.Join(*workDir, "patched-out")
	baselineArchive := filepath.Join(*workDir, "baseline-archive")
	patchedArchive := filepath.Join(*workDir, "patched-archive")

	prepare := splitCmd(*prepareCmd)
	build := splitCmd(*buildCmd)
	clean := splitCmd(*cleanCmd)

	if *verbose {
		log.Printf("upatch-build: observing baseline build")
	}
	baselineObs, err := buildobserver.NewObserver(*workDir, *buildDir, compilers)
	if err != nil {
		fatal(err)
	}
	baseline, err := baselineObs.Run(prepare, build, clean, baselineOut, baselineArchive)
	if err != nil {
		fatal(err)
	}

	if *verbose {
		log.Printf("upatch-build: applying patch files and observing patched build")
	}
	if err := applyPatchFiles(*buildDir, patchFiles); err != nil {
		fatal(err)
	}
	patchedObs, err := buildobserver.NewObserver(*workDir, *buildDir, compilers)
	if err != nil {
		fatal(err)
	}
	patched, err := patchedObs.Run(nil, build, clean, patchedOut, patchedArchive)
	if err != nil {
		fatal(err)
	}

	if *verbose {
		log.Printf("upatch-build: resolving file relations")
	}
	rel, err := relation.Resolve(*buildDir, binaries, debuginfos, baseline, patched)
	if err != nil {
		fatal(err)
	}

	collected, err := patch.CollectFiles(patchFiles)
	if err != nil {
		fatal(err)
	}

	patchKind := patch.UserPatch
	if *kindFlag == "kernel" {
		patchKind = patch.KernelPatch
	}

	diffEngine := diffengine.New()
	info := &patch.Info{
		UUID:        patch.NewUUID(),
		Name:        *name,
		Version:     *version,
		Release:     *release,
		Arch:        *archFlag,
		Kind:        patchKind,
		Description: *description,
		Files:       collected,
	}

	anyEntity := false
	for binary, pairs := range rel.Objects {
		debuginfo := rel.Debuginfo[binary]
		diffOut := filepath.Join(*workDir, "diff", filepath.Base(binary))
		results, err := diffEngine.Diff(pairs, debuginfo, diffOut)
		if err != nil {
			fatal(err)
		}
		relocatables := diffengine.NonEmpty(results)
		if len(relocatables) == 0 {
			log.Printf("upatch-build: %s: No functional changes", binary)
			continue
		}

		notesPath := filepath.Join(diffOut, "notes.o")
		if err := diffengine.WriteNotes(debuginfo, notesPath); err == nil {
			relocatables = append(relocatables, notesPath)
		}

		producers := producersOf(relocatables)
		linker := resolver.PickLinker(producers, "ld", "ld")
		artifact := filepath.Join(*outputDir, filepath.Base(binary)+".upatch")
		if err := resolver.Link(linker, relocatables, artifact); err != nil {
			fatal(err)
		}
		functions, err := resolver.Finalize(artifact, debuginfo, objectName(binary, patchKind), isPIE(binary))
		if err != nil {
			fatal(err)
		}

		digest, err := patch.DigestFile(artifact)
		if err != nil {
			fatal(err)
		}
		info.Entities = append(info.Entities, patch.Entity{
			UUID:      patch.NewUUID(),
			Name:      filepath.Base(artifact),
			Target:    binary,
			Digest:    digest,
			Functions: functions,
		})
		anyEntity = true
	}

	if !anyEntity {
		log.Printf("upatch-build: No functional changes")
		os.Exit(0)
	}

	if err := info.Validate(); err != nil {
		fatal(err)
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		fatal(kind.Wrap(kind.System, "creating output dir: %w", err))
	}
	archived, err := archivePatchFiles(*outputDir, info.Files)
	if err != nil {
		fatal(err)
	}
	info.Files = archived
	if err := metadata.WriteInfoFile(filepath.Join(*outputDir, "patch_info"), info); err != nil {
		fatal(err)
	}

	os.Exit(0)
}

// archivePatchFiles copies every collected patch file into outputDir
// beside the produced artifacts and patch_info, matching the original
// implementation's metadata-write step (original_source/syscare-build's
// patch/metadata.rs copies each source patch file into its metadata
// dir). Returns files with Path rewritten to the archived location so
// patch_info never points back at the (possibly ephemeral) build tree.
func archivePatchFiles(outputDir string, files []patch.File) ([]patch.File, error) {
	out := make([]patch.File, len(files))
	for i, f := range files {
		dst := filepath.Join(outputDir, f.Name)
		if err := copyFile(f.Path, dst); err != nil {
			return nil, kind.Wrap(kind.System, "archiving patch file %s: %w", f.Path, err)
		}
		out[i] = patch.File{Name: f.Name, Path: dst, Digest: f.Digest}
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func splitCmd(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func applyPatchFiles(tree string, files []string) error {
	for _, f := range files {
		argv := []string{"patch", "-p1", "-d", tree, "-i", f}
		out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			return kind.Wrap(kind.Input, "applying %s: %w (%s)", f, err, string(out))
		}
	}
	return nil
}

func producersOf(objects []string) []string {
	var producers []string
	for _, o := range objects {
		if p, err := elf.Producer(o); err == nil && p != "" {
			producers = append(producers, p)
		}
	}
	return producers
}

// objectName derives a FuncEntry's Object field (spec.md §3): empty for
// a user patch's single target, otherwise the module's file base name,
// normalized to the bare "vmlinux" for the kernel image itself.
func objectName(binary string, k patch.Kind) string {
	if k != patch.KernelPatch {
		return ""
	}
	base := filepath.Base(binary)
	if strings.HasPrefix(base, "vmlinux") {
		return "vmlinux"
	}
	return base
}

func isPIE(binary string) bool {
	f, err := elf.Open(binary, false)
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Type == debugelf.ET_DYN
}
