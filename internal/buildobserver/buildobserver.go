// Package buildobserver captures the exact compiler/assembler
// invocations of an ordinary build and tags every produced object with
// a unique local symbol so the diff engine can later correlate
// per-translation-unit objects across a baseline and a patched build
// (spec.md §4.1).
//
// The interception mechanism is host-dependent (a kernel shim vs a
// PATH wrapper, per spec.md §9 "Build observer plug-in"); Backend
// abstracts it so either is pluggable. PathWrapperBackend is the one
// concrete implementation here, grounded on the teacher's convention
// of shelling out to real tools (cmd/distri/distri.go) rather than
// writing a kernel module from this module.
package buildobserver

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openeuler-mirror/syscare/internal/elf"
	"github.com/openeuler-mirror/syscare/internal/kind"
)

// Backend is the capability interface a build-observer plugin honors
// (spec.md §9): register a tool for interception, unregister it, and
// release the backend. Collecting the observed objects is done by
// Observer.collect, not by the backend.
type Backend interface {
	Register(tool string) error
	Unregister(tool string) error
	Close() error
}

// wrapperScript is the shell wrapper dropped onto PATH for an
// intercepted tool. Each invocation mints its own uuid (spec.md §4.1:
// "the uuid being freshly generated per invocation") via the kernel's
// randomness source, embeds it as a zero-valued local absolute symbol
// with the assembler's --defsym, and forwards every original argument
// to the real tool resolved from the saved original PATH.
const wrapperScript = `#!/bin/sh
# generated by syscare's buildobserver; do not edit
uuid=$(cat /proc/sys/kernel/random/uuid)
exec "%s" "$@" -Wa,--defsym,.upatch_${uuid}=0
`

// PathWrapperBackend intercepts tools by placing forwarding scripts in
// a directory prepended to PATH for the duration of the observed
// build.
type PathWrapperBackend struct {
	dir      string // temp dir holding wrapper scripts, prepended to PATH
	origPath string
	real     map[string]string // tool basename -> resolved real path
}

// NewPathWrapperBackend creates the wrapper directory under dir.
func NewPathWrapperBackend(dir string) (*PathWrapperBackend, error) {
	wrapDir := filepath.Join(dir, "upatch-wrappers")
	if err := os.MkdirAll(wrapDir, 0755); err != nil {
		return nil, kind.Wrap(kind.System, "creating wrapper dir %s: %w", wrapDir, err)
	}
	return &PathWrapperBackend{dir: wrapDir, origPath: os.Getenv("PATH"), real: make(map[string]string)}, nil
}

// Register resolves tool on the current PATH and replaces it with a
// forwarding wrapper script of the same basename.
func (b *PathWrapperBackend) Register(tool string) error {
	real, err := exec.LookPath(tool)
	if err != nil {
		return kind.Wrap(kind.Build, "resolving real path of %s: %w", tool, err)
	}
	b.real[filepath.Base(tool)] = real
	script := fmt.Sprintf(wrapperScript, real)
	path := filepath.Join(b.dir, filepath.Base(tool))
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return kind.Wrap(kind.System, "writing wrapper for %s: %w", tool, err)
	}
	return nil
}

func (b *PathWrapperBackend) Unregister(tool string) error {
	delete(b.real, filepath.Base(tool))
	return os.Remove(filepath.Join(b.dir, filepath.Base(tool)))
}

// Close is a no-op; the wrapper directory is removed by the caller's
// cleanup once both builds have completed, since the archive step
// still needs to read objects produced while it was on PATH.
func (b *PathWrapperBackend) Close() error { return nil }

// Env returns the environment for a subprocess that should see the
// wrapper directory ahead of everything else on PATH.
func (b *PathWrapperBackend) Env(base []string) []string {
	out := make([]string, 0, len(base)+1)
	replaced := false
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") {
			out = append(out, "PATH="+b.dir+":"+strings.TrimPrefix(kv, "PATH="))
			replaced = true
			continue
		}
		out = append(out, kv)
	}
	if !replaced {
		out = append(out, "PATH="+b.dir+":"+b.origPath)
	}
	return out
}

// Observed is one retained object: its path in the build's output
// directory, the archived (hard-linked or copied) path, and the
// .upatch_<uuid> identifier it carries.
type Observed struct {
	UUID     string
	Path     string
	Archived string
}

// Observer runs a prepare/build/clean command sequence with interception
// active, then collects the tagged relocatable objects produced.
type Observer struct {
	Backend Backend
	Tools   []string // compiler/assembler binaries to intercept
	Dir     string    // working directory for the build commands
	Env     []string  // base environment; PATH is rewritten per Backend
	RunCmd  func(dir string, env []string, argv []string) error
}

// NewObserver constructs an Observer using a PathWrapperBackend rooted
// at scratchDir.
func NewObserver(scratchDir, buildDir string, tools []string) (*Observer, error) {
	backend, err := NewPathWrapperBackend(scratchDir)
	if err != nil {
		return nil, err
	}
	return &Observer{
		Backend: backend,
		Tools:   tools,
		Dir:     buildDir,
		Env:     os.Environ(),
		RunCmd:  runCmd,
	}, nil
}

func runCmd(dir string, env []string, argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Run registers every tool, executes prepare/build/clean in sequence
// (clean may be nil), then walks outDir for tagged relocatables and
// hard-links (falling back to copy) each into archiveDir with a
// monotonic ordinal prefix that preserves discovery order (spec.md
// §4.1).
//
// Failures map to the error kinds named in spec.md §4.1:
// BuildToolingUnavailable on a failed tool probe, BuildCommandFailed
// with the subprocess's exit status on a non-zero build, and
// NoObjectsObserved when the walk finds no tagged objects at all.
func (o *Observer) Run(prepare, build, clean []string, outDir, archiveDir string) ([]Observed, error) {
	wrapper, ok := o.Backend.(*PathWrapperBackend)
	if !ok {
		return nil, kind.Wrap(kind.Build, "buildobserver: unsupported backend type %T", o.Backend)
	}
	for _, tool := range o.Tools {
		if err := o.Backend.Register(tool); err != nil {
			return nil, kind.Wrap(kind.Build, "BuildToolingUnavailable: %w", err)
		}
	}
	defer func() {
		for _, tool := range o.Tools {
			o.Backend.Unregister(tool)
		}
	}()

	env := wrapper.Env(o.Env)
	if len(prepare) > 0 {
		if err := o.RunCmd(o.Dir, env, prepare); err != nil {
			return nil, kind.Wrap(kind.Build, "BuildCommandFailed (prepare): %w", err)
		}
	}
	if err := o.RunCmd(o.Dir, env, build); err != nil {
		return nil, kind.Wrap(kind.Build, "BuildCommandFailed (build): %w", err)
	}
	if len(clean) > 0 {
		if err := o.RunCmd(o.Dir, env, clean); err != nil {
			return nil, kind.Wrap(kind.Build, "BuildCommandFailed (clean): %w", err)
		}
	}

	return o.collect(outDir, archiveDir)
}

// collect walks outDir, mmaps each candidate, parses it as ELF, and
// retains only relocatables carrying a .upatch_<uuid> symbol. When two
// objects claim the same uuid the later one (by walk order) wins; the
// displaced file is named in a warning (spec.md §4.1 edge cases).
func (o *Observer) collect(outDir, archiveDir string) ([]Observed, error) {
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, kind.Wrap(kind.System, "creating archive dir %s: %w", archiveDir, err)
	}

	byUUID := make(map[string]Observed)
	var order []string
	ordinal := 0

	err := filepath.Walk(outDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := elf.IsRelocatable(path)
		if err != nil || !rel {
			return nil
		}
		f, err := elf.Open(path, false)
		if err != nil {
			return nil
		}
		defer f.Close()
		ids, err := f.UpatchSymbols()
		if err != nil || len(ids) == 0 {
			fmt.Fprintf(os.Stderr, "buildobserver: %s: no .upatch_<uuid> symbol, skipping\n", path)
			return nil
		}
		for id := range ids {
			if prev, exists := byUUID[id]; exists {
				fmt.Fprintf(os.Stderr, "buildobserver: uuid %s claimed by both %s and %s, keeping %s\n", id, prev.Path, path, path)
			} else {
				order = append(order, id)
			}
			ordinal++
			archived := filepath.Join(archiveDir, fmt.Sprintf("%05d-%s", ordinal, filepath.Base(path)))
			if err := linkOrCopy(path, archived); err != nil {
				return err
			}
			byUUID[id] = Observed{UUID: id, Path: path, Archived: archived}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(byUUID) == 0 {
		return nil, kind.Wrap(kind.Build, "NoObjectsObserved: no tagged objects under %s", outDir)
	}

	out := make([]Observed, 0, len(order))
	for _, id := range order {
		out = append(out, byUUID[id])
	}
	return out, nil
}

// linkOrCopy hard-links src to dst, falling back to a byte copy when
// the two paths are on different devices (spec.md §4.1).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return kind.Wrap(kind.System, "opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return kind.Wrap(kind.System, "creating %s: %w", dst, err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)
	if _, err := w.ReadFrom(in); err != nil {
		return kind.Wrap(kind.System, "copying %s to %s: %w", src, dst, err)
	}
	return w.Flush()
}
