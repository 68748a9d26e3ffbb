// Package compiler probes a candidate compiler binary to discover its
// assembler, linker, and target triple, and classifies a DW_AT_producer
// string into a language family (spec.md §4 C2). Grounded on the teacher's
// convention of shelling out and scraping stdout (e.g.
// cmd/distri/distri.go's use of exec.Command + CombinedOutput).
package compiler

import (
	"os/exec"
	"strings"

	"github.com/openeuler-mirror/syscare/internal/kind"
)

// Family classifies a DW_AT_producer string into the linker family the
// patch resolver should pick (spec.md §4.4: "C++ wins if any input was
// compiled by a C++ producer").
type Family int

const (
	FamilyC Family = iota
	FamilyCxx
	FamilyAsm
)

func (f Family) String() string {
	switch f {
	case FamilyCxx:
		return "C++"
	case FamilyAsm:
		return "asm"
	default:
		return "C"
	}
}

// Info is the result of probing one compiler binary.
type Info struct {
	Path     string
	Assembler string
	Linker    string
	Target    string // e.g. "x86_64-redhat-linux"
}

// run is overridable by tests.
var run = func(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// Probe invokes compilerPath to discover the tools it would use for a
// real build: its assembler and linker (via -print-prog-name) and its
// target triple (via -dumpmachine).
func Probe(compilerPath string) (*Info, error) {
	asPath, err := run(compilerPath, "-print-prog-name=as")
	if err != nil {
		return nil, kind.Wrap(kind.Build, "probing assembler of %s: %w", compilerPath, err)
	}
	ldPath, err := run(compilerPath, "-print-prog-name=ld")
	if err != nil {
		return nil, kind.Wrap(kind.Build, "probing linker of %s: %w", compilerPath, err)
	}
	target, err := run(compilerPath, "-dumpmachine")
	if err != nil {
		return nil, kind.Wrap(kind.Build, "probing target triple of %s: %w", compilerPath, err)
	}
	return &Info{
		Path:      compilerPath,
		Assembler: strings.TrimSpace(asPath),
		Linker:    strings.TrimSpace(ldPath),
		Target:    strings.TrimSpace(target),
	}, nil
}

// ClassifyProducer maps a DW_AT_producer string (as read by
// internal/elf.Producer) to a Family. Unrecognized producers default
// to FamilyC, matching gcc's own default language family.
func ClassifyProducer(producer string) Family {
	lower := strings.ToLower(producer)
	switch {
	case strings.Contains(lower, "g++"), strings.Contains(lower, "clang++"), strings.Contains(lower, "c++"):
		return FamilyCxx
	case strings.HasPrefix(lower, "gnu as "), strings.Contains(lower, "gas"), strings.Contains(lower, "assembler"):
		return FamilyAsm
	default:
		return FamilyC
	}
}

// DominantFamily picks the linker family for a set of compile-unit
// producers: C++ wins if any input was compiled by a C++ producer
// (spec.md §4.4).
func DominantFamily(producers []string) Family {
	fam := FamilyC
	for _, p := range producers {
		if ClassifyProducer(p) == FamilyCxx {
			return FamilyCxx
		}
		if ClassifyProducer(p) == FamilyAsm && fam == FamilyC {
			fam = FamilyAsm
		}
	}
	return fam
}
