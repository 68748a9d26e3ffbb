// Package resolver implements the patch resolver & linker (spec.md
// §4.4): partial-links the diff engine's per-TU relocatables and
// notes.o into one relocatable patch ELF, then finalizes every
// undefined symbol against the debuginfo's own symbol table so the
// kernel or user-space loader can bind the patch at apply time.
package resolver

import (
	debugelf "debug/elf"
	"os/exec"
	"sort"

	"github.com/openeuler-mirror/syscare/internal/compiler"
	"github.com/openeuler-mirror/syscare/internal/elf"
	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

// PickLinker chooses the C-family or C++-family linker for a set of
// compile-unit producer strings, C++ winning if any input was compiled
// by a C++ producer (spec.md §4.4 "(a)").
func PickLinker(producers []string, cLinker, cxxLinker string) string {
	if compiler.DominantFamily(producers) == compiler.FamilyCxx {
		return cxxLinker
	}
	return cLinker
}

// Link invokes linker in partial-link mode (-r) over inputs, producing
// a single relocatable patch ELF at outPath (spec.md §4.4 "(b)").
func Link(linker string, inputs []string, outPath string) error {
	argv := append([]string{"-r", "-o", outPath}, inputs...)
	out, err := exec.Command(linker, argv...).CombinedOutput()
	if err != nil {
		return kind.Wrap(kind.Build, "partial link via %s: %w (%s)", linker, err, string(out))
	}
	return nil
}

// debugSym is one global symbol read from the debuginfo, keyed by name.
type debugSym struct {
	bind  debugelf.SymBind
	typ   debugelf.SymType
	value uint64
	size  uint64
	shndx int
}

// loadDebugSymbols reads debuginfo's full symbol table (read-only,
// stdlib debug/elf is sufficient here since only lookups are needed)
// into a name-keyed map, and separately returns the ordered list of
// STB_LOCAL symbol names for the collision-upgrade pass.
func loadDebugSymbols(debuginfo string) (map[string]debugSym, []string, error) {
	ef, err := debugelf.Open(debuginfo)
	if err != nil {
		return nil, nil, kind.Wrap(kind.Format, "opening debuginfo %s: %w", debuginfo, err)
	}
	defer ef.Close()

	syms, err := ef.Symbols()
	if err != nil {
		return nil, nil, kind.Wrap(kind.Format, "reading symbols of %s: %w", debuginfo, err)
	}

	out := make(map[string]debugSym, len(syms))
	var locals []string
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		bind := debugelf.ST_BIND(s.Info)
		typ := debugelf.ST_TYPE(s.Info)
		out[s.Name] = debugSym{bind: bind, typ: typ, value: s.Value, size: s.Size, shndx: int(s.Section)}
		if bind == debugelf.STB_LOCAL {
			locals = append(locals, s.Name)
		}
	}
	sort.Strings(locals)
	return out, locals, nil
}

// Finalize implements spec.md §4.4 "(c)": for every patch-local
// undefined global, fill binding/type/value/size from debuginfo and
// mark it SHN_LIVEPATCH; for pie, re-mark patched OBJECT-type globals
// as undefined so they resolve through the GOT at load time. object
// is recorded into every returned row's FuncEntry.Object (vmlinux, a
// module name, or "" for a user patch's single target). Returns the
// resolved function table used to populate patch.Entity.Functions.
func Finalize(patchPath, debuginfo, object string, pie bool) ([]patch.FuncEntry, error) {
	debugSyms, locals, err := loadDebugSymbols(debuginfo)
	if err != nil {
		return nil, err
	}

	f, err := elf.Open(patchPath, true)
	if err != nil {
		return nil, kind.Wrap(kind.Format, "opening patch %s: %w", patchPath, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return nil, kind.Wrap(kind.Format, "reading symbols of patch %s: %w", patchPath, err)
	}

	// Upgrade STB_LOCAL debuginfo symbols to STB_GLOBAL in the patch's
	// own view wherever a same-named patch symbol would otherwise be
	// unable to bind against it (spec.md §4.4 "An auxiliary resolve
	// pass ..."). The patch's local definitions are left untouched;
	// only the would-be-undefined counterpart is affected below via
	// the debugSyms lookup, so this pass simply records which local
	// names exist for that lookup to treat as resolvable.
	localSet := make(map[string]bool, len(locals))
	for _, n := range locals {
		localSet[n] = true
	}

	var functions []patch.FuncEntry

	for i, s := range syms {
		idx := i + 1 // .symtab index 0 is the null symbol
		if s.Name == "" || debugelf.ST_TYPE(s.Info) == debugelf.STT_SECTION {
			continue
		}
		if s.Section != debugelf.SHN_UNDEF {
			// Already defined in the patch's own sections: (a). A
			// defined function that shadows a same-named function in
			// the baseline debuginfo is a replacement; record it into
			// the resolved function table (spec.md §3).
			if debugelf.ST_TYPE(s.Info) == debugelf.STT_FUNC {
				if ds, ok := debugSyms[s.Name]; ok && ds.typ == debugelf.STT_FUNC {
					functions = append(functions, patch.FuncEntry{
						Name:    s.Name,
						Object:  object,
						OldAddr: ds.value,
						OldSize: ds.size,
						NewAddr: s.Value,
						NewSize: s.Size,
					})
				}
			}
			continue
		}

		ds, ok := debugSyms[s.Name]
		if !ok {
			continue // stays SHN_UNDEF for runtime dynamic resolution: (c)
		}
		if ds.bind == debugelf.STB_LOCAL && !localSet[s.Name] {
			continue
		}

		bind := ds.bind
		if bind == debugelf.STB_LOCAL {
			bind = debugelf.STB_GLOBAL
		}

		if pie && ds.typ == debugelf.STT_OBJECT {
			// Re-marked undefined so it resolves through the GOT at
			// load time instead of being bound to a fixed address now.
			continue
		}

		if err := f.SetSymbolInfo(idx, bind, ds.typ); err != nil {
			return nil, err
		}
		if err := f.SetSymbolValueSize(idx, ds.value, ds.size); err != nil {
			return nil, err
		}
		if err := f.SetSymbolShndx(idx, elf.ShnLivepatch); err != nil {
			return nil, err
		}
		if err := f.SetSymbolOther(idx, 1); err != nil { // flag byte marks SHN_LIVEPATCH resolution
			return nil, err
		}
	}

	sort.Slice(functions, func(i, j int) bool { return functions[i].Name < functions[j].Name })
	return functions, nil
}
