// Package relation correlates the outputs of two observed builds
// (spec.md §4.2): which debuginfo belongs to which binary, which
// objects a binary was built from, and which baseline object a patched
// object replaces.
package relation

import (
	"path/filepath"
	"sort"

	"github.com/openeuler-mirror/syscare/internal/buildobserver"
	"github.com/openeuler-mirror/syscare/internal/elf"
	"github.com/openeuler-mirror/syscare/internal/kind"
)

// DevNull is the sentinel original-object path for a patched object
// whose identifier is absent from the baseline archive: a translation
// unit introduced by the patch itself (spec.md §4.2).
const DevNull = "/dev/null"

// BinaryDebuginfo pairs one tracked binary with its debuginfo file.
type BinaryDebuginfo struct {
	Binary    string
	Debuginfo string
}

// ObjectPair is one (patched, original) object correlation for a
// single binary, ordered by the patched object's archive path so diff
// order is reproducible (spec.md §4.2 "Ordering").
type ObjectPair struct {
	UUID     string
	Patched  string
	Original string // DevNull if new in the patch
}

// Relations is the resolved state for one build: binary -> debuginfo,
// and binary -> its ordered object pairs.
type Relations struct {
	Debuginfo map[string]string
	Objects   map[string][]ObjectPair
}

// ResolveBinaries globs searchDir for each binaryPattern, requiring
// exactly one ELF executable/shared-object match, and pairs it with
// the corresponding debuginfo path (spec.md §4.2 "Binary -> debuginfo").
func ResolveBinaries(searchDir string, binaryPatterns, debuginfos []string) ([]BinaryDebuginfo, error) {
	if len(binaryPatterns) != len(debuginfos) {
		return nil, kind.Wrap(kind.Input, "binary patterns (%d) and debuginfo paths (%d) must be parallel arrays", len(binaryPatterns), len(debuginfos))
	}
	out := make([]BinaryDebuginfo, 0, len(binaryPatterns))
	for i, pattern := range binaryPatterns {
		matches, err := filepath.Glob(filepath.Join(searchDir, pattern))
		if err != nil {
			return nil, kind.Wrap(kind.Input, "globbing %s: %w", pattern, err)
		}
		var elfMatches []string
		for _, m := range matches {
			if ok, _ := isELF(m); ok {
				elfMatches = append(elfMatches, m)
			}
		}
		switch len(elfMatches) {
		case 0:
			return nil, kind.Wrap(kind.Resolve, "BinaryNotFound: no ELF binary matches %s under %s", pattern, searchDir)
		case 1:
			out = append(out, BinaryDebuginfo{Binary: elfMatches[0], Debuginfo: debuginfos[i]})
		default:
			return nil, kind.Wrap(kind.Resolve, "AmbiguousBinary: %d ELF binaries match %s: %v", len(elfMatches), pattern, elfMatches)
		}
	}
	return out, nil
}

func isELF(path string) (bool, error) {
	f, err := elf.Open(path, false)
	if err != nil {
		return false, nil
	}
	defer f.Close()
	return true, nil
}

// BinaryObjects parses binary's symbol table and returns every
// .upatch_<uuid> it references: the set of translation units that
// contributed to it (spec.md §4.2 "Binary -> objects").
func BinaryObjects(binary string) (map[string]bool, error) {
	f, err := elf.Open(binary, false)
	if err != nil {
		return nil, kind.Wrap(kind.Format, "opening binary %s: %w", binary, err)
	}
	defer f.Close()
	ids, err := f.UpatchSymbols()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for id := range ids {
		out[id] = true
	}
	return out, nil
}

// Correlate builds the ordered ObjectPair list for one binary: for
// every uuid the binary was built from, look it up in both the
// patched and baseline archives. Identifiers present in the patched
// archive but absent from baseline are new translation units and pair
// against DevNull (spec.md §4.2).
func Correlate(binaryIDs map[string]bool, baseline, patched []buildobserver.Observed) ([]ObjectPair, error) {
	baseByUUID := make(map[string]buildobserver.Observed, len(baseline))
	for _, o := range baseline {
		baseByUUID[o.UUID] = o
	}
	patchedByUUID := make(map[string]buildobserver.Observed, len(patched))
	for _, o := range patched {
		patchedByUUID[o.UUID] = o
	}

	var pairs []ObjectPair
	for id := range binaryIDs {
		p, ok := patchedByUUID[id]
		if !ok {
			// Not touched by the patch at all; nothing to diff.
			continue
		}
		original := DevNull
		if b, ok := baseByUUID[id]; ok {
			original = b.Archived
		}
		pairs = append(pairs, ObjectPair{UUID: id, Patched: p.Archived, Original: original})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Patched < pairs[j].Patched })
	return pairs, nil
}

// Resolve runs ResolveBinaries then, for each resolved binary,
// BinaryObjects and Correlate, assembling the full Relations for one
// build-pair.
func Resolve(searchDir string, binaryPatterns, debuginfos []string, baseline, patched []buildobserver.Observed) (*Relations, error) {
	pairs, err := ResolveBinaries(searchDir, binaryPatterns, debuginfos)
	if err != nil {
		return nil, err
	}
	rel := &Relations{
		Debuginfo: make(map[string]string, len(pairs)),
		Objects:   make(map[string][]ObjectPair, len(pairs)),
	}
	for _, bd := range pairs {
		rel.Debuginfo[bd.Binary] = bd.Debuginfo
		ids, err := BinaryObjects(bd.Binary)
		if err != nil {
			return nil, err
		}
		objs, err := Correlate(ids, baseline, patched)
		if err != nil {
			return nil, err
		}
		rel.Objects[bd.Binary] = objs
	}
	return rel, nil
}
