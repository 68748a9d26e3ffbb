package relation_test

import (
	"testing"

	"github.com/openeuler-mirror/syscare/internal/buildobserver"
	"github.com/openeuler-mirror/syscare/internal/relation"
)

func TestCorrelateNewTranslationUnitPairsWithDevNull(t *testing.T) {
	t.Parallel()
	baseline := []buildobserver.Observed{
		{UUID: "a", Archived: "/archive/base/a.o"},
	}
	patched := []buildobserver.Observed{
		{UUID: "a", Archived: "/archive/patched/a.o"},
		{UUID: "b", Archived: "/archive/patched/b.o"}, // new in the patch
	}
	binaryIDs := map[string]bool{"a": true, "b": true}

	pairs, err := relation.Correlate(binaryIDs, baseline, patched)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 {
		t.Fatalf("Correlate() = %+v, want 2 pairs", pairs)
	}

	byUUID := make(map[string]relation.ObjectPair)
	for _, p := range pairs {
		byUUID[p.UUID] = p
	}
	if got := byUUID["a"].Original; got != "/archive/base/a.o" {
		t.Fatalf("pair a original = %q, want matched baseline", got)
	}
	if got := byUUID["b"].Original; got != relation.DevNull {
		t.Fatalf("pair b original = %q, want %q (new translation unit)", got, relation.DevNull)
	}
}

func TestCorrelateSkipsUntouchedObjects(t *testing.T) {
	t.Parallel()
	baseline := []buildobserver.Observed{{UUID: "untouched", Archived: "/archive/base/u.o"}}
	var patched []buildobserver.Observed // patch touched nothing
	binaryIDs := map[string]bool{"untouched": true}

	pairs, err := relation.Correlate(binaryIDs, baseline, patched)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Fatalf("Correlate() = %+v, want no pairs for an object the patch never touched", pairs)
	}
}

func TestCorrelateOrderedByPatchedPath(t *testing.T) {
	t.Parallel()
	patched := []buildobserver.Observed{
		{UUID: "z", Archived: "/archive/patched/z.o"},
		{UUID: "a", Archived: "/archive/patched/a.o"},
	}
	binaryIDs := map[string]bool{"z": true, "a": true}

	pairs, err := relation.Correlate(binaryIDs, nil, patched)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 || pairs[0].Patched != "/archive/patched/a.o" {
		t.Fatalf("Correlate() = %+v, want reproducible order by archive path", pairs)
	}
}
