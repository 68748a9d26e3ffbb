package diffengine_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openeuler-mirror/syscare/internal/diffengine"
	"github.com/openeuler-mirror/syscare/internal/relation"
)

func TestDiffSkipsEmptyResults(t *testing.T) {
	t.Parallel()
	outDir := t.TempDir()

	e := diffengine.New()
	e.RunCmd = func(argv []string) ([]byte, error) {
		// locate the -o argument and write a file matching the pair:
		// empty for "b" (functionally identical), non-empty for "a".
		var out string
		for i, a := range argv {
			if a == "-o" && i+1 < len(argv) {
				out = argv[i+1]
			}
		}
		if filepath.Base(out) == "b.o" {
			return nil, os.WriteFile(out, nil, 0644)
		}
		return nil, os.WriteFile(out, []byte("relocatable bytes"), 0644)
	}

	pairs := []relation.ObjectPair{
		{UUID: "a", Original: "/archive/base/a.o", Patched: "/archive/patched/a.o"},
		{UUID: "b", Original: "/archive/base/b.o", Patched: "/archive/patched/b.o"},
	}
	results, err := e.Diff(pairs, "/debug/vmlinux.debug", outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("Diff() = %+v, want 2 results", results)
	}

	relocatables := diffengine.NonEmpty(results)
	if len(relocatables) != 1 || filepath.Base(relocatables[0]) != "a.o" {
		t.Fatalf("NonEmpty() = %v, want only a.o (b.o diffed empty)", relocatables)
	}
}

func TestDiffPropagatesToolFailure(t *testing.T) {
	t.Parallel()
	outDir := t.TempDir()

	e := diffengine.New()
	e.RunCmd = func(argv []string) ([]byte, error) {
		return []byte("boom"), errBoom{}
	}

	pairs := []relation.ObjectPair{{UUID: "a", Original: relation.DevNull, Patched: "/archive/patched/a.o"}}
	if _, err := e.Diff(pairs, "/debug/vmlinux.debug", outDir); err == nil {
		t.Fatal("expected Diff() to propagate a tool failure")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
