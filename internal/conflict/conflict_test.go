package conflict_test

import (
	"sort"
	"testing"

	"github.com/openeuler-mirror/syscare/internal/conflict"
)

func TestConflictAndOverrideScenario(t *testing.T) {
	t.Parallel()
	tr := conflict.New()

	// Scenario 2/3 from spec.md §8: A and B both claim do_sys_open.
	tr.AddSymbols("vmlinux", "A", []string{"do_sys_open"})
	if got := tr.GetConflicts("vmlinux", []string{"do_sys_open"}); len(got) != 1 || got[0] != "A" {
		t.Fatalf("GetConflicts before B = %v, want [A]", got)
	}

	tr.AddSymbols("vmlinux", "B", []string{"do_sys_open"})
	got := tr.GetConflicts("vmlinux", []string{"do_sys_open"})
	sort.Strings(got)
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("GetConflicts after B = %v, want [A B]", got)
	}

	// deactive A without force: B overrides it.
	if got := tr.GetOverrides("vmlinux", "A", []string{"do_sys_open"}); len(got) != 1 || got[0] != "B" {
		t.Fatalf("GetOverrides(A) = %v, want [B]", got)
	}
	// B has no later claimant.
	if got := tr.GetOverrides("vmlinux", "B", []string{"do_sys_open"}); len(got) != 0 {
		t.Fatalf("GetOverrides(B) = %v, want []", got)
	}

	// deactive B first, then A succeeds; tracker becomes empty.
	tr.RemoveSymbols("vmlinux", "B", []string{"do_sys_open"})
	if got := tr.GetOverrides("vmlinux", "A", []string{"do_sys_open"}); len(got) != 0 {
		t.Fatalf("GetOverrides(A) after B removed = %v, want []", got)
	}
	tr.RemoveSymbols("vmlinux", "A", []string{"do_sys_open"})
	if got := tr.GetConflicts("vmlinux", []string{"do_sys_open"}); len(got) != 0 {
		t.Fatalf("GetConflicts after both removed = %v, want []", got)
	}
}

func TestTargetsAreIndependent(t *testing.T) {
	t.Parallel()
	tr := conflict.New()
	tr.AddSymbols("vmlinux", "A", []string{"foo"})
	tr.AddSymbols("mod_nf", "A", []string{"foo"})
	tr.RemoveSymbols("vmlinux", "A", []string{"foo"})
	if got := tr.GetConflicts("mod_nf", []string{"foo"}); len(got) != 1 {
		t.Fatalf("expected mod_nf target untouched, got %v", got)
	}
}
