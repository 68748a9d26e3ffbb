package patch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

func TestCollectFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fn := filepath.Join(dir, "fix.patch")
	if err := os.WriteFile(fn, []byte("--- a\n+++ b\n"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := patch.CollectFile(fn, "fix.patch")
	if err != nil {
		t.Fatal(err)
	}
	if f.Digest == "" {
		t.Fatal("expected non-empty digest")
	}
	if f.Name != "fix.patch" || f.Path != fn {
		t.Fatalf("unexpected file record: %+v", f)
	}
}

func TestNewEntityUUIDUnique(t *testing.T) {
	t.Parallel()
	a := patch.NewEntity("vmlinux-A", "vmlinux", "deadbeef")
	b := patch.NewEntity("vmlinux-B", "vmlinux", "deadbeef")
	if a.UUID == b.UUID {
		t.Fatal("expected distinct UUIDs")
	}
}

func TestInfoValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		info    patch.Info
		wantErr bool
	}{
		{
			name:    "no entities",
			info:    patch.Info{Name: "fix-cve", Version: "1"},
			wantErr: true,
		},
		{
			name: "entity missing uuid",
			info: patch.Info{
				Name:     "fix-cve",
				Entities: []patch.Entity{{Name: "vmlinux-A"}},
			},
			wantErr: true,
		},
		{
			name: "ok",
			info: patch.Info{
				Name:     "fix-cve",
				Entities: []patch.Entity{patch.NewEntity("vmlinux-A", "vmlinux", "abc")},
			},
			wantErr: false,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.info.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPatchSysfsName(t *testing.T) {
	t.Parallel()
	p := patch.Patch{Entity: patch.Entity{Name: "fix-cve-2024.1234"}}
	if got, want := p.SysfsName(), "fix_cve_2024_1234"; got != want {
		t.Fatalf("SysfsName() = %q, want %q", got, want)
	}
}

func TestQualifiedName(t *testing.T) {
	t.Parallel()
	i := patch.Info{Name: "fix-cve", Target: patch.TargetPackage{Name: "kernel"}}
	if got, want := i.QualifiedName(), "kernel/fix-cve"; got != want {
		t.Fatalf("QualifiedName() = %q, want %q", got, want)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}
}
