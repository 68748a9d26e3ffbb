package metadata_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/metadata"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

func sampleInfo() *patch.Info {
	return &patch.Info{
		UUID:    "11111111-1111-1111-1111-111111111111",
		Name:    "fix-cve-2024-1234",
		Version: "1.0",
		Release: 2,
		Arch:    "x86_64",
		Kind:    patch.KernelPatch,
		Target: patch.TargetPackage{
			Name: "kernel", Epoch: "0", Version: "6.6.0", Release: "10", Arch: "x86_64",
		},
		Entities: []patch.Entity{
			patch.NewEntity("vmlinux-fix-cve-2024-1234", "vmlinux", "deadbeef"),
		},
		Description: "fixes a null pointer dereference",
		Files: []patch.File{
			{Name: "fix.patch", Path: "/tmp/fix.patch", Digest: "abc123"},
		},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "patch_info")
	want := sampleInfo()

	if err := metadata.WriteInfoFile(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := metadata.ReadInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRejectsWrongMagic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "patch_info")
	var buf bytes.Buffer
	buf.WriteString("NOTAMAGIC")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := metadata.ReadInfo(path)
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
	if k, ok := kind.Of(err); !ok || k != kind.Format {
		t.Fatalf("expected kind.Format, got %v (ok=%v)", k, ok)
	}
}
