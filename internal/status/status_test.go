package status_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openeuler-mirror/syscare/internal/patch"
	"github.com/openeuler-mirror/syscare/internal/status"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := status.New(dir)

	want := status.Map{
		"uuid-a": patch.Actived,
		"uuid-b": patch.Accepted,
		"uuid-c": patch.NotApplied,
	}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileIsEmptyMap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := status.New(dir)
	m, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty map, got %v", m)
	}
}
