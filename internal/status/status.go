// Package status persists the manager's status map across reboots,
// writing it atomically the way the teacher writes package metadata in
// internal/build/build.go (github.com/google/renameio.WriteFile rather
// than os.Create+Rename by hand).
package status

import (
	"bytes"
	"os"

	"github.com/google/renameio"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"

	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/metadata"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

// Map is the persisted UUID -> Status table, spec.md's "status map".
type Map map[string]patch.Status

// Store reads and writes a Map at a fixed path under the patch root.
type Store struct {
	Path string // <patch-root>/patch_status
}

func New(patchRoot string) *Store {
	return &Store{Path: patchRoot + "/patch_status"}
}

// Load reads the status map. A missing file is not an error: it is
// treated as an empty map, since a fresh install has no prior state.
func (s *Store) Load() (Map, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return Map{}, nil
	}
	if err != nil {
		return nil, kind.Wrap(kind.Persistence, "reading status store %s: %w", s.Path, err)
	}
	if len(data) < len(metadata.StatusMagic) || !bytes.Equal(data[:len(metadata.StatusMagic)], metadata.StatusMagic) {
		return nil, kind.Wrap(kind.Format, "status store %s: missing or wrong magic prefix", s.Path)
	}
	var m Map
	if err := msgpack.Unmarshal(data[len(metadata.StatusMagic):], &m); err != nil {
		return nil, kind.Wrap(kind.Format, "decoding status store %s: %w", s.Path, err)
	}
	if m == nil {
		m = Map{}
	}
	return m, nil
}

// Save writes m atomically: a torn write (crash mid-rename) can never
// leave patch_status in a partially-updated state, since renameio
// writes to a temp file in the same directory and renames into place.
func (s *Store) Save(m Map) error {
	var buf bytes.Buffer
	buf.Write(metadata.StatusMagic)
	if err := msgpack.NewEncoder(&buf).Encode(m); err != nil {
		return xerrors.Errorf("encoding status store: %w", err)
	}
	if err := renameio.WriteFile(s.Path, buf.Bytes(), 0600); err != nil {
		return kind.Wrap(kind.Persistence, "writing status store %s: %w", s.Path, err)
	}
	return nil
}
