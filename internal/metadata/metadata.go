// Package metadata implements the patch-info on-disk format: a fixed
// magic prefix followed by a deterministic msgpack encoding, in the
// same buffer-pooled read-then-unmarshal shape as the teacher's
// pb.ReadBuildFile/pb.ReadMetaFile (which used prototext; no .proto
// schema exists in this pack for the PatchInfo message, so msgpack is
// the closest deterministic-framing sibling actually present).
package metadata

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"

	"github.com/openeuler-mirror/syscare/internal/kind"
	"github.com/openeuler-mirror/syscare/internal/patch"
)

// InfoMagic is PATCH_INFO_MAGIC from spec.md §6.
var InfoMagic = []byte("SYSCPTCH")

// StatusMagic frames the persisted status map (internal/status).
var StatusMagic = []byte("SYSCSTAT")

var bufPool = sync.Pool{
	New: func() interface{} { return &bytes.Buffer{} },
}

// WriteInfo serializes info with the magic prefix to w.
func WriteInfo(w io.Writer, info *patch.Info) error {
	if _, err := w.Write(InfoMagic); err != nil {
		return xerrors.Errorf("writing metadata magic: %w", err)
	}
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(info); err != nil {
		return xerrors.Errorf("encoding patch info: %w", err)
	}
	return nil
}

// ReadInfo reads and validates the magic, then decodes the Info that
// follows it. Any file whose leading bytes do not match InfoMagic is
// rejected with a kind.Format error, per spec.md §6.
func ReadInfo(path string) (*patch.Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening metadata file %s: %w", path, err)
	}
	defer f.Close()

	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer bufPool.Put(b)
	if _, err := io.Copy(b, f); err != nil {
		return nil, xerrors.Errorf("reading metadata file %s: %w", path, err)
	}

	data := b.Bytes()
	if len(data) < len(InfoMagic) || !bytes.Equal(data[:len(InfoMagic)], InfoMagic) {
		return nil, kind.Wrap(kind.Format, "metadata file %s: missing or wrong magic prefix", path)
	}

	var info patch.Info
	if err := msgpack.Unmarshal(data[len(InfoMagic):], &info); err != nil {
		return nil, kind.Wrap(kind.Format, "decoding metadata file %s: %w", path, err)
	}
	return &info, nil
}

// WriteInfoFile is the file-path convenience wrapper used by the build
// pipeline when it emits a patch_info file into the install layout.
func WriteInfoFile(path string, info *patch.Info) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("creating metadata file %s: %w", path, err)
	}
	defer f.Close()
	if err := WriteInfo(f, info); err != nil {
		return err
	}
	return f.Close()
}
