package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/zeebo/blake3"
)

// archiveModTime is stamped on every entry. It is the earliest time the
// zip DOS date format can represent.
var archiveModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// compressionLevel is fixed; changing it changes every archive's bytes.
const compressionLevel = flate.BestCompression

// WriteArchive writes the bundle to w as a zip archive
func (b *Bundle) WriteArchive(w io.Writer) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, compressionLevel)
	})

	for _, e := range b.Entries {
		hdr := &zip.FileHeader{
			Name:     b.archivePath(e.Path),
			Method:   zip.Deflate,
			Modified: archiveModTime,
		}
		hdr.SetMode(e.Mode)

		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", e.Path, err)
		}
		if _, err := fw.Write(e.Content); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.Path, err)
		}
	}

	return zw.Close()
}

// Archive returns the zip archive bytes
func (b *Bundle) Archive() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.WriteArchive(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest is the content identity of a bundle
type Digest [32]byte

// String returns the hex encoding of the digest
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for log lines
func (d Digest) Short() string {
	return d.String()[:12]
}

// Digest returns the bundle's content digest
func (b *Bundle) Digest() Digest {
	return ContentDigest(b)
}

// ContentDigest hashes the sorted entry sequence with BLAKE3. Every
// field is length-prefixed so that no two distinct entry lists share an
// encoding.
func ContentDigest(b *Bundle) Digest {
	h := blake3.New()
	var scratch [binary.MaxVarintLen64]byte

	writeBytes := func(p []byte) {
		n := binary.PutUvarint(scratch[:], uint64(len(p)))
		_, _ = h.Write(scratch[:n])
		_, _ = h.Write(p)
	}

	for _, e := range b.Entries {
		writeBytes([]byte(b.archivePath(e.Path)))
		n := binary.PutUvarint(scratch[:], uint64(e.Mode.Perm()))
		_, _ = h.Write(scratch[:n])
		writeBytes(e.Content)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
