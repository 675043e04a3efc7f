package copytarget

import (
	"crypto/sha512"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestGoldenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	goldenPath := filepath.Join(dir, "golden.bin")

	w, err := NewDigestWriter("/usr", 4096, goldenPath)
	require.NoError(t, err)
	require.NoError(t, w.Add("/usr/etc/.a.conf.metadata", []byte("meta-a")))
	require.NoError(t, w.Add("/usr/etc/.b.conf.metadata", []byte("meta-b")))
	require.NoError(t, w.WriteGolden())

	doc, err := ReadGolden(goldenPath)
	require.NoError(t, err)
	require.Equal(t, "/usr", doc.MountPath)
	require.Equal(t, uint32(4096), doc.BlockSize)
	require.Equal(t, []string{"/usr/etc/.a.conf.metadata", "/usr/etc/.b.conf.metadata"}, doc.Names)
	require.Equal(t, Digest(sha512.Sum512([]byte("meta-a"))), doc.Digests["/usr/etc/.a.conf.metadata"])
}

func TestDigestGoldenAppendsToExisting(t *testing.T) {
	dir := t.TempDir()
	goldenPath := filepath.Join(dir, "golden.bin")

	w, err := NewDigestWriter("/usr", 4096, goldenPath)
	require.NoError(t, err)
	require.NoError(t, w.Add("/usr/.a.metadata", []byte("a")))
	require.NoError(t, w.WriteGolden())

	w, err = NewDigestWriter("/usr", 4096, goldenPath)
	require.NoError(t, err)
	require.NoError(t, w.Add("/usr/.b.metadata", []byte("b")))
	require.NoError(t, w.Add("/usr/.a.metadata", []byte("a-v2")))
	require.NoError(t, w.WriteGolden())

	doc, err := ReadGolden(goldenPath)
	require.NoError(t, err)
	// Re-added entries keep their original position.
	require.Equal(t, []string{"/usr/.a.metadata", "/usr/.b.metadata"}, doc.Names)
	require.Equal(t, Digest(sha512.Sum512([]byte("a-v2"))), doc.Digests["/usr/.a.metadata"])
}

func TestDigestGoldenMismatchFatal(t *testing.T) {
	dir := t.TempDir()
	goldenPath := filepath.Join(dir, "golden.bin")

	w, err := NewDigestWriter("/usr", 4096, goldenPath)
	require.NoError(t, err)
	require.NoError(t, w.WriteGolden())

	_, err = NewDigestWriter("/opt", 4096, goldenPath)
	require.ErrorContains(t, err, "mount path")

	_, err = NewDigestWriter("/usr", 8192, goldenPath)
	require.ErrorContains(t, err, "block size")
}

func TestDigestWriterRejectsZeroBlockSize(t *testing.T) {
	_, err := NewDigestWriter("/mnt", 0, filepath.Join(t.TempDir(), "golden.bin"))
	require.ErrorContains(t, err, "block size")
}

func TestDigestGoldenRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-golden.bin")
	require.NoError(t, os.WriteFile(path, []byte("something else entirely"), 0o644))

	_, err := ReadGolden(path)
	require.ErrorContains(t, err, "not a golden digest document")
}

func TestFileMetadataLayout(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "payload")
	content := make([]byte, 4096+100)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(source, content, 0o644))

	w, err := NewDigestWriter("/usr", 4096, filepath.Join(dir, "golden.bin"))
	require.NoError(t, err)

	metadata, err := w.FileMetadata(source, 1000, 44, 0o644)
	require.NoError(t, err)

	// uid, gid, perm, type, block count, then one digest per block.
	require.Len(t, metadata, 4+4+2+1+4+2*64)
	require.Equal(t, uint32(1000), binary.BigEndian.Uint32(metadata[0:4]))
	require.Equal(t, uint32(44), binary.BigEndian.Uint32(metadata[4:8]))
	require.Equal(t, uint16(0o644), binary.BigEndian.Uint16(metadata[8:10]))
	require.Equal(t, byte(0), metadata[10])
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(metadata[11:15]))

	first := sha512.Sum512(content[:4096])
	second := sha512.Sum512(content[4096:])
	require.Equal(t, first[:], metadata[15:15+64])
	require.Equal(t, second[:], metadata[15+64:15+128])
}

func TestFileMetadataEmptyFile(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(source, nil, 0o644))

	w, err := NewDigestWriter("/usr", 4096, filepath.Join(dir, "golden.bin"))
	require.NoError(t, err)

	metadata, err := w.FileMetadata(source, 0, 0, 0o444)
	require.NoError(t, err)
	require.Len(t, metadata, 4+4+2+1+4)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(metadata[11:15]))
}

func TestSymlinkMetadataLayout(t *testing.T) {
	w, err := NewDigestWriter("/usr", 4096, filepath.Join(t.TempDir(), "golden.bin"))
	require.NoError(t, err)

	metadata, err := w.SymlinkMetadata("../lib/libfoo.so.1", 0, 0)
	require.NoError(t, err)
	require.Len(t, metadata, 4+4+2+1+1535)
	require.Equal(t, uint16(0o777), binary.BigEndian.Uint16(metadata[8:10]))
	require.Equal(t, byte(1), metadata[10])
	require.Equal(t, "../lib/libfoo.so.1", string(metadata[11:11+18]))
	require.Equal(t, byte(0), metadata[11+18])
}

func TestMetadataName(t *testing.T) {
	require.Equal(t, "/etc/.app.conf.metadata", MetadataName("/etc/app.conf"))
	require.Equal(t, "/.init.metadata", MetadataName("/init"))
}
