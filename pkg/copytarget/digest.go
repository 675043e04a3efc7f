package copytarget

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Sizes of the fixed-width fields in the digest binaries.
const (
	goldenMagic = "COPYTARGET"

	nameLength      = 1535
	mountPathLength = 1025
	valueLength     = 4
	permLength      = 2
	digestLength    = 64
)

// FileTypes stored in per-file metadata.
const (
	typeRegular byte = 0
	typeSymlink byte = 1
)

// Digest is a SHA-512 sum.
type Digest [digestLength]byte

// GoldenDocument is the decoded golden digest file: the digest of every
// metadata file placed into the filesystem, keyed by its absolute path at
// runtime, in insertion order.
type GoldenDocument struct {
	MountPath string
	BlockSize uint32
	Names     []string
	Digests   map[string]Digest
}

// DigestWriter produces per-file digest metadata and the golden digest
// document. All digests are SHA-512 over blocks of the configured auth block
// size.
type DigestWriter struct {
	mountPath  string
	blockSize  uint32
	goldenPath string
	doc        *GoldenDocument
}

// NewDigestWriter opens the golden digest file for writing. If goldenPath
// already holds a golden document, its mount path and block size must match
// the requested ones, and its entries are preserved.
func NewDigestWriter(mountPath string, blockSize uint32, goldenPath string) (*DigestWriter, error) {
	if blockSize == 0 {
		return nil, errors.New("the auth block size must be positive")
	}
	w := &DigestWriter{
		mountPath:  mountPath,
		blockSize:  blockSize,
		goldenPath: goldenPath,
		doc: &GoldenDocument{
			MountPath: mountPath,
			BlockSize: blockSize,
			Digests:   map[string]Digest{},
		},
	}

	existing, err := ReadGolden(goldenPath)
	switch {
	case os.IsNotExist(errors.Cause(err)):
		return w, nil
	case err != nil:
		return nil, err
	}
	if existing.MountPath != mountPath {
		return nil, errors.Errorf(
			"mount path %q does not match mount path %q in the existing golden digest file %q",
			mountPath, existing.MountPath, goldenPath)
	}
	if existing.BlockSize != blockSize {
		return nil, errors.Errorf(
			"auth block size %d does not match block size %d in the existing golden digest file %q",
			blockSize, existing.BlockSize, goldenPath)
	}
	w.doc = existing
	return w, nil
}

// MetadataName returns the path of the metadata file accompanying
// destination, a dot-prefixed sibling.
func MetadataName(destination string) string {
	dir, name := filepath.Split(destination)
	return filepath.Join(dir, "."+name+".metadata")
}

// FileMetadata renders the metadata binary for a regular file: ownership,
// permissions, and a SHA-512 digest per auth block of the content.
func (w *DigestWriter) FileMetadata(source string, uid, gid uint32, perm uint16) ([]byte, error) {
	f, err := os.Open(source)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var digests []Digest
	block := make([]byte, w.blockSize)
	for {
		n, err := io.ReadFull(f, block)
		if n > 0 {
			digests = append(digests, sha512.Sum512(block[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	buf := &bytes.Buffer{}
	writeHeader(buf, uid, gid, perm, typeRegular)
	writeUint32(buf, uint32(len(digests)))
	for _, digest := range digests {
		buf.Write(digest[:])
	}
	return buf.Bytes(), nil
}

// SymlinkMetadata renders the metadata binary for a symlink pointing at
// target. Symlinks always report mode 777.
func (w *DigestWriter) SymlinkMetadata(target string, uid, gid uint32) ([]byte, error) {
	if len(target) >= nameLength {
		return nil, errors.Errorf("symlink target %q is too long", target)
	}
	buf := &bytes.Buffer{}
	writeHeader(buf, uid, gid, 0o777, typeSymlink)
	writePadded(buf, target, nameLength)
	return buf.Bytes(), nil
}

// Add records the digest of a metadata file under its runtime path. Re-adding
// a path replaces its digest, keeping the original position.
func (w *DigestWriter) Add(runtimePath string, metadata []byte) error {
	if len(runtimePath) >= nameLength {
		return errors.Errorf("metadata path %q is too long", runtimePath)
	}
	runtimePath = normPath(runtimePath)
	if _, exists := w.doc.Digests[runtimePath]; !exists {
		w.doc.Names = append(w.doc.Names, runtimePath)
	}
	w.doc.Digests[runtimePath] = sha512.Sum512(metadata)
	return nil
}

// WriteGolden writes the golden digest document atomically.
func (w *DigestWriter) WriteGolden() error {
	buf := &bytes.Buffer{}
	buf.WriteString(goldenMagic)
	writePadded(buf, w.doc.MountPath, mountPathLength)
	writeUint32(buf, w.doc.BlockSize)
	writeUint32(buf, uint32(len(w.doc.Names)))
	for _, name := range w.doc.Names {
		writePadded(buf, name, nameLength)
		digest := w.doc.Digests[name]
		buf.Write(digest[:])
	}

	if err := os.MkdirAll(filepath.Dir(w.goldenPath), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.goldenPath), "golden-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), w.goldenPath))
}

// ReadGolden decodes a golden digest document.
func ReadGolden(path string) (*GoldenDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	r := bytes.NewReader(data)

	magic := make([]byte, len(goldenMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != goldenMagic {
		return nil, errors.Errorf("file %q is not a golden digest document", path)
	}

	doc := &GoldenDocument{Digests: map[string]Digest{}}
	doc.MountPath, err = readPadded(r, mountPathLength)
	if err != nil {
		return nil, errors.Wrapf(err, "golden digest file %q", path)
	}
	doc.BlockSize, err = readUint32(r)
	if err != nil {
		return nil, errors.Wrapf(err, "golden digest file %q", path)
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, errors.Wrapf(err, "golden digest file %q", path)
	}
	for i := uint32(0); i < count; i++ {
		name, err := readPadded(r, nameLength)
		if err != nil {
			return nil, errors.Wrapf(err, "golden digest file %q", path)
		}
		var digest Digest
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, errors.Wrapf(err, "golden digest file %q", path)
		}
		doc.Names = append(doc.Names, name)
		doc.Digests[name] = digest
	}
	return doc, nil
}

func writeHeader(buf *bytes.Buffer, uid, gid uint32, perm uint16, fileType byte) {
	writeUint32(buf, uid)
	writeUint32(buf, gid)
	var permBytes [permLength]byte
	binary.BigEndian.PutUint16(permBytes[:], perm)
	buf.Write(permBytes[:])
	buf.WriteByte(fileType)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [valueLength]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writePadded(buf *bytes.Buffer, s string, length int) {
	padded := make([]byte, length)
	copy(padded, s)
	buf.Write(padded)
}

func readPadded(r io.Reader, length int) (string, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errors.WithStack(err)
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [valueLength]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
