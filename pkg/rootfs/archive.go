// Package rootfs manipulates root-filesystem trees: extraction, packaging,
// filtering and system files.
package rootfs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Compression selects how tar output is compressed.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
)

// Extract unpacks a base artifact into dir. Tar archives may be gzip or xz
// compressed; a directory artifact is copied verbatim.
func Extract(ctx context.Context, artifact, dir string) error {
	log := logger.Get(ctx)
	log.Info("Extracting base artifact", zap.String("artifact", artifact), zap.String("dir", dir))

	info, err := os.Stat(artifact)
	if err != nil {
		return errors.WithStack(err)
	}
	if info.IsDir() {
		return copyTree(artifact, dir)
	}

	f, err := os.Open(artifact)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(artifact, ".gz") || strings.HasSuffix(artifact, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return errors.WithStack(err)
		}
		defer gr.Close()
		r = gr
	case strings.HasSuffix(artifact, ".xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return errors.WithStack(err)
		}
		r = xr
	}
	return inflateTar(r, dir)
}

//nolint:gocyclo
func inflateTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return errors.WithStack(err)
		}

		path := filepath.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, os.FileMode(hdr.Mode)); err != nil {
				return errors.WithStack(err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errors.WithStack(err)
			}
			if err := os.Symlink(hdr.Linkname, path); err != nil && !os.IsExist(err) {
				return errors.WithStack(err)
			}
		case tar.TypeLink:
			if err := os.Link(filepath.Join(dir, hdr.Linkname), path); err != nil && !os.IsExist(err) {
				return errors.WithStack(err)
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			// Device nodes require privileges the composer may not have;
			// missing ones do not affect the packaged image content.
			continue
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errors.WithStack(err)
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return errors.WithStack(err)
			}
			_, err = io.Copy(f, tr)
			if err2 := f.Close(); err == nil {
				err = err2
			}
			if err != nil {
				return errors.WithStack(err)
			}
		default:
			continue
		}
		if hdr.Typeflag != tar.TypeSymlink {
			if err := os.Chmod(path, os.FileMode(hdr.Mode)); err != nil {
				return errors.WithStack(err)
			}
		}
		if os.Getuid() == 0 {
			if err := os.Lchown(path, hdr.Uid, hdr.Gid); err != nil {
				return errors.WithStack(err)
			}
		}
	}
}

// WriteTar packages dir as a tar archive, optionally gzip compressed. The
// output is written to a temporary file and renamed into place.
func WriteTar(ctx context.Context, dir, output string, compression Compression) (retErr error) {
	logger.Get(ctx).Info("Writing tar archive", zap.String("dir", dir), zap.String("output", output))

	tmp, err := os.CreateTemp(filepath.Dir(output), "tar-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var w io.Writer = tmp
	var gw *gzip.Writer
	if compression == CompressionGzip {
		gw = gzip.NewWriter(tmp)
		w = gw
	}
	tw := tar.NewWriter(w)

	if err := addTree(tw, dir); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return errors.WithStack(err)
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), output))
}

//nolint:gocyclo
func addTree(tw *tar.Writer, dir string) error {
	hardlinks := map[uint64]string{}
	return errors.WithStack(filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return errors.WithStack(err)
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return errors.WithStack(err)
		}
		hdr.Name = rel
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			hdr.Uid = int(stat.Uid)
			hdr.Gid = int(stat.Gid)
			if info.Mode().IsRegular() && stat.Nlink > 1 {
				if target, seen := hardlinks[stat.Ino]; seen {
					hdr.Typeflag = tar.TypeLink
					hdr.Linkname = target
					hdr.Size = 0
				} else {
					hardlinks[stat.Ino] = rel
				}
			}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.WithStack(err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return errors.WithStack(err)
	}))
}

func copyTree(source, dir string) error {
	return errors.WithStack(filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return errors.WithStack(err)
		}
		target := filepath.Join(dir, rel)

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return errors.WithStack(err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return errors.WithStack(err)
			}
			if err := os.Symlink(link, target); err != nil && !os.IsExist(err) {
				return errors.WithStack(err)
			}
			return lchownAsSource(target, info)
		case info.Mode().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.WithStack(err)
			}
			if err := os.WriteFile(target, data, info.Mode().Perm()); err != nil {
				return errors.WithStack(err)
			}
		default:
			return nil
		}
		if err := os.Chmod(target, info.Mode().Perm()); err != nil {
			return errors.WithStack(err)
		}
		return lchownAsSource(target, info)
	}))
}

func lchownAsSource(target string, info os.FileInfo) error {
	if os.Getuid() != 0 {
		return nil
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return errors.WithStack(os.Lchown(target, int(stat.Uid), int(stat.Gid)))
}
