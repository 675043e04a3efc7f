package image

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cavaliergopher/cpio"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// WriteCPIO packages dir as a gzip-compressed newc cpio archive, the format
// initramfs loaders consume.
func WriteCPIO(ctx context.Context, dir, output string) (retErr error) {
	logger.Get(ctx).Info("Writing cpio archive", zap.String("dir", dir), zap.String("output", output))

	tmp, err := os.CreateTemp(filepath.Dir(output), "cpio-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	gw := gzip.NewWriter(tmp)
	cw := cpio.NewWriter(gw)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
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
		hdr, err := cpio.FileInfoHeader(info, link)
		if err != nil {
			return errors.WithStack(err)
		}
		hdr.Name = rel
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			hdr.Uid = int(stat.Uid)
			hdr.Guid = int(stat.Gid)
		}
		if err := cw.WriteHeader(hdr); err != nil {
			return errors.WithStack(err)
		}

		switch {
		case info.Mode().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return errors.WithStack(err)
			}
			defer f.Close()
			_, err = io.Copy(cw, f)
			return errors.WithStack(err)
		case link != "":
			_, err = cw.Write([]byte(link))
			return errors.WithStack(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := cw.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := gw.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), output))
}
