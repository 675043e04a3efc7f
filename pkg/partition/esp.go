package partition

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/diskfs/go-diskfs/backend/file"
	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// WriteESP packages dir as a FAT32 image of the given size, the format the
// EFI system partition is flashed with.
func WriteESP(ctx context.Context, dir, output string, size int64) error {
	logger.Get(ctx).Info("Writing ESP image", zap.String("dir", dir),
		zap.String("output", output), zap.Int64("size", size))

	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	b, err := file.CreateFromPath(output, size)
	if err != nil {
		return errors.WithStack(err)
	}
	defer b.Close()

	fs, err := fat32.Create(b, size, 0, 0, "esp")
	if err != nil {
		return errors.WithStack(err)
	}

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
		target := "/" + filepath.ToSlash(rel)

		if info.IsDir() {
			return errors.WithStack(fs.Mkdir(target))
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		in, err := os.Open(path)
		if err != nil {
			return errors.WithStack(err)
		}
		defer in.Close()

		out, err := fs.OpenFile(target, os.O_RDWR|os.O_TRUNC|os.O_CREATE)
		if err != nil {
			return errors.WithStack(err)
		}
		defer out.Close()

		_, err = io.Copy(out, in)
		return errors.WithStack(err)
	}))
}
