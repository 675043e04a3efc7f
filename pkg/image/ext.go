// Package image packages composed filesystem trees into flashable images.
package image

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
)

// Geometry is the mke2fs parameter set for one image size class, following
// the mke2fs usage-type classification.
type Geometry struct {
	MinSize        int64
	MaxSize        int64
	UsageType      string
	BlockSize      int64
	ByteInodeRatio int64
	InodeSize      int64
	JournalBlocks  int64
}

var geometries = []Geometry{
	{65536, 2097151, "floppy", 4096, 8192, 128, 0},
	{2097152, 3145727, "floppy", 4096, 8192, 128, 1024},
	{3145728, 33554431, "small", 4096, 4096, 128, 1024},
	{33554432, 268435455, "small", 4096, 4096, 128, 4096},
	{268435456, 536870911, "small", 4096, 4096, 128, 8192},
	{536870912, 1073741823, "default", 4096, 16384, 256, 4096},
	{1073741824, 2147483647, "default", 4096, 16384, 256, 8192},
	{2147483648, 4294967295, "default", 4096, 16384, 256, 16384},
	{4294967296, 4398046511103, "default", 4096, 16384, 256, 32768},
	{4398046511104, 17592186044415, "big", 4096, 32768, 256, 32768},
	{17592186044416, -1, "huge", 4096, 65536, 256, 32768},
}

// GeometryFor classifies an image by its flashed size.
func GeometryFor(size int64) (Geometry, error) {
	for _, g := range geometries {
		if size >= g.MinSize && (g.MaxSize < 0 || size <= g.MaxSize) {
			return g, nil
		}
	}
	return Geometry{}, errors.Errorf("image size %d bytes is too small for an ext filesystem", size)
}

// TreeBlocks returns the number of blocks the tree's content occupies.
// Hardlinked content is counted once.
func TreeBlocks(dir string, blockSize int64) (int64, error) {
	var blocks int64
	hardlinks := map[uint64]struct{}{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		if path == dir {
			return nil
		}
		size := info.Size()
		if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 && info.Mode().IsRegular() {
			if _, seen := hardlinks[stat.Ino]; seen {
				size = 0
			} else {
				hardlinks[stat.Ino] = struct{}{}
			}
		}
		blocks += size / blockSize
		if size%blockSize != 0 {
			blocks++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return blocks, nil
}

// reserve is the share of the tree size kept free for files added at
// runtime.
const reserve = 0.1

// ExtBlocks computes the block count of the image: the tree, the runtime
// reserve, the journal and the inode tables. The result must fit the
// configured image size.
func ExtBlocks(g Geometry, treeBlocks, imageSize int64) (int64, error) {
	blocks := treeBlocks + (treeBlocks*int64(reserve*100)+99)/100
	// An empty tree produces an image too small to hold a journal, so the
	// journal space is doubled.
	blocks += 2 * g.JournalBlocks

	inodes := ceilDiv(blocks*g.BlockSize, g.ByteInodeRatio)
	blocks += ceilDiv(inodes*g.InodeSize, g.BlockSize)

	if total := blocks * g.BlockSize; total > imageSize {
		return 0, errors.Errorf(
			"filesystem tree (%d bytes) plus metadata (%d bytes) exceed the configured image size of %d bytes",
			treeBlocks*g.BlockSize, (blocks-treeBlocks)*g.BlockSize, imageSize)
	}
	return blocks, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// CreateExt builds an ext image holding the tree, sized from the tree's
// block count and the image geometry for imageSize.
func CreateExt(ctx context.Context, dir, output, fsType string, imageSize int64) error {
	g, err := GeometryFor(imageSize)
	if err != nil {
		return err
	}
	treeBlocks, err := TreeBlocks(dir, g.BlockSize)
	if err != nil {
		return err
	}
	blocks, err := ExtBlocks(g, treeBlocks, imageSize)
	if err != nil {
		return err
	}

	logger.Get(ctx).Info("Creating ext image", zap.String("output", output),
		zap.String("type", fsType), zap.Int64("blocks", blocks),
		zap.String("usage", g.UsageType))

	journalSize := ceilDiv(g.JournalBlocks*g.BlockSize, 1024*1024)
	cmdBlob := exec.Command("dd",
		"if=/dev/zero",
		"of="+output,
		"bs="+strconv.FormatInt(g.BlockSize, 10),
		"count="+strconv.FormatInt(blocks, 10),
	)
	cmdMkfs := exec.Command("mke2fs",
		"-t", fsType,
		"-i", strconv.FormatInt(g.ByteInodeRatio, 10),
		"-J", "size="+strconv.FormatInt(journalSize, 10),
		"-I", strconv.FormatInt(g.InodeSize, 10),
		"-b", strconv.FormatInt(g.BlockSize, 10),
		"-d", dir,
		"-F", output,
	)
	return errors.WithStack(libexec.Exec(ctx, cmdBlob, cmdMkfs))
}
