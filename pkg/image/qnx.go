package image

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
)

const sectorSize = 512

// WriteBuildFile writes a QNX build file: optional header files first, then
// the sizing attribute when imageSize is positive, then the directives
// produced by the copy engine.
func WriteBuildFile(ctx context.Context, output string, headerFiles []string, imageSize int64, lines []string) error {
	logger.Get(ctx).Info("Writing build file", zap.String("output", output),
		zap.Int("directives", len(lines)))

	buf := &bytes.Buffer{}
	for _, header := range headerFiles {
		data, err := os.ReadFile(os.ExpandEnv(header))
		if err != nil {
			return errors.WithStack(err)
		}
		buf.Write(data)
		buf.WriteString("\n")
	}
	if imageSize > 0 {
		fmt.Fprintf(buf, "[num_sectors=%d]\n", ceilDiv(imageSize, sectorSize))
	}
	buf.WriteString(strings.Join(lines, "\n"))
	buf.WriteString("\n")

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(output, buf.Bytes(), 0o644))
}

// QNXTools runs the QNX host tools building images from build files.
type QNXTools struct {
	// Host is the QNX host tools root, usually $QNX_HOST.
	Host string
	// Verbose raises the tools' verbosity.
	Verbose bool
}

// BuildXFS builds a qnx6 filesystem image from a build file with mkxfs.
func (t QNXTools) BuildXFS(ctx context.Context, buildFile, manifestFile, output string) error {
	logger.Get(ctx).Info("Building qnx6 image", zap.String("buildFile", buildFile),
		zap.String("output", output))

	args := []string{"-nn", "-D", "-t", "qnx6fsimg"}
	if manifestFile != "" {
		args = append(args, "-f", manifestFile)
	}
	if t.Verbose {
		args = append(args, "-vv")
	}
	args = append(args, buildFile, output)
	return t.run(ctx, "mkxfs", args)
}

// BuildIFS builds a boot image filesystem from a build file with mkifs.
func (t QNXTools) BuildIFS(ctx context.Context, buildFile, output string) error {
	logger.Get(ctx).Info("Building ifs image", zap.String("buildFile", buildFile),
		zap.String("output", output))

	var args []string
	if t.Verbose {
		args = append(args, "-v")
	}
	args = append(args, buildFile, output)
	return t.run(ctx, "mkifs", args)
}

func (t QNXTools) run(ctx context.Context, tool string, args []string) error {
	if t.Host == "" {
		return errors.New("the QNX host tools location is not configured")
	}
	cmd := exec.Command(filepath.Join(t.Host, "usr/bin", tool), args...)
	return errors.WithStack(libexec.Exec(ctx, cmd))
}
