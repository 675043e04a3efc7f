package pkgmgr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
)

// Installer installs pinned packages into the target filesystem.
type Installer struct {
	// TargetDir is the root of the filesystem being composed.
	TargetDir string
	// Runner executes package tools inside the target.
	Runner Runner
}

// ConfigureMirrors writes the apt sources list from the mirror URLs.
// Mirrors are full deb lines, or bare URLs completed with the running
// distribution defaults.
func (i *Installer) ConfigureMirrors(ctx context.Context, mirrors []string, distro string) error {
	if len(mirrors) == 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	for _, mirror := range mirrors {
		if strings.HasPrefix(mirror, "deb ") || strings.HasPrefix(mirror, "deb-src ") {
			fmt.Fprintln(buf, mirror)
			continue
		}
		fmt.Fprintf(buf, "deb %s %s main universe\n", mirror, distro)
	}

	sourcesList := filepath.Join(i.TargetDir, "etc/apt/sources.list")
	logger.Get(ctx).Info("Configuring package mirrors",
		zap.String("path", sourcesList), zap.Int("mirrors", len(mirrors)))
	if err := os.MkdirAll(filepath.Dir(sourcesList), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(sourcesList, buf.Bytes(), 0o644))
}

// Install installs the pinned packages. Packages already present at the
// pinned version are left alone by apt, so reruns converge.
func (i *Installer) Install(ctx context.Context, pins []Pin) error {
	if len(pins) == 0 {
		return nil
	}
	log := logger.Get(ctx)
	log.Info("Installing packages", zap.Int("count", len(pins)))

	args := []string{
		"install", "-y",
		"--no-install-recommends",
		"--allow-downgrades",
	}
	for _, pin := range pins {
		args = append(args, pin.String())
	}
	cmd := i.Runner.Command("apt-get", args...)
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	if err := libexec.Exec(ctx, cmd); err != nil {
		return errors.Wrap(err, "package installation failed")
	}
	log.Info("Packages installed")
	return nil
}

// Installed reports every package present in the target with its version.
func (i *Installer) Installed(ctx context.Context) ([]Pin, error) {
	out := &bytes.Buffer{}
	cmd := i.Runner.Command("dpkg-query", "--show", "--showformat", "${Package}=${Version}\n")
	cmd.Stdout = out
	if err := libexec.Exec(ctx, cmd); err != nil {
		return nil, errors.WithStack(err)
	}

	var pins []Pin
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pin := ParsePin(line)
		if pin.Version == "" {
			return nil, errors.Errorf("unexpected dpkg-query output line %q", line)
		}
		pins = append(pins, pin)
	}
	return pins, errors.WithStack(scanner.Err())
}
