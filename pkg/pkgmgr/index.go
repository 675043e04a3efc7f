package pkgmgr

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/outofforest/libexec"
)

// Runner builds commands executing inside the filesystem being composed.
type Runner interface {
	Command(name string, args ...string) *exec.Cmd
}

// AptIndex resolves package versions through the apt cache of the target
// filesystem. Refresh must be called before the first lookup.
type AptIndex struct {
	runner Runner
}

// NewAptIndex returns an index backed by apt inside the target.
func NewAptIndex(runner Runner) *AptIndex {
	return &AptIndex{runner: runner}
}

// Refresh updates the apt package lists.
func (i *AptIndex) Refresh(ctx context.Context) error {
	return errors.WithStack(libexec.Exec(ctx, i.runner.Command("apt-get", "update")))
}

// Latest implements Index. It returns the top candidate reported by
// apt-cache madison.
func (i *AptIndex) Latest(ctx context.Context, name string) (string, error) {
	out := &bytes.Buffer{}
	cmd := i.runner.Command("apt-cache", "madison", name)
	cmd.Stdout = out
	if err := libexec.Exec(ctx, cmd); err != nil {
		return "", errors.WithStack(err)
	}

	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		// Lines look like "name | version | origin".
		fields := strings.Split(scanner.Text(), "|")
		if len(fields) < 2 {
			continue
		}
		version := strings.TrimSpace(fields[1])
		if version != "" {
			return version, nil
		}
	}
	return "", errors.Errorf("package %q is not present in the package index", name)
}
