// Package chroot runs target-filesystem tools inside the tree being
// composed.
package chroot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Emulator is the user-mode emulator injected into foreign-architecture
// trees so their binaries run on the build host.
const Emulator = "/usr/bin/qemu-aarch64-static"

// Env is a chroot into the composed tree with the kernel filesystems the
// packaging tools expect.
type Env struct {
	root     string
	emulated bool
	mounts   []string
}

// Enter prepares root for running target tools: mounts proc, sys, dev and
// devpts inside it and, when emulate is set, copies the user-mode emulator
// in. Close undoes all of it.
func Enter(ctx context.Context, root string, emulate bool) (env *Env, retErr error) {
	logger.Get(ctx).Info("Entering target filesystem", zap.String("root", root))

	env = &Env{root: root, emulated: emulate}
	defer func() {
		if retErr != nil {
			env.Close(ctx)
		}
	}()

	if err := env.mount("proc", "proc", 0o555, ""); err != nil {
		return nil, err
	}
	if err := env.mount("sys", "sysfs", 0o555, ""); err != nil {
		return nil, err
	}
	if err := env.mount("dev", "devtmpfs", 0o755, "size=4m"); err != nil {
		return nil, err
	}
	if err := env.mount("dev/pts", "devpts", 0o755, ""); err != nil {
		return nil, err
	}

	if emulate {
		if err := copyFile(Emulator, filepath.Join(root, Emulator)); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// Command builds a command running name inside the chroot.
func (e *Env) Command(name string, args ...string) *exec.Cmd {
	chrootArgs := []string{e.root}
	if e.emulated {
		chrootArgs = append(chrootArgs, Emulator)
	}
	chrootArgs = append(chrootArgs, name)
	chrootArgs = append(chrootArgs, args...)
	return exec.Command("chroot", chrootArgs...)
}

// Close unmounts the kernel filesystems and removes the emulator.
func (e *Env) Close(ctx context.Context) {
	log := logger.Get(ctx)
	for i := len(e.mounts) - 1; i >= 0; i-- {
		if err := syscall.Unmount(e.mounts[i], syscall.MNT_DETACH); err != nil {
			log.Warn("Unmount failed", zap.String("dir", e.mounts[i]), zap.Error(err))
		}
	}
	e.mounts = nil
	if e.emulated {
		if err := os.Remove(filepath.Join(e.root, Emulator)); err != nil && !os.IsNotExist(err) {
			log.Warn("Removing emulator failed", zap.Error(err))
		}
	}
}

func (e *Env) mount(dir, fsType string, perm os.FileMode, data string) error {
	target := filepath.Join(e.root, dir)
	if err := os.MkdirAll(target, perm); err != nil {
		return errors.WithStack(err)
	}
	if err := syscall.Mount("none", target, fsType, 0, data); err != nil {
		return errors.WithStack(err)
	}
	e.mounts = append(e.mounts, target)
	return nil
}

func copyFile(source, destination string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(destination, data, 0o755))
}
