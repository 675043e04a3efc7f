package copytarget

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// BuildFileApplier renders copy rules as QNX build-file directives instead
// of mutating a tree. The directives reference source files in the
// workspace; the image tool consumes them later.
type BuildFileApplier struct {
	// Workspace prefixes relative source paths.
	Workspace string
	// MountPoint, when TrimMountPoint is set, is stripped from destinations.
	MountPoint     string
	TrimMountPoint bool
	// AutocreateParents skips the parent-directory bookkeeping. When unset,
	// every parent must have been declared by an earlier directory entry.
	AutocreateParents bool
	// IDs resolves owner/group references.
	IDs Identifiers
	// Records receives size accounting. Optional.
	Records *Records
	// Env resolves environment references in source paths.
	Env func(string) (string, bool)

	lines []string
	dirs  map[string]struct{}
}

// Symlinks in build files have no on-disk size; mkxfs charges one inode.
const buildFileSymlinkSize = 32

// Apply renders every rule of the set in order.
func (b *BuildFileApplier) Apply(ctx context.Context, set *RuleSet) error {
	if b.IDs == nil {
		b.IDs = NumericIdentifiers{}
	}
	if b.Env == nil {
		b.Env = os.LookupEnv
	}
	if b.dirs == nil {
		b.dirs = map[string]struct{}{}
	}
	for _, rule := range set.Rules() {
		if err := b.apply(ctx, set, rule); err != nil {
			return errors.Wrapf(err, "destination %q", rule.Destination)
		}
	}
	return nil
}

// Lines returns the rendered build-file directives.
func (b *BuildFileApplier) Lines() []string {
	return b.lines
}

//nolint:gocyclo
func (b *BuildFileApplier) apply(ctx context.Context, set *RuleSet, rule *Rule) error {
	log := logger.Get(ctx)

	if rule.Remove {
		return errors.New("the remove directive is not allowed when creating a build file")
	}

	destination, err := trimMountPoint(rule.Destination, b.MountPoint, b.TrimMountPoint)
	if err != nil {
		return err
	}

	uid, err := b.IDs.UID(rule.Owner)
	if err != nil {
		return err
	}
	gid, err := b.IDs.GID(rule.Group)
	if err != nil {
		return err
	}

	switch {
	case rule.Symlink:
		target, err := expandVars(rule.Source, set.exports, b.Env)
		if err != nil {
			return err
		}
		target = normPath(target)
		if err := b.requireParent(destination); err != nil {
			return err
		}
		log.Info("Creating symlink", zap.String("path", destination), zap.String("target", target))
		if rule.Perm != "" {
			b.lines = append(b.lines, fmt.Sprintf("[type=link uid=%d gid=%d perms=%s]\t%s = %s",
				uid, gid, rule.Perm, normPath(destination), target))
		} else {
			b.lines = append(b.lines, fmt.Sprintf("[type=link uid=%d gid=%d]\t\t\t%s = %s",
				uid, gid, normPath(destination), target))
		}
		if b.Records != nil {
			b.Records.Add(rule.Module, destination, buildFileSymlinkSize)
		}
		return nil
	case rule.Source != "":
		sourcePath, err := expandVars(rule.Source, set.exports, b.Env)
		if err != nil {
			return err
		}
		source := normPath(filepath.Join(b.Workspace, sourcePath))
		info, err := os.Lstat(source)
		if err != nil {
			return errors.Wrapf(err, "source %q does not exist", source)
		}
		if rule.Perm == "" {
			return errors.New("expected key 'perm' is not defined")
		}
		if err := b.requireParent(destination); err != nil {
			return err
		}
		log.Info("Copying", zap.String("source", source), zap.String("destination", destination))
		attrs := ""
		if rule.Raw {
			attrs = "+raw "
		}
		b.lines = append(b.lines, fmt.Sprintf("[%suid=%d gid=%d perms=%s]\t\t\t%s = %s",
			attrs, uid, gid, rule.Perm, normPath(destination), source))
		if b.Records != nil {
			b.Records.Add(rule.Module, destination, info.Size())
		}
		return nil
	default:
		if !strings.HasSuffix(destination, "/") {
			return errors.New("directory entries must end with a trailing slash")
		}
		if rule.Perm == "" {
			return errors.New("expected key 'perm' is not defined")
		}
		name := normPath(strings.TrimSuffix(destination, "/"))
		b.dirs[name+"/"] = struct{}{}
		if err := b.requireParent(destination); err != nil {
			return err
		}
		log.Info("Creating directory", zap.String("path", destination))
		b.lines = append(b.lines, fmt.Sprintf("[type=dir uid=%d gid=%d dperms=%s]\t%s",
			uid, gid, rule.Perm, name))
		return nil
	}
}

func (b *BuildFileApplier) requireParent(destination string) error {
	if b.AutocreateParents {
		return nil
	}
	parent := normPath(filepath.Dir(strings.TrimSuffix(destination, "/"))) + "/"
	if parent == "//" {
		parent = "/"
	}
	if parent == "/" {
		return nil
	}
	if _, exists := b.dirs[parent]; !exists {
		return errors.Errorf("parent directory %q does not exist", parent)
	}
	return nil
}

func trimMountPoint(destination, mountPoint string, trim bool) (string, error) {
	if !trim {
		return destination, nil
	}
	mountPoint = strings.TrimSuffix(mountPoint, "/")
	if !strings.HasPrefix(destination, mountPoint) {
		return "", errors.Errorf("destination does not include the mount point %q", mountPoint)
	}
	trimmed := strings.TrimPrefix(destination, mountPoint)
	if trimmed == "" {
		trimmed = "/"
	}
	return trimmed, nil
}
