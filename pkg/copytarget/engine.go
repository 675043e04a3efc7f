package copytarget

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Identifiers resolves owner and group references from manifests. References
// are either numeric or names known to the target filesystem.
type Identifiers interface {
	UID(owner string) (uint32, error)
	GID(group string) (uint32, error)
}

// NumericIdentifiers resolves only numeric references.
type NumericIdentifiers struct{}

// UID implements Identifiers.
func (NumericIdentifiers) UID(owner string) (uint32, error) { return parseID(owner) }

// GID implements Identifiers.
func (NumericIdentifiers) GID(group string) (uint32, error) { return parseID(group) }

func parseID(ref string) (uint32, error) {
	id, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return 0, errors.Errorf("identifier %q is not numeric", ref)
	}
	return uint32(id), nil
}

// Applier applies copy rules to a filesystem tree rooted at TargetDir.
type Applier struct {
	// FS is the filesystem holding the target tree.
	FS afero.Afero
	// TargetDir is the root of the tree being composed.
	TargetDir string
	// Workspace prefixes relative source paths.
	Workspace string
	// MountPoint, when TrimMountPoint is set, is stripped from destinations
	// that spell out the runtime mount location.
	MountPoint     string
	TrimMountPoint bool
	// Chown applies ownership from the rules. Disabled for unprivileged
	// builds, where files keep the builder's identity.
	Chown bool
	// AutocreateParents creates missing parent directories with mode 755
	// instead of failing.
	AutocreateParents bool
	// IDs resolves owner/group references. Defaults to NumericIdentifiers.
	IDs Identifiers
	// Records receives size accounting. Optional.
	Records *Records
	// Digest receives per-file digest metadata. Optional.
	Digest *DigestWriter
	// Env resolves environment references in source paths.
	Env func(string) (string, bool)
}

// Apply executes every rule of the set in order.
func (a *Applier) Apply(ctx context.Context, set *RuleSet) error {
	if a.IDs == nil {
		a.IDs = NumericIdentifiers{}
	}
	if a.Env == nil {
		a.Env = os.LookupEnv
	}
	for _, rule := range set.Rules() {
		if err := a.apply(ctx, set, rule); err != nil {
			return errors.Wrapf(err, "destination %q", rule.Destination)
		}
	}
	return nil
}

func (a *Applier) apply(ctx context.Context, set *RuleSet, rule *Rule) error {
	log := logger.Get(ctx)

	runtimePath, err := a.runtimePath(rule.Destination)
	if err != nil {
		return err
	}
	hostPath := normPath(filepath.Join(a.TargetDir, runtimePath))
	if strings.HasSuffix(runtimePath, "/") {
		hostPath += "/"
	}

	switch {
	case rule.Remove:
		log.Info("Removing", zap.String("path", hostPath))
		if err := a.FS.RemoveAll(hostPath); err != nil {
			return errors.WithStack(err)
		}
		if a.Records != nil {
			a.Records.Remove(runtimePath)
		}
		return nil
	case rule.Symlink:
		return a.applySymlink(ctx, set, rule, runtimePath, hostPath)
	case rule.Source != "":
		return a.applyCopy(ctx, set, rule, runtimePath, hostPath)
	default:
		return a.applyDir(ctx, rule, hostPath)
	}
}

func (a *Applier) applyCopy(ctx context.Context, set *RuleSet, rule *Rule, runtimePath, hostPath string) error {
	log := logger.Get(ctx)

	sourcePath, err := expandVars(rule.Source, set.exports, a.Env)
	if err != nil {
		return err
	}
	source := normPath(filepath.Join(a.Workspace, sourcePath))
	log.Info("Copying", zap.String("source", source), zap.String("destination", hostPath))

	uid, gid, err := a.identity(rule)
	if err != nil {
		return err
	}
	perm, err := parsePerm(rule.Perm)
	if err != nil {
		return err
	}
	if err := a.ensureParent(ctx, hostPath, uid, gid); err != nil {
		return err
	}

	info, err := os.Lstat(source)
	if err != nil {
		return errors.Wrapf(err, "source %q does not exist", source)
	}
	if info.IsDir() {
		return errors.Errorf("source %q is a directory, directory copies must itemize files", source)
	}

	if err := a.removeExisting(hostPath); err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		// A symlink source is reproduced, not followed.
		target, err := os.Readlink(source)
		if err != nil {
			return errors.WithStack(err)
		}
		return a.placeSymlink(rule, runtimePath, hostPath, target, uid, gid)
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := a.FS.WriteFile(hostPath, data, perm); err != nil {
		return errors.WithStack(err)
	}
	if err := a.FS.Chmod(hostPath, perm); err != nil {
		return errors.WithStack(err)
	}
	if a.Chown {
		if err := a.FS.Chown(hostPath, int(uid), int(gid)); err != nil {
			return errors.WithStack(err)
		}
	}
	if a.Records != nil {
		a.Records.Add(rule.Module, runtimePath, info.Size())
	}
	if a.Digest != nil {
		metadata, err := a.Digest.FileMetadata(source, uid, gid, uint16(perm.Perm()))
		if err != nil {
			return err
		}
		return a.placeMetadata(runtimePath, metadata)
	}
	return nil
}

func (a *Applier) applySymlink(ctx context.Context, set *RuleSet, rule *Rule, runtimePath, hostPath string) error {
	log := logger.Get(ctx)

	target, err := expandVars(rule.Source, set.exports, a.Env)
	if err != nil {
		return err
	}
	target = normPath(target)
	log.Info("Creating symlink", zap.String("path", hostPath), zap.String("target", target))

	uid, gid, err := a.identity(rule)
	if err != nil {
		return err
	}
	if err := a.ensureParent(ctx, hostPath, uid, gid); err != nil {
		return err
	}
	if err := a.removeExisting(hostPath); err != nil {
		return err
	}
	return a.placeSymlink(rule, runtimePath, hostPath, target, uid, gid)
}

func (a *Applier) placeSymlink(rule *Rule, runtimePath, hostPath, target string, uid, gid uint32) error {
	linker, ok := a.FS.Fs.(afero.Symlinker)
	if !ok {
		return errors.New("filesystem does not support symlinks")
	}
	if err := linker.SymlinkIfPossible(target, hostPath); err != nil {
		return errors.WithStack(err)
	}
	if a.Chown {
		if err := lchown(a.FS.Fs, hostPath, uid, gid); err != nil {
			return err
		}
	}
	if a.Records != nil {
		a.Records.Add(rule.Module, runtimePath, int64(len(target)))
	}
	if a.Digest != nil {
		metadata, err := a.Digest.SymlinkMetadata(target, uid, gid)
		if err != nil {
			return err
		}
		return a.placeMetadata(runtimePath, metadata)
	}
	return nil
}

func (a *Applier) applyDir(ctx context.Context, rule *Rule, hostPath string) error {
	log := logger.Get(ctx)

	uid, gid, err := a.identity(rule)
	if err != nil {
		return err
	}

	exists, err := a.FS.Exists(hostPath)
	if err != nil {
		return errors.WithStack(err)
	}
	isDir := false
	if exists {
		isDir, err = a.FS.IsDir(hostPath)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	if (!exists || isDir) && !strings.HasSuffix(hostPath, "/") {
		return errors.New("directory entries must end with a trailing slash")
	}

	perm, err := parsePerm(rule.Perm)
	if err != nil {
		return err
	}

	if exists {
		log.Info("Changing metadata", zap.String("path", hostPath))
		if err := a.FS.Chmod(hostPath, perm); err != nil {
			return errors.WithStack(err)
		}
	} else {
		log.Info("Creating directory", zap.String("path", hostPath))
		if err := a.ensureParent(ctx, strings.TrimSuffix(hostPath, "/"), uid, gid); err != nil {
			return err
		}
		if err := a.FS.Mkdir(hostPath, perm); err != nil {
			return errors.WithStack(err)
		}
		if err := a.FS.Chmod(hostPath, perm); err != nil {
			return errors.WithStack(err)
		}
	}
	if a.Chown {
		if err := a.FS.Chown(hostPath, int(uid), int(gid)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (a *Applier) placeMetadata(runtimePath string, metadata []byte) error {
	metadataRuntime := MetadataName(strings.TrimSuffix(runtimePath, "/"))
	hostPath := filepath.Join(a.TargetDir, metadataRuntime)
	if err := a.FS.WriteFile(hostPath, metadata, 0o444); err != nil {
		return errors.WithStack(err)
	}
	if a.Chown {
		if err := a.FS.Chown(hostPath, 0, 0); err != nil {
			return errors.WithStack(err)
		}
	}
	if a.Records != nil {
		a.Records.Add("digestMetadata", metadataRuntime, int64(len(metadata)))
	}
	return a.Digest.Add(metadataRuntime, metadata)
}

// runtimePath maps a manifest destination to the path the file has inside
// the composed tree.
func (a *Applier) runtimePath(destination string) (string, error) {
	return trimMountPoint(destination, a.MountPoint, a.TrimMountPoint)
}

func (a *Applier) identity(rule *Rule) (uint32, uint32, error) {
	if !a.Chown {
		return uint32(os.Getuid()), uint32(os.Getgid()), nil
	}
	if rule.Owner == "" {
		return 0, 0, errors.New("expected key 'owner' is not defined")
	}
	if rule.Group == "" {
		return 0, 0, errors.New("expected key 'group' is not defined")
	}
	uid, err := a.IDs.UID(rule.Owner)
	if err != nil {
		return 0, 0, err
	}
	gid, err := a.IDs.GID(rule.Group)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

func (a *Applier) ensureParent(ctx context.Context, hostPath string, uid, gid uint32) error {
	parent := filepath.Dir(strings.TrimSuffix(hostPath, "/"))
	exists, err := a.FS.DirExists(parent)
	if err != nil {
		return errors.WithStack(err)
	}
	if exists {
		return nil
	}
	if !a.AutocreateParents {
		return errors.Errorf("parent directory %q does not exist", parent)
	}
	logger.Get(ctx).Warn("Creating missing parent directories",
		zap.String("path", parent), zap.Uint32("uid", uid), zap.Uint32("gid", gid))
	if err := a.FS.MkdirAll(parent, 0o755); err != nil {
		return errors.WithStack(err)
	}
	if a.Chown {
		if err := a.FS.Chown(parent, int(uid), int(gid)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// removeExisting clears the destination unless it is a real directory, which
// signals a file-over-directory conflict.
func (a *Applier) removeExisting(hostPath string) error {
	info, err := a.lstat(hostPath)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.WithStack(err)
	}
	if info.IsDir() {
		return errors.New("destination is a directory, a complete file name is required")
	}
	return errors.WithStack(a.FS.Remove(hostPath))
}

func (a *Applier) lstat(hostPath string) (os.FileInfo, error) {
	if lstater, ok := a.FS.Fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(hostPath)
		return info, err
	}
	return a.FS.Stat(hostPath)
}

func lchown(fs afero.Fs, path string, uid, gid uint32) error {
	// afero has no lchown; only real filesystems can own symlinks.
	if _, ok := fs.(*afero.OsFs); ok {
		return errors.WithStack(os.Lchown(path, int(uid), int(gid)))
	}
	return nil
}

func parsePerm(perm string) (os.FileMode, error) {
	if perm == "" {
		return 0, errors.New("expected key 'perm' is not defined")
	}
	mode, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return 0, errors.Errorf("invalid permission %q", perm)
	}
	return os.FileMode(mode), nil
}
