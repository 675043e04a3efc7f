package buildfs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/drivekit/buildfs/pkg/pkgmgr"
)

// Frozen manifests are stored inside the composed tree so later builds can
// layer on top of the image alone.
const (
	ManifestDir  = "etc/rootfilesystem-manifest"
	ManifestLink = "rfs.MANIFEST.json"
)

// ManifestSuffix distinguishes frozen manifests from input configs.
const ManifestSuffix = ".MANIFEST.json"

// FreezeManifest produces the version-frozen manifest of a build: the leaf
// config with everything its parents contributed merged in, and packages
// pinned at the versions actually installed. Rebuilding from the manifest
// alone reproduces the filesystem.
func FreezeManifest(config *Config, parent *Config, installed []pkgmgr.Pin) *Config {
	manifest := *config
	manifest.path = ""

	if parent != nil {
		manifest.Base = parent.Base
		manifest.OS = parent.OS
		manifest.Mirrors = appendUnique(parent.Mirrors, config.Mirrors)
		manifest.CopyTargets = append(append([]CopyTargetRef{}, parent.CopyTargets...),
			config.CopyTargets...)
		manifest.Users = mergeMaps(parent.Users, config.Users)
		manifest.Groups = mergeMaps(parent.Groups, config.Groups)
		manifest.Mounts = mergeMaps(parent.Mounts, config.Mounts)
		manifest.PreInstalls = mergeMaps(parent.PreInstalls, config.PreInstalls)
		manifest.PostInstalls = mergeMaps(parent.PostInstalls, config.PostInstalls)
		manifest.Memberships = mergeMemberships(parent.Memberships, config.Memberships)
		manifest.FilesystemCleanup = union(parent.FilesystemCleanup, config.FilesystemCleanup)
		manifest.FilesystemInclude = union(parent.FilesystemInclude, config.FilesystemInclude)
		manifest.AssociatedFilesystems = union(parent.AssociatedFilesystems,
			config.AssociatedFilesystems)
	}

	if installed != nil {
		packages := make([]string, 0, len(installed))
		for _, pin := range installed {
			packages = append(packages, pin.String())
		}
		manifest.Packages = packages
	} else if parent != nil && len(manifest.Packages) == 0 {
		// A layer installing nothing still sits on the parent's packages.
		manifest.Packages = parent.Packages
	}
	return &manifest
}

// PinnedPackages parses a package list into pins. A list with any unpinned
// entry yields nil, only fully frozen lists convert.
func PinnedPackages(packages []string) []pkgmgr.Pin {
	pins := make([]pkgmgr.Pin, 0, len(packages))
	for _, spec := range packages {
		pin := pkgmgr.ParsePin(spec)
		if pin.Version == "" {
			return nil
		}
		pins = append(pins, pin)
	}
	return pins
}

// WriteManifest writes the manifest JSON atomically.
func WriteManifest(manifest *Config, path string) error {
	data, err := json.MarshalIndent(manifest, "", "    ")
	if err != nil {
		return errors.WithStack(err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "manifest-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}

// InstallManifest places the frozen manifest inside the composed tree,
// replacing any manifest a base image carried, and points the well-known
// link at it.
func InstallManifest(ctx context.Context, manifest *Config, targetDir string) error {
	dir := filepath.Join(targetDir, ManifestDir)
	logger.Get(ctx).Info("Installing frozen manifest", zap.String("dir", dir))

	if err := os.RemoveAll(dir); err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}

	name := manifest.Output + ManifestSuffix
	if err := WriteManifest(manifest, filepath.Join(dir, name)); err != nil {
		return err
	}
	return errors.WithStack(os.Symlink(name, filepath.Join(dir, ManifestLink)))
}

// LoadBaseManifest finds the frozen manifest a base tree carries, if any.
func LoadBaseManifest(targetDir string) (*Config, error) {
	dir := filepath.Join(targetDir, ManifestDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ManifestLink {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	return LoadConfig(filepath.Join(dir, names[0]))
}

func appendUnique(base, extra []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range append(append([]string{}, base...), extra...) {
		if _, exists := seen[v]; exists {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func union(base, extra []string) []string {
	return appendUnique(base, extra)
}

func mergeMaps[V any](base, extra map[string]V) map[string]V {
	if base == nil && extra == nil {
		return nil
	}
	out := map[string]V{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func mergeMemberships(base, extra map[string][]string) map[string][]string {
	if base == nil && extra == nil {
		return nil
	}
	out := map[string][]string{}
	for user, groups := range base {
		out[user] = append([]string{}, groups...)
	}
	for user, groups := range extra {
		out[user] = appendUnique(out[user], groups)
	}
	return out
}
