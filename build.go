// Package buildfs composes filesystem images from declarative configs.
package buildfs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"github.com/drivekit/buildfs/pkg/chroot"
	"github.com/drivekit/buildfs/pkg/copytarget"
	"github.com/drivekit/buildfs/pkg/image"
	"github.com/drivekit/buildfs/pkg/pkgmgr"
	"github.com/drivekit/buildfs/pkg/rootfs"
	"github.com/drivekit/buildfs/pkg/sizelimit"
	"github.com/drivekit/buildfs/pkg/users"
)

// Options control a build run.
type Options struct {
	// OutputDir receives the packaged filesystem and its reports.
	OutputDir string
	// WorkDir hosts the temporary build workspaces. Defaults to the system
	// temp directory.
	WorkDir string
	// KeepWorkdir leaves the workspace behind for inspection.
	KeepWorkdir bool
	// CreateTar packages the tree as a compressed tar archive.
	CreateTar bool
	// CreateImage packages the tree as a flashable image.
	CreateImage bool
	// CreateCPIO packages the tree as an initramfs cpio archive.
	CreateCPIO bool
	// ManifestOnly stops after writing the frozen manifest.
	ManifestOnly bool
	// NoChown skips ownership changes for unprivileged runs.
	NoChown bool
	// AutocreateParents lets the copy engine create missing parent
	// directories.
	AutocreateParents bool
	// SizeLimitsFile enables size accounting and limit checking.
	SizeLimitsFile string
	// SourceType selects typed copy-target sources.
	SourceType string
	// Workspace is the default workspace copy-target sources resolve
	// against.
	Workspace string
	// MountPoint is where the filesystem is mounted at runtime. The config's
	// FSMountPointConfg takes precedence.
	MountPoint string
	// PackagesManifest installs extra packages pinned by a frozen package
	// manifest.
	PackagesManifest string
	// Emulate injects the user-mode emulator into the chroot.
	Emulate bool
	// QNXHost locates the QNX host tools for QNX builds.
	QNXHost string
}

// Result describes what a build produced.
type Result struct {
	Output     string
	TargetDir  string
	Artifacts  []string
	Associated []*Result
}

// Build composes the filesystem described by the config and packages it per
// the options.
func Build(ctx context.Context, options Options, configPath string) (*Result, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return build(ctx, options, config)
}

// BuildFromStream composes the filesystem described by a config document
// read from a stream.
func BuildFromStream(ctx context.Context, options Options, configData []byte) (*Result, error) {
	config, err := ParseConfig(configData, "")
	if err != nil {
		return nil, err
	}
	return build(ctx, options, config)
}

func build(ctx context.Context, options Options, config *Config) (retResult *Result, retErr error) {
	ctx = logger.With(ctx, zap.String("build", uuid.New().String()), zap.String("output", config.Output))
	log := logger.Get(ctx)

	chain, err := ResolveChain(config)
	if err != nil {
		return nil, err
	}

	if options.PackagesManifest != "" {
		pins, err := pkgmgr.ParseManifest(options.PackagesManifest)
		if err != nil {
			return nil, err
		}
		leaf := chain.Leaf()
		for _, pin := range pins {
			leaf.Packages = append(leaf.Packages, pin.String())
		}
	}

	workDir, err := os.MkdirTemp(options.WorkDir, "buildfs-")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() {
		if options.KeepWorkdir {
			log.Info("Keeping workspace", zap.String("workDir", workDir))
			return
		}
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("Workspace cleanup failed", zap.Error(err))
		}
	}()

	targetDir := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}

	if chain.BaseArtifact != "" {
		if err := rootfs.Extract(ctx, chain.BaseArtifact, targetDir); err != nil {
			return nil, err
		}
	}

	manifest, err := LoadBaseManifest(targetDir)
	if err != nil {
		return nil, err
	}
	records := copytarget.NewRecords()
	layered := chain.BaseArtifact != "" || manifest != nil

	b := &builder{
		options:   options,
		targetDir: targetDir,
		workDir:   workDir,
		fs:        afero.Afero{Fs: afero.NewOsFs()},
		records:   records,
	}

	for _, layer := range chain.Configs {
		installed, err := b.buildLayer(ctx, layer)
		if err != nil {
			return nil, err
		}
		manifest = FreezeManifest(layer, manifest, installed)
	}

	leaf := chain.Leaf()
	if leaf.OS == OSLinux {
		if err := InstallManifest(ctx, manifest, targetDir); err != nil {
			return nil, err
		}
	}
	manifestPath := filepath.Join(options.OutputDir, leaf.Output+ManifestSuffix)
	if err := WriteManifest(manifest, manifestPath); err != nil {
		return nil, err
	}
	result := &Result{Output: leaf.Output, TargetDir: targetDir, Artifacts: []string{manifestPath}}

	if pins := PinnedPackages(manifest.Packages); len(pins) > 0 {
		packagesPath := filepath.Join(options.OutputDir, leaf.Output+".packages")
		if err := pkgmgr.WriteManifest(packagesPath, pins); err != nil {
			return nil, err
		}
		result.Artifacts = append(result.Artifacts, packagesPath)
	}

	if options.ManifestOnly {
		return result, nil
	}

	if err := b.finishFilters(ctx, manifest); err != nil {
		return nil, err
	}

	if options.SizeLimitsFile != "" {
		limits, err := sizelimit.Load(options.SizeLimitsFile)
		if err != nil {
			return nil, err
		}
		if err := limits.Check(ctx, records, leaf.Output, layered); err != nil {
			return nil, err
		}
		reportPath := filepath.Join(options.OutputDir, leaf.Output+".target_size.yaml")
		if err := records.Store(reportPath); err != nil {
			return nil, err
		}
		result.Artifacts = append(result.Artifacts, reportPath)
	}

	if b.digest != nil {
		if err := b.digest.WriteGolden(); err != nil {
			return nil, err
		}
	}

	artifacts, err := b.packageOutput(ctx, leaf)
	if err != nil {
		return nil, err
	}
	result.Artifacts = append(result.Artifacts, artifacts...)

	if err := b.buildAssociated(ctx, leaf, result); err != nil {
		return nil, err
	}
	return result, nil
}

type builder struct {
	options   Options
	targetDir string
	workDir   string
	fs        afero.Afero
	records   *copytarget.Records
	digest    *copytarget.DigestWriter
	qnxLines  []string
}

//nolint:gocyclo
func (b *builder) buildLayer(ctx context.Context, config *Config) ([]pkgmgr.Pin, error) {
	log := logger.Get(ctx)
	log.Info("Building layer", zap.String("config", config.Path()))

	if err := b.runScripts(ctx, config.PreInstalls); err != nil {
		return nil, errors.Wrap(err, "pre-install scripts failed")
	}

	var installed []pkgmgr.Pin
	if config.OS == OSLinux {
		var err error
		installed, err = b.applySystem(ctx, config)
		if err != nil {
			return nil, err
		}
	}

	if err := b.applyCopyTargets(ctx, config); err != nil {
		return nil, err
	}

	if err := b.runScripts(ctx, config.PostInstalls); err != nil {
		return nil, errors.Wrap(err, "post-install scripts failed")
	}

	if config.OS == OSLinux {
		mounts := make([]rootfs.Mount, 0, len(config.Mounts))
		for mountPoint, entry := range config.Mounts {
			mounts = append(mounts, rootfs.Mount{
				MountPoint:   mountPoint,
				Device:       entry.Device,
				Type:         entry.Type,
				MountOptions: entry.MountOptions,
			})
		}
		if err := rootfs.AppendFstab(ctx, b.fs, b.targetDir, mounts); err != nil {
			return nil, err
		}
	}
	return installed, nil
}

// applySystem handles the parts requiring tools inside the target: package
// installation and account management.
func (b *builder) applySystem(ctx context.Context, config *Config) (retPins []pkgmgr.Pin, retErr error) {
	needsPackages := len(config.Packages) > 0
	needsAccounts := len(config.Groups) > 0 || len(config.Users) > 0 || len(config.Memberships) > 0
	hasHostname := config.Hostname != ""
	if !needsPackages && !needsAccounts && !hasHostname {
		return nil, nil
	}

	env, err := chroot.Enter(ctx, b.targetDir, b.options.Emulate)
	if err != nil {
		return nil, err
	}
	defer env.Close(ctx)

	var installed []pkgmgr.Pin
	if needsPackages {
		installer := &pkgmgr.Installer{TargetDir: b.targetDir, Runner: env}
		if err := installer.ConfigureMirrors(ctx, config.Mirrors, config.Distro); err != nil {
			return nil, err
		}
		index := pkgmgr.NewAptIndex(env)
		if err := index.Refresh(ctx); err != nil {
			return nil, err
		}
		pins, err := pkgmgr.Freeze(ctx, index, config.Packages)
		if err != nil {
			return nil, err
		}
		if err := installer.Install(ctx, pins); err != nil {
			return nil, err
		}
		installed, err = installer.Installed(ctx)
		if err != nil {
			return nil, err
		}
	}

	if needsAccounts {
		manager := &users.Manager{TargetDir: b.targetDir, Runner: env}
		for _, name := range sortedKeys(config.Groups) {
			group := config.Groups[name]
			groupName := group.Groupname
			if groupName == "" {
				groupName = name
			}
			err := manager.EnsureGroup(ctx, users.Group{
				Name: groupName, GID: group.GID, ExtraOpts: group.ExtraOpts,
			})
			if err != nil {
				return nil, err
			}
		}
		for _, name := range sortedKeys(config.Users) {
			user := config.Users[name]
			userName := user.Username
			if userName == "" {
				userName = name
			}
			var password *users.Password
			if user.Password != nil {
				password = &users.Password{Clear: user.Password.Clear, Hashed: user.Password.Hashed}
			}
			err := manager.EnsureUser(ctx, users.User{
				Name: userName, UID: user.UID, Password: password,
				Shell: user.Shell, Home: user.Home, ExtraOpts: user.ExtraOpts,
			})
			if err != nil {
				return nil, err
			}
		}
		for _, user := range sortedKeys(config.Memberships) {
			if err := manager.AddMemberships(ctx, user, config.Memberships[user]); err != nil {
				return nil, err
			}
		}
	}

	if hasHostname {
		if err := rootfs.SetHostname(ctx, b.fs, b.targetDir, config.Hostname); err != nil {
			return nil, err
		}
	}
	return installed, nil
}

//nolint:gocyclo
func (b *builder) applyCopyTargets(ctx context.Context, config *Config) error {
	if len(config.CopyTargets) == 0 {
		return nil
	}

	mountPoint := b.options.MountPoint
	trim := false
	if config.MountPointConfig != nil {
		mountPoint = config.MountPointConfig.MountPoint
		trim = config.MountPointConfig.DestinationIncludesMountPoint
	}

	if config.DigestMetadataConfig != nil && config.DigestMetadataConfig.Enabled && b.digest == nil {
		if mountPoint == "" {
			return errors.New("digest metadata requires the mount point to be configured")
		}
		goldenPath := os.ExpandEnv(config.DigestMetadataConfig.GoldenDigestFile)
		digest, err := copytarget.NewDigestWriter(mountPoint,
			uint32(config.DigestMetadataConfig.AuthBlockSize), goldenPath)
		if err != nil {
			return err
		}
		b.digest = digest
	}

	for _, ref := range config.CopyTargets {
		manifestPath := os.ExpandEnv(ref.Manifest)
		if !filepath.IsAbs(manifestPath) && config.Dir() != "" {
			manifestPath = filepath.Join(config.Dir(), manifestPath)
		}
		workspace := b.options.Workspace
		if ref.Workspace != "" {
			workspace = os.ExpandEnv(ref.Workspace)
		}
		sourceType := ref.SourceType
		if sourceType == "" {
			sourceType = b.options.SourceType
		}

		set, err := copytarget.Load(ctx, manifestPath, copytarget.LoadConfig{
			FilesystemType: config.FilesystemType,
			SourceType:     sourceType,
		})
		if err != nil {
			return err
		}

		if config.OS == OSQNX {
			applier := &copytarget.BuildFileApplier{
				Workspace:         workspace,
				MountPoint:        mountPoint,
				TrimMountPoint:    trim,
				AutocreateParents: b.options.AutocreateParents,
				IDs:               users.TargetIdentifiers{TargetDir: b.targetDir},
				Records:           b.records,
			}
			if err := applier.Apply(ctx, set); err != nil {
				return err
			}
			b.qnxLines = append(b.qnxLines, applier.Lines()...)
			continue
		}

		applier := &copytarget.Applier{
			FS:                b.fs,
			TargetDir:         b.targetDir,
			Workspace:         workspace,
			MountPoint:        mountPoint,
			TrimMountPoint:    trim,
			Chown:             !b.options.NoChown,
			AutocreateParents: b.options.AutocreateParents,
			IDs:               users.TargetIdentifiers{TargetDir: b.targetDir},
			Records:           b.records,
			Digest:            b.digest,
		}
		if err := applier.Apply(ctx, set); err != nil {
			return err
		}
	}
	return nil
}

// finishFilters applies the include and cleanup filters once the tree
// content is final. The merged manifest carries the filters of every layer.
func (b *builder) finishFilters(ctx context.Context, manifest *Config) error {
	if manifest.OS != OSLinux {
		return nil
	}
	if err := rootfs.Include(ctx, b.fs, b.targetDir, manifest.FilesystemInclude); err != nil {
		return err
	}
	return rootfs.Cleanup(ctx, b.fs, b.targetDir, manifest.FilesystemCleanup)
}

func (b *builder) packageOutput(ctx context.Context, config *Config) ([]string, error) {
	var artifacts []string

	if config.OS == OSQNX {
		// Only qnx6 filesystem images carry the sizing attribute, mkifs
		// derives the boot image size itself.
		imageSize := int64(config.ImageSize)
		if config.ImageType == ImageTypeIFS {
			imageSize = 0
		}
		buildFile := filepath.Join(b.options.OutputDir, config.Output+".build")
		err := image.WriteBuildFile(ctx, buildFile, config.BuildFileHeaderFiles,
			imageSize, b.qnxLines)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, buildFile)
		if !b.options.CreateImage {
			return artifacts, nil
		}

		tools := image.QNXTools{Host: b.options.QNXHost}
		output := filepath.Join(b.options.OutputDir, config.Output+".img")
		if config.ImageType == ImageTypeIFS {
			output = filepath.Join(b.options.OutputDir, config.Output+".bin")
			if err := tools.BuildIFS(ctx, buildFile, output); err != nil {
				return nil, err
			}
		} else if err := tools.BuildXFS(ctx, buildFile, "", output); err != nil {
			return nil, err
		}
		return append(artifacts, output), nil
	}

	if b.options.CreateTar {
		output := filepath.Join(b.options.OutputDir, config.Output+".tar.gz")
		if err := rootfs.WriteTar(ctx, b.targetDir, output, rootfs.CompressionGzip); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, output)
	}
	if b.options.CreateCPIO {
		output := filepath.Join(b.options.OutputDir, config.Output+".cpio.gz")
		if err := image.WriteCPIO(ctx, b.targetDir, output); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, output)
	}
	if b.options.CreateImage {
		output := filepath.Join(b.options.OutputDir, config.Output+".img")
		if err := image.CreateExt(ctx, b.targetDir, output, "ext4", int64(config.ImageSize)); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, output)
	}
	return artifacts, nil
}

// buildAssociated builds each associated filesystem in its own workspace
// after the main build. They run sequentially under one group so a failure
// cancels the rest.
func (b *builder) buildAssociated(ctx context.Context, config *Config, result *Result) error {
	if len(config.AssociatedFilesystems) == 0 {
		return nil
	}
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("associated", parallel.Exit, func(ctx context.Context) error {
			for _, associated := range config.AssociatedFilesystems {
				path := os.ExpandEnv(associated)
				if !filepath.IsAbs(path) && config.Dir() != "" {
					path = filepath.Join(config.Dir(), path)
				}
				options := b.options
				options.OutputDir = filepath.Join(b.options.OutputDir,
					strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
				if err := os.MkdirAll(options.OutputDir, 0o755); err != nil {
					return errors.WithStack(err)
				}
				associatedResult, err := Build(ctx, options, path)
				if err != nil {
					return errors.Wrapf(err, "associated filesystem %q failed", path)
				}
				result.Associated = append(result.Associated, associatedResult)
			}
			return nil
		})
		return nil
	})
}

// runScripts executes hook scripts on the host in name order. The target
// tree location is exposed to them through the environment.
func (b *builder) runScripts(ctx context.Context, scripts map[string]string) error {
	env := append(os.Environ(),
		"BUILDFS_TARGET_DIR="+lo.Must(filepath.Abs(b.targetDir)),
		"BUILDFS_WORK_DIR="+lo.Must(filepath.Abs(b.workDir)),
	)
	for _, name := range sortedKeys(scripts) {
		script := scripts[name]
		logger.Get(ctx).Info("Running script", zap.String("name", name), zap.String("script", script))
		cmd := exec.Command("/bin/sh", "-c", script)
		cmd.Env = env
		if err := libexec.Exec(ctx, cmd); err != nil {
			return errors.Wrapf(err, "script %q failed", name)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
