package buildfs

import (
	"context"

	"github.com/spf13/afero"

	"github.com/drivekit/buildfs/pkg/copytarget"
	"github.com/drivekit/buildfs/pkg/users"
)

// CopyTargetOptions control a standalone copy-target application.
type CopyTargetOptions struct {
	// TargetDir is the existing tree receiving the files.
	TargetDir string
	// Workspace is where relative sources resolve against.
	Workspace string
	// MountPoint is where the tree is mounted at runtime.
	MountPoint string
	// TrimMountPoint strips the mount point prefix off destinations.
	TrimMountPoint bool
	// FilesystemType selects per-filesystem attribute overrides.
	FilesystemType string
	// SourceType selects typed copy-target sources.
	SourceType string
	// NoChown skips ownership changes for unprivileged runs.
	NoChown bool
	// AutocreateParents lets the engine create missing parent directories.
	AutocreateParents bool
	// SizeReport accumulates file sizes across invocations. The report is
	// loaded before applying and stored back afterwards.
	SizeReport string
}

// ApplyCopyTarget applies a single copy-target manifest to an existing tree.
// Repeated invocations over the same size report keep the accounting
// consistent, a destination rewritten by a later manifest is counted once.
func ApplyCopyTarget(ctx context.Context, options CopyTargetOptions, manifestPath string) error {
	records := copytarget.NewRecords()
	if options.SizeReport != "" {
		var err error
		records, err = copytarget.LoadRecords(options.SizeReport)
		if err != nil {
			return err
		}
	}

	set, err := copytarget.Load(ctx, manifestPath, copytarget.LoadConfig{
		FilesystemType: options.FilesystemType,
		SourceType:     options.SourceType,
	})
	if err != nil {
		return err
	}

	applier := &copytarget.Applier{
		FS:                afero.Afero{Fs: afero.NewOsFs()},
		TargetDir:         options.TargetDir,
		Workspace:         options.Workspace,
		MountPoint:        options.MountPoint,
		TrimMountPoint:    options.TrimMountPoint,
		Chown:             !options.NoChown,
		AutocreateParents: options.AutocreateParents,
		IDs:               users.TargetIdentifiers{TargetDir: options.TargetDir},
		Records:           records,
	}
	if err := applier.Apply(ctx, set); err != nil {
		return err
	}

	if options.SizeReport == "" {
		return nil
	}
	return records.Store(options.SizeReport)
}
