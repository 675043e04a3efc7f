package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/outofforest/run"

	"github.com/drivekit/buildfs"
	"github.com/drivekit/buildfs/pkg/partition"
)

func main() {
	run.New().Run(context.Background(), "buildfs", func(ctx context.Context) error {
		rootCmd := newRootCmd(ctx)
		rootCmd.SetArgs(os.Args[1:])
		return rootCmd.ExecuteContext(ctx)
	})
}

func newRootCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "buildfs",
		Short:         "Compose filesystem images from declarative configs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newBuildCmd(ctx))
	cmd.AddCommand(newManifestCmd(ctx))
	cmd.AddCommand(newCopyTargetCmd(ctx))
	cmd.AddCommand(newPartitionsCmd(ctx))
	return cmd
}

func newBuildCmd(ctx context.Context) *cobra.Command {
	var options buildfs.Options
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "build <config.json>",
		Short: "Build the filesystem described by a config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(options.OutputDir, 0o755); err != nil {
				return errors.WithStack(err)
			}
			if fromStdin {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return errors.WithStack(err)
				}
				_, err = buildfs.BuildFromStream(ctx, options, data)
				return err
			}
			if len(args) != 1 {
				return errors.New("a config file is required unless --stdin is set")
			}
			_, err := buildfs.Build(ctx, options, args[0])
			return err
		},
	}

	cmd.Flags().StringVarP(&options.OutputDir, "output-dir", "o", ".", "Directory receiving the built artifacts")
	cmd.Flags().StringVar(&options.WorkDir, "work-dir", "", "Directory hosting temporary build workspaces")
	cmd.Flags().BoolVar(&options.KeepWorkdir, "keep-workdir", false, "Keep the build workspace for inspection")
	cmd.Flags().BoolVar(&options.CreateTar, "tar", false, "Package the tree as a compressed tar archive")
	cmd.Flags().BoolVar(&options.CreateImage, "image", false, "Package the tree as a flashable image")
	cmd.Flags().BoolVar(&options.CreateCPIO, "cpio", false, "Package the tree as an initramfs cpio archive")
	cmd.Flags().BoolVar(&options.ManifestOnly, "manifest-only", false, "Stop after writing the frozen manifest")
	cmd.Flags().BoolVar(&options.NoChown, "no-chown", false, "Skip ownership changes for unprivileged runs")
	cmd.Flags().BoolVar(&options.AutocreateParents, "autocreate-parent-dirs", false,
		"Create missing parent directories instead of failing")
	cmd.Flags().StringVar(&options.SizeLimitsFile, "size-limits", "", "Size-limit manifest enabling size checking")
	cmd.Flags().StringVar(&options.SourceType, "source-type", "", "Source type selecting typed copy-target sources")
	cmd.Flags().StringVarP(&options.Workspace, "workspace", "w", "", "Workspace copy-target sources resolve against")
	cmd.Flags().StringVar(&options.MountPoint, "mount-point", "", "Mount point of the filesystem at runtime")
	cmd.Flags().StringVar(&options.PackagesManifest, "packages-manifest", "",
		"Frozen package manifest pinning extra packages to install")
	cmd.Flags().BoolVar(&options.Emulate, "emulate", false, "Run target tools through the user-mode emulator")
	cmd.Flags().StringVar(&options.QNXHost, "qnx-host", os.Getenv("QNX_HOST"), "QNX host tools location")
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the config document from stdin")

	return cmd
}

func newCopyTargetCmd(ctx context.Context) *cobra.Command {
	var options buildfs.CopyTargetOptions

	cmd := &cobra.Command{
		Use:   "copy-target <manifest.yaml>",
		Short: "Apply one copy-target manifest to an existing tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return buildfs.ApplyCopyTarget(ctx, options, args[0])
		},
	}

	cmd.Flags().StringVarP(&options.TargetDir, "target-dir", "t", ".", "Tree receiving the files")
	cmd.Flags().StringVarP(&options.Workspace, "workspace", "w", "", "Workspace copy-target sources resolve against")
	cmd.Flags().StringVar(&options.MountPoint, "mount-point", "", "Mount point of the tree at runtime")
	cmd.Flags().BoolVar(&options.TrimMountPoint, "trim-mount-point", false,
		"Strip the mount point prefix off destinations")
	cmd.Flags().StringVar(&options.FilesystemType, "filesystem-type", "standard",
		"Filesystem type selecting attribute overrides")
	cmd.Flags().StringVar(&options.SourceType, "source-type", "", "Source type selecting typed copy-target sources")
	cmd.Flags().BoolVar(&options.NoChown, "no-chown", false, "Skip ownership changes for unprivileged runs")
	cmd.Flags().BoolVar(&options.AutocreateParents, "autocreate-parent-dirs", false,
		"Create missing parent directories instead of failing")
	cmd.Flags().StringVar(&options.SizeReport, "size-report", "",
		"Size report accumulating file sizes across invocations")

	return cmd
}

func newManifestCmd(ctx context.Context) *cobra.Command {
	var options buildfs.Options

	cmd := &cobra.Command{
		Use:   "manifest <config.json>",
		Short: "Write the version-frozen manifest without packaging output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(options.OutputDir, 0o755); err != nil {
				return errors.WithStack(err)
			}
			options.ManifestOnly = true
			_, err := buildfs.Build(ctx, options, args[0])
			return err
		},
	}

	cmd.Flags().StringVarP(&options.OutputDir, "output-dir", "o", ".", "Directory receiving the frozen manifest")
	cmd.Flags().StringVar(&options.WorkDir, "work-dir", "", "Directory hosting temporary build workspaces")
	cmd.Flags().BoolVar(&options.NoChown, "no-chown", false, "Skip ownership changes for unprivileged runs")
	cmd.Flags().BoolVar(&options.Emulate, "emulate", false, "Run target tools through the user-mode emulator")

	return cmd
}

func newPartitionsCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions <profile>",
		Short: "Print the partition layout of a platform profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := partition.DefaultRegistry()
			if err != nil {
				return err
			}
			profile, err := registry.Resolve(args[0])
			if err != nil {
				return err
			}
			for _, entry := range profile.Entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\toffset=%d\tsize=%d\tsource=%s:%s\n",
					entry.Device, entry.Name, entry.Offset, entry.Size, entry.Kind, entry.Source)
			}
			return nil
		},
	}
	cmd.AddCommand(newESPCmd(ctx))
	return cmd
}

func newESPCmd(ctx context.Context) *cobra.Command {
	var output string
	var size int64

	cmd := &cobra.Command{
		Use:   "esp <boot-dir>",
		Short: "Package a boot payload directory as a FAT32 ESP image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return partition.WriteESP(ctx, args[0], output, size)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "esp.img", "Path of the image to write")
	cmd.Flags().Int64Var(&size, "size", 64*1024*1024, "Image size in bytes")

	return cmd
}
