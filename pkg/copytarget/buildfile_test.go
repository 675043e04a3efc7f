package copytarget

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drivekit/buildfs/pkg/test"
)

func TestBuildFileApplierRendersDirectives(t *testing.T) {
	ctx := test.Context(t)
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "app.conf"), []byte("content"), 0o644))

	applier := &BuildFileApplier{
		Workspace: workspace,
		Records:   NewRecords(),
		Env:       noEnv,
	}

	set := ruleSet(
		&Rule{Destination: "/etc/", Perm: "755", Owner: "0", Group: "0"},
		&Rule{Destination: "/etc/app.conf", Source: "app.conf", Perm: "644", Owner: "0", Group: "0", Module: "app"},
		&Rule{Destination: "/etc/app.link", Source: "/etc/app.conf", Symlink: true, Owner: "0", Group: "0"},
	)
	require.NoError(t, applier.Apply(ctx, set))

	lines := applier.Lines()
	require.Len(t, lines, 3)
	require.Equal(t, "[type=dir uid=0 gid=0 dperms=755]\t/etc", lines[0])
	require.Equal(t, fmt.Sprintf("[uid=0 gid=0 perms=644]\t\t\t/etc/app.conf = %s",
		filepath.Join(workspace, "app.conf")), lines[1])
	require.Equal(t, "[type=link uid=0 gid=0]\t\t\t/etc/app.link = /etc/app.conf", lines[2])

	require.Equal(t, int64(7), applier.Records.ModuleSize("app"))
	require.Equal(t, int64(buildFileSymlinkSize), applier.Records.ModuleSize(ModuleUnknown))
}

func TestBuildFileApplierRawDirective(t *testing.T) {
	ctx := test.Context(t)
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "blob"), []byte("raw"), 0o644))

	applier := &BuildFileApplier{Workspace: workspace, AutocreateParents: true, Env: noEnv}
	set := ruleSet(&Rule{Destination: "/opt/blob", Source: "blob", Perm: "644",
		Owner: "0", Group: "0", Raw: true})
	require.NoError(t, applier.Apply(ctx, set))
	require.Contains(t, applier.Lines()[0], "[+raw uid=0 gid=0 perms=644]")
}

func TestBuildFileApplierRejectsRemove(t *testing.T) {
	ctx := test.Context(t)
	applier := &BuildFileApplier{Env: noEnv}
	set := ruleSet(&Rule{Destination: "/etc/motd", Remove: true})
	require.ErrorContains(t, applier.Apply(ctx, set), "remove")
}

func TestBuildFileApplierRequiresDeclaredParent(t *testing.T) {
	ctx := test.Context(t)
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "app.conf"), []byte("x"), 0o644))

	applier := &BuildFileApplier{Workspace: workspace, Env: noEnv}
	set := ruleSet(&Rule{Destination: "/etc/app.conf", Source: "app.conf", Perm: "644",
		Owner: "0", Group: "0"})
	require.ErrorContains(t, applier.Apply(ctx, set), "parent directory")
}

func TestBuildFileApplierMissingSource(t *testing.T) {
	ctx := test.Context(t)
	applier := &BuildFileApplier{Workspace: t.TempDir(), AutocreateParents: true, Env: noEnv}
	set := ruleSet(&Rule{Destination: "/etc/app.conf", Source: "gone", Perm: "644",
		Owner: "0", Group: "0"})
	require.ErrorContains(t, applier.Apply(ctx, set), "does not exist")
}

func TestTrimMountPoint(t *testing.T) {
	trimmed, err := trimMountPoint("/usr/bin/tool", "/usr", true)
	require.NoError(t, err)
	require.Equal(t, "/bin/tool", trimmed)

	trimmed, err = trimMountPoint("/usr", "/usr/", true)
	require.NoError(t, err)
	require.Equal(t, "/", trimmed)

	trimmed, err = trimMountPoint("/usr/bin/tool", "/usr", false)
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/tool", trimmed)

	_, err = trimMountPoint("/opt/tool", "/usr", true)
	require.ErrorContains(t, err, "mount point")
}
