package buildfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drivekit/buildfs/pkg/pkgmgr"
	"github.com/drivekit/buildfs/pkg/test"
)

func TestFreezeManifestWithoutParent(t *testing.T) {
	config, err := ParseConfig([]byte(
		`{"Output": "rootfs", "OS": "linux", "DebianPackages": ["vim"]}`), "")
	require.NoError(t, err)

	manifest := FreezeManifest(config, nil, []pkgmgr.Pin{
		{Name: "vim", Version: "2:9.0-1"},
		{Name: "libc6", Version: "2.35-0ubuntu3"},
	})
	require.Equal(t, []string{"vim=2:9.0-1", "libc6=2.35-0ubuntu3"}, manifest.Packages)
	require.Equal(t, "rootfs", manifest.Output)
}

func TestFreezeManifestMergesParent(t *testing.T) {
	parent, err := ParseConfig([]byte(`{
		"Output": "base", "OS": "linux",
		"Base": "ancestor.tar.gz",
		"Mirrors": ["http://mirror-a"],
		"CopyTargets": ["base.yaml"],
		"Users": {"svc": {"UID": "200"}},
		"Groups": {"svcgrp": "200"},
		"Memberships": {"svc": ["svcgrp"]},
		"FilesystemCleanup": ["/var/cache/**"],
		"PostInstalls": {"10-base": "true"}
	}`), "")
	require.NoError(t, err)

	config, err := ParseConfig([]byte(`{
		"Output": "leaf", "OS": "linux",
		"Base": "base.json",
		"Mirrors": ["http://mirror-a", "http://mirror-b"],
		"CopyTargets": ["leaf.yaml"],
		"Users": {"svc": {"UID": "201"}, "app": {"UID": "300"}},
		"Memberships": {"svc": ["video", "svcgrp"]},
		"FilesystemCleanup": ["/var/cache/**", "/usr/share/doc/**"],
		"PostInstalls": {"20-leaf": "true"}
	}`), "")
	require.NoError(t, err)

	manifest := FreezeManifest(config, parent, nil)

	// The frozen manifest rebuilds from the parent's base, not from the
	// parent config.
	require.Equal(t, "ancestor.tar.gz", manifest.Base)

	require.Equal(t, []string{"http://mirror-a", "http://mirror-b"}, manifest.Mirrors)
	require.Equal(t, []CopyTargetRef{{Manifest: "base.yaml"}, {Manifest: "leaf.yaml"}},
		manifest.CopyTargets)

	// Leaf user entries override parent entries of the same name.
	require.Equal(t, "201", manifest.Users["svc"].UID)
	require.Equal(t, "300", manifest.Users["app"].UID)
	require.Equal(t, "200", manifest.Groups["svcgrp"].GID)

	require.Equal(t, []string{"svcgrp", "video"}, manifest.Memberships["svc"])
	require.Equal(t, []string{"/var/cache/**", "/usr/share/doc/**"}, manifest.FilesystemCleanup)
	require.Len(t, manifest.PostInstalls, 2)
}

func TestFreezeManifestInheritsParentPackages(t *testing.T) {
	parent, err := ParseConfig([]byte(`{
		"Output": "base", "OS": "linux",
		"DebianPackages": ["vim=2:9.0-1", "curl=7.81.0-1"]
	}`), "")
	require.NoError(t, err)

	config, err := ParseConfig([]byte(
		`{"Output": "leaf", "OS": "linux", "Base": "base.json"}`), "")
	require.NoError(t, err)

	manifest := FreezeManifest(config, parent, nil)
	require.Equal(t, []string{"vim=2:9.0-1", "curl=7.81.0-1"}, manifest.Packages)
}

func TestPinnedPackages(t *testing.T) {
	pins := PinnedPackages([]string{"vim=2:9.0-1", "curl=7.81.0-1"})
	require.Equal(t, []pkgmgr.Pin{
		{Name: "vim", Version: "2:9.0-1"},
		{Name: "curl", Version: "7.81.0-1"},
	}, pins)

	require.Nil(t, PinnedPackages([]string{"vim=2:9.0-1", "curl"}))
	require.Empty(t, PinnedPackages(nil))
}

func TestWriteManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	config, err := ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"ImageSize": "1073741824",
		"Users": {"admin": {"UID": "1000", "Password": {"HashedPassword": "$6$abc"}}}
	}`), "")
	require.NoError(t, err)

	path := filepath.Join(dir, "rootfs.MANIFEST.json")
	require.NoError(t, WriteManifest(config, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, config.Output, loaded.Output)
	require.Equal(t, config.ImageSize, loaded.ImageSize)
	require.Equal(t, "$6$abc", loaded.Users["admin"].Password.Hashed)
}

func TestInstallManifestReplacesExisting(t *testing.T) {
	ctx := test.Context(t)
	targetDir := t.TempDir()

	old, err := ParseConfig([]byte(`{"Output": "old", "OS": "linux"}`), "")
	require.NoError(t, err)
	require.NoError(t, InstallManifest(ctx, old, targetDir))

	manifest, err := ParseConfig([]byte(`{"Output": "rootfs", "OS": "linux"}`), "")
	require.NoError(t, err)
	require.NoError(t, InstallManifest(ctx, manifest, targetDir))

	dir := filepath.Join(targetDir, ManifestDir)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	link, err := os.Readlink(filepath.Join(dir, ManifestLink))
	require.NoError(t, err)
	require.Equal(t, "rootfs"+ManifestSuffix, link)

	loaded, err := LoadBaseManifest(targetDir)
	require.NoError(t, err)
	require.Equal(t, "rootfs", loaded.Output)
}

func TestLoadBaseManifestMissing(t *testing.T) {
	manifest, err := LoadBaseManifest(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, manifest)
}
