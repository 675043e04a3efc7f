package buildfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig([]byte(`{"Output": "rootfs", "OS": "linux"}`), "")
	require.NoError(t, err)
	require.Equal(t, "rootfs", config.Output)
	require.Equal(t, OSLinux, config.OS)
	require.Equal(t, DefaultFilesystemType, config.FilesystemType)
	require.Equal(t, DefaultLinuxImageSize, config.ImageSize)
}

func TestParseConfigQNXDefaults(t *testing.T) {
	config, err := ParseConfig([]byte(`{"Output": "qnx-rootfs", "OS": "qnx"}`), "")
	require.NoError(t, err)
	require.Equal(t, DefaultQNXImageSize, config.ImageSize)
	require.Equal(t, ImageTypeXFS, config.ImageType)
}

func TestParseConfigRequiredFields(t *testing.T) {
	_, err := ParseConfig([]byte(`{"OS": "linux"}`), "")
	require.ErrorContains(t, err, "Output")

	_, err = ParseConfig([]byte(`{"Output": "rootfs"}`), "")
	require.ErrorContains(t, err, "OS")

	_, err = ParseConfig([]byte(`{"Output": "rootfs", "OS": "plan9"}`), "")
	require.ErrorContains(t, err, "plan9")
}

func TestParseConfigQNXRejectsCleanup(t *testing.T) {
	_, err := ParseConfig([]byte(
		`{"Output": "rootfs", "OS": "qnx", "FilesystemCleanup": ["/tmp/**"]}`), "")
	require.ErrorContains(t, err, "FilesystemCleanup")
}

func TestParseConfigDuplicatePackages(t *testing.T) {
	_, err := ParseConfig([]byte(
		`{"Output": "rootfs", "OS": "linux", "DebianPackages": ["vim", "curl", "vim"]}`), "")
	require.ErrorContains(t, err, "vim")
}

func TestParseConfigImageSizeForms(t *testing.T) {
	config, err := ParseConfig([]byte(
		`{"Output": "rootfs", "OS": "linux", "ImageSize": "1073741824"}`), "")
	require.NoError(t, err)
	require.Equal(t, ByteSize(1073741824), config.ImageSize)

	config, err = ParseConfig([]byte(
		`{"Output": "rootfs", "OS": "linux", "ImageSize": 2147483648}`), "")
	require.NoError(t, err)
	require.Equal(t, ByteSize(2147483648), config.ImageSize)

	_, err = ParseConfig([]byte(
		`{"Output": "rootfs", "OS": "linux", "ImageSize": "lots"}`), "")
	require.Error(t, err)
}

func TestParseConfigMountPointConfig(t *testing.T) {
	config, err := ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"FSMountPointConfg": {"MountPoint": "/usr", "DestinationIncludesMountPoint": true}
	}`), "")
	require.NoError(t, err)
	require.Equal(t, "/usr", config.MountPointConfig.MountPoint)
	require.True(t, config.MountPointConfig.DestinationIncludesMountPoint)

	_, err = ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"FSMountPointConfg": {"MountPoint": "/usr", "Extra": true}
	}`), "")
	require.ErrorContains(t, err, "Extra")

	_, err = ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"FSMountPointConfg": {"DestinationIncludesMountPoint": true}
	}`), "")
	require.ErrorContains(t, err, "MountPoint")
}

func TestParseConfigDigestMetadata(t *testing.T) {
	config, err := ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "qnx",
		"DigestMetadataConfig": {
			"enabled": true, "authBlockSize": 8192, "goldenDigestFile": "/out/golden.bin"
		}
	}`), "")
	require.NoError(t, err)
	require.True(t, config.DigestMetadataConfig.Enabled)
	require.Equal(t, 8192, config.DigestMetadataConfig.AuthBlockSize)

	_, err = ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "qnx",
		"DigestMetadataConfig": {"authBlockSize": 8192}
	}`), "")
	require.ErrorContains(t, err, "enabled")

	_, err = ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "qnx",
		"DigestMetadataConfig": {"enabled": true, "authBlockSize": 8192,
			"goldenDigestFile": "/out/golden.bin", "blockCount": 3}
	}`), "")
	require.ErrorContains(t, err, "blockCount")

	_, err = ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "qnx",
		"DigestMetadataConfig": {"enabled": true, "authBlockSize": 0,
			"goldenDigestFile": "/out/golden.bin"}
	}`), "")
	require.ErrorContains(t, err, "authBlockSize")

	config, err = ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "qnx",
		"DigestMetadataConfig": {"enabled": false}
	}`), "")
	require.NoError(t, err)
	require.False(t, config.DigestMetadataConfig.Enabled)
}

func TestParseConfigUserForms(t *testing.T) {
	config, err := ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"Users": {
			"legacy": ["1200", "secret"],
			"svc": {"UID": "200", "Username": "svc", "Shell": "/bin/false"},
			"admin": {"UID": "1000", "Password": {"HashedPassword": "$6$abc"}}
		}
	}`), "")
	require.NoError(t, err)

	legacy := config.Users["legacy"]
	require.Equal(t, "1200", legacy.UID)
	require.Equal(t, "secret", legacy.Password.Clear)

	svc := config.Users["svc"]
	require.Equal(t, "200", svc.UID)
	require.Equal(t, "/bin/false", svc.Shell)

	admin := config.Users["admin"]
	require.Equal(t, "$6$abc", admin.Password.Hashed)
}

func TestParseConfigGroupForms(t *testing.T) {
	config, err := ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"Groups": {
			"wheel": "10",
			"svcgrp": {"GID": "200", "ExtraOpts": "--non-unique"}
		}
	}`), "")
	require.NoError(t, err)
	require.Equal(t, "10", config.Groups["wheel"].GID)
	require.Equal(t, "200", config.Groups["svcgrp"].GID)
	require.Equal(t, "--non-unique", config.Groups["svcgrp"].ExtraOpts)
}

func TestParseConfigCopyTargetForms(t *testing.T) {
	config, err := ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"CopyTargets": [
			"manifests/base.yaml",
			{"Manifest": "manifests/extra.yaml", "NvWorkspace": "/src", "SourceType": "pdk"}
		]
	}`), "")
	require.NoError(t, err)
	require.Equal(t, "manifests/base.yaml", config.CopyTargets[0].Manifest)
	require.Equal(t, "/src", config.CopyTargets[1].Workspace)
	require.Equal(t, "pdk", config.CopyTargets[1].SourceType)

	_, err = ParseConfig([]byte(`{
		"Output": "rootfs", "OS": "linux",
		"CopyTargets": [{"NvWorkspace": "/src"}]
	}`), "")
	require.ErrorContains(t, err, "Manifest")
}
