package users

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserCommandRegularUser(t *testing.T) {
	name, args := UserCommand(User{Name: "admin", UID: "1000"}, "")
	require.Equal(t, "useradd", name)
	require.Equal(t, []string{
		"-s", "/bin/bash",
		"-m", "-d", "/home/admin",
		"--comment", "admin",
		"-u", "1000",
		"admin",
	}, args)
}

func TestUserCommandSystemUser(t *testing.T) {
	name, args := UserCommand(User{Name: "svc", UID: "200"}, "")
	require.Equal(t, "useradd", name)
	require.Equal(t, []string{
		"--system",
		"-s", "/bin/false",
		"--comment", "svc",
		"-u", "200",
		"svc",
	}, args)
}

func TestUserCommandCustomShellAndHome(t *testing.T) {
	_, args := UserCommand(User{Name: "svc", UID: "200", Shell: "/bin/sh", Home: "/var/lib/svc"}, "")
	require.Contains(t, args, "/bin/sh")
	require.Contains(t, args, "/var/lib/svc")
	require.NotContains(t, args, "/bin/false")
}

func TestUserCommandModifiesExisting(t *testing.T) {
	name, args := UserCommand(User{Name: "admin", UID: "1000"}, "ubuntu")
	require.Equal(t, "usermod", name)
	require.Equal(t, []string{
		"-l", "admin",
		"-s", "/bin/bash",
		"-m", "-d", "/home/admin",
		"--comment", "admin",
		"ubuntu",
	}, args)
}

func TestUserCommandExtraOpts(t *testing.T) {
	_, args := UserCommand(User{Name: "svc", UID: "200", ExtraOpts: "--no-log-init -G video"}, "")
	require.Subset(t, args, []string{"--no-log-init", "-G", "video"})
}

func TestGroupCommandCreate(t *testing.T) {
	name, args := GroupCommand(Group{Name: "app", GID: "1500"}, "")
	require.Equal(t, "groupadd", name)
	require.Equal(t, []string{"-g", "1500", "app"}, args)

	name, args = GroupCommand(Group{Name: "svcgrp", GID: "200"}, "")
	require.Equal(t, "groupadd", name)
	require.Equal(t, []string{"--system", "-g", "200", "svcgrp"}, args)
}

func TestGroupCommandRenamesExisting(t *testing.T) {
	name, args := GroupCommand(Group{Name: "app", GID: "1500"}, "oldapp")
	require.Equal(t, "groupmod", name)
	require.Equal(t, []string{"-n", "app", "oldapp"}, args)
}

func TestReadDB(t *testing.T) {
	targetDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(targetDir, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "etc/passwd"), []byte(`
root:x:0:0:root:/root:/bin/bash
ubuntu:x:1000:1000::/home/ubuntu:/bin/bash
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "etc/group"), []byte(`
root:x:0:
ubuntu:x:1000:
`), 0o644))

	m := &Manager{TargetDir: targetDir}
	db, err := m.readDB()
	require.NoError(t, err)
	require.Equal(t, "ubuntu", db.userByUID("1000"))
	require.Empty(t, db.userByUID("1234"))
	require.Equal(t, "root", db.groupByGID("0"))
	require.True(t, db.hasGroup("ubuntu"))
	require.False(t, db.hasGroup("video"))
	require.Empty(t, db.userByUID(""))
}

func TestReadDBMissingFiles(t *testing.T) {
	m := &Manager{TargetDir: t.TempDir()}
	db, err := m.readDB()
	require.NoError(t, err)
	require.Empty(t, db.userByUID("0"))
}

func TestIsSystemID(t *testing.T) {
	require.True(t, isSystemID("1"))
	require.True(t, isSystemID("999"))
	require.False(t, isSystemID("0"))
	require.False(t, isSystemID("1000"))
	require.False(t, isSystemID(""))
	require.False(t, isSystemID("abc"))
}
