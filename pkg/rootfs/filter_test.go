package rootfs

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/drivekit/buildfs/pkg/test"
)

func treeFS(t *testing.T, paths map[string]string) afero.Afero {
	t.Helper()
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	for path, content := range paths {
		require.NoError(t, fs.WriteFile(path, []byte(content), 0o644))
	}
	return fs
}

func TestCleanupRemovesMatches(t *testing.T) {
	ctx := test.Context(t)
	fs := treeFS(t, map[string]string{
		"/root/usr/share/doc/vim/README":  "doc",
		"/root/usr/share/doc/curl/README": "doc",
		"/root/usr/bin/vim":               "bin",
		"/root/var/cache/apt/pkgcache":    "cache",
	})

	require.NoError(t, Cleanup(ctx, fs, "/root", []string{
		"/usr/share/doc/**",
		"var/cache/**",
	}))

	exists, err := fs.DirExists("/root/usr/share/doc/vim")
	require.NoError(t, err)
	require.False(t, exists)
	exists, err = fs.Exists("/root/var/cache/apt")
	require.NoError(t, err)
	require.False(t, exists)
	exists, err = fs.Exists("/root/usr/bin/vim")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCleanupRemovesAllSiblingMatches(t *testing.T) {
	ctx := test.Context(t)
	fs := treeFS(t, map[string]string{
		"/root/etc/a.pyc":    "x",
		"/root/etc/b.pyc":    "x",
		"/root/etc/keep.cfg": "x",
	})

	require.NoError(t, Cleanup(ctx, fs, "/root", []string{"etc/*.pyc"}))

	for _, removed := range []string{"/root/etc/a.pyc", "/root/etc/b.pyc"} {
		exists, err := fs.Exists(removed)
		require.NoError(t, err)
		require.False(t, exists, removed)
	}
	exists, err := fs.Exists("/root/etc/keep.cfg")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCleanupBadPattern(t *testing.T) {
	ctx := test.Context(t)
	fs := treeFS(t, map[string]string{"/root/etc/motd": "x"})
	require.Error(t, Cleanup(ctx, fs, "/root", []string{"[unterminated"}))
}

func TestIncludePrunesEverythingElse(t *testing.T) {
	ctx := test.Context(t)
	fs := treeFS(t, map[string]string{
		"/root/usr/bin/vim":        "bin",
		"/root/usr/bin/curl":       "bin",
		"/root/usr/lib/libfoo.so":  "lib",
		"/root/etc/app/app.conf":   "conf",
		"/root/etc/app/other.conf": "conf",
		"/root/var/log/syslog":     "log",
	})

	require.NoError(t, Include(ctx, fs, "/root", []string{
		"usr/bin/**",
		"/etc/app",
	}))

	for _, kept := range []string{
		"/root/usr/bin/vim",
		"/root/usr/bin/curl",
		"/root/etc/app/app.conf",
		"/root/etc/app/other.conf",
	} {
		exists, err := fs.Exists(kept)
		require.NoError(t, err)
		require.True(t, exists, kept)
	}
	for _, removed := range []string{
		"/root/usr/lib",
		"/root/var",
	} {
		exists, err := fs.Exists(removed)
		require.NoError(t, err)
		require.False(t, exists, removed)
	}
}

func TestIncludePrunesAllSiblings(t *testing.T) {
	ctx := test.Context(t)
	fs := treeFS(t, map[string]string{
		"/root/etc/a.log":     "x",
		"/root/etc/keep.conf": "x",
		"/root/etc/z.log":     "x",
	})

	require.NoError(t, Include(ctx, fs, "/root", []string{"etc/keep.conf"}))

	exists, err := fs.Exists("/root/etc/keep.conf")
	require.NoError(t, err)
	require.True(t, exists)
	for _, removed := range []string{"/root/etc/a.log", "/root/etc/z.log"} {
		exists, err = fs.Exists(removed)
		require.NoError(t, err)
		require.False(t, exists, removed)
	}
}

func TestIncludeNoPatternsKeepsTree(t *testing.T) {
	ctx := test.Context(t)
	fs := treeFS(t, map[string]string{"/root/etc/motd": "x"})

	require.NoError(t, Include(ctx, fs, "/root", nil))
	exists, err := fs.Exists("/root/etc/motd")
	require.NoError(t, err)
	require.True(t, exists)
}
