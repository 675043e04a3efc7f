package users

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetIdentifiers(t *testing.T) {
	targetDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(targetDir, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "etc/passwd"),
		[]byte("root:x:0:0:root:/root:/bin/bash\nsvc:x:200:200::/:/bin/false\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "etc/group"),
		[]byte("root:x:0:\nvideo:x:44:\n"), 0o644))

	ids := TargetIdentifiers{TargetDir: targetDir}

	uid, err := ids.UID("svc")
	require.NoError(t, err)
	require.Equal(t, uint32(200), uid)

	uid, err = ids.UID("4242")
	require.NoError(t, err)
	require.Equal(t, uint32(4242), uid)

	gid, err := ids.GID("video")
	require.NoError(t, err)
	require.Equal(t, uint32(44), gid)

	_, err = ids.UID("nobody-here")
	require.ErrorContains(t, err, "nobody-here")
}
