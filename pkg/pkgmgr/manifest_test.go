package pkgmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePin(t *testing.T) {
	require.Equal(t, Pin{Name: "vim", Version: "2:9.0-1"}, ParsePin("vim=2:9.0-1"))
	require.Equal(t, Pin{Name: "vim"}, ParsePin("vim"))
	require.Equal(t, "vim=2:9.0-1", Pin{Name: "vim", Version: "2:9.0-1"}.String())
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.manifest")
	pins := []Pin{
		{Name: "vim", Version: "2:9.0-1"},
		{Name: "curl", Version: "7.88.1-10"},
	}
	require.NoError(t, WriteManifest(path, pins))

	loaded, err := ParseManifest(path)
	require.NoError(t, err)
	// Written sorted by name.
	require.Equal(t, []Pin{
		{Name: "curl", Version: "7.88.1-10"},
		{Name: "vim", Version: "2:9.0-1"},
	}, loaded)
}

func TestParseManifestSkipsCommentsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.manifest")
	require.NoError(t, os.WriteFile(path, []byte(`
# frozen 2026-08-31
curl=7.88.1-10

vim=2:9.0-1
`), 0o644))

	pins, err := ParseManifest(path)
	require.NoError(t, err)
	require.Len(t, pins, 2)
}

func TestParseManifestRejectsUnpinned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.manifest")
	require.NoError(t, os.WriteFile(path, []byte("curl=7.88.1-10\nvim\n"), 0o644))

	_, err := ParseManifest(path)
	require.ErrorContains(t, err, "vim")
}
