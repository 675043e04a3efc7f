package copytarget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRecordsAdd(t *testing.T) {
	records := NewRecords()
	records.Add("Kernel", "/boot/vmlinuz", 100)
	records.Add("kernel", "/boot/initrd", 50)
	records.Add("graphics", "/lib/libgl.so", 30)

	require.Equal(t, int64(180), records.TotalSize())
	require.Equal(t, int64(150), records.ModuleSize("kernel"))
	require.Equal(t, int64(30), records.ModuleSize("graphics"))

	report := records.Report()
	require.Equal(t, 3, report.TotalNumFiles)
	// Module names are folded to lower case.
	require.Contains(t, report.Modules, "kernel")
	require.NotContains(t, report.Modules, "Kernel")
	require.Equal(t, 2, report.Modules["kernel"].NumFiles)
}

func TestRecordsReAddReplacesPreviousRecord(t *testing.T) {
	records := NewRecords()
	records.Add("kernel", "/boot/vmlinuz", 100)
	records.Add("kernel", "/boot/vmlinuz", 120)

	require.Equal(t, int64(120), records.TotalSize())
	require.Equal(t, 1, records.Report().TotalNumFiles)

	// Rewriting a destination moves it to the new owner module.
	records.Add("updated-kernel", "/boot/vmlinuz", 90)
	require.Equal(t, int64(90), records.TotalSize())
	require.Equal(t, int64(0), records.ModuleSize("kernel"))
	require.Equal(t, int64(90), records.ModuleSize("updated-kernel"))
}

func TestRecordsRemove(t *testing.T) {
	records := NewRecords()
	records.Add("kernel", "/boot/vmlinuz", 100)
	records.Add("kernel", "/boot/initrd", 50)

	records.Remove("/boot/vmlinuz")
	require.Equal(t, int64(50), records.TotalSize())
	require.Equal(t, 1, records.Report().TotalNumFiles)

	// Removing an unrecorded destination is a no-op.
	records.Remove("/boot/vmlinuz")
	require.Equal(t, int64(50), records.TotalSize())
}

func TestRecordsStoreAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rootfs.target_size.yaml")

	records := NewRecords()
	records.Add("kernel", "/boot/vmlinuz", 100)
	records.Add("graphics", "/lib/libgl.so", 30)
	records.SetLimits(1000, map[string]Limit{"kernel": 200})
	require.NoError(t, records.Store(path))

	loaded, err := LoadRecords(path)
	require.NoError(t, err)
	require.Equal(t, int64(130), loaded.TotalSize())
	require.Equal(t, int64(100), loaded.ModuleSize("kernel"))

	// A later layer replacing a file keeps the totals consistent.
	loaded.Add("kernel", "/boot/vmlinuz", 110)
	require.Equal(t, int64(140), loaded.TotalSize())
	require.Equal(t, 2, loaded.Report().TotalNumFiles)
}

func TestRecordsLoadMissingFile(t *testing.T) {
	records, err := LoadRecords(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, int64(0), records.TotalSize())
}

func TestRecordsReportFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.yaml")

	records := NewRecords()
	records.Add("kernel", "/boot/vmlinuz", 100)
	records.SetLimits(Unknown, nil)
	require.NoError(t, records.Store(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		TotalSize     int64  `yaml:"totalFSSize"`
		TotalLimit    string `yaml:"totalFSSizeLimit"`
		TotalNumFiles int    `yaml:"totalNumberOfFiles"`
		Modules       map[string]struct {
			Size      int64            `yaml:"moduleSize"`
			SizeLimit string           `yaml:"moduleSizeLimit"`
			NumFiles  int              `yaml:"numberOfFiles"`
			Files     map[string]int64 `yaml:"files"`
		} `yaml:"modules"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Equal(t, int64(100), doc.TotalSize)
	require.Equal(t, "unknown", doc.TotalLimit)
	require.Equal(t, 1, doc.TotalNumFiles)
	require.Equal(t, "unknown", doc.Modules["kernel"].SizeLimit)
	require.Equal(t, int64(100), doc.Modules["kernel"].Files["/boot/vmlinuz"])
}
