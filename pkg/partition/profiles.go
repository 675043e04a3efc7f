package partition

// Built-in platform layouts. Sizes and offsets mirror the flashing layout
// of the supported boards; boards not listed here register their profiles
// through NewRegistry.

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

// DefaultRegistry returns the registry of built-in platform profiles.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(
		Profile{
			Name: "dev-emmc",
			Entries: []Entry{
				{Name: "esp", Device: "emmc", Offset: 1 * mib, Size: 512 * mib, Kind: SourceDirectory, Source: "esp"},
				{Name: "rootfs", Device: "emmc", Offset: 513 * mib, Size: 16 * gib, Kind: SourceConfig, Source: "rootfs.CONFIG.json"},
				{Name: "data", Device: "emmc", Offset: 513*mib + 16*gib, Size: 8 * gib, Kind: SourceFile, Source: "data.img"},
			},
		},
		Profile{
			Name: "dev-nvme",
			Entries: []Entry{
				{Name: "esp", Device: "nvme0", Offset: 1 * mib, Size: 512 * mib, Kind: SourceDirectory, Source: "esp"},
				{Name: "rootfs", Device: "nvme0", Offset: 513 * mib, Size: 64 * gib, Kind: SourceConfig, Source: "rootfs.CONFIG.json"},
				{Name: "data", Device: "nvme1", Offset: 1 * mib, Size: 128 * gib, Kind: SourceFile, Source: "data.img"},
			},
		},
	)
}
