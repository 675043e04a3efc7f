package rootfs

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Mount is one fstab entry.
type Mount struct {
	MountPoint   string
	Device       string
	Type         string
	MountOptions string
}

// AppendFstab appends the mounts to etc/fstab in the target tree, sorted by
// mount point. Entries carry dump 0 and fsck pass 2.
func AppendFstab(ctx context.Context, fs afero.Afero, dir string, mounts []Mount) error {
	if len(mounts) == 0 {
		return nil
	}
	sorted := make([]Mount, len(mounts))
	copy(sorted, mounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MountPoint < sorted[j].MountPoint })

	fstab := filepath.Join(dir, "etc/fstab")
	logger.Get(ctx).Info("Appending fstab entries", zap.String("path", fstab),
		zap.Int("mounts", len(mounts)))

	existing, err := fs.ReadFile(fstab)
	if err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		return errors.WithStack(err)
	}

	buf := bytes.NewBuffer(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteString("\n")
	}
	for _, mount := range sorted {
		options := mount.MountOptions
		if options == "" {
			options = "defaults"
		}
		fmt.Fprintf(buf, "%s\t%s\t%s\t%s\t0\t2\n",
			mount.Device, mount.MountPoint, mount.Type, options)
	}

	if err := fs.MkdirAll(filepath.Dir(fstab), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(fs.WriteFile(fstab, buf.Bytes(), 0o644))
}

// SetHostname writes etc/hostname and maps the name in etc/hosts.
func SetHostname(ctx context.Context, fs afero.Afero, dir, hostname string) error {
	if hostname == "" {
		return nil
	}
	logger.Get(ctx).Info("Setting hostname", zap.String("hostname", hostname))

	if err := fs.MkdirAll(filepath.Join(dir, "etc"), 0o755); err != nil {
		return errors.WithStack(err)
	}
	hostnamePath := filepath.Join(dir, "etc/hostname")
	if err := fs.WriteFile(hostnamePath, []byte(hostname+"\n"), 0o644); err != nil {
		return errors.WithStack(err)
	}

	hostsPath := filepath.Join(dir, "etc/hosts")
	hosts, err := fs.ReadFile(hostsPath)
	if err != nil {
		hosts = nil
	}
	if strings.Contains(string(hosts), hostname) {
		return nil
	}
	buf := bytes.NewBuffer(hosts)
	if len(hosts) > 0 && !bytes.HasSuffix(hosts, []byte("\n")) {
		buf.WriteString("\n")
	}
	fmt.Fprintf(buf, "127.0.1.1\t%s\n", hostname)
	return errors.WithStack(fs.WriteFile(hostsPath, buf.Bytes(), 0o644))
}
