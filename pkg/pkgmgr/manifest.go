// Package pkgmgr pins Debian packages and installs them into composed
// filesystems.
package pkgmgr

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Pin is a package frozen at an exact version.
type Pin struct {
	Name    string
	Version string
}

// String renders the pin in the name=version form understood by apt.
func (p Pin) String() string {
	return p.Name + "=" + p.Version
}

// ParsePin splits a name=version spec. The version part is optional.
func ParsePin(spec string) Pin {
	name, version, _ := strings.Cut(spec, "=")
	return Pin{Name: name, Version: version}
}

// ParseManifest reads a frozen package manifest: one name=version line per
// package, blank lines and #-comments ignored.
func ParseManifest(path string) ([]Pin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var pins []Pin
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pin := ParsePin(line)
		if pin.Version == "" {
			return nil, errors.Errorf("manifest %q: package %q is not pinned to a version", path, pin.Name)
		}
		pins = append(pins, pin)
	}
	return pins, errors.WithStack(scanner.Err())
}

// WriteManifest writes pins sorted by name, atomically, one name=version
// line per package.
func WriteManifest(path string, pins []Pin) error {
	sorted := make([]Pin, len(pins))
	copy(sorted, pins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	buf := &bytes.Buffer{}
	for _, pin := range sorted {
		buf.WriteString(pin.String())
		buf.WriteString("\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "manifest-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}
