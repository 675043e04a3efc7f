// Package partition models flashing layouts as named platform profiles.
package partition

import (
	"sort"

	"github.com/pkg/errors"
)

// SourceKind says what fills a partition.
type SourceKind string

// Partition content kinds.
const (
	// SourceFile flashes a prebuilt blob.
	SourceFile SourceKind = "file"
	// SourceDirectory packages a directory tree into the partition.
	SourceDirectory SourceKind = "directory"
	// SourceConfig builds the partition content from a filesystem config.
	SourceConfig SourceKind = "config"
)

// Entry is one partition of a profile.
type Entry struct {
	Name       string
	Device     string
	Offset     int64
	Size       int64
	Attributes uint64
	Kind       SourceKind
	Source     string
}

// End returns the first byte after the partition.
func (e Entry) End() int64 {
	return e.Offset + e.Size
}

// Profile is a complete layout for one platform variant.
type Profile struct {
	Name    string
	Entries []Entry
}

// Validate checks the profile: every entry has a nonzero size, names are
// unique per device, and entries sharing a device do not overlap.
func (p Profile) Validate() error {
	type deviceName struct{ device, name string }
	names := map[deviceName]struct{}{}
	byDevice := map[string][]Entry{}

	for _, entry := range p.Entries {
		if entry.Name == "" {
			return errors.Errorf("profile %q contains an unnamed partition", p.Name)
		}
		if entry.Size <= 0 {
			return errors.Errorf("partition %q of profile %q has no size", entry.Name, p.Name)
		}
		if entry.Offset < 0 {
			return errors.Errorf("partition %q of profile %q has a negative offset", entry.Name, p.Name)
		}
		key := deviceName{entry.Device, entry.Name}
		if _, exists := names[key]; exists {
			return errors.Errorf("partition %q appears twice on device %q in profile %q",
				entry.Name, entry.Device, p.Name)
		}
		names[key] = struct{}{}
		byDevice[entry.Device] = append(byDevice[entry.Device], entry)
	}

	for device, entries := range byDevice {
		sorted := make([]Entry, len(entries))
		copy(sorted, entries)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
		for i := 1; i < len(sorted); i++ {
			if sorted[i].Offset < sorted[i-1].End() {
				return errors.Errorf("partitions %q and %q overlap on device %q in profile %q",
					sorted[i-1].Name, sorted[i].Name, device, p.Name)
			}
		}
	}
	return nil
}

// Registry holds the known profiles.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry returns a registry over the given profiles, validating each.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: map[string]Profile{}}
	for _, profile := range profiles {
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.profiles[profile.Name]; exists {
			return nil, errors.Errorf("profile %q is registered twice", profile.Name)
		}
		r.profiles[profile.Name] = profile
	}
	return r, nil
}

// Resolve returns the named profile.
func (r *Registry) Resolve(name string) (Profile, error) {
	profile, exists := r.profiles[name]
	if !exists {
		return Profile{}, errors.Errorf("unknown partition profile %q", name)
	}
	return profile, nil
}

// Names returns the registered profile names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
