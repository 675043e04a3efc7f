// Package copytarget loads copy-target manifests and applies them to a
// target filesystem tree.
package copytarget

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Version is the manifest schema version implemented by this package.
// Manifests from any 1.x revision are accepted.
const Version = "1.4"

// Manifest is one copy-target YAML document.
type Manifest struct {
	Version  string              `yaml:"version"`
	Exports  []map[string]string `yaml:"exports"`
	Imports  []string            `yaml:"imports"`
	Element  string              `yaml:"element"`
	FileList []Item              `yaml:"fileList"`
}

// Source is a copy source: either a single path or a path per source type.
type Source struct {
	Path   string
	ByType map[string]string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Source) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return errors.WithStack(value.Decode(&s.Path))
	case yaml.MappingNode:
		return errors.WithStack(value.Decode(&s.ByType))
	default:
		return errors.New("source must be a path or a mapping of source types to paths")
	}
}

// Resolve picks the path for the requested source type. An empty sourceType
// selects the plain path form, or the default type for typed sources.
func (s *Source) Resolve(sourceType, defaultType string) (string, error) {
	if s.ByType == nil {
		if sourceType != "" {
			return "", errors.Errorf("item does not accept source types, requested %q", sourceType)
		}
		if s.Path == "" {
			return "", errors.New("source path is not defined")
		}
		return s.Path, nil
	}
	if sourceType == "" {
		sourceType = defaultType
	}
	path, exists := s.ByType[sourceType]
	if !exists || path == "" {
		return "", errors.Errorf("source path for %q type is not defined", sourceType)
	}
	return path, nil
}

// Override is a per-filesystem-type refinement of an item. The short form is
// a bare boolean meaning "required".
type Override struct {
	Required      *bool
	Source        *Source
	Perm          string
	Owner         string
	Group         string
	Raw           *bool
	Remove        *bool
	CreateSymlink *bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Override) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var required bool
		if err := value.Decode(&required); err != nil {
			return errors.Errorf("invalid filesystem directive %q", value.Value)
		}
		o.Required = &required
		return nil
	}
	type override struct {
		Required      *bool   `yaml:"required"`
		Source        *Source `yaml:"source"`
		Destination   *string `yaml:"destination"`
		Perm          string  `yaml:"perm"`
		Owner         string  `yaml:"owner"`
		Group         string  `yaml:"group"`
		Raw           *bool   `yaml:"raw"`
		Remove        *bool   `yaml:"remove"`
		CreateSymlink *bool   `yaml:"create_symlink"`
	}
	var full override
	if err := value.Decode(&full); err != nil {
		return errors.WithStack(err)
	}
	if full.Destination != nil {
		return errors.New("'destination' cannot be overridden under the 'filesystems' field")
	}
	*o = Override{
		Required:      full.Required,
		Source:        full.Source,
		Perm:          full.Perm,
		Owner:         full.Owner,
		Group:         full.Group,
		Raw:           full.Raw,
		Remove:        full.Remove,
		CreateSymlink: full.CreateSymlink,
	}
	return nil
}

// Item is one fileList entry.
type Item struct {
	Destination   string              `yaml:"destination"`
	Source        *Source             `yaml:"source"`
	Perm          string              `yaml:"perm"`
	Owner         string              `yaml:"owner"`
	Group         string              `yaml:"group"`
	Raw           *bool               `yaml:"raw"`
	Remove        *bool               `yaml:"remove"`
	CreateSymlink *bool               `yaml:"create_symlink"`
	Element       string              `yaml:"element"`
	Filesystems   map[string]Override `yaml:"filesystems"`
}

func versionCompatible(version string) bool {
	major, _, _ := strings.Cut(version, ".")
	return major == "1"
}
