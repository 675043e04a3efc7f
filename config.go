package buildfs

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// OS identifies the operating system a filesystem config targets.
type OS string

// Supported target operating systems.
const (
	OSLinux OS = "linux"
	OSQNX   OS = "qnx"
)

// ImageType selects the QNX image flavor.
type ImageType string

// Supported QNX image types.
const (
	ImageTypeXFS ImageType = "XFS"
	ImageTypeIFS ImageType = "IFS"
)

// Default image sizes applied when the config does not set ImageSize.
const (
	DefaultLinuxImageSize = ByteSize(16 * 1024 * 1024 * 1024)
	DefaultQNXImageSize   = ByteSize(4 * 1024 * 1024 * 1024)
)

// DefaultFilesystemType is the filesystem type assumed by copy-target
// manifests which do not override it.
const DefaultFilesystemType = "standard"

// ByteSize is a size in bytes. Configs historically stored sizes as decimal
// strings, so both JSON strings and numbers are accepted.
type ByteSize int64

// UnmarshalJSON implements json.Unmarshaler.
func (s *ByteSize) UnmarshalJSON(data []byte) error {
	var raw json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return errors.Errorf("invalid size value %s", data)
		}
		raw = json.Number(str)
	}
	v, err := raw.Int64()
	if err != nil {
		return errors.Errorf("invalid size value %q", raw.String())
	}
	*s = ByteSize(v)
	return nil
}

// MarshalJSON implements json.Marshaler. Sizes are written back as strings
// for compatibility with existing configs.
func (s ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(s), 10))
}

// MountPointConfig tells the copy engine the mount point the filesystem is
// flashed under, and whether destinations in manifests already include it.
type MountPointConfig struct {
	MountPoint                    string
	DestinationIncludesMountPoint bool
}

// UnmarshalJSON implements json.Unmarshaler, rejecting unknown attributes.
func (c *MountPointConfig) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.WithStack(err)
	}
	if _, exists := raw["MountPoint"]; !exists {
		return errors.New("'MountPoint' attribute is not initialized in 'FSMountPointConfg'")
	}
	for key := range raw {
		switch key {
		case "MountPoint", "DestinationIncludesMountPoint":
		default:
			return errors.Errorf("%q is not a valid attribute for 'FSMountPointConfg'", key)
		}
	}
	if err := json.Unmarshal(raw["MountPoint"], &c.MountPoint); err != nil {
		return errors.WithStack(err)
	}
	if v, exists := raw["DestinationIncludesMountPoint"]; exists {
		if err := json.Unmarshal(v, &c.DestinationIncludesMountPoint); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// DigestMetadataConfig enables per-file digest metadata generation.
type DigestMetadataConfig struct {
	Enabled          bool
	AuthBlockSize    int
	GoldenDigestFile string
}

// UnmarshalJSON implements json.Unmarshaler, rejecting unknown attributes.
func (c *DigestMetadataConfig) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.WithStack(err)
	}
	if _, exists := raw["enabled"]; !exists {
		return errors.New("'enabled' attribute is not initialized in the config for generating digest metadata")
	}
	if err := json.Unmarshal(raw["enabled"], &c.Enabled); err != nil {
		return errors.WithStack(err)
	}
	if !c.Enabled {
		return nil
	}
	for _, required := range []string{"authBlockSize", "goldenDigestFile"} {
		if _, exists := raw[required]; !exists {
			return errors.Errorf("%q attribute is not initialized in the config for generating digest metadata",
				required)
		}
	}
	for key := range raw {
		switch key {
		case "enabled", "authBlockSize", "goldenDigestFile":
		default:
			return errors.Errorf("%q is not a valid attribute for 'DigestMetadataConfig'", key)
		}
	}
	if err := json.Unmarshal(raw["authBlockSize"], &c.AuthBlockSize); err != nil {
		return errors.WithStack(err)
	}
	if c.AuthBlockSize <= 0 {
		return errors.Errorf("'authBlockSize' must be a positive number of bytes, got %d", c.AuthBlockSize)
	}
	return errors.WithStack(json.Unmarshal(raw["goldenDigestFile"], &c.GoldenDigestFile))
}

// MountEntry describes one fstab line added to the target filesystem.
type MountEntry struct {
	Device       string
	Type         string
	MountOptions string
}

// Password is either a cleartext password or a pre-hashed one.
type Password struct {
	Clear  string
	Hashed string
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Password) UnmarshalJSON(data []byte) error {
	var clear string
	if err := json.Unmarshal(data, &clear); err == nil {
		p.Clear = clear
		return nil
	}
	var hashed struct {
		HashedPassword string
	}
	if err := json.Unmarshal(data, &hashed); err != nil {
		return errors.New("bad password entry in config")
	}
	p.Hashed = hashed.HashedPassword
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Password) MarshalJSON() ([]byte, error) {
	if p.Hashed != "" {
		return json.Marshal(struct {
			HashedPassword string
		}{HashedPassword: p.Hashed})
	}
	return json.Marshal(p.Clear)
}

// User declares a user account in the target filesystem. The legacy form is
// a two-element array of UID and password; the current form is an object.
type User struct {
	UID       string
	Username  string
	Password  *Password
	Shell     string
	Home      string
	ExtraOpts string
}

// UnmarshalJSON implements json.Unmarshaler accepting both entry formats.
func (u *User) UnmarshalJSON(data []byte) error {
	var legacy []string
	if err := json.Unmarshal(data, &legacy); err == nil {
		if len(legacy) != 2 {
			return errors.Errorf("legacy user entry must have exactly two elements, got %d", len(legacy))
		}
		u.UID = legacy[0]
		if legacy[1] != "" {
			u.Password = &Password{Clear: legacy[1]}
		}
		return nil
	}
	type user User
	var full user
	if err := json.Unmarshal(data, &full); err != nil {
		return errors.WithStack(err)
	}
	*u = User(full)
	return nil
}

// Group declares a group in the target filesystem. The legacy form is a bare
// GID string; the current form is an object.
type Group struct {
	GID       string
	Groupname string
	ExtraOpts string
}

// UnmarshalJSON implements json.Unmarshaler accepting both entry formats.
func (g *Group) UnmarshalJSON(data []byte) error {
	var gid string
	if err := json.Unmarshal(data, &gid); err == nil {
		g.GID = gid
		return nil
	}
	type group Group
	var full group
	if err := json.Unmarshal(data, &full); err != nil {
		return errors.WithStack(err)
	}
	*g = Group(full)
	return nil
}

// CopyTargetRef references a copy-target manifest, optionally overriding the
// workspace and source type it is applied with. The short form is a bare
// manifest path.
type CopyTargetRef struct {
	Manifest   string
	Workspace  string `json:"NvWorkspace"`
	SourceType string
}

// UnmarshalJSON implements json.Unmarshaler accepting both reference forms.
func (r *CopyTargetRef) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		r.Manifest = path
		return nil
	}
	type ref CopyTargetRef
	var full ref
	if err := json.Unmarshal(data, &full); err != nil {
		return errors.WithStack(err)
	}
	if full.Manifest == "" {
		return errors.New("copy-target reference is missing the 'Manifest' attribute")
	}
	*r = CopyTargetRef(full)
	return nil
}

// Config is a filesystem config document. One config describes one target
// filesystem; Base may chain it onto another config or onto a prebuilt tree.
type Config struct {
	Output               string
	OS                   OS
	Base                 string
	FilesystemType       string
	ImageSize            ByteSize
	CopyTargets          []CopyTargetRef
	FilesystemCleanup    []string
	PreInstalls          map[string]string
	PostInstalls         map[string]string
	MountPointConfig     *MountPointConfig     `json:"FSMountPointConfg"`
	DigestMetadataConfig *DigestMetadataConfig `json:"DigestMetadataConfig"`

	// Linux only.
	Distro                string
	Mirrors               []string
	Packages              []string `json:"DebianPackages"`
	Users                 map[string]User
	Groups                map[string]Group
	Memberships           map[string][]string
	Hostname              string
	Mounts                map[string]MountEntry
	FilesystemInclude     []string
	AssociatedFilesystems []string

	// QNX only.
	ImageType            ImageType
	BuildFileHeaderFiles []string

	path string
}

// Path returns the file the config was loaded from, or "" for configs parsed
// from a stream.
func (c *Config) Path() string {
	return c.path
}

// Dir returns the directory relative Base and associated-config paths
// resolve against.
func (c *Config) Dir() string {
	if c.path == "" {
		return ""
	}
	return filepath.Dir(c.path)
}

// LoadConfig reads and validates a filesystem config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	config, err := ParseConfig(data, path)
	if err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return config, nil
}

// ParseConfig parses and validates a filesystem config document. The path is
// recorded for resolving relative references and may be empty for streams.
func ParseConfig(data []byte, path string) (*Config, error) {
	config := &Config{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "invalid JSON syntax")
	}
	config.path = path
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) validate() error {
	if c.Output == "" {
		return errors.New("required field 'Output' absent from the config")
	}
	switch c.OS {
	case OSLinux, OSQNX:
	case "":
		return errors.New("required field 'OS' absent from the config")
	default:
		return errors.Errorf("OS %q not recognized", c.OS)
	}
	if c.OS == OSQNX {
		switch c.ImageType {
		case "", ImageTypeXFS, ImageTypeIFS:
		default:
			return errors.Errorf("ImageType %q not recognized", c.ImageType)
		}
		if len(c.FilesystemCleanup) > 0 {
			return errors.New("'FilesystemCleanup' is not supported for QNX configs")
		}
	}
	if seen := duplicatePackage(c.Packages); seen != "" {
		return errors.Errorf("package %q listed more than once", seen)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.FilesystemType == "" {
		c.FilesystemType = DefaultFilesystemType
	}
	if c.ImageSize == 0 {
		if c.OS == OSQNX {
			c.ImageSize = DefaultQNXImageSize
		} else {
			c.ImageSize = DefaultLinuxImageSize
		}
	}
	if c.OS == OSQNX && c.ImageType == "" {
		c.ImageType = ImageTypeXFS
	}
}

func duplicatePackage(packages []string) string {
	seen := map[string]struct{}{}
	for _, pkg := range packages {
		if _, exists := seen[pkg]; exists {
			return pkg
		}
		seen[pkg] = struct{}{}
	}
	return ""
}
