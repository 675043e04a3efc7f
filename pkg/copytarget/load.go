package copytarget

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/logger"
)

// ModuleUnknown is the module files are attributed to when neither the item
// nor its manifest declares one.
const ModuleUnknown = "unknown"

// Rule is the effective directive for one destination after all manifests
// have been merged. Exactly one of Source, Remove, or a directory/metadata
// directive (neither set) applies.
type Rule struct {
	Destination string
	Source      string
	Perm        string
	Owner       string
	Group       string
	Raw         bool
	Remove      bool
	Symlink     bool
	Module      string
}

// IsDir reports whether the rule creates a directory or adjusts metadata of
// an existing path instead of copying content.
func (r *Rule) IsDir() bool {
	return r.Source == "" && !r.Remove
}

// RuleSet is an ordered collection of rules, deduplicated by destination.
// Redefining a destination updates the rule in place, keeping its original
// position: the last write wins.
type RuleSet struct {
	order   []string
	rules   map[string]*Rule
	exports []map[string]string
}

// Rules returns rules in manifest declaration order.
func (rs *RuleSet) Rules() []*Rule {
	rules := make([]*Rule, 0, len(rs.order))
	for _, destination := range rs.order {
		rules = append(rules, rs.rules[destination])
	}
	return rules
}

// Exports returns the variables exported by the loaded manifests.
func (rs *RuleSet) Exports() []map[string]string {
	return rs.exports
}

// LoadConfig controls how manifests are interpreted.
type LoadConfig struct {
	// FilesystemType selects per-filesystem directives in items.
	FilesystemType string
	// SourceType selects the path from typed sources; empty uses the plain
	// path form or DefaultSourceType.
	SourceType string
	// DefaultSourceType is used for typed sources when SourceType is empty.
	DefaultSourceType string
	// Env resolves environment references in paths. Defaults to os.LookupEnv.
	Env func(string) (string, bool)
}

type loader struct {
	cfg LoadConfig
	set *RuleSet
}

// Load reads a copy-target manifest, follows its imports, and merges all
// items into a rule set.
func Load(ctx context.Context, path string, cfg LoadConfig) (*RuleSet, error) {
	if cfg.Env == nil {
		cfg.Env = os.LookupEnv
	}
	if cfg.FilesystemType == "" {
		cfg.FilesystemType = "standard"
	}
	l := &loader{
		cfg: cfg,
		set: &RuleSet{rules: map[string]*Rule{}},
	}
	if err := l.load(ctx, path); err != nil {
		return nil, err
	}
	return l.set, nil
}

func (l *loader) load(ctx context.Context, path string) error {
	log := logger.Get(ctx)
	log.Info("Reading copy-target manifest", zap.String("manifest", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return errors.Wrapf(err, "manifest %q", path)
	}
	if manifest.Version == "" {
		return errors.Errorf("manifest %q version is undefined", path)
	}
	if !versionCompatible(manifest.Version) {
		return errors.Errorf("manifest %q version %s is incompatible with copytarget version %s",
			path, manifest.Version, Version)
	}

	for _, export := range manifest.Exports {
		l.set.exports = append(l.set.exports, export)
	}

	for _, imported := range manifest.Imports {
		importPath, err := expandVars(imported, l.set.exports, l.cfg.Env)
		if err != nil {
			return errors.Wrapf(err, "manifest %q", path)
		}
		if !filepath.IsAbs(importPath) {
			// Import paths are relative to the importing manifest.
			importPath = filepath.Join(filepath.Dir(path), importPath)
		}
		if err := l.load(ctx, importPath); err != nil {
			return err
		}
	}

	for i, item := range manifest.FileList {
		if err := l.merge(ctx, &item, manifest.Element); err != nil {
			return errors.Wrapf(err, "manifest %q, item %d", path, i+1)
		}
	}
	log.Info("Read copy-target manifest", zap.String("manifest", path),
		zap.Int("items", len(manifest.FileList)))
	return nil
}

//nolint:gocyclo
func (l *loader) merge(ctx context.Context, item *Item, manifestModule string) error {
	log := logger.Get(ctx)

	if item.Destination == "" {
		return errors.New("expected key 'destination' is not defined")
	}
	destination, err := expandVars(item.Destination, l.set.exports, l.cfg.Env)
	if err != nil {
		return err
	}
	destination = normPath(destination)

	var override *Override
	if item.Filesystems != nil {
		fs, exists := item.Filesystems[l.cfg.FilesystemType]
		if !exists {
			return errors.Errorf("no directives for %q filesystem type are defined for destination %q",
				l.cfg.FilesystemType, destination)
		}
		if fs.Required != nil && !*fs.Required {
			return nil
		}
		override = &fs
	}

	rule, exists := l.set.rules[destination]
	if !exists {
		rule = &Rule{Destination: destination, Module: ModuleUnknown}
		l.set.rules[destination] = rule
		l.set.order = append(l.set.order, destination)
	}

	source := item.Source
	if override != nil && override.Source != nil {
		source = override.Source
	}
	if source != nil {
		sourcePath, err := source.Resolve(l.cfg.SourceType, l.cfg.DefaultSourceType)
		if err != nil {
			return errors.Wrapf(err, "destination %q", destination)
		}
		if rule.Remove {
			log.Warn("Directive has been redefined, no longer marked for removal",
				zap.String("destination", destination))
			rule.Remove = false
		}
		rule.Source = sourcePath
	}

	if perm := pick(item.Perm, override, func(o *Override) string { return o.Perm }); perm != "" {
		rule.Perm = perm
	}
	if owner := pick(item.Owner, override, func(o *Override) string { return o.Owner }); owner != "" {
		rule.Owner = owner
	}
	if group := pick(item.Group, override, func(o *Override) string { return o.Group }); group != "" {
		rule.Group = group
	}
	if raw := pickBool(item.Raw, override, func(o *Override) *bool { return o.Raw }); raw != nil {
		rule.Raw = *raw
	}
	if remove := pickBool(item.Remove, override, func(o *Override) *bool { return o.Remove }); remove != nil {
		rule.Remove = *remove
		if rule.Remove && rule.Source != "" {
			log.Warn("Directive has been redefined, now marked for removal",
				zap.String("destination", destination))
			rule.Source = ""
		}
	}
	if symlink := pickBool(item.CreateSymlink, override, func(o *Override) *bool { return o.CreateSymlink }); symlink != nil {
		rule.Symlink = *symlink
	}

	switch {
	case item.Element != "":
		rule.Module = item.Element
	case manifestModule != "":
		rule.Module = manifestModule
	}
	return nil
}

func pick(base string, override *Override, get func(*Override) string) string {
	if override != nil {
		if v := get(override); v != "" {
			return v
		}
	}
	return base
}

func pickBool(base *bool, override *Override, get func(*Override) *bool) *bool {
	if override != nil {
		if v := get(override); v != nil {
			return v
		}
	}
	return base
}
