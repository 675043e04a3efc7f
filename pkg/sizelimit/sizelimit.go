// Package sizelimit checks composed filesystems against a size-limit
// manifest.
package sizelimit

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/logger"

	"github.com/drivekit/buildfs/pkg/copytarget"
)

// Value is one limit declaration. Values carry an explicit byte unit and,
// for builds layering on a base, a leading "+" marking the limit as
// relative to the layer.
type Value struct {
	Bytes   int64
	Layered bool
}

var valuePattern = regexp.MustCompile(`^(\+?)\s*([0-9]+)\s*(bytes|byte|B)$`)

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(value *yaml.Node) error {
	match := valuePattern.FindStringSubmatch(strings.TrimSpace(value.Value))
	if match == nil {
		return errors.Errorf("size limit %q must be a number with a bytes/byte/B unit", value.Value)
	}
	bytes, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return errors.WithStack(err)
	}
	v.Bytes = bytes
	v.Layered = match[1] == "+"
	return nil
}

// Selector is a limit that applies either uniformly or per filesystem name,
// with an "others" fallback.
type Selector struct {
	all    *Value
	byName map[string]Value
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Selector) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		return errors.WithStack(value.Decode(&s.byName))
	}
	s.all = &Value{}
	return errors.WithStack(value.Decode(s.all))
}

// For returns the limit applying to the named filesystem.
func (s *Selector) For(filesystem string) (Value, bool) {
	if s.all != nil {
		return *s.all, true
	}
	if v, exists := s.byName[filesystem]; exists {
		return v, true
	}
	v, exists := s.byName["others"]
	return v, exists
}

// Limits is the size-limit manifest.
type Limits struct {
	MaxFSSize *Selector           `yaml:"maxFSSize"`
	Modules   map[string]Selector `yaml:"modules"`
}

// Load reads a size-limit manifest.
func Load(path string) (*Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	limits := &Limits{}
	if err := yaml.Unmarshal(data, limits); err != nil {
		return nil, errors.Wrapf(err, "size limits %q", path)
	}
	return limits, nil
}

// Check verifies the recorded sizes of the named filesystem against the
// limits and stamps the resolved limits onto the records. For layered
// builds every limit must be declared layer-relative.
func (l *Limits) Check(ctx context.Context, records *copytarget.Records, filesystem string, layered bool) error {
	log := logger.Get(ctx)

	if l.MaxFSSize == nil {
		return errors.New("the max size of filesystems is not defined, define it with the 'maxFSSize' key")
	}
	maxSize, exists := l.MaxFSSize.For(filesystem)
	if !exists {
		return errors.Errorf("the max size of the %q filesystem is not defined", filesystem)
	}
	if layered && !maxSize.Layered {
		return errors.Errorf("the %q filesystem layers on a base, "+
			"its size limit must be layer-relative (e.g. +512 bytes)", filesystem)
	}

	report := records.Report()
	total := report.TotalSize
	log.Info("Checking filesystem size", zap.String("filesystem", filesystem),
		zap.Int64("size", total), zap.Int64("limit", maxSize.Bytes))
	if total > maxSize.Bytes {
		return errors.Errorf("the size of the %q filesystem (%d bytes) exceeds the limit of %d bytes",
			filesystem, total, maxSize.Bytes)
	}

	if l.Modules == nil {
		return errors.New("module size limits are not defined, define them with the 'modules' key")
	}

	moduleLimits := map[string]copytarget.Limit{}
	for module, record := range report.Modules {
		selector, exists := l.Modules[module]
		if !exists {
			return errors.Errorf("the max size of the %q module is not defined", module)
		}
		limit, exists := selector.For(filesystem)
		if !exists {
			return errors.Errorf("the max size of the %q module for the %q filesystem is not defined",
				module, filesystem)
		}
		if layered && !limit.Layered {
			return errors.Errorf("the %q filesystem layers on a base, "+
				"the size limit of the %q module must be layer-relative (e.g. +512 bytes)",
				filesystem, module)
		}
		moduleLimits[module] = copytarget.Limit(limit.Bytes)
		log.Info("Checking module size", zap.String("module", module),
			zap.Int64("size", record.Size), zap.Int64("limit", limit.Bytes))
		if record.Size > limit.Bytes {
			return errors.Errorf("the size of the %q module (%d bytes) exceeds the limit of "+
				"%d bytes for the %q filesystem", module, record.Size, limit.Bytes, filesystem)
		}
	}
	records.SetLimits(copytarget.Limit(maxSize.Bytes), moduleLimits)
	return nil
}
