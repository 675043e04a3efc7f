package pkgmgr

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// Index resolves package names to installable versions.
type Index interface {
	// Latest returns the newest version of the named package available in
	// the configured repositories.
	Latest(ctx context.Context, name string) (string, error)
}

// Freeze resolves the requested package names against the index and returns
// pins at the resolved versions. Names already carrying a version keep it.
// Duplicates collapse into one entry and the result is sorted by name, so
// the frozen manifest is deterministic. Any unresolved name fails the whole
// operation.
func Freeze(ctx context.Context, index Index, names []string) ([]Pin, error) {
	unique := map[string]string{}
	for _, name := range names {
		pin := ParsePin(name)
		if existing, exists := unique[pin.Name]; exists && existing != pin.Version {
			return nil, errors.Errorf("package %q is requested at both %q and %q versions",
				pin.Name, existing, pin.Version)
		}
		unique[pin.Name] = pin.Version
	}

	sorted := make([]string, 0, len(unique))
	for name := range unique {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	pins := make([]Pin, len(sorted))
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i, name := range sorted {
			spawn("resolve."+name, parallel.Continue, func(ctx context.Context) error {
				version := unique[name]
				if version == "" {
					var err error
					version, err = index.Latest(ctx, name)
					if err != nil {
						return errors.Wrapf(err, "package %q cannot be resolved", name)
					}
				}
				logger.Get(ctx).Info("Package frozen", zap.String("package", name),
					zap.String("version", version))
				pins[i] = Pin{Name: name, Version: version}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pins, nil
}
