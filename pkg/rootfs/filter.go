package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Cleanup removes everything under dir matching the glob patterns. Patterns
// are rooted at dir and support ** globs.
func Cleanup(ctx context.Context, fs afero.Afero, dir string, patterns []string) error {
	log := logger.Get(ctx)
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, "/")
		if _, err := doublestar.Match(pattern, ""); err != nil {
			return errors.Wrapf(err, "bad cleanup pattern %q", pattern)
		}

		matches, err := globTree(fs, dir, pattern)
		if err != nil {
			return err
		}
		for _, match := range matches {
			log.Info("Removing", zap.String("path", match), zap.String("pattern", pattern))
			if err := fs.RemoveAll(match); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

// Include prunes dir down to the paths matching the patterns. Ancestors of a
// match survive, so the matched paths stay reachable.
func Include(ctx context.Context, fs afero.Afero, dir string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	log := logger.Get(ctx)

	keep := map[string]struct{}{}
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, "/")
		if _, err := doublestar.Match(pattern, ""); err != nil {
			return errors.Wrapf(err, "bad include pattern %q", pattern)
		}
		matches, err := globTree(fs, dir, pattern)
		if err != nil {
			return err
		}
		for _, match := range matches {
			// The match itself is kept whole; its ancestors must survive the
			// prune pass too.
			if err := fs.Walk(match, func(path string, _ os.FileInfo, err error) error {
				if err != nil {
					return errors.WithStack(err)
				}
				keep[path] = struct{}{}
				return nil
			}); err != nil {
				return err
			}
			for parent := filepath.Dir(match); len(parent) >= len(dir) && parent != filepath.Dir(parent); parent = filepath.Dir(parent) {
				keep[parent] = struct{}{}
			}
		}
	}

	var remove []string
	err := fs.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		if path == dir {
			return nil
		}
		if _, kept := keep[path]; !kept {
			remove = append(remove, path)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range remove {
		log.Info("Pruning", zap.String("path", path))
		if err := fs.RemoveAll(path); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func globTree(fs afero.Afero, dir, pattern string) ([]string, error) {
	var matches []string
	err := fs.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return errors.WithStack(err)
		}
		if rel == "." {
			return nil
		}
		ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil {
			return errors.WithStack(err)
		}
		if ok {
			matches = append(matches, path)
			// A matched directory is taken whole, no need to descend.
			// SkipDir on a file would skip its siblings too.
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
