package buildfs

import (
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Chain is a resolved Base chain. Configs are ordered root first, so
// applying them in order reproduces the layering the leaf config asks for.
// BaseArtifact is the prebuilt tree or archive the root config starts from,
// or "" when the root config starts from an empty tree.
type Chain struct {
	Configs      []*Config
	BaseArtifact string
}

// Leaf returns the config the chain was resolved for.
func (c *Chain) Leaf() *Config {
	return c.Configs[len(c.Configs)-1]
}

// ResolveChain follows the Base references of config until it reaches a
// config without a Base or one whose Base is a prebuilt artifact. A config
// referencing itself, directly or transitively, is a configuration error.
func ResolveChain(config *Config) (*Chain, error) {
	chain := &Chain{}
	visited := map[string]struct{}{}

	current := config
	for {
		chain.Configs = append([]*Config{current}, chain.Configs...)

		if current.path != "" {
			abs, err := filepath.Abs(current.path)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if _, exists := visited[abs]; exists {
				return nil, errors.Errorf("base chain of config %q contains a cycle through %q",
					config.path, abs)
			}
			visited[abs] = struct{}{}
		}

		if current.Base == "" {
			return chain, nil
		}

		basePath := os.ExpandEnv(current.Base)
		if !filepath.IsAbs(basePath) {
			if current.path == "" {
				return nil, errors.New("base cannot be a relative path when the config is a stream")
			}
			basePath = filepath.Join(current.Dir(), basePath)
		}

		isConfig, err := isConfigFile(basePath)
		if err != nil {
			return nil, errors.Wrapf(err, "base %q of config %q", basePath, current.path)
		}
		if !isConfig {
			chain.BaseArtifact = basePath
			return chain, nil
		}

		abs, err := filepath.Abs(basePath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if _, exists := visited[abs]; exists {
			return nil, errors.Errorf("base chain of config %q contains a cycle through %q",
				config.path, abs)
		}

		parent, err := LoadConfig(basePath)
		if err != nil {
			return nil, err
		}
		if parent.OS != current.OS {
			return nil, errors.Errorf("base config %q targets OS %q, expected %q",
				basePath, parent.OS, current.OS)
		}
		current = parent
	}
}

// isConfigFile reports whether path looks like a config document rather than
// a filesystem tree or archive. Directories and binary payloads are
// artifacts; small text files are configs.
func isConfigFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if info.IsDir() {
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return false, nil
	}
	full := n == len(buf)
	buf = buf[:n]
	if full {
		buf = trimSplitRune(buf)
	}

	for len(buf) > 0 {
		r, size := utf8.DecodeRune(buf)
		if r == utf8.RuneError && size == 1 {
			return false, nil
		}
		if r == 0 {
			return false, nil
		}
		buf = buf[size:]
	}
	return true, nil
}

// trimSplitRune drops a trailing multibyte rune cut off by the read
// boundary, so it is not mistaken for corruption.
func trimSplitRune(buf []byte) []byte {
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				return buf[:i]
			}
			return buf
		}
	}
	return buf
}
