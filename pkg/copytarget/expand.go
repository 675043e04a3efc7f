package copytarget

import (
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// expandVars substitutes ${VAR} and $VAR references in p. Exported manifest
// variables take precedence over the environment, in declaration order.
// References preceded by a backslash are left untouched; any other reference
// to an undefined variable is an error.
func expandVars(p string, exports []map[string]string, env func(string) (string, bool)) (string, error) {
	var out strings.Builder
	last := 0
	for _, loc := range varPattern.FindAllStringSubmatchIndex(p, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && p[start-1] == '\\' {
			continue
		}
		var name string
		if loc[2] >= 0 {
			name = p[loc[2]:loc[3]]
		} else {
			name = p[loc[4]:loc[5]]
		}
		value, found := lookupExport(name, exports)
		if !found {
			value, found = env(name)
		}
		if !found {
			return "", errors.Errorf("environment variable %q has not been initialized", name)
		}
		out.WriteString(p[last:start])
		out.WriteString(value)
		last = end
	}
	out.WriteString(p[last:])
	return out.String(), nil
}

func lookupExport(name string, exports []map[string]string) (string, bool) {
	for _, export := range exports {
		if value, exists := export[name]; exists {
			return value, true
		}
	}
	return "", false
}

// normPath cleans a destination path, preserving the trailing slash marking
// directory entries.
func normPath(p string) string {
	if p == "" {
		return p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		return cleaned + "/"
	}
	return cleaned
}
