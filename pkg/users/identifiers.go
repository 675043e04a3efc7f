package users

import (
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// TargetIdentifiers resolves owner and group references against the passwd
// and group databases of the target filesystem. Numeric references pass
// through unchanged.
type TargetIdentifiers struct {
	TargetDir string
}

// UID resolves an owner reference.
func (t TargetIdentifiers) UID(owner string) (uint32, error) {
	return t.resolve(owner, "etc/passwd")
}

// GID resolves a group reference.
func (t TargetIdentifiers) GID(group string) (uint32, error) {
	return t.resolve(group, "etc/group")
}

func (t TargetIdentifiers) resolve(ref, dbFile string) (uint32, error) {
	if id, err := strconv.ParseUint(ref, 10, 32); err == nil {
		return uint32(id), nil
	}

	var id uint32
	found := false
	err := parseColonFile(filepath.Join(t.TargetDir, dbFile), func(fields []string) {
		if found || len(fields) < 3 || fields[0] != ref {
			return
		}
		parsed, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return
		}
		id = uint32(parsed)
		found = true
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Errorf("identifier %q is not known to the target filesystem", ref)
	}
	return id, nil
}
