// Package users manages user and group accounts in the target filesystem
// through the shadow-utils tools installed there.
package users

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
)

// System accounts live in this ID range and get system defaults: no home,
// /bin/false shell, the --system flag.
const (
	sysIDMin = 1
	sysIDMax = 999
)

// Password is either a cleartext password applied through chpasswd or a
// pre-hashed one applied through usermod -p.
type Password struct {
	Clear  string
	Hashed string
}

// User is one account to create or update.
type User struct {
	Name      string
	UID       string
	Password  *Password
	Shell     string
	Home      string
	ExtraOpts string
}

// Group is one group to create or update.
type Group struct {
	Name      string
	GID       string
	ExtraOpts string
}

// Runner builds commands executing inside the target filesystem.
type Runner interface {
	Command(name string, args ...string) *exec.Cmd
}

// Manager applies account declarations to the filesystem rooted at
// TargetDir. Accounts whose numeric ID already exists are modified in place
// instead of added, so reapplying a declaration converges.
type Manager struct {
	TargetDir string
	Runner    Runner
}

// EnsureGroup creates the group, or renames the group currently holding its
// GID.
func (m *Manager) EnsureGroup(ctx context.Context, group Group) error {
	db, err := m.readDB()
	if err != nil {
		return err
	}
	name, args := GroupCommand(group, db.groupByGID(group.GID))
	logger.Get(ctx).Info("Applying group", zap.String("group", group.Name), zap.String("tool", name))
	return errors.WithStack(libexec.Exec(ctx, m.Runner.Command(name, args...)))
}

// EnsureUser creates the user, or renames and updates the user currently
// holding its UID. The user's self group follows the rename.
func (m *Manager) EnsureUser(ctx context.Context, user User) error {
	db, err := m.readDB()
	if err != nil {
		return err
	}
	existing := db.userByUID(user.UID)
	name, args := UserCommand(user, existing)
	logger.Get(ctx).Info("Applying user", zap.String("user", user.Name), zap.String("tool", name))
	if err := libexec.Exec(ctx, m.Runner.Command(name, args...)); err != nil {
		return errors.WithStack(err)
	}

	if existing != "" && existing != user.Name && db.hasGroup(existing) {
		err := libexec.Exec(ctx, m.Runner.Command("groupmod", "-n", user.Name, existing))
		if err != nil {
			return errors.WithStack(err)
		}
	}

	if user.Password != nil {
		if err := m.setPassword(ctx, user.Name, user.Password); err != nil {
			return err
		}
	}
	return nil
}

// AddMemberships appends the user to the listed groups.
func (m *Manager) AddMemberships(ctx context.Context, user string, groups []string) error {
	if len(groups) == 0 {
		return nil
	}
	logger.Get(ctx).Info("Applying group memberships", zap.String("user", user),
		zap.Strings("groups", groups))
	cmd := m.Runner.Command("usermod", "-a", "-G", strings.Join(groups, ","), user)
	return errors.WithStack(libexec.Exec(ctx, cmd))
}

func (m *Manager) setPassword(ctx context.Context, name string, password *Password) error {
	if password.Hashed != "" {
		cmd := m.Runner.Command("usermod", "-p", password.Hashed, name)
		return errors.WithStack(libexec.Exec(ctx, cmd))
	}
	cmd := m.Runner.Command("chpasswd")
	cmd.Stdin = bytes.NewReader([]byte(name + ":" + password.Clear + "\n"))
	return errors.WithStack(libexec.Exec(ctx, cmd))
}

// UserCommand returns the shadow-utils tool and arguments realizing the
// declaration. existing is the name currently holding the declared UID, or
// "" when the UID is free.
func UserCommand(user User, existing string) (string, []string) {
	system := isSystemID(user.UID)
	shell := user.Shell
	home := user.Home
	if shell == "" && !system {
		shell = "/bin/bash"
	} else if shell == "" {
		shell = "/bin/false"
	}
	if home == "" && !system {
		home = "/home/" + user.Name
	}

	if existing != "" {
		args := []string{"-l", user.Name}
		args = appendShellHome(args, shell, home)
		args = append(args, "--comment", user.Name)
		args = appendOpts(args, user.ExtraOpts)
		return "usermod", append(args, existing)
	}

	var args []string
	if system {
		args = append(args, "--system")
	}
	args = appendShellHome(args, shell, home)
	args = append(args, "--comment", user.Name)
	args = appendOpts(args, user.ExtraOpts)
	if user.UID != "" {
		args = append(args, "-u", user.UID)
	}
	return "useradd", append(args, user.Name)
}

// GroupCommand returns the shadow-utils tool and arguments realizing the
// declaration. existing is the name currently holding the declared GID, or
// "" when the GID is free.
func GroupCommand(group Group, existing string) (string, []string) {
	if existing != "" {
		args := []string{"-n", group.Name}
		args = appendOpts(args, group.ExtraOpts)
		return "groupmod", append(args, existing)
	}

	var args []string
	if isSystemID(group.GID) {
		args = append(args, "--system")
	}
	args = appendOpts(args, group.ExtraOpts)
	if group.GID != "" {
		args = append(args, "-g", group.GID)
	}
	return "groupadd", append(args, group.Name)
}

func appendShellHome(args []string, shell, home string) []string {
	if shell != "" {
		args = append(args, "-s", shell)
	}
	if home != "" {
		args = append(args, "-m", "-d", home)
	}
	return args
}

func appendOpts(args []string, opts string) []string {
	if opts == "" {
		return args
	}
	return append(args, strings.Fields(opts)...)
}

func isSystemID(id string) bool {
	n, err := strconv.Atoi(id)
	if err != nil {
		return false
	}
	return n >= sysIDMin && n <= sysIDMax
}

// db is the account state read from the target's passwd and group files.
type db struct {
	usersByUID  map[string]string
	groupsByGID map[string]string
	groups      map[string]struct{}
}

func (m *Manager) readDB() (*db, error) {
	d := &db{
		usersByUID:  map[string]string{},
		groupsByGID: map[string]string{},
		groups:      map[string]struct{}{},
	}
	err := parseColonFile(filepath.Join(m.TargetDir, "etc/passwd"), func(fields []string) {
		if len(fields) >= 3 {
			d.usersByUID[fields[2]] = fields[0]
		}
	})
	if err != nil {
		return nil, err
	}
	err = parseColonFile(filepath.Join(m.TargetDir, "etc/group"), func(fields []string) {
		if len(fields) >= 3 {
			d.groupsByGID[fields[2]] = fields[0]
			d.groups[fields[0]] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *db) userByUID(uid string) string {
	if uid == "" {
		return ""
	}
	return d.usersByUID[uid]
}

func (d *db) groupByGID(gid string) string {
	if gid == "" {
		return ""
	}
	return d.groupsByGID[gid]
}

func (d *db) hasGroup(name string) bool {
	_, exists := d.groups[name]
	return exists
}

func parseColonFile(path string, visit func(fields []string)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithStack(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		visit(strings.Split(line, ":"))
	}
	return errors.WithStack(scanner.Err())
}
