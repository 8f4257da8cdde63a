package system

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/utils"
)

// Guard refuses to let an update start unless it is privileged and the
// Installation is actually there. It never mutates anything.
type Guard struct {
	Geteuid    func() int
	Getenv     func(string) string
	LookupUser func(name string) (*user.User, error)
	LookupUID  func(uid string) (*user.User, error)
}

func NewGuard() Guard {
	return Guard{
		Geteuid:    os.Geteuid,
		Getenv:     os.Getenv,
		LookupUser: user.Lookup,
		LookupUID:  user.LookupId,
	}
}

// Check validates privileges and layout, then resolves the owning user onto
// inst.Owner.
func (t Guard) Check(inst *botdeploy.Installation) error {
	if t.Geteuid() != 0 {
		return botdeploy.PreconditionError("privileges", botdeploy.ErrNotPrivileged)
	}

	if !utils.IsDir(inst.CodeDir()) {
		return botdeploy.PreconditionError("layout", fmt.Errorf("code directory %s not found, run botctl install first", inst.CodeDir()))
	}

	if !utils.IsDir(inst.VenvDir()) {
		return botdeploy.PreconditionError("layout", fmt.Errorf("virtual environment %s not found, run botctl install first", inst.VenvDir()))
	}

	owner, err := t.ResolveOwner(inst)
	if err != nil {
		return botdeploy.PreconditionError("owner", err)
	}
	inst.Owner = owner
	return nil
}

// ResolveOwner picks the non-privileged identity the service runs as:
// the configured owner, then the sudo-invoking user, then whoever owns the
// code directory. root is never chosen implicitly.
func (t Guard) ResolveOwner(inst *botdeploy.Installation) (botdeploy.Owner, error) {
	if name := inst.Config.Owner; name != "" {
		return t.lookup(name)
	}

	if name := t.Getenv("SUDO_USER"); name != "" && name != "root" {
		return t.lookup(name)
	}

	if info, err := os.Stat(inst.CodeDir()); err == nil {
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Uid != 0 {
			u, err := t.LookupUID(strconv.Itoa(int(st.Uid)))
			if err == nil {
				return toOwner(u)
			}
		}
	}

	return botdeploy.Owner{}, fmt.Errorf("cannot determine the service user: set --owner or run through sudo")
}

func (t Guard) lookup(name string) (botdeploy.Owner, error) {
	u, err := t.LookupUser(name)
	if err != nil {
		return botdeploy.Owner{}, fmt.Errorf("unknown user %q: %w", name, err)
	}
	return toOwner(u)
}

func toOwner(u *user.User) (botdeploy.Owner, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return botdeploy.Owner{}, fmt.Errorf("user %s has non-numeric uid %q", u.Username, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return botdeploy.Owner{}, fmt.Errorf("user %s has non-numeric gid %q", u.Username, u.Gid)
	}
	return botdeploy.Owner{Name: u.Username, UID: uid, GID: gid, Home: u.HomeDir}, nil
}
