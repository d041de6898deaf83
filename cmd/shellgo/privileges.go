package main

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

// dropPrivileges resolves --user/--group and applies them to the main
// server process immediately after the launcher fork, mirroring the
// original daemon's privilege-separation order: the launcher alone
// keeps the ability to become root for new sessions, the main event
// loop never needs it again.
func dropPrivileges(flags *pflag.FlagSet) error {
	userName, _ := flags.GetString("user")
	groupName, _ := flags.GetString("group")
	numeric, _ := flags.GetBool("numeric")
	if userName == "" && groupName == "" {
		return nil
	}

	gid := -1
	if groupName != "" {
		g, err := resolveGroup(groupName, numeric)
		if err != nil {
			return err
		}
		gid = g
	}

	uid := -1
	if userName != "" {
		u, resolvedGID, err := resolveUser(userName, numeric)
		if err != nil {
			return err
		}
		uid = u
		if gid == -1 {
			gid = resolvedGID
		}
	}

	if gid >= 0 {
		if err := unix.Setresgid(gid, gid, gid); err != nil {
			return fmt.Errorf("setresgid(%d): %w", gid, err)
		}
	}
	if uid >= 0 {
		if err := unix.Setresuid(uid, uid, uid); err != nil {
			return fmt.Errorf("setresuid(%d): %w", uid, err)
		}
	}
	return nil
}

func resolveUser(name string, numeric bool) (uid, gid int, err error) {
	if numeric {
		n, err := strconv.Atoi(name)
		if err != nil {
			return 0, 0, fmt.Errorf("--numeric set but --user %q is not numeric", name)
		}
		return n, -1, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup user %q: %w", name, err)
	}
	uid, _ = strconv.Atoi(u.Uid)
	gid, _ = strconv.Atoi(u.Gid)
	return uid, gid, nil
}

func resolveGroup(name string, numeric bool) (int, error) {
	if numeric {
		n, err := strconv.Atoi(name)
		if err != nil {
			return 0, fmt.Errorf("--numeric set but --group %q is not numeric", name)
		}
		return n, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("lookup group %q: %w", name, err)
	}
	gid, _ := strconv.Atoi(g.Gid)
	return gid, nil
}
