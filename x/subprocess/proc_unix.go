//go:build !windows

package subprocess

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signalGroup signals every process in the group. A negative pid addresses the
// whole group, which is why children are started with Setpgid.
func signalGroup(pgid int, force bool) error {
	if pgid <= 1 {
		return unix.ESRCH
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	return unix.Kill(-pgid, sig)
}

func groupAlive(pgid int) bool {
	if pgid <= 1 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
