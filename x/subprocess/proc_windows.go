//go:build windows

package subprocess

import (
	"errors"
	"os"
	"os/exec"
)

var errNoProcess = errors.New("subprocess: no such process")

func configureProcessGroup(_ *exec.Cmd) {}

// Windows has no POSIX process groups; fall back to killing the root process.
func signalGroup(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return errNoProcess
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return errNoProcess
		}
		return err
	}
	return nil
}

func groupAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, errNoProcess)
}
