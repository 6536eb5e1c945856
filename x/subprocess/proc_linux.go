//go:build linux

package subprocess

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the child in its own group and asks the kernel to
// SIGKILL it if the owning thread dies, so a killed worker leaves no orphan.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
