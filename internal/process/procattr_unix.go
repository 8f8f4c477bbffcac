//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so signals reach
// the whole tree. Pdeathsig is Linux-only, so orphaned children on other
// unixes are cleaned up by the group kill in Stop instead.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateProcessGroup asks the child's process group to shut down.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup forcibly kills the child's process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
