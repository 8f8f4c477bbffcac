//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so signals reach
// the whole tree, and arranges for the kernel to SIGTERM the child if the
// broker dies unexpectedly.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
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
