//go:build !windows

package exec

import (
	osexec "os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so the whole
// tree can be signaled at once.
func setProcessGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree signals the child's entire process group with SIGKILL.
func killProcessTree(cmd *osexec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
