//go:build windows

package exec

import (
	osexec "os/exec"
	"strconv"
	"syscall"
)

func setProcessGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killProcessTree takes down the child and all its descendants via taskkill,
// falling back to a plain kill of the direct child.
func killProcessTree(cmd *osexec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	kill := osexec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
