//go:build !windows && !linux

package capture

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	return signalProcessGroup(pid, sig)
}
