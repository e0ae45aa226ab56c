//go:build linux

package capture

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs the command in its own process group and has the
// kernel SIGKILL it if this process dies.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      0,
		Pdeathsig: syscall.SIGKILL,
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	return signalProcessGroup(pid, sig)
}
