//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup has no graceful variant on Windows; both paths kill.
func signalGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	if !force {
		_ = cmd.Process.Signal(os.Interrupt)
		return
	}
	_ = cmd.Process.Kill()
}
