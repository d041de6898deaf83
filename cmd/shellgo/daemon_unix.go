package main

import (
	"os/exec"
	"syscall"
)

// setDetached starts cmd as its own session leader so it survives the
// parent terminal closing, the Go replacement for the original's
// fork+setsid daemonizing step.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
