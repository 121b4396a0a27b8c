//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// Detach starts cmd in a new session so it has no controlling terminal,
// leads its own process group and outlives its parent. Bots and the
// daemonized supervisor are both launched this way.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
