//go:build !windows

package process

import (
	"errors"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// signalGroup signals the session's process group and the leader itself.
// ESRCH means the target is already gone and is ignored.
func signalGroup(pid int, kill bool) error {
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	gerr := syscall.Kill(-pid, sig)
	perr := syscall.Kill(pid, sig)
	if errors.Is(gerr, syscall.ESRCH) {
		gerr = nil
	}
	if errors.Is(perr, syscall.ESRCH) {
		perr = nil
	}
	if gerr != nil && perr != nil {
		return perr
	}
	return nil
}

// killGroup sends SIGKILL to every member of the process group pgid.
func killGroup(pgid int) error {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// groupAlive reports whether a running (non-zombie) process is left in group pgid.
func groupAlive(pgid int) bool {
	if err := syscall.Kill(-pgid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	// kill(2) also reaches zombies nobody has reaped yet
	pids, err := gopsproc.Pids()
	if err != nil {
		return true
	}
	for _, p := range pids {
		if g, err := syscall.Getpgid(int(p)); err == nil && g == pgid && !isZombie(int(p)) {
			return true
		}
	}
	return false
}
