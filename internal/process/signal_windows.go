//go:build windows

package process

import "os"

// signalGroup terminates the process; Windows has no SIGTERM so both
// phases end the process outright.
func signalGroup(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// Bots are not grouped on Windows; the leader is the whole bot.
func killGroup(int) error { return nil }

func groupAlive(int) bool { return false }
