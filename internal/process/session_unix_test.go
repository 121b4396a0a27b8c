//go:build !windows

package process

import "golang.org/x/sys/unix"

func sessionID(pid int) (int, error) { return unix.Getsid(pid) }
