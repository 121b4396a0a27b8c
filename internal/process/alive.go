package process

import (
	"errors"
	"fmt"
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// startSkewMS tolerates rounding between two reads of the same create time.
const startSkewMS = 1000

const pollInterval = 50 * time.Millisecond

// Alive reports whether pid names a live, non-zombie process. When startMS is
// non-zero the process must also have been created at that time, so a
// recycled PID is reported dead.
func Alive(pid int, startMS int64) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	if isZombie(pid) {
		return false
	}
	if startMS > 0 {
		cur := procStartMS(pid)
		if cur > 0 && (cur-startMS > startSkewMS || startMS-cur > startSkewMS) {
			return false
		}
	}
	return true
}

func isZombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}

// Terminate asks the process and its process group to exit, waits up to grace
// for every member, then kills whatever is left of the group. When the leader
// is already gone its group is still swept, unless the PID now belongs to an
// unrelated process.
func Terminate(pid int, startMS int64, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if !Alive(pid, startMS) {
		if !leaderReleased(pid) {
			return nil
		}
		if err := killGroup(pid); err != nil {
			return fmt.Errorf("kill group %d: %w", pid, err)
		}
		waitGone(pid, startMS, time.Second)
		return nil
	}
	if err := signalGroup(pid, false); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	if waitGone(pid, startMS, grace) {
		return nil
	}
	if err := signalGroup(pid, true); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	if !waitGone(pid, startMS, time.Second) {
		return errors.New("process group still alive after kill")
	}
	return nil
}

// leaderReleased reports whether pid no longer names a running process. The
// kernel does not hand out a PID while it is still in use as a process group
// id, so a surviving group with that id can only be the bot's.
func leaderReleased(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return true
	}
	return isZombie(pid)
}

// waitGone waits for the leader and every other member of its group to exit.
func waitGone(pid int, startMS int64, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !Alive(pid, startMS) && !groupAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// Stats is a point-in-time resource sample.
type Stats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// Sample reads CPU and resident memory for pid.
func Sample(pid int) (Stats, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return Stats{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Stats{}, err
	}
	return Stats{CPUPercent: cpu, MemoryBytes: mem.RSS}, nil
}
