package process

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

func requireBash(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "bot.sh")
	if err := os.WriteFile(p, []byte(body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func openLog(t *testing.T, dir string) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, "bot.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return f
}

func waitForLog(t *testing.T, path, want string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		b, _ := os.ReadFile(path)
		if strings.Contains(string(b), want) {
			return string(b)
		}
		if time.Now().After(deadline) {
			t.Fatalf("log %s never contained %q, got %q", path, want, b)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func launch(t *testing.T, dir, body string) *Handle {
	t.Helper()
	exe := writeScript(t, dir, body)
	lf := openLog(t, dir)
	defer func() { _ = lf.Close() }()
	h, err := NewLauncher(nil, nil).Launch(Spec{Runtime: registry.RuntimeShell, Executable: exe, Log: lf})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { _ = Terminate(h.PID, h.StartMS, 100*time.Millisecond) })
	return h
}

func TestLaunch_OutputStdinAndWorkdir(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	h := launch(t, dir, "echo out; echo err 1>&2; read x; echo read=$?; echo cwd=$(pwd -P); sleep 30\n")
	if h.PID <= 0 {
		t.Fatalf("expected pid")
	}
	if !Alive(h.PID, h.StartMS) {
		t.Fatalf("expected process alive")
	}
	logText := waitForLog(t, filepath.Join(dir, "bot.log"), "cwd=")
	if !strings.Contains(logText, "out\n") || !strings.Contains(logText, "err\n") {
		t.Fatalf("stdout and stderr should share the log: %q", logText)
	}
	if !strings.Contains(logText, "read=1") {
		t.Fatalf("stdin should be at EOF: %q", logText)
	}
	real, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(logText, "cwd="+real) {
		t.Fatalf("expected working dir %s in %q", real, logText)
	}
}

func TestLaunch_ChildLeadsOwnSession(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	h := launch(t, dir, "sleep 30\n")
	sid, err := sessionID(h.PID)
	if err != nil {
		t.Skipf("session id unavailable: %v", err)
	}
	if sid != h.PID {
		t.Fatalf("expected child to lead its session, sid=%d pid=%d", sid, h.PID)
	}
}

func TestDetach_PlainCommand(t *testing.T) {
	requireBash(t)
	cmd := exec.Command("sleep", "30")
	Detach(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	sid, err := sessionID(cmd.Process.Pid)
	if err != nil {
		t.Skipf("session id unavailable: %v", err)
	}
	if sid != cmd.Process.Pid {
		t.Fatalf("detached command should lead its session, sid=%d pid=%d", sid, cmd.Process.Pid)
	}
}

func TestLaunch_ExitedChildIsReaped(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	h := launch(t, dir, "exit 3\n")
	select {
	case <-h.Exited:
	case <-time.After(5 * time.Second):
		t.Fatalf("child was not reaped")
	}
	var ee *exec.ExitError
	if !errors.As(h.ExitErr(), &ee) || ee.ExitCode() != 3 {
		t.Fatalf("expected exit status 3, got %v", h.ExitErr())
	}
	if Alive(h.PID, h.StartMS) {
		t.Fatalf("reaped child must not be alive")
	}
}

func TestLaunch_Failures(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	exe := writeScript(t, dir, "true\n")
	cases := []struct {
		name string
		l    *Launcher
		spec Spec
	}{
		{"missing executable", NewLauncher(nil, nil), Spec{Runtime: registry.RuntimeShell, Executable: filepath.Join(dir, "nope.sh")}},
		{"directory", NewLauncher(nil, nil), Spec{Runtime: registry.RuntimeShell, Executable: dir}},
		{"unknown runtime", NewLauncher(nil, nil), Spec{Runtime: "cobol", Executable: exe}},
		{"missing interpreter", NewLauncher(Interpreters{registry.RuntimeShell: "definitely-not-an-interpreter"}, nil), Spec{Runtime: registry.RuntimeShell, Executable: exe}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.l.Launch(tc.spec)
			if !errors.Is(err, ErrLaunchFailed) {
				t.Fatalf("expected ErrLaunchFailed, got %v", err)
			}
		})
	}
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	h := launch(t, dir, "trap '' TERM; echo ready; while true; do sleep 1; done\n")
	waitForLog(t, filepath.Join(dir, "bot.log"), "ready")
	start := time.Now()
	if err := Terminate(h.PID, h.StartMS, 300*time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Fatalf("expected to wait out the grace period")
	}
	if Alive(h.PID, h.StartMS) {
		t.Fatalf("process survived kill")
	}
	// terminating again is a no-op
	if err := Terminate(h.PID, h.StartMS, 100*time.Millisecond); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

// groupChild backgrounds a member of the bot's process group that ignores
// SIGTERM and records its PID in child.pid next to the script.
const groupChild = `bash -c 'trap "" TERM; echo $$ > child.pid; exec sleep 300' &
`

func readChildPID(t *testing.T, dir string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		b, _ := os.ReadFile(filepath.Join(dir, "child.pid"))
		if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid > 0 {
			return pid
		}
		if time.Now().After(deadline) {
			t.Fatalf("child never reported its pid")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTerminate_KillsGroupMembersIgnoringTerm(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	h := launch(t, dir, groupChild+"echo ready\nwhile true; do sleep 1; done\n")
	waitForLog(t, filepath.Join(dir, "bot.log"), "ready")
	child := readChildPID(t, dir)

	start := time.Now()
	if err := Terminate(h.PID, h.StartMS, 300*time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Fatalf("returned before the grace period although a group member ignored TERM")
	}
	if Alive(h.PID, h.StartMS) {
		t.Fatalf("leader survived")
	}
	if Alive(child, 0) {
		t.Fatalf("group member %d survived terminate", child)
	}
}

func TestTerminate_SweepsGroupOfExitedLeader(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	h := launch(t, dir, groupChild+"exit 0\n")
	child := readChildPID(t, dir)
	deadline := time.Now().Add(5 * time.Second)
	for Alive(h.PID, h.StartMS) {
		if time.Now().After(deadline) {
			t.Fatalf("leader did not exit")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !Alive(child, 0) {
		t.Fatalf("group member should outlive its leader")
	}

	if err := Terminate(h.PID, h.StartMS, 100*time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if Alive(child, 0) {
		t.Fatalf("group member %d survived its leader's terminate", child)
	}
}

func TestAlive(t *testing.T) {
	self := os.Getpid()
	if !Alive(self, 0) {
		t.Fatalf("own process should be alive")
	}
	if ms := procStartMS(self); ms > 0 {
		if !Alive(self, ms) {
			t.Fatalf("matching start time should be alive")
		}
		if Alive(self, ms-60_000) {
			t.Fatalf("mismatched start time should be treated as a different process")
		}
	}
	if Alive(0, 0) || Alive(-1, 0) {
		t.Fatalf("non-positive pids are never alive")
	}
}

func TestSample(t *testing.T) {
	s, err := Sample(os.Getpid())
	if err != nil {
		t.Skipf("sampling unsupported: %v", err)
	}
	if s.MemoryBytes == 0 {
		t.Fatalf("expected resident memory for own process")
	}
}

func TestInterpreters(t *testing.T) {
	it := DefaultInterpreters().With(map[string]string{"python": "python3.12", "bash": " ", "cobol": "x"})
	bin, args, err := it.Command(registry.RuntimePython, "/srv/bot.py")
	if err != nil || bin != "python3.12" || len(args) != 1 || args[0] != "/srv/bot.py" {
		t.Fatalf("unexpected command %s %v %v", bin, args, err)
	}
	if bin, _, _ := it.Command(registry.RuntimeShell, "x"); bin != "bash" {
		t.Fatalf("blank override must be ignored, got %s", bin)
	}
	if _, ok := it["cobol"]; ok {
		t.Fatalf("unknown runtimes must not be added")
	}
	if DefaultInterpreters()[registry.RuntimePython] != "python3" {
		t.Fatalf("With must not mutate the receiver")
	}
}
