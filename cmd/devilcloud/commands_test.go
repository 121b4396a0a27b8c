//go:build !windows

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/process"
	"github.com/DEVIL0924/devil-cloud-advanced/pkg/client"
)

// writeConfig creates an isolated config under a temp dir and returns its path.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	cfg := fmt.Sprintf(`data_dir = %q

[logs]
dir = %q

[control]
stop_grace = "200ms"
settle_delay = "10ms"

[metrics]
enabled = false

[log]
level = "error"
%s`, filepath.Join(dir, "data"), filepath.Join(dir, "logs"), extra)
	path := filepath.Join(dir, "devilcloud.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func execute(args ...string) (string, string, error) {
	root := buildRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func mustBot(t *testing.T, out string) client.Bot {
	t.Helper()
	var b client.Bot
	if err := json.Unmarshal([]byte(out), &b); err != nil {
		t.Fatalf("decode bot: %v\n%s", err, out)
	}
	return b
}

func TestHelp(t *testing.T) {
	out, _, err := execute("--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, sub := range []string{"serve", "submit", "logs", "reconcile"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help misses %q:\n%s", sub, out)
		}
	}
}

func TestLocalLifecycle(t *testing.T) {
	cfg, dir := writeConfig(t, "")
	script := filepath.Join(dir, "loop.sh")
	if err := os.WriteFile(script, []byte("#!/bin/bash\necho booted\nwhile true; do sleep 0.1; done\n"), 0o700); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute("--config", cfg, "submit", "--owner", "alice", "--file", script, "--name", "loop", "--start")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bot := mustBot(t, out)
	t.Cleanup(func() { _, _, _ = execute("--config", cfg, "stop", bot.ID) })
	if bot.State != "running" || bot.PID == 0 || bot.Runtime != "shell" {
		t.Fatalf("unexpected bot after submit --start: %+v", bot)
	}

	out, _, err = execute("--config", cfg, "list", "--owner", "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, bot.ID) || !strings.Contains(out, "running") {
		t.Fatalf("list misses the bot:\n%s", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		out, _, err = execute("--config", cfg, "logs", bot.ID, "--lines", "5")
		if err == nil && strings.Contains(out, "booted") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never showed output: err=%v out=%q", err, out)
		}
		time.Sleep(50 * time.Millisecond)
	}

	out, _, err = execute("--config", cfg, "restart", bot.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	restarted := mustBot(t, out)
	if restarted.PID == bot.PID || restarted.State != "running" {
		t.Fatalf("restart kept the old process: %+v", restarted)
	}
	if restarted.RestartCount != 0 {
		t.Fatalf("manual restart must not count: %d", restarted.RestartCount)
	}

	out, _, err = execute("--config", cfg, "stop", bot.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if b := mustBot(t, out); b.State != "stopped" || b.PID != 0 {
		t.Fatalf("unexpected bot after stop: %+v", b)
	}
	if process.Alive(restarted.PID, 0) {
		t.Fatalf("pid %d still alive after stop", restarted.PID)
	}

	if _, _, err := execute("--config", cfg, "delete", bot.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := execute("--config", cfg, "status", bot.ID); err == nil {
		t.Fatal("status of a deleted bot should fail")
	}
}

func TestLocalNoLogsYet(t *testing.T) {
	cfg, dir := writeConfig(t, "")
	script := filepath.Join(dir, "idle.sh")
	if err := os.WriteFile(script, []byte("#!/bin/bash\nsleep 30\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	out, _, err := execute("--config", cfg, "submit", "--owner", "bob", "--file", script)
	if err != nil {
		t.Fatal(err)
	}
	bot := mustBot(t, out)
	if bot.State != "stopped" {
		t.Fatalf("submit without --start must leave the bot stopped: %s", bot.State)
	}
	out, errOut, err := execute("--config", cfg, "logs", bot.ID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "" || !strings.Contains(errOut, "no logs yet") {
		t.Fatalf("want notice on stderr, got out=%q err=%q", out, errOut)
	}
}

func TestSubmitErrors(t *testing.T) {
	cfg, dir := writeConfig(t, "")
	exe := filepath.Join(dir, "bot.rb")
	if err := os.WriteFile(exe, []byte("puts 1\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing owner", []string{"submit", "--file", exe, "--runtime", "shell"}, "--owner is required"},
		{"unknown extension", []string{"submit", "--owner", "a", "--file", exe}, "pass --runtime"},
		{"unknown runtime", []string{"submit", "--owner", "a", "--file", exe, "--runtime", "ruby"}, "unknown runtime"},
		{"upload without daemon", []string{"submit", "--owner", "a", "--file", exe, "--upload"}, "--api-url"},
		{"missing file flag", []string{"submit", "--owner", "a"}, "file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := execute(append([]string{"--config", cfg}, tc.args...)...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLocalEvents(t *testing.T) {
	cfg, dir := writeConfig(t, "")
	script := filepath.Join(dir, "idle.sh")
	if err := os.WriteFile(script, []byte("#!/bin/bash\nsleep 30\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	out, _, err := execute("--config", cfg, "submit", "--owner", "carol", "--file", script)
	if err != nil {
		t.Fatal(err)
	}
	bot := mustBot(t, out)
	if _, _, err := execute("--config", cfg, "events", bot.ID); err == nil || !strings.Contains(err.Error(), "history is not configured") {
		t.Fatalf("events without history should fail clearly, got %v", err)
	}

	evDB := filepath.Join(t.TempDir(), "events.db")
	withHistory, _ := writeConfig(t, fmt.Sprintf("\n[history]\ndsn = %q\n", "sqlite://"+evDB))
	out, _, err = execute("--config", withHistory, "submit", "--owner", "carol", "--file", script, "--name", "second")
	if err != nil {
		t.Fatal(err)
	}
	second := mustBot(t, out)
	out, _, err = execute("--config", withHistory, "events", second.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "submit") {
		t.Fatalf("submit event missing:\n%s", out)
	}
}

func TestLocalReconcile(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	out, _, err := execute("--config", cfg, "reconcile")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	var res client.ReconcileResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if res.Checked != 0 || res.Dead != 0 {
		t.Fatalf("empty registry should check nothing: %+v", res)
	}
}
