package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/DEVIL0924/devil-cloud-advanced/pkg/client"
)

func TestPrintBotTable(t *testing.T) {
	var buf bytes.Buffer
	bots := []client.Bot{
		{ID: "a1", Owner: "alice", Name: "echo", Runtime: "python", State: "running", PID: 4242, RestartCount: 2, CreatedAt: time.Now()},
		{ID: "b2", Owner: "bob", Name: "cron", Runtime: "shell", State: "stopped", CreatedAt: time.Now()},
	}
	if err := printBotTable(&buf, bots); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("want header plus 2 rows, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "4242") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
	if f := strings.Fields(lines[2]); f[5] != "-" {
		t.Fatalf("stopped bot should show no pid, got %q", lines[2])
	}
}

func TestPrintEventTable(t *testing.T) {
	var buf bytes.Buffer
	err := printEventTable(&buf, []client.Event{{Type: "crash", State: "crashed", PID: 7, Message: "exit status 1", OccurredAt: time.Now()}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "exit status 1") {
		t.Fatalf("missing message:\n%s", buf.String())
	}
}
