package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSQLSink_SendAndRecent(t *testing.T) {
	s, err := NewSQLSinkFromDSN("sqlite://" + filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Type: EventStart, OccurredAt: base, RecordID: "a", Owner: "alice", Name: "echo", PID: 10, State: "running"},
		{Type: EventCrash, OccurredAt: base.Add(time.Second), RecordID: "a", Owner: "alice", Name: "echo", State: "crashed", Message: "process exited"},
		{Type: EventRestart, OccurredAt: base.Add(2 * time.Second), RecordID: "a", Owner: "alice", Name: "echo", PID: 11, State: "running", RestartCount: 1},
		{Type: EventStart, OccurredAt: base, RecordID: "b", Owner: "bob", Name: "other", PID: 20, State: "running"},
	}
	for _, e := range events {
		if err := s.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	got, err := s.Recent(ctx, "a", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventRestart || got[0].RestartCount != 1 || got[0].PID != 11 {
		t.Fatalf("expected newest first, got %+v", got[0])
	}
	if got[1].Type != EventCrash || got[1].Message != "process exited" {
		t.Fatalf("unexpected second event %+v", got[1])
	}
	if !got[0].OccurredAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("timestamp not preserved: %v", got[0].OccurredAt)
	}
}

func TestNewSQLSinkFromDSN_Empty(t *testing.T) {
	if _, err := NewSQLSinkFromDSN("  "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPlaceholderRewrite(t *testing.T) {
	pg := &SQLSink{dialect: "postgres"}
	if got := pg.q("a=? AND b=? LIMIT ?"); got != "a=$1 AND b=$2 LIMIT $3" {
		t.Fatalf("unexpected rewrite %q", got)
	}
}

func TestEventLevel(t *testing.T) {
	cases := map[EventType]string{EventCrash: "warning", EventLaunchFailed: "error", EventStart: "info", EventDelete: "info"}
	for typ, want := range cases {
		if typ.Level() != want {
			t.Fatalf("%s: got %s want %s", typ, typ.Level(), want)
		}
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Send(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

type memSink struct{ got []Event }

func (m *memSink) Send(_ context.Context, e Event) error {
	m.got = append(m.got, e)
	return nil
}

func TestDispatch_LogsAndContinues(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	bad := &failingSink{}
	good := &memSink{}
	Dispatch(context.Background(), log, []Sink{bad, nil, good}, Event{Type: EventStop, RecordID: "x"})
	if bad.calls != 1 || len(good.got) != 1 {
		t.Fatalf("every sink should be called once")
	}
	if good.got[0].OccurredAt.IsZero() {
		t.Fatalf("dispatch should stamp the event time")
	}
	if !strings.Contains(buf.String(), "history sink failed") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}
