package redisstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/history"
)

func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Skipf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Skipf("container port: %v", err)
	}
	return fmt.Sprintf("redis://%s:%s/0?stream=events_test&maxlen=1000", host, port.Port())
}

func TestSink_Integration(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFromDSN(startRedis(ctx, t))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC().Truncate(time.Millisecond)
	seq := []history.EventType{history.EventSubmit, history.EventStart, history.EventCrash, history.EventRestart}
	for i, typ := range seq {
		require.NoError(t, sink.Send(ctx, history.Event{
			Type: typ, OccurredAt: now.Add(time.Duration(i) * time.Second),
			RecordID: "bot-1", Owner: "alice", Name: "echo", PID: 100 + i, State: "running", RestartCount: i,
		}))
		require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now, RecordID: "bot-2"}))
	}

	evs, err := sink.Recent(ctx, "bot-1", 3)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, history.EventRestart, evs[0].Type)
	require.Equal(t, history.EventCrash, evs[1].Type)
	require.Equal(t, history.EventStart, evs[2].Type)
	require.Equal(t, 103, evs[0].PID)
	require.Equal(t, 3, evs[0].RestartCount)
	require.True(t, evs[0].OccurredAt.Equal(now.Add(3*time.Second)))

	none, err := sink.Recent(ctx, "missing", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestNewFromDSN_Errors(t *testing.T) {
	_, err := NewFromDSN("redis://127.0.0.1:1/0?maxlen=abc")
	require.ErrorContains(t, err, "maxlen")

	_, err = NewFromDSN("redis://127.0.0.1:1/0?dial_timeout=200ms")
	require.Error(t, err)

	_, err = NewFromDSN("http://127.0.0.1:6379")
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	e, ok := decode(map[string]any{"type": "crash", "record_id": "x", "pid": "42", "restart_count": "2", "occurred_at": "2025-01-01T00:00:00Z"})
	require.True(t, ok)
	require.Equal(t, history.EventCrash, e.Type)
	require.Equal(t, 42, e.PID)
	require.Equal(t, 2, e.RestartCount)
	require.Equal(t, 2025, e.OccurredAt.Year())

	_, ok = decode(map[string]any{"record_id": "x"})
	require.False(t, ok)
}
