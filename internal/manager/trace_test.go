//go:build !windows

package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLifecycleSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t, Options{})
	ctx := context.Background()
	id := f.submit(t, "alice", loopScript)
	require.NoError(t, f.m.Start(ctx, id))
	require.NoError(t, f.m.Stop(ctx, id))
	require.ErrorIs(t, f.m.Start(ctx, "missing"), ErrNotFound)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"bot.start", "bot.stop", "bot.start"}, names)

	last := rec.Ended()[2]
	require.Equal(t, codes.Error, last.Status().Code)
	require.Contains(t, last.Attributes(), attribute.String("bot.id", "missing"))
}
