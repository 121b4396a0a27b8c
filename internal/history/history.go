package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a bot lifecycle transition.
type EventType string

const (
	EventSubmit       EventType = "submit"
	EventStart        EventType = "start"
	EventStop         EventType = "stop"
	EventCrash        EventType = "crash"
	EventRestart      EventType = "restart"
	EventDelete       EventType = "delete"
	EventLaunchFailed EventType = "launch_failed"
)

// Level maps the event to the severity column of the event log.
func (t EventType) Level() string {
	switch t {
	case EventCrash:
		return "warning"
	case EventLaunchFailed:
		return "error"
	default:
		return "info"
	}
}

// Event is one lifecycle transition of a bot.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	RecordID     string    `json:"record_id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	PID          int       `json:"pid"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count"`
	Message      string    `json:"message,omitempty"`
}

// Sink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Dispatch delivers e to every sink. Failures are logged and never returned:
// history is best effort and must not fail a lifecycle operation.
func Dispatch(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil && log != nil {
			log.Warn("history sink failed",
				slog.String("event", string(e.Type)),
				slog.String("id", e.RecordID),
				slog.Any("error", err))
		}
	}
}
