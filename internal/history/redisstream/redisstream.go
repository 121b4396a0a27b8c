package redisstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/history"
)

const (
	DefaultStream = "devilcloud:bot_events"
	DefaultMaxLen = 100000
)

// Sink appends events to a Redis stream with XADD, trimming it to roughly MaxLen entries.
type Sink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewFromDSN accepts redis://[:pass@]host:6379/0?stream=name&maxlen=N (or rediss://).
// stream and maxlen are consumed here; the rest goes to redis.ParseURL.
func NewFromDSN(dsn string) (*Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	stream := q.Get("stream")
	maxLen := int64(DefaultMaxLen)
	if s := q.Get("maxlen"); s != "" {
		if maxLen, err = strconv.ParseInt(s, 10, 64); err != nil || maxLen < 0 {
			return nil, fmt.Errorf("invalid maxlen %q", s)
		}
	}
	q.Del("stream")
	q.Del("maxlen")
	u.RawQuery = q.Encode()
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return New(redis.NewClient(opts), stream, maxLen)
}

// New pings client and takes ownership of it.
func New(client *redis.Client, stream string, maxLen int64) (*Sink, error) {
	if strings.TrimSpace(stream) == "" {
		stream = DefaultStream
	}
	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("instrument redis client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &Sink{client: client, stream: stream, maxLen: maxLen}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":          string(e.Type),
			"level":         e.Type.Level(),
			"occurred_at":   e.OccurredAt.UTC().Format(time.RFC3339Nano),
			"record_id":     e.RecordID,
			"owner":         e.Owner,
			"name":          e.Name,
			"pid":           e.PID,
			"state":         e.State,
			"restart_count": e.RestartCount,
			"message":       e.Message,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append event to Redis: %w", err)
	}
	return nil
}

// Recent returns up to limit events for recordID, newest first. The stream is
// scanned from the end, so old events of quiet bots may have been trimmed.
func (s *Sink) Recent(ctx context.Context, recordID string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	const page = 500
	var out []history.Event
	end := "+"
	for len(out) < limit {
		msgs, err := s.client.XRevRangeN(ctx, s.stream, end, "-", page).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if e, ok := decode(m.Values); ok && e.RecordID == recordID {
				out = append(out, e)
				if len(out) == limit {
					break
				}
			}
		}
		if len(msgs) < page {
			break
		}
		end = "(" + msgs[len(msgs)-1].ID
	}
	return out, nil
}

func decode(v map[string]any) (history.Event, bool) {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	num := func(k string) int {
		n, _ := strconv.Atoi(str(k))
		return n
	}
	if str("type") == "" {
		return history.Event{}, false
	}
	at, _ := time.Parse(time.RFC3339Nano, str("occurred_at"))
	return history.Event{
		Type:         history.EventType(str("type")),
		OccurredAt:   at,
		RecordID:     str("record_id"),
		Owner:        str("owner"),
		Name:         str("name"),
		PID:          num("pid"),
		State:        str("state"),
		RestartCount: num("restart_count"),
		Message:      str("message"),
	}, true
}

func (s *Sink) Close() error { return s.client.Close() }
