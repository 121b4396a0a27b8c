package factory

import (
	"path/filepath"
	"testing"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/history"
)

func TestNewSinkFromDSN(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		dsn         string
		expectError bool
		expectSQL   bool
	}{
		{"empty", "", true, false},
		{"unsupported scheme", "invalid://test", true, false},
		{"clickhouse unreachable", "clickhouse://127.0.0.1:1/default?dial_timeout=200ms", true, false},
		{"redis unreachable", "redis://127.0.0.1:1/0?dial_timeout=200ms", true, false},
		{"sqlite file", "sqlite://" + filepath.Join(dir, "events.db"), false, true},
		{"sqlite memory", "sqlite://:memory:", false, true},
		{"bare path", filepath.Join(dir, "bare.db"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for DSN %q", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if _, ok := sink.(*history.SQLSink); ok != tt.expectSQL {
				t.Fatalf("unexpected sink type %T", sink)
			}
			if c, ok := sink.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		})
	}
}
