package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrCorrupt is returned by Load when the persisted registry cannot be parsed.
	ErrCorrupt = errors.New("registry corrupt")
	// ErrNotFound is returned when an id is absent from the registry.
	ErrNotFound = errors.New("process not found")
	// ErrInvalid marks a record or argument that fails validation.
	ErrInvalid = errors.New("invalid process record")
)

// Mutator receives the current full mapping and returns the mapping to persist.
// Returning an error aborts the update and nothing is written.
type Mutator func(map[string]Record) (map[string]Record, error)

// Store is the durable registry of process records. Implementations must run
// each Update as one atomic read-modify-write with respect to every other
// Update on the same underlying storage.
type Store interface {
	Load(ctx context.Context) (map[string]Record, error)
	Update(ctx context.Context, fn Mutator) error
	Close() error
}

// Open selects a store implementation based on dsn.
// Supported:
//   - postgres: "postgres://..." or "postgresql://..."
//   - sqlite:   "sqlite://<path>" (":memory:" allowed)
//   - json:     "file://<path>" or a bare file path
func Open(dsn string) (Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case d == "":
		return nil, errors.New("empty registry DSN")
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return NewSQLStore(DialectPostgres, d)
	case strings.HasPrefix(ld, "sqlite://"):
		return NewSQLStore(DialectSQLite, d[len("sqlite://"):])
	case strings.HasPrefix(ld, "file://"):
		return NewFileStore(d[len("file://"):])
	default:
		return NewFileStore(d)
	}
}

// LoadOrEmpty loads the registry and recovers from corruption by returning an
// empty mapping. Corruption means silent data loss, so it is logged at error level.
func LoadOrEmpty(ctx context.Context, st Store, log *slog.Logger) (map[string]Record, error) {
	recs, err := st.Load(ctx)
	if err == nil {
		return recs, nil
	}
	if errors.Is(err, ErrCorrupt) {
		if log == nil {
			log = slog.Default()
		}
		log.Error("registry is corrupt; continuing with an empty registry", slog.Any("error", err))
		return map[string]Record{}, nil
	}
	return nil, err
}

// Get returns a snapshot of a single record. A corrupt registry reads as empty.
func Get(ctx context.Context, st Store, id string) (Record, error) {
	recs, err := LoadOrEmpty(ctx, st, nil)
	if err != nil {
		return Record{}, err
	}
	r, ok := recs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Modify applies fn to a single record inside an atomic update. fn sees the
// latest persisted version of the record.
func Modify(ctx context.Context, st Store, id string, fn func(*Record) error) (Record, error) {
	var out Record
	err := st.Update(ctx, func(m map[string]Record) (map[string]Record, error) {
		r, ok := m[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := fn(&r); err != nil {
			return nil, err
		}
		m[id] = r
		out = r
		return m, nil
	})
	if err != nil {
		return Record{}, err
	}
	out.normalize(id)
	return out, nil
}
