package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// advisoryKey identifies the registry lock taken by postgres updates.
const advisoryKey = 0x626f7473 // "bots"

// SQLStore keeps one row per record with the record body as JSON.
// SQLite (modernc.org/sqlite, CGO-free) and Postgres (pgx stdlib) are supported.
// Update runs inside a transaction; Postgres additionally takes a transaction
// scoped advisory lock so concurrent supervisors sharing the database serialize.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

// NewSQLStore opens the database and ensures the schema.
func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty sql registry DSN")
	}
	var drv string
	switch dialect {
	case DialectSQLite:
		drv = "sqlite"
	case DialectPostgres:
		drv = "pgx"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	db, err := sql.Open(drv, d)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// a single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		_, _ = db.Exec("PRAGMA busy_timeout=5000;")
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_records(
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_process_records_owner ON process_records(owner);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) loadFrom(ctx context.Context, q queryer) (map[string]Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, body FROM process_records;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]Record)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, id, err)
		}
		out[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return normalizeAll(out), nil
}

// storedIDs maps every row id to a zero record, for diffing against a
// registry whose bodies could not be parsed.
func (s *SQLStore) storedIDs(ctx context.Context, q queryer) (map[string]Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM process_records;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]Record)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = Record{}
	}
	return out, rows.Err()
}

func (s *SQLStore) Load(ctx context.Context) (map[string]Record, error) {
	return s.loadFrom(ctx, s.db)
}

func (s *SQLStore) Update(ctx context.Context, fn Mutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1);`, advisoryKey); err != nil {
			return fmt.Errorf("lock registry: %w", err)
		}
	}
	cur, err := s.loadFrom(ctx, tx)
	var before map[string]Record
	switch {
	case errors.Is(err, ErrCorrupt):
		slog.Error("registry is corrupt; rewriting from an empty registry", slog.Any("error", err))
		cur = map[string]Record{}
		// every stored row counts as existing so unparseable ones are deleted
		if before, err = s.storedIDs(ctx, tx); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		before = cloneAll(cur)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	next = normalizeAll(next)

	now := time.Now().UTC()
	for id := range before {
		if _, ok := next[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM process_records WHERE id=?;`), id); err != nil {
			return err
		}
	}
	for id, r := range next {
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if old, ok := before[id]; ok {
			ob, _ := json.Marshal(old)
			if string(ob) == string(body) {
				continue
			}
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO process_records(id, owner, body, updated_at)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner=excluded.owner,
				body=excluded.body,
				updated_at=excluded.updated_at;`),
			id, r.Owner, string(body), now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error { return s.db.Close() }
