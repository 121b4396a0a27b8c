package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the whole registry in one JSON document keyed by process id.
// Every update rewrites the full snapshot to a temporary file and renames it
// into place, so a crash mid-write leaves the previous version intact.
//
// Updates are serialized by an in-process mutex and an advisory lock on
// "<path>.lock", which also covers other processes on the same host that open
// the registry through this type. A writer that bypasses the lock can still
// lose updates (last writer wins).
type FileStore struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewFileStore creates the parent directory if needed. The file itself is
// created on the first update.
func NewFileStore(path string) (*FileStore, error) {
	clean := filepath.Clean(path)
	if clean == "." || clean == "" {
		return nil, errors.New("empty registry path")
	}
	if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileStore{path: clean, lockPath: clean + ".lock"}, nil
}

// Path returns the registry file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (map[string]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.lockPath, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.read()
}

func (s *FileStore) Update(ctx context.Context, fn Mutator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.lockPath, true)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := s.read()
	if errors.Is(err, ErrCorrupt) {
		slog.Error("registry is corrupt; rewriting from an empty registry",
			slog.String("path", s.path), slog.Any("error", err))
		cur = map[string]Record{}
	} else if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return s.write(normalizeAll(next))
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (map[string]Record, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]Record{}, nil
	}
	recs := make(map[string]Record)
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return normalizeAll(recs), nil
}

func (s *FileStore) write(recs map[string]Record) error {
	b, err := json.MarshalIndent(recs, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	committed = true
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk; best-effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
