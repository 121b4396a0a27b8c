package logger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoLogs is returned by Tail when the log file has not been created yet.
// Callers treat it as an empty result rather than a failure.
var ErrNoLogs = errors.New("no logs")

// DefaultTailLines is used when Tail is asked for a non-positive line count.
const DefaultTailLines = 100

const tailChunk = 8 * 1024

// Banner messages written by the supervisor ahead of a launch.
const (
	BannerStarted   = "bot started"
	BannerRestarted = "bot auto-restarted"
)

// OpenForAppend opens path for appending, creating parent directories as needed.
// If the existing file is over the rotation size it is rotated first. The
// returned file is meant to be handed to a child process as stdout/stderr.
func OpenForAppend(path string, rot FileConfig) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	limit := int64(valOr(rot.MaxSizeMB, DefaultMaxSizeMB)) * 1024 * 1024
	if st, err := os.Stat(path); err == nil && st.Size() >= limit {
		l := rot.rotator(path)
		if err := l.Rotate(); err != nil {
			return nil, fmt.Errorf("rotate log: %w", err)
		}
		_ = l.Close()
	}
	// #nosec G304 -- log path is derived from the configured log dir and record id
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// WriteBanner appends a timestamped supervisor line.
func WriteBanner(w io.Writer, msg string, now time.Time) error {
	_, err := fmt.Fprintf(w, "[%s] %s\n", now.Format("2006-01-02 15:04:05"), msg)
	return err
}

// Tail returns at most the last maxLines lines of path in file order.
// The file is read backwards in chunks so large logs are not loaded whole.
func Tail(path string, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		maxLines = DefaultTailLines
	}
	// #nosec G304 -- see OpenForAppend
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoLogs
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}

	var buf []byte
	off := st.Size()
	for off > 0 {
		n := int64(tailChunk)
		if n > off {
			n = off
		}
		off -= n
		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read log: %w", err)
		}
		buf = append(chunk, buf...)
		if bytes.Count(buf, []byte{'\n'}) > maxLines {
			break
		}
	}

	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines, nil
}

// Remove deletes the log file and any rotated backups. Missing files are ignored.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove log: %w", err)
	}
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(filepath.Base(path), ext)
	backups, _ := filepath.Glob(filepath.Join(filepath.Dir(path), prefix+"-*"+ext+"*"))
	var errs []error
	for _, b := range backups {
		if err := os.Remove(b); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
