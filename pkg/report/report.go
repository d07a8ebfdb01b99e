// Package report archives finished run reports as JSON documents, either in
// a local directory or in an S3 bucket.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors for archive operations.
var (
	ErrAccessDenied   = errors.New("access denied")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrThrottled      = errors.New("request throttled")
	ErrUnavailable    = errors.New("archive unavailable")
)

// Archiver stores one encoded report under key and returns its location.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) (string, error)
}

// ArchiveError wraps archive failures with context.
type ArchiveError struct {
	Op     string
	Target string
	Key    string
	Err    error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("report %s: %s/%s: %v", e.Op, e.Target, e.Key, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// Key returns the archive key for a run: runs/YYYY/MM/DD/<run id>.json,
// dated by the run's start in UTC.
func Key(runID string, startedAt time.Time) string {
	return path.Join("runs", startedAt.UTC().Format("2006/01/02"), runID+".json")
}

// Encode renders v as indented JSON with a trailing newline.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// Save encodes v and archives it under Key(runID, startedAt).
func Save(ctx context.Context, a Archiver, runID string, startedAt time.Time, v any) (string, error) {
	body, err := Encode(v)
	if err != nil {
		return "", err
	}
	return a.Archive(ctx, Key(runID, startedAt), body)
}

// DirArchiver writes reports below a local directory.
type DirArchiver struct {
	dir string
}

// NewDirArchiver returns an archiver rooted at dir.
func NewDirArchiver(dir string) (*DirArchiver, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("report dir is required")
	}
	return &DirArchiver{dir: dir}, nil
}

// Archive writes body atomically (temp file plus rename).
func (d *DirArchiver) Archive(ctx context.Context, key string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target := filepath.Join(d.dir, filepath.FromSlash(key))
	wrap := func(op string, err error) error {
		return &ArchiveError{Op: op, Target: d.dir, Key: key, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", wrap("mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".report-*.tmp")
	if err != nil {
		return "", wrap("create", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return "", wrap("write", err)
	}
	if err := tmp.Close(); err != nil {
		return "", wrap("close", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", wrap("rename", err)
	}
	return target, nil
}
