package handlers

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	apperrors "github.com/3leaps/courtsync/internal/errors"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000

	tailChunk = 64 * 1024
)

// Logs serves the last lines of the configured log file as plain text.
// lines defaults to 100 and is capped at 1000.
func (a *API) Logs(w http.ResponseWriter, r *http.Request) {
	if a.LogFile == "" {
		respondWithError(w, r, apperrors.NewServiceUnavailable("log file is not configured"))
		return
	}

	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, r, apperrors.NewBadRequest("invalid lines"))
			return
		}
		lines = min(n, maxLogLines)
	}

	body, err := tailLines(a.LogFile, lines)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "read log file"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// tailLines returns the last n lines of the file at path, reading backwards
// in chunks so a large log is never loaded whole.
func tailLines(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var buf []byte
	for pos := info.Size(); pos > 0; {
		step := min(int64(tailChunk), pos)
		pos -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return nil, err
		}
		buf = append(chunk, buf...)
		// The final newline ends the last line; it does not start another.
		if bytes.Count(bytes.TrimSuffix(buf, []byte("\n")), []byte("\n")) >= n {
			break
		}
	}

	trimmed := bytes.TrimSuffix(buf, []byte("\n"))
	end := len(trimmed)
	for range n {
		i := bytes.LastIndexByte(trimmed[:end], '\n')
		if i < 0 {
			return buf, nil
		}
		end = i
	}
	return buf[end+1:], nil
}
