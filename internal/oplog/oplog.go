// Package oplog implements the apply engine's write-ahead operation log: an
// append-only, newline-delimited JSON file co-located with a staging
// directory.
//
// The first record is always a header carrying the plan fingerprint captured
// when the staging directory was created. Every later record describes one
// attempt of one step. Records are never rewritten; each append is flushed to
// stable storage before it returns, so a completed record survives a crash
// that happens immediately afterwards.
package oplog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pmclSF/monotize/internal/fsops"
	"github.com/pmclSF/monotize/internal/hash"
)

// StepID identifies a log record.
type StepID string

const (
	StepHeader       StepID = "header"
	StepScaffold     StepID = "scaffold"
	StepMovePackages StepID = "move-packages"
	StepWriteRoot    StepID = "write-root"
	StepWriteExtras  StepID = "write-extras"
	StepInstall      StepID = "install"
)

// Status is the outcome of a step attempt.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrCorrupt indicates the log cannot be trusted for resumption.
var ErrCorrupt = errors.New("operation log is corrupt")

// Entry is one log record.
type Entry struct {
	ID         StepID    `json:"id"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs *int64    `json:"durationMs,omitempty"`
	Outputs    []string  `json:"outputs,omitempty"`
	Error      string    `json:"error,omitempty"`
	PlanHash   string    `json:"planHash,omitempty"`
}

// NewHeader returns the header record for a fresh log.
func NewHeader(fingerprint string, at time.Time) Entry {
	return Entry{
		ID:        StepHeader,
		Status:    StatusCompleted,
		Timestamp: at.UTC(),
		PlanHash:  fingerprint,
	}
}

// NewCompleted returns a success record for a step attempt.
func NewCompleted(id StepID, at time.Time, d time.Duration, outputs []string) Entry {
	ms := d.Milliseconds()
	if outputs == nil {
		outputs = []string{}
	}
	return Entry{
		ID:         id,
		Status:     StatusCompleted,
		Timestamp:  at.UTC(),
		DurationMs: &ms,
		Outputs:    outputs,
	}
}

// NewFailed returns a failure record for a step attempt.
func NewFailed(id StepID, at time.Time, d time.Duration, err error) Entry {
	ms := d.Milliseconds()
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Entry{
		ID:         id,
		Status:     StatusFailed,
		Timestamp:  at.UTC(),
		DurationMs: &ms,
		Error:      msg,
	}
}

// Duration returns the recorded step duration.
func (e Entry) Duration() time.Duration {
	if e.DurationMs == nil {
		return 0
	}
	return time.Duration(*e.DurationMs) * time.Millisecond
}

// Writer appends records to an existing log.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Create creates the log at path and writes its header. It fails if the file
// already exists.
func Create(path, fingerprint string, at time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create operation log: %w", err)
	}
	w := &Writer{path: path, f: f}
	if err := w.Append(NewHeader(fingerprint, at)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return fsops.SyncDir(filepath.Dir(path))
}

// Open opens an existing log for appending.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	return &Writer{path: path, f: f}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one record as a single line and syncs it to disk.
func (w *Writer) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("append to %s: log is closed", w.path)
	}
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("append to operation log: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync operation log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Append appends a single record to the log at path.
func Append(path string, e Entry) error {
	w, err := Open(path)
	if err != nil {
		return err
	}
	if err := w.Append(e); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Read returns the records in file order. A missing file reads as an empty
// log; a malformed line is reported as ErrCorrupt.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	r := bufio.NewReader(f)
	var entries []Entry
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, path, lineNo+1, err)
		}
		if len(line) > 0 {
			lineNo++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				var e Entry
				if err := json.Unmarshal(trimmed, &e); err != nil {
					return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, path, lineNo, err)
				}
				entries = append(entries, e)
			}
		}
		if err != nil {
			return entries, nil
		}
	}
}

// Header returns the header record, which must be the first entry and carry
// a well-formed fingerprint.
func Header(entries []Entry) (Entry, error) {
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	h := entries[0]
	if h.ID != StepHeader {
		return Entry{}, fmt.Errorf("%w: first record is %q, want %q", ErrCorrupt, h.ID, StepHeader)
	}
	if err := hash.Validate(h.PlanHash); err != nil {
		return Entry{}, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	return h, nil
}

// IsStepCompleted reports whether any completed record exists for id.
// A failed record after a completed one does not undo the completion.
func IsStepCompleted(entries []Entry, id StepID) bool {
	for _, e := range entries {
		if e.ID == id && e.Status == StatusCompleted {
			return true
		}
	}
	return false
}

// Latest returns the most relevant record for id: the last completed record
// if there is one, otherwise the last failed attempt.
func Latest(entries []Entry, id StepID) (Entry, bool) {
	var (
		found  Entry
		ok     bool
		doneAt = -1
	)
	for i, e := range entries {
		if e.ID != id {
			continue
		}
		if e.Status == StatusCompleted {
			found, ok, doneAt = e, true, i
			continue
		}
		if doneAt < 0 {
			found, ok = e, true
		}
	}
	return found, ok
}

// Completed returns the distinct step ids with a completed record, in the
// order they first completed. The header is excluded.
func Completed(entries []Entry) []StepID {
	seen := make(map[StepID]bool)
	var out []StepID
	for _, e := range entries {
		if e.ID == StepHeader || e.Status != StatusCompleted || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e.ID)
	}
	return out
}
