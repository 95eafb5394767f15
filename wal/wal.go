// Package wal is the append-only action journal. Every executor run writes
// its steps here before and after touching the platform, so an interrupted
// ban leaves a trail.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryDecided   EntryType = "decided"
	EntryExecuting EntryType = "executing"
	EntryExecuted  EntryType = "executed"
	EntryFailed    EntryType = "failed"
	EntrySkipped   EntryType = "skipped"
)

// Terminal reports whether no further entries follow for the action
func (t EntryType) Terminal() bool {
	return t == EntryExecuted || t == EntryFailed || t == EntrySkipped
}

// Entry is a single journal line
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	ActionID  string          `json:"action_id"`
	Subject   string          `json:"subject,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// WAL writes journal entries to a JSONL file
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	prefix   string
	path     string
}

// Open creates a new journal file in dir using the default prefix
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates a new journal file in dir.
// Sequence numbers continue from the highest one already on disk.
func OpenWithConfig(dir string, cfg Config) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.wal", cfg.FilePrefix, time.Now().UTC().Format("20060102-150405.000000"))
	path := filepath.Join(dir, filename)

	last, err := lastSequence(dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		sequence: last,
		dir:      dir,
		prefix:   cfg.FilePrefix,
		path:     path,
	}, nil
}

// Path returns the current journal file
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry
func (w *WAL) Append(entryType EntryType, actionID, subject string, data any) error {
	return w.append(entryType, actionID, subject, data, nil)
}

// AppendError adds an entry carrying an error
func (w *WAL) AppendError(entryType EntryType, actionID, subject string, data any, errToLog error) error {
	return w.append(entryType, actionID, subject, data, errToLog)
}

func (w *WAL) append(entryType EntryType, actionID, subject string, data any, errToLog error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		ActionID:  actionID,
		Subject:   subject,
		Data:      raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	return w.writeEntry(entry)
}

// writeEntry writes and syncs a single entry
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := w.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return w.file.Sync()
}

// lastSequence returns the highest sequence in existing journal files
func lastSequence(dir, prefix string) (int64, error) {
	var last int64
	err := walkFiles(dir, prefix, func(e *Entry) error {
		if e.Sequence > last {
			last = e.Sequence
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load sequence: %w", err)
	}
	return last, nil
}
