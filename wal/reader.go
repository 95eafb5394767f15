package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Reader reads entries from one journal file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a journal file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next returns the next entry or io.EOF
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Files lists journal files in dir, oldest first
func Files(dir, prefix string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}
	// names embed a sortable UTC timestamp
	sort.Strings(files)
	return files, nil
}

// Replay calls handler for every entry newer than since, oldest file first
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return walkFiles(dir, DefaultConfig().FilePrefix, func(e *Entry) error {
		if e.Timestamp.After(since) {
			return handler(e)
		}
		return nil
	})
}

func walkFiles(dir, prefix string, fn func(*Entry) error) error {
	files, err := Files(dir, prefix)
	if err != nil {
		return err
	}

	for _, file := range files {
		if err := walkFile(file, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkFile(path string, fn func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
