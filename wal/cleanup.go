package wal

import (
	"fmt"
	"os"
	"time"
)

// Config controls journal file naming and retention
type Config struct {
	FilePrefix    string
	RetentionDays int
}

// DefaultConfig returns the default journal settings
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "vahti",
		RetentionDays: 30,
	}
}

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes journal files older than the retention period.
// Files that still hold pending actions are kept.
func Cleanup(dir string, cfg Config) (CleanupStats, error) {
	var stats CleanupStats
	if cfg.RetentionDays <= 0 {
		return stats, nil
	}

	files, err := Files(dir, cfg.FilePrefix)
	if err != nil {
		return stats, err
	}

	keep, err := filesWithPending(files)
	if err != nil {
		return stats, err
	}

	cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) || keep[file] {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}

	return stats, nil
}

// filesWithPending returns the files holding the last entry of an
// unfinished action
func filesWithPending(files []string) (map[string]bool, error) {
	type last struct {
		file string
		typ  EntryType
	}
	actions := make(map[string]last)

	for _, file := range files {
		err := walkFile(file, func(e *Entry) error {
			if e.ActionID != "" {
				actions[e.ActionID] = last{file: file, typ: e.Type}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	keep := make(map[string]bool)
	for _, a := range actions {
		if !a.typ.Terminal() {
			keep[a.file] = true
		}
	}
	return keep, nil
}
