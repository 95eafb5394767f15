package wal

import (
	"os"
	"time"
)

// Stats represents journal statistics for a directory
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	OldestFile     time.Time
	NewestFile     time.Time
	Entries        int64
	LastSequence   int64
	ByType         map[EntryType]int64
}

// GetStatsFromDir scans all journal files in dir
func GetStatsFromDir(dir string, cfg Config) (Stats, error) {
	stats := Stats{ByType: make(map[EntryType]int64)}

	files, err := Files(dir, cfg.FilePrefix)
	if err != nil {
		return stats, err
	}

	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()
		if stats.OldestFile.IsZero() || info.ModTime().Before(stats.OldestFile) {
			stats.OldestFile = info.ModTime()
		}
		if info.ModTime().After(stats.NewestFile) {
			stats.NewestFile = info.ModTime()
		}
	}

	err = walkFiles(dir, cfg.FilePrefix, func(e *Entry) error {
		stats.Entries++
		stats.ByType[e.Type]++
		if e.Sequence > stats.LastSequence {
			stats.LastSequence = e.Sequence
		}
		return nil
	})
	return stats, err
}
