package storage

import "github.com/yairfalse/vahti/providers"

// StorageStats provides operational metrics
type StorageStats interface {
	Stats() (entries int, dbSizeBytes int64)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete audit storage interface
type Storage interface {
	providers.AuditSink
	providers.AuditReader
	providers.AuditClearer
	StorageStats
	Lifecycle
}
