package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/types"
)

// Bucket names in bbolt
var (
	bucketAudit      = []byte("audit")
	bucketAuditGroup = []byte("audit_group")
)

const dbFile = "vahti.db"

// AuditStore is an append-only audit log backed by bbolt.
// Keys are ULIDs, so cursor order is timestamp order.
type AuditStore struct {
	mu      sync.Mutex
	db      *bbolt.DB
	path    string
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewAuditStore opens (or creates) the audit database in dir
func NewAuditStore(dir string) (*AuditStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFile)
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketAudit, bucketAuditGroup} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	now := time.Now()
	return &AuditStore{
		db:      db,
		path:    dbPath,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		now:     time.Now,
	}, nil
}

// Close closes the database
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Append stores an entry, filling in ID, timestamp and actor when empty
func (s *AuditStore) Append(ctx context.Context, entry types.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = types.ActorSystem
	}

	id, err := ulid.New(ulid.Timestamp(entry.Timestamp), s.entropy)
	if err != nil {
		return fmt.Errorf("failed to generate audit id: %w", err)
	}
	if entry.ID == "" {
		entry.ID = id.String()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	key := id.Bytes()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketAudit).Put(key[:], data); err != nil {
			return err
		}
		return tx.Bucket(bucketAuditGroup).Put(groupKey(entry.GroupID, key[:]), key[:])
	})
	if err != nil {
		return fmt.Errorf("failed to store audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first
func (s *AuditStore) Query(ctx context.Context, filter types.AuditFilter) ([]types.AuditLogEntry, error) {
	var entries []types.AuditLogEntry

	collect := func(v []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		var entry types.AuditLogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return true, nil // skip malformed entries
		}
		if !filter.Matches(entry) {
			return true, nil
		}
		entries = append(entries, entry)
		return filter.Limit <= 0 || len(entries) < filter.Limit, nil
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		if filter.GroupID != "" {
			return scanGroup(tx, filter.GroupID, collect)
		}
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			more, err := collect(v)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return entries, nil
}

// scanGroup walks the group index backwards
func scanGroup(tx *bbolt.Tx, groupID string, collect func([]byte) (bool, error)) error {
	prefix := groupKey(groupID, nil)
	audit := tx.Bucket(bucketAudit)
	c := tx.Bucket(bucketAuditGroup).Cursor()

	// position on the last key with the prefix
	k, v := c.Seek(groupKey(groupID, bytes.Repeat([]byte{0xff}, 16)))
	if k == nil {
		k, v = c.Last()
	} else if !bytes.HasPrefix(k, prefix) {
		k, v = c.Prev()
	}

	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		data := audit.Get(v)
		if data == nil {
			continue
		}
		more, err := collect(data)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Clear deletes all audit history
func (s *AuditStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketAudit, bucketAuditGroup} {
			if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear audit log: %w", err)
	}
	return nil
}

// Stats returns the entry count and database size
func (s *AuditStore) Stats() (entries int, dbSizeBytes int64) {
	_ = s.db.View(func(tx *bbolt.Tx) error {
		entries = tx.Bucket(bucketAudit).Stats().KeyN
		dbSizeBytes = tx.Size()
		return nil
	})
	return entries, dbSizeBytes
}

func groupKey(groupID string, id []byte) []byte {
	key := make([]byte, 0, len(groupID)+1+len(id))
	key = append(key, groupID...)
	key = append(key, 0)
	return append(key, id...)
}

// Path returns the database file path
func (s *AuditStore) Path() string {
	return s.path
}
