// Package dedup remembers which (group, user) pairs have already been
// processed in this session.
package dedup

import (
	"sync"

	"github.com/google/btree"
)

// DefaultCeiling is the size above which the oldest half is evicted
const DefaultCeiling = 1000

// Key identifies a (group, user) pair
type Key struct {
	GroupID string
	UserID  string
}

// NewKey builds a key
func NewKey(groupID, userID string) Key {
	return Key{GroupID: groupID, UserID: userID}
}

func (k Key) String() string {
	return k.GroupID + ":" + k.UserID
}

type entry struct {
	seq uint64
	key Key
}

// Cache is a bounded, insertion-ordered set of keys.
// When an insert pushes the size above the ceiling, the oldest half is
// evicted before the insert returns.
type Cache struct {
	mu      sync.Mutex
	ceiling int
	nextSeq uint64
	seqs    map[Key]uint64
	order   *btree.BTreeG[entry]
	prunes  int
	onPrune func(size int)
}

// New creates a cache. A ceiling <= 0 uses DefaultCeiling.
func New(ceiling int) *Cache {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Cache{
		ceiling: ceiling,
		seqs:    make(map[Key]uint64),
		order: btree.NewG[entry](32, func(a, b entry) bool {
			return a.seq < b.seq
		}),
	}
}

// Claim marks key as processed. It returns false when the key was already
// present, so exactly one of several concurrent callers wins.
func (c *Cache) Claim(key Key) bool {
	c.mu.Lock()
	if _, ok := c.seqs[key]; ok {
		c.mu.Unlock()
		return false
	}

	c.insert(key)
	pruned, size := c.pruneLocked()
	hook := c.onPrune
	c.mu.Unlock()

	if pruned && hook != nil {
		hook(size)
	}
	return true
}

// SetOnPrune installs a hook called after each eviction with the new size.
// It replaces any earlier hook and is safe while the cache is in use.
func (c *Cache) SetOnPrune(fn func(size int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPrune = fn
}

// Seen reports whether key is present
func (c *Cache) Seen(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seqs[key]
	return ok
}

// Forget removes key. It reports whether the key was present.
func (c *Cache) Forget(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, ok := c.seqs[key]
	if !ok {
		return false
	}
	delete(c.seqs, key)
	c.order.Delete(entry{seq: seq})
	return true
}

// Reset empties the cache
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = make(map[Key]uint64)
	c.order.Clear(false)
}

// Len returns the number of keys
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seqs)
}

// Prunes returns how many evictions have happened
func (c *Cache) Prunes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prunes
}

// Keys returns the keys oldest first
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Key, 0, c.order.Len())
	c.order.Ascend(func(e entry) bool {
		keys = append(keys, e.key)
		return true
	})
	return keys
}

func (c *Cache) insert(key Key) {
	c.nextSeq++
	c.seqs[key] = c.nextSeq
	c.order.ReplaceOrInsert(entry{seq: c.nextSeq, key: key})
}

func (c *Cache) pruneLocked() (bool, int) {
	if c.order.Len() <= c.ceiling {
		return false, c.order.Len()
	}

	evict := c.order.Len() / 2
	for i := 0; i < evict; i++ {
		oldest, ok := c.order.DeleteMin()
		if !ok {
			break
		}
		delete(c.seqs, oldest.key)
	}
	c.prunes++
	return true, c.order.Len()
}
