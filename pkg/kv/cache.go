package kv

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entryCache holds decoded entries of one store by encoded key. Writes update
// it when they settle; reads fill it only if no commit happened while they
// were reading, so a read racing a commit cannot cache the older value.
type entryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, Entry]
	renewID func() uint64

	hits, misses atomic.Uint64
}

func newEntryCache(size int, renewID func() uint64) (*entryCache, error) {
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &entryCache{entries: entries, renewID: renewID}, nil
}

func (c *entryCache) get(key string) (Entry, bool) {
	e, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// fill caches e read under renewal id.
func (c *entryCache) fill(key string, e Entry, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renewID() != id {
		return
	}
	c.entries.Add(key, e)
}

func (c *entryCache) set(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, e)
}

func (c *entryCache) evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

func (c *entryCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

func (c *entryCache) stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
