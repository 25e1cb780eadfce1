package rangecursor

import (
	"sync"

	"github.com/eigerco/txkv/pkg/db"
)

// Pool keeps at most one idle cursor per store, bound to the read
// transaction generation it was opened on.
type Pool struct {
	mu     sync.Mutex
	cursor db.Cursor
	gen    uint64
	stale  uint64
	closed bool

	hits, misses uint64
}

// take returns the idle cursor when it belongs to generation gen. A cursor
// from an older generation is closed.
func (p *Pool) take(gen uint64) db.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cursor
	if c == nil {
		p.misses++
		return nil
	}
	p.cursor = nil
	if p.gen != gen {
		_ = c.Close()
		p.misses++
		return nil
	}
	p.hits++
	return c
}

// give parks c for reuse, or closes it if the slot is taken.
func (p *Pool) give(gen uint64, c db.Cursor) {
	p.mu.Lock()
	if p.closed || p.cursor != nil || gen <= p.stale {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.cursor, p.gen = c, gen
	p.mu.Unlock()
}

// Invalidate closes the idle cursor if it belongs to generation gen or an
// older one, and refuses such cursors from now on. It runs before the
// transaction behind gen is reset.
func (p *Pool) Invalidate(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen > p.stale {
		p.stale = gen
	}
	if p.cursor != nil && p.gen <= gen {
		_ = p.cursor.Close()
		p.cursor = nil
	}
}

// Hits and misses of take so far.
func (p *Pool) Stats() (hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cursor == nil {
		return nil
	}
	err := p.cursor.Close()
	p.cursor = nil
	return err
}
