// Package readtxn shares one engine read transaction between readers and
// renews it after writes so old snapshots are not held longer than needed.
package readtxn

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eigerco/txkv/pkg/db"
)

var ErrClosed = errors.New("read transaction manager is closed")

// Txn wraps an engine read transaction with the bookkeeping that decides
// when it may be reset. All counters are guarded by the manager's lock.
type Txn struct {
	txn        db.ReadTxn
	generation uint64

	cursorCount         int
	renewingCursorCount int
	inUse               int

	// live holds the engine cursors of live iterators. They are closed by
	// whoever lets go of the transaction first: the iterator or a reset.
	live       map[db.Cursor]struct{}
	// onlyCursor marks a transaction detached from renewals; it is aborted
	// once its last user is gone.
	onlyCursor bool
}

func (t *Txn) Reader() db.Reader {
	return t.txn
}

// Generation identifies this renewal of the transaction. It changes on every
// renew, even when the engine reuses the same transaction id.
func (t *Txn) Generation() uint64 {
	return t.generation
}

type Stats struct {
	Renewals       uint64
	Resets         uint64
	DeferredAborts uint64
	LiveClosed     uint64 // live cursors closed by a reset
	RenewID        uint64
}

type Manager struct {
	mu     sync.Mutex
	engine db.Engine
	logger zerolog.Logger
	ttl    time.Duration
	timer  *time.Timer

	current *Txn
	idle    db.ReadTxn
	gen     uint64
	renewID uint64
	closed  bool
	stats   Stats

	onReset []func(gen uint64)
}

// New returns a manager over engine. With a positive ttl the shared
// transaction is reset that long after it was begun.
func New(engine db.Engine, ttl time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{engine: engine, ttl: ttl, logger: logger}
}

// Acquire returns the current read transaction, renewing it if needed, and
// pins it until Release.
func (m *Manager) Acquire() (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.renew()
	if err != nil {
		return nil, err
	}
	t.inUse++
	return t, nil
}

// OnReset registers fn to run, under the manager's lock, whenever the shared
// transaction of generation gen stops being current. fn must not call back
// into the manager.
func (m *Manager) OnReset(fn func(gen uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = append(m.onReset, fn)
}

func (m *Manager) Release(t *Txn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.inUse--
	m.maybeAbort(t)
}

// OpenCursor records cursor c bound to t. A snapshot cursor pins t until
// CloseCursor. A live cursor does not: the manager takes ownership of c and
// closes it when t is reset while no reader is using it. The live iterator
// then moves to the new transaction itself.
func (m *Manager) OpenCursor(t *Txn, c db.Cursor, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.cursorCount++
	if !live {
		return
	}
	t.renewingCursorCount++
	if t.live == nil {
		t.live = make(map[db.Cursor]struct{})
	}
	t.live[c] = struct{}{}
}

// CloseCursor undoes OpenCursor. A live cursor is closed here unless a reset
// already closed it; a snapshot cursor is closed or pooled by the caller
// before this call.
func (m *Manager) CloseCursor(t *Txn, c db.Cursor, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live {
		if _, ok := t.live[c]; !ok {
			return
		}
		delete(t.live, c)
		_ = c.Close()
		t.renewingCursorCount--
	}
	t.cursorCount--
	m.maybeAbort(t)
}

// Current reports whether t is still the shared transaction.
func (m *Manager) Current(t *Txn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == t && !t.onlyCursor
}

// RenewID increases every time the shared transaction is reset.
func (m *Manager) RenewID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewID
}

// Reset drops the shared transaction so the next Acquire sees the latest
// commit. Live cursors do not hold it back. A transaction still used by a
// reader or a snapshot cursor is detached instead and aborted when its last
// user lets go.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewID++
	t := m.current
	if t == nil {
		return
	}
	m.current = nil
	m.stopTimer()
	m.stats.Resets++
	for _, fn := range m.onReset {
		fn(t.generation)
	}

	if m.releasable(t) {
		m.closeLive(t)
		if err := t.txn.Reset(); err != nil {
			m.logger.Warn().Err(err).Msg("Read transaction reset failed")
			_ = t.txn.Abort()
			return
		}
		m.idle = t.txn
		return
	}
	t.onlyCursor = true
	m.logger.Debug().Int("cursors", t.cursorCount).
		Int("renewing", t.renewingCursorCount).Msg("Read transaction reset deferred")
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.RenewID = m.renewID
	return s
}

// Close aborts the idle and current transactions. Detached transactions are
// aborted as their users finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.stopTimer()
	var errs []error
	if m.idle != nil {
		errs = append(errs, m.idle.Abort())
		m.idle = nil
	}
	if t := m.current; t != nil {
		m.current = nil
		for _, fn := range m.onReset {
			fn(t.generation)
		}
		if m.releasable(t) {
			m.closeLive(t)
			errs = append(errs, t.txn.Abort())
		} else {
			t.onlyCursor = true
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) renew() (*Txn, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.current != nil {
		return m.current, nil
	}

	var txn db.ReadTxn
	if m.idle != nil {
		txn, m.idle = m.idle, nil
		if err := txn.Renew(); err != nil {
			_ = txn.Abort()
			txn = nil
		}
	}
	if txn == nil {
		var err error
		if txn, err = m.engine.BeginRead(); err != nil {
			return nil, err
		}
	}
	m.gen++
	m.stats.Renewals++
	m.current = &Txn{txn: txn, generation: m.gen}
	if m.ttl > 0 {
		m.timer = time.AfterFunc(m.ttl, m.Reset)
	}
	return m.current, nil
}

// releasable reports that only live cursors, if any, still refer to t. A live
// cursor is never in use while t.inUse is zero: iterators pin the transaction
// for every step.
func (m *Manager) releasable(t *Txn) bool {
	return t.inUse == 0 && t.cursorCount-t.renewingCursorCount == 0
}

func (m *Manager) closeLive(t *Txn) {
	for c := range t.live {
		_ = c.Close()
		m.stats.LiveClosed++
	}
	t.live = nil
	t.cursorCount -= t.renewingCursorCount
	t.renewingCursorCount = 0
}

func (m *Manager) maybeAbort(t *Txn) {
	if !t.onlyCursor || !m.releasable(t) {
		return
	}
	m.closeLive(t)
	t.onlyCursor = false
	m.stats.DeferredAborts++
	if err := t.txn.Abort(); err != nil {
		m.logger.Warn().Err(err).Msg("Detached read transaction abort failed")
	}
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
