package dbtest

import (
	"sync"
	"sync/atomic"

	"github.com/eigerco/txkv/pkg/db"
)

// Tracking wraps an engine and records write transaction overlap. Violations
// counts every BeginWrite that happened while another write was open.
type Tracking struct {
	db.Engine

	open       atomic.Int32
	Violations atomic.Int32
	Commits    atomic.Int32

	mu  sync.Mutex
	ids []uint64
	// FailCommits makes every Commit fail with the given error after aborting.
	FailCommits atomic.Pointer[error]
}

func NewTracking(e db.Engine) *Tracking {
	return &Tracking{Engine: e}
}

func (t *Tracking) BeginWrite() (db.WriteTxn, error) {
	if t.open.Add(1) > 1 {
		t.Violations.Add(1)
	}
	w, err := t.Engine.BeginWrite()
	if err != nil {
		t.open.Add(-1)
		return nil, err
	}
	t.mu.Lock()
	t.ids = append(t.ids, w.ID())
	t.mu.Unlock()
	return &trackedTxn{WriteTxn: w, owner: t}, nil
}

// WriteIDs returns the ids of every write transaction begun so far.
func (t *Tracking) WriteIDs() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint64(nil), t.ids...)
}

type trackedTxn struct {
	db.WriteTxn
	owner *Tracking
	done  bool
}

func (w *trackedTxn) finish() {
	if !w.done {
		w.done = true
		w.owner.open.Add(-1)
	}
}

func (w *trackedTxn) Commit() error {
	if errp := w.owner.FailCommits.Load(); errp != nil {
		_ = w.WriteTxn.Abort()
		w.finish()
		return db.Wrap("commit", *errp)
	}
	err := w.WriteTxn.Commit()
	w.finish()
	if err == nil {
		w.owner.Commits.Add(1)
	}
	return err
}

func (w *trackedTxn) Abort() error {
	err := w.WriteTxn.Abort()
	w.finish()
	return err
}
