package pebble

import (
	"github.com/cockroachdb/pebble"

	"github.com/eigerco/txkv/pkg/db"
)

type readTxn struct {
	engine *Engine
	snap   *pebble.Snapshot
	id     uint64
}

func (r *readTxn) ID() uint64 {
	return r.id
}

func (r *readTxn) Get(t db.Table, key []byte) ([]byte, error) {
	if r.snap == nil {
		return nil, db.Wrap("get", db.ErrTxnDone)
	}
	value, closer, err := r.snap.Get(db.TableKey(t, key))
	if err != nil {
		return nil, db.Wrap("get", mapErr(err))
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (r *readTxn) Cursor(t db.Table) (db.Cursor, error) {
	if r.snap == nil {
		return nil, db.Wrap("cursor", db.ErrTxnDone)
	}
	lower, upper := db.TableBounds(t)
	iter, err := r.snap.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, db.Wrap("cursor", err)
	}
	return &cursor{iter: iter, table: t}, nil
}

// Reset releases the snapshot; Renew takes a new one.
func (r *readTxn) Reset() error {
	if r.snap == nil {
		return nil
	}
	err := r.snap.Close()
	r.snap = nil
	return db.Wrap("reset", err)
}

func (r *readTxn) Renew() error {
	if r.engine.closed.Load() {
		return db.Wrap("renew", db.ErrClosed)
	}
	if r.snap != nil {
		if err := r.snap.Close(); err != nil {
			return db.Wrap("renew", err)
		}
	}
	r.snap = r.engine.db.NewSnapshot()
	r.id = r.engine.txnIDs.Add(1)
	return nil
}

func (r *readTxn) Abort() error {
	return r.Reset()
}
