package pebble

import (
	"github.com/cockroachdb/pebble"

	"github.com/eigerco/txkv/pkg/db"
)

// writeTxn is an indexed batch: reads through it observe its own writes, and
// nothing reaches the database until Commit.
type writeTxn struct {
	engine *Engine
	batch  *pebble.Batch
	id     uint64
	done   bool
}

func (w *writeTxn) ID() uint64 {
	return w.id
}

func (w *writeTxn) Get(t db.Table, key []byte) ([]byte, error) {
	if w.done {
		return nil, db.Wrap("get", db.ErrTxnDone)
	}
	value, closer, err := w.batch.Get(db.TableKey(t, key))
	if err != nil {
		return nil, db.Wrap("get", mapErr(err))
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (w *writeTxn) Cursor(t db.Table) (db.Cursor, error) {
	if w.done {
		return nil, db.Wrap("cursor", db.ErrTxnDone)
	}
	lower, upper := db.TableBounds(t)
	iter, err := w.batch.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, db.Wrap("cursor", err)
	}
	return &cursor{iter: iter, table: t}, nil
}

func (w *writeTxn) Put(t db.Table, key, value []byte) error {
	if w.done {
		return db.Wrap("put", db.ErrTxnDone)
	}
	if len(key) == 0 {
		return db.Wrap("put", db.ErrEmptyKey)
	}
	return db.Wrap("put", w.batch.Set(db.TableKey(t, key), value, nil))
}

func (w *writeTxn) Delete(t db.Table, key []byte) error {
	if w.done {
		return db.Wrap("delete", db.ErrTxnDone)
	}
	return db.Wrap("delete", w.batch.Delete(db.TableKey(t, key), nil))
}

func (w *writeTxn) Commit() error {
	if w.done {
		return db.Wrap("commit", db.ErrTxnDone)
	}
	w.done = true
	if err := w.batch.Commit(w.engine.writeOpts); err != nil {
		_ = w.batch.Close()
		return db.Wrap("commit", mapErr(err))
	}
	return db.Wrap("commit", w.batch.Close())
}

func (w *writeTxn) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return db.Wrap("abort", w.batch.Close())
}
