package leveldb

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/eigerco/txkv/pkg/db"
)

const maxKeySize = 64 << 10

var syncKey = db.TableKey(db.Table{ID: 0}, []byte("sync"))

type Options struct {
	// Path of the database directory. Empty opens an in-memory database.
	Path      string
	NoSync    bool
	CacheSize int
}

// Engine implements db.Engine on LevelDB. LevelDB allows a single open
// transaction at a time, which lines up with the single-writer contract.
type Engine struct {
	db        *leveldb.DB
	catalog   *db.Catalog
	writeOpts *opt.WriteOptions
	txnIDs    atomic.Uint64
	closed    atomic.Bool
}

func Open(opts Options) (*Engine, error) {
	o := &opt.Options{}
	if opts.CacheSize > 0 {
		o.BlockCacheCapacity = opts.CacheSize
	}

	var (
		ldb *leveldb.DB
		err error
	)
	if opts.Path == "" {
		ldb, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		ldb, err = leveldb.OpenFile(opts.Path, o)
	}
	if err != nil {
		return nil, db.Wrap("open", fmt.Errorf("open leveldb %q: %w", opts.Path, mapErr(err)))
	}

	e := &Engine{db: ldb, writeOpts: &opt.WriteOptions{Sync: !opts.NoSync}}
	e.catalog = db.NewCatalog(func(k []byte) ([]byte, error) {
		v, err := e.db.Get(k, nil)
		return v, mapErr(err)
	}, func(k, v []byte) error {
		return e.db.Put(k, v, &opt.WriteOptions{Sync: true})
	})
	return e, nil
}

func (e *Engine) OpenTable(name string, create bool) (db.Table, error) {
	if e.closed.Load() {
		return db.Table{}, db.Wrap("open table", db.ErrClosed)
	}
	t, err := e.catalog.Open(name, create)
	return t, db.Wrap("open table", err)
}

func (e *Engine) BeginWrite() (db.WriteTxn, error) {
	if e.closed.Load() {
		return nil, db.Wrap("begin write", db.ErrClosed)
	}
	tr, err := e.db.OpenTransaction()
	if err != nil {
		return nil, db.Wrap("begin write", mapErr(err))
	}
	return &writeTxn{engine: e, tr: tr, id: e.txnIDs.Add(1)}, nil
}

func (e *Engine) BeginRead() (db.ReadTxn, error) {
	r := &readTxn{engine: e}
	if err := r.Renew(); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Engine) MaxKeySize() int {
	return maxKeySize
}

// Sync writes a marker with a synchronous journal flush, which forces every
// earlier write to stable storage as well.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return db.Wrap("sync", db.ErrClosed)
	}
	return db.Wrap("sync", mapErr(e.db.Put(syncKey, nil, &opt.WriteOptions{Sync: true})))
}

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return db.Wrap("close", e.db.Close())
}

type writeTxn struct {
	engine *Engine
	tr     *leveldb.Transaction
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
	v, err := w.tr.Get(db.TableKey(t, key), nil)
	return v, db.Wrap("get", mapErr(err))
}

func (w *writeTxn) Cursor(t db.Table) (db.Cursor, error) {
	if w.done {
		return nil, db.Wrap("cursor", db.ErrTxnDone)
	}
	lower, upper := db.TableBounds(t)
	return newCursor(w.tr.NewIterator(&util.Range{Start: lower, Limit: upper}, nil), t), nil
}

func (w *writeTxn) Put(t db.Table, key, value []byte) error {
	if w.done {
		return db.Wrap("put", db.ErrTxnDone)
	}
	if len(key) == 0 {
		return db.Wrap("put", db.ErrEmptyKey)
	}
	return db.Wrap("put", mapErr(w.tr.Put(db.TableKey(t, key), value, w.engine.writeOpts)))
}

func (w *writeTxn) Delete(t db.Table, key []byte) error {
	if w.done {
		return db.Wrap("delete", db.ErrTxnDone)
	}
	return db.Wrap("delete", mapErr(w.tr.Delete(db.TableKey(t, key), w.engine.writeOpts)))
}

func (w *writeTxn) Commit() error {
	if w.done {
		return db.Wrap("commit", db.ErrTxnDone)
	}
	w.done = true
	if err := w.tr.Commit(); err != nil {
		w.tr.Discard()
		return db.Wrap("commit", mapErr(err))
	}
	return nil
}

func (w *writeTxn) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.tr.Discard()
	return nil
}

type readTxn struct {
	engine *Engine
	snap   *leveldb.Snapshot
	id     uint64
}

func (r *readTxn) ID() uint64 {
	return r.id
}

func (r *readTxn) Get(t db.Table, key []byte) ([]byte, error) {
	if r.snap == nil {
		return nil, db.Wrap("get", db.ErrTxnDone)
	}
	v, err := r.snap.Get(db.TableKey(t, key), nil)
	return v, db.Wrap("get", mapErr(err))
}

func (r *readTxn) Cursor(t db.Table) (db.Cursor, error) {
	if r.snap == nil {
		return nil, db.Wrap("cursor", db.ErrTxnDone)
	}
	lower, upper := db.TableBounds(t)
	return newCursor(r.snap.NewIterator(&util.Range{Start: lower, Limit: upper}, nil), t), nil
}

func (r *readTxn) Reset() error {
	if r.snap != nil {
		r.snap.Release()
		r.snap = nil
	}
	return nil
}

func (r *readTxn) Renew() error {
	if r.engine.closed.Load() {
		return db.Wrap("renew", db.ErrClosed)
	}
	_ = r.Reset()
	snap, err := r.engine.db.GetSnapshot()
	if err != nil {
		return db.Wrap("renew", mapErr(err))
	}
	r.snap = snap
	r.id = r.engine.txnIDs.Add(1)
	return nil
}

func (r *readTxn) Abort() error {
	return r.Reset()
}

type cursor struct {
	iter  iterator.Iterator
	table db.Table
}

func newCursor(iter iterator.Iterator, t db.Table) *cursor {
	return &cursor{iter: iter, table: t}
}

func (c *cursor) at(ok bool) ([]byte, []byte, bool) {
	if !ok {
		return nil, nil, false
	}
	return db.StripTable(c.iter.Key()), c.iter.Value(), true
}

func (c *cursor) First() ([]byte, []byte, bool) {
	return c.at(c.iter.First())
}

func (c *cursor) Last() ([]byte, []byte, bool) {
	return c.at(c.iter.Last())
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, bool) {
	return c.at(c.iter.Seek(db.TableKey(c.table, key)))
}

func (c *cursor) Next() ([]byte, []byte, bool) {
	return c.at(c.iter.Next())
}

func (c *cursor) Prev() ([]byte, []byte, bool) {
	return c.at(c.iter.Prev())
}

func (c *cursor) Err() error {
	return db.Wrap("cursor", mapErr(c.iter.Error()))
}

func (c *cursor) Close() error {
	c.iter.Release()
	return nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return db.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return fmt.Errorf("%w: %v", db.ErrClosed, err)
	case lerrors.IsCorrupted(err):
		return fmt.Errorf("%w: %v", db.ErrCorrupted, err)
	default:
		return err
	}
}
