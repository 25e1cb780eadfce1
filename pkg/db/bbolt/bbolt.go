package bbolt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/eigerco/txkv/pkg/db"
)

// bbolt refuses empty bucket names, so the root table gets a reserved one.
const rootBucket = "\x00root"

type Options struct {
	Path            string
	NoSync          bool
	InitialMmapSize int
	Timeout         time.Duration
}

// Engine implements db.Engine on bbolt: a copy-on-write B+tree with one
// writer and lock-free readers. Every table is a top-level bucket.
type Engine struct {
	db *bbolt.DB
}

func Open(opts Options) (*Engine, error) {
	mmap := opts.InitialMmapSize
	if mmap <= 0 {
		// Large enough that commits rarely remap while readers hold the
		// mmap lock.
		mmap = 256 * 1024 * 1024
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	bdb, err := bbolt.Open(opts.Path, 0600, &bbolt.Options{
		Timeout:         timeout,
		NoSync:          opts.NoSync,
		InitialMmapSize: mmap,
	})
	if err != nil {
		return nil, db.Wrap("open", fmt.Errorf("failed to open BoltDB: %w", mapErr(err)))
	}
	return &Engine{db: bdb}, nil
}

func bucketName(t db.Table) []byte {
	if t.Name == "" {
		return []byte(rootBucket)
	}
	return []byte(t.Name)
}

func (e *Engine) OpenTable(name string, create bool) (db.Table, error) {
	t := db.Table{Name: name}
	var err error
	if create {
		err = e.db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName(t))
			return err
		})
	} else {
		err = e.db.View(func(tx *bbolt.Tx) error {
			if tx.Bucket(bucketName(t)) == nil {
				return db.ErrNoTable
			}
			return nil
		})
	}
	if err != nil {
		return db.Table{}, db.Wrap("open table", mapErr(err))
	}
	return t, nil
}

func (e *Engine) BeginWrite() (db.WriteTxn, error) {
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, db.Wrap("begin write", mapErr(err))
	}
	return &writeTxn{tx: tx}, nil
}

func (e *Engine) BeginRead() (db.ReadTxn, error) {
	r := &readTxn{engine: e}
	if err := r.Renew(); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Engine) MaxKeySize() int {
	return bbolt.MaxKeySize
}

func (e *Engine) Sync() error {
	return db.Wrap("sync", mapErr(e.db.Sync()))
}

func (e *Engine) Close() error {
	return db.Wrap("close", mapErr(e.db.Close()))
}

type writeTxn struct {
	tx *bbolt.Tx
}

func (w *writeTxn) ID() uint64 {
	return uint64(w.tx.ID())
}

func (w *writeTxn) bucket(t db.Table) (*bbolt.Bucket, error) {
	if w.tx.DB() == nil {
		return nil, db.ErrTxnDone
	}
	b := w.tx.Bucket(bucketName(t))
	if b == nil {
		return nil, db.ErrNoTable
	}
	return b, nil
}

func (w *writeTxn) Get(t db.Table, key []byte) ([]byte, error) {
	b, err := w.bucket(t)
	if err != nil {
		return nil, db.Wrap("get", err)
	}
	v := b.Get(key)
	if v == nil {
		return nil, db.Wrap("get", db.ErrNotFound)
	}
	return v, nil
}

func (w *writeTxn) Cursor(t db.Table) (db.Cursor, error) {
	b, err := w.bucket(t)
	if err != nil {
		return nil, db.Wrap("cursor", err)
	}
	return &cursor{c: b.Cursor()}, nil
}

func (w *writeTxn) Put(t db.Table, key, value []byte) error {
	b, err := w.bucket(t)
	if err != nil {
		return db.Wrap("put", err)
	}
	if value == nil {
		value = []byte{}
	}
	return db.Wrap("put", mapErr(b.Put(key, value)))
}

func (w *writeTxn) Delete(t db.Table, key []byte) error {
	b, err := w.bucket(t)
	if err != nil {
		return db.Wrap("delete", err)
	}
	return db.Wrap("delete", mapErr(b.Delete(key)))
}

func (w *writeTxn) Commit() error {
	return db.Wrap("commit", mapErr(w.tx.Commit()))
}

func (w *writeTxn) Abort() error {
	err := w.tx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return nil
	}
	return db.Wrap("abort", mapErr(err))
}

// readTxn may be shared by several goroutines; bucket lookups and cursor
// creation go through mu because bbolt transactions are not goroutine safe.
type readTxn struct {
	engine  *Engine
	mu      sync.Mutex
	tx      *bbolt.Tx
	buckets map[string]*bbolt.Bucket
}

func (r *readTxn) ID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil {
		return 0
	}
	return uint64(r.tx.ID())
}

func (r *readTxn) bucket(t db.Table) (*bbolt.Bucket, error) {
	if r.tx == nil {
		return nil, db.ErrTxnDone
	}
	if b, ok := r.buckets[t.Name]; ok {
		return b, nil
	}
	b := r.tx.Bucket(bucketName(t))
	if b == nil {
		return nil, db.ErrNoTable
	}
	r.buckets[t.Name] = b
	return b, nil
}

func (r *readTxn) Get(t db.Table, key []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.bucket(t)
	if err != nil {
		return nil, db.Wrap("get", err)
	}
	v := b.Get(key)
	if v == nil {
		return nil, db.Wrap("get", db.ErrNotFound)
	}
	return v, nil
}

func (r *readTxn) Cursor(t db.Table) (db.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.bucket(t)
	if err != nil {
		return nil, db.Wrap("cursor", err)
	}
	return &cursor{c: b.Cursor()}, nil
}

func (r *readTxn) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil {
		return nil
	}
	err := r.tx.Rollback()
	r.tx = nil
	r.buckets = nil
	return db.Wrap("reset", mapErr(err))
}

func (r *readTxn) Renew() error {
	if err := r.Reset(); err != nil {
		return err
	}
	tx, err := r.engine.db.Begin(false)
	if err != nil {
		return db.Wrap("renew", mapErr(err))
	}
	r.mu.Lock()
	r.tx = tx
	r.buckets = make(map[string]*bbolt.Bucket)
	r.mu.Unlock()
	return nil
}

func (r *readTxn) Abort() error {
	return r.Reset()
}

type cursor struct {
	c *bbolt.Cursor
}

func at(k, v []byte) ([]byte, []byte, bool) {
	if k == nil {
		return nil, nil, false
	}
	return k, v, true
}

func (c *cursor) First() ([]byte, []byte, bool) {
	return at(c.c.First())
}

func (c *cursor) Last() ([]byte, []byte, bool) {
	return at(c.c.Last())
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, bool) {
	return at(c.c.Seek(key))
}

func (c *cursor) Next() ([]byte, []byte, bool) {
	return at(c.c.Next())
}

func (c *cursor) Prev() ([]byte, []byte, bool) {
	return at(c.c.Prev())
}

func (c *cursor) Err() error {
	return nil
}

func (c *cursor) Close() error {
	return nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bbolt.ErrDatabaseNotOpen):
		return fmt.Errorf("%w: %v", db.ErrClosed, err)
	case errors.Is(err, bbolt.ErrTxClosed):
		return fmt.Errorf("%w: %v", db.ErrTxnDone, err)
	case errors.Is(err, bbolt.ErrKeyRequired):
		return fmt.Errorf("%w: %v", db.ErrEmptyKey, err)
	case errors.Is(err, bbolt.ErrKeyTooLarge), errors.Is(err, bbolt.ErrValueTooLarge):
		return fmt.Errorf("%w: %v", db.ErrTooLarge, err)
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrChecksum):
		return fmt.Errorf("%w: %v", db.ErrCorrupted, err)
	case errors.Is(err, bbolt.ErrBucketNotFound):
		return fmt.Errorf("%w: %v", db.ErrNoTable, err)
	default:
		return err
	}
}
