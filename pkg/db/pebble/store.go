package pebble

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/eigerco/txkv/pkg/db"
)

const maxKeySize = 64 << 10

type Options struct {
	// Path of the database directory. Empty opens an in-memory database.
	Path      string
	NoSync    bool
	CacheSize int64
	// Logger receives pebble's own messages. The zero value drops them.
	Logger zerolog.Logger
}

// eventLogger routes pebble's printf-style logging into zerolog. Pebble is
// chatty about flushes and compactions, so info goes to debug.
type eventLogger struct {
	l zerolog.Logger
}

func (e eventLogger) Infof(format string, args ...interface{}) {
	e.l.Debug().Msgf(format, args...)
}

func (e eventLogger) Errorf(format string, args ...interface{}) {
	e.l.Error().Msgf(format, args...)
}

func (e eventLogger) Fatalf(format string, args ...interface{}) {
	e.l.Fatal().Msgf(format, args...)
}

// Engine implements db.Engine on pebble. All tables share one keyspace and
// are separated by a 4-byte id prefix.
type Engine struct {
	db        *pebble.DB
	catalog   *db.Catalog
	writeOpts *pebble.WriteOptions
	txnIDs    atomic.Uint64
	closed    atomic.Bool
}

func Open(opts Options) (*Engine, error) {
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 64 * 1024 * 1024 // 64MB
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	po := &pebble.Options{
		Cache:        cache,
		MemTableSize: 32 * 1024 * 1024, // 32MB
		Logger:       eventLogger{l: opts.Logger},
	}
	path := opts.Path
	if path == "" {
		po.FS = vfs.NewMem()
	}

	pdb, err := pebble.Open(path, po)
	if err != nil {
		return nil, db.Wrap("open", fmt.Errorf("open pebble %q: %w", path, err))
	}

	e := &Engine{db: pdb, writeOpts: pebble.Sync}
	if opts.NoSync {
		e.writeOpts = pebble.NoSync
	}
	e.catalog = db.NewCatalog(e.rawGet, func(k, v []byte) error {
		return e.db.Set(k, v, pebble.Sync)
	})
	return e, nil
}

func (e *Engine) rawGet(key []byte) ([]byte, error) {
	value, closer, err := e.db.Get(key)
	if err != nil {
		return nil, mapErr(err)
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
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
	return &writeTxn{
		engine: e,
		batch:  e.db.NewIndexedBatch(),
		id:     e.txnIDs.Add(1),
	}, nil
}

func (e *Engine) BeginRead() (db.ReadTxn, error) {
	if e.closed.Load() {
		return nil, db.Wrap("begin read", db.ErrClosed)
	}
	return &readTxn{
		engine: e,
		snap:   e.db.NewSnapshot(),
		id:     e.txnIDs.Add(1),
	}, nil
}

func (e *Engine) MaxKeySize() int {
	return maxKeySize
}

// Sync forces the write-ahead log to stable storage.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return db.Wrap("sync", db.ErrClosed)
	}
	return db.Wrap("sync", e.db.LogData(nil, pebble.Sync))
}

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return db.Wrap("close", e.db.Close())
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pebble.ErrNotFound):
		return db.ErrNotFound
	case errors.Is(err, pebble.ErrClosed):
		return fmt.Errorf("%w: %v", db.ErrClosed, err)
	default:
		return err
	}
}
