// Package kv is an embedded transactional key-value store. Writes issued by
// any goroutine are queued and committed in batches by a single background
// writer; every write returns a future settled once its batch committed.
// Reads share one engine read transaction that is renewed after each commit.
package kv

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eigerco/txkv/internal/committer"
	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/internal/ledger"
	"github.com/eigerco/txkv/internal/readtxn"
	"github.com/eigerco/txkv/internal/scheduler"
	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/future"
	"github.com/eigerco/txkv/pkg/log"
)

// Environment owns one storage engine and the write queue shared by all of
// its stores.
type Environment struct {
	opts       Options
	engine     db.Engine
	maxKeySize int
	logger     zerolog.Logger

	// writeMu is held by whoever has the engine's write transaction open.
	writeMu sync.Mutex
	// blockMu keeps plain publishers out while a block is being published.
	blockMu sync.RWMutex

	channel   *instruction.Channel
	ledger    *ledger.Ledger
	committer *committer.Committer
	reads     *readtxn.Manager

	mu     sync.Mutex
	stores map[string]*Store
	closed atomic.Bool

	syncTxns atomic.Uint64
}

type Stats struct {
	Channel   instruction.Stats
	Committer committer.Stats
	Reads     readtxn.Stats
	// Unsettled counts recorded operations whose batch has not been settled.
	Unsettled int
	SyncTxns  uint64
}

// Open opens the engine named by opts and starts the writer.
func Open(opts Options) (*Environment, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	engine, err := opts.openEngine()
	if err != nil {
		return nil, fmt.Errorf("open %s engine: %w", opts.Engine, err)
	}

	maxKeySize := opts.MaxKeySize
	if maxKeySize <= 0 || maxKeySize > engine.MaxKeySize() {
		maxKeySize = engine.MaxKeySize()
	}
	e := &Environment{
		opts:       opts,
		engine:     engine,
		maxKeySize: maxKeySize,
		logger:     log.Root.With().Str("path", opts.Path).Str("engine", string(opts.Engine)).Logger(),
		stores:     make(map[string]*Store),
	}

	e.ledger = ledger.New(nil)
	e.channel = instruction.NewChannel(instruction.Config{
		Scheduler: scheduler.Config{
			CommitDelay:         time.Duration(opts.CommitDelay),
			TxnStartThreshold:   opts.TxnStartThreshold,
			BatchStartThreshold: opts.BatchStartThreshold,
		},
		BackpressureThreshold: opts.BackpressureThreshold,
		MaxKeySize:            maxKeySize,
	}, e.ledger, log.Writer)
	e.ledger.SetRelease(e.channel.Release)
	e.channel.SetDrain(func() { e.ledger.Drain() })

	e.reads = readtxn.New(engine, time.Duration(opts.ReadTxnTTL), log.Reader)
	e.committer = committer.New(committer.Config{
		Engine:      engine,
		Channel:     e.channel,
		Ledger:      e.ledger,
		WriteMu:     &e.writeMu,
		AfterCommit: e.reads.Reset,
		Logger:      log.Writer,
	})
	e.committer.Start()

	e.logger.Info().Int("max_key_size", maxKeySize).Msg("Environment opened")
	return e, nil
}

// OpenStore opens or creates a named store. Opening the same name twice
// returns the same store.
func (e *Environment) OpenStore(opts StoreOptions) (*Store, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[opts.Name]; ok {
		return s, nil
	}
	if e.opts.MaxStores > 0 && len(e.stores) >= e.opts.MaxStores {
		return nil, ErrTooManyStores
	}
	codec, err := opts.codec(e.maxKeySize)
	if err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	table, err := e.engine.OpenTable(opts.Name, !opts.NoCreate)
	e.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", opts.Name, err)
	}

	s, err := newStore(e, &instruction.Target{Name: opts.Name, Table: table, Codec: codec}, opts)
	if err != nil {
		return nil, err
	}
	e.reads.OnReset(s.pool.Invalidate)
	e.stores[opts.Name] = s
	e.logger.Debug().Str("store", opts.Name).Str("keys", codec.Keys.String()).
		Str("values", codec.Values.String()).Bool("dup_sort", codec.DupSort).Msg("Store opened")
	return s, nil
}

// Flushed ends the open batch and returns a future settled when the most
// recent batch has committed.
func (e *Environment) Flushed() *future.Future[bool] {
	if e.closed.Load() {
		return future.Failed[bool](ErrClosed)
	}
	return e.channel.Flushed()
}

// Sync flushes pending writes and forces them to durable storage.
func (e *Environment) Sync() *future.Future[bool] {
	return future.Then(e.Flushed(), func(bool) (bool, error) {
		if err := e.engine.Sync(); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ResetReadTxn makes the next read start from the latest commit.
func (e *Environment) ResetReadTxn() {
	e.reads.Reset()
}

func (e *Environment) Stats() Stats {
	return Stats{
		Channel:   e.channel.Stats(),
		Committer: e.committer.Stats(),
		Reads:     e.reads.Stats(),
		Unsettled: e.ledger.Pending(),
		SyncTxns:  e.syncTxns.Load(),
	}
}

// Close commits writes already queued, then closes every store and the
// engine. Writes issued after Close fail with ErrClosed.
func (e *Environment) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.blockMu.Lock()
	e.channel.Close()
	e.blockMu.Unlock()
	<-e.committer.Done()

	var errs []error
	e.mu.Lock()
	for _, s := range e.stores {
		errs = append(errs, s.pool.Close())
	}
	e.mu.Unlock()
	errs = append(errs, e.reads.Close(), e.engine.Close())

	stats := e.committer.Stats()
	e.logger.Info().Uint64("batches", stats.Batches).Uint64("failed", stats.Failed).Msg("Environment closed")
	return errors.Join(errs...)
}

// publish queues a single write unless a block is being published.
func (e *Environment) publish(r instruction.Request) *future.Future[bool] {
	e.blockMu.RLock()
	defer e.blockMu.RUnlock()
	if e.closed.Load() {
		return future.Failed[bool](ErrClosed)
	}
	return e.channel.Publish(r)
}

func (e *Environment) publishCallback(cb *instruction.Callback) *future.Future[any] {
	e.blockMu.RLock()
	defer e.blockMu.RUnlock()
	if e.closed.Load() {
		return future.Failed[any](ErrClosed)
	}
	return e.channel.PublishCallback(cb, false)
}

// Transaction queues fn to run inside the writer's next transaction. Its
// writes commit together with the rest of that batch. An error or panic in fn
// rejects only fn's future; writes fn already made are kept.
//
// fn runs on the writer goroutine. Writes made through tx apply immediately.
// Writes queued with Store.Put from fn are let through backpressure and
// commit in a later batch, so fn must not wait on their futures.
func (e *Environment) Transaction(fn func(*Txn) (any, error)) *future.Future[any] {
	return e.callback(fn, false)
}

// ChildTransaction queues fn like Transaction but runs it in a child
// transaction that is rolled back when fn fails or returns Abort.
func (e *Environment) ChildTransaction(fn func(*Txn) (any, error)) *future.Future[any] {
	return e.callback(fn, true)
}

func (e *Environment) callback(fn func(*Txn) (any, error), asChild bool) *future.Future[any] {
	var tx *Txn
	cb := &instruction.Callback{
		AsChild: asChild,
		Run: func(w db.WriteTxn) (any, error) {
			tx = newTxn(e, w)
			return fn(tx)
		},
	}
	cb.OnSettle = func(error) {
		if tx != nil {
			tx.settled()
		}
	}
	return e.publishCallback(cb)
}

// TransactionSync runs fn in a write transaction of its own on the calling
// goroutine and commits it before returning. It waits for the writer to
// finish any batch it is applying. It must not be called from inside a
// queued transaction callback, and fn must not wait on futures of queued
// writes.
func (e *Environment) TransactionSync(fn func(*Txn) (any, error)) (any, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.writeMu.Lock()
	w, err := e.engine.BeginWrite()
	if err != nil {
		e.writeMu.Unlock()
		return nil, db.Wrap("begin write", err)
	}
	tx := newTxn(e, w)
	res, err := callSync(fn, tx)
	if err == nil && res != Abort {
		if cerr := w.Commit(); cerr != nil {
			err = instruction.NewCommitFailed(db.Wrap("commit", cerr))
		}
	} else {
		_ = w.Abort()
	}
	e.writeMu.Unlock()

	e.syncTxns.Add(1)
	if err == nil && res != Abort {
		e.reads.Reset()
	}
	tx.settled()
	return res, err
}

func callSync(fn func(*Txn) (any, error), tx *Txn) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction callback panicked: %v", r)
		}
	}()
	return fn(tx)
}
