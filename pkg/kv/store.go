package kv

import (
	"errors"
	"sync/atomic"

	"github.com/eigerco/txkv/internal/committer"
	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/internal/rangecursor"
	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/encoding"
	"github.com/eigerco/txkv/pkg/future"
)

var ErrNoVersions = errors.New("store does not keep versions")

// Store is one named keyspace of an Environment. All methods are safe for
// concurrent use.
type Store struct {
	env    *Environment
	target *instruction.Target
	pool   *rangecursor.Pool
	cache  *entryCache

	stats storeCounters
}

type storeCounters struct {
	reads, writes, txns atomic.Uint64
}

type StoreStats struct {
	Reads        uint64
	Writes       uint64
	Transactions uint64
	CacheHits    uint64
	CacheMisses  uint64
	CursorReuses uint64
}

func newStore(e *Environment, target *instruction.Target, opts StoreOptions) (*Store, error) {
	s := &Store{env: e, target: target, pool: &rangecursor.Pool{}}
	if opts.Cache {
		size := opts.CacheSize
		if size <= 0 {
			size = DefaultCacheSize
		}
		c, err := newEntryCache(size, e.reads.RenewID)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

func (s *Store) Name() string {
	return s.target.Name
}

func (s *Store) Env() *Environment {
	return s.env
}

func (s *Store) Stats() StoreStats {
	st := StoreStats{
		Reads:        s.stats.reads.Load(),
		Writes:       s.stats.writes.Load(),
		Transactions: s.stats.txns.Load(),
	}
	st.CursorReuses, _ = s.pool.Stats()
	if s.cache != nil {
		st.CacheHits, st.CacheMisses = s.cache.stats()
	}
	return st
}

// WriteOption adjusts a single put or remove.
type WriteOption func(*writeOptions)

type writeOptions struct {
	version     float64
	ifVersion   *float64
	value       any
	hasValue    bool
	noOverwrite bool
	noDupData   bool
}

func newWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithVersion stores version alongside the value.
func WithVersion(v float64) WriteOption {
	return func(o *writeOptions) { o.version = v }
}

// WithIfVersion makes the write conditional on the key's current version.
func WithIfVersion(v float64) WriteOption {
	return func(o *writeOptions) { o.ifVersion = &v }
}

// WithValue selects the value to remove from a dup-sort key. On other stores
// it makes the remove conditional on the stored value.
func WithValue(v any) WriteOption {
	return func(o *writeOptions) { o.value, o.hasValue = v, true }
}

// NoOverwrite only writes when the key is absent.
func NoOverwrite() WriteOption {
	return func(o *writeOptions) { o.noOverwrite = true }
}

// NoDupData only writes when the key/value pair of a dup-sort store is
// absent.
func NoDupData() WriteOption {
	return func(o *writeOptions) { o.noDupData = true }
}

func (s *Store) key(key any) ([]byte, error) {
	return s.target.Codec.Key(key)
}

func (s *Store) putRequest(key, value any, o writeOptions) (instruction.Request, error) {
	codec := s.target.Codec
	k, err := s.key(key)
	if err != nil {
		return instruction.Request{}, err
	}
	r := instruction.Request{Op: instruction.OpPut, Target: s.target}

	if codec.DupSort {
		payload, err := codec.Payload(value)
		if err != nil {
			return r, err
		}
		if r.Key, err = codec.DupKey(k, payload); err != nil {
			return r, err
		}
		switch {
		case o.ifVersion != nil:
			return r, ErrNoVersions
		case o.noOverwrite:
			r.Cond, r.DupPrefix, r.Expect = instruction.CondAbsent, true, encoding.DupPrefix(k)
		case o.noDupData:
			r.Cond = instruction.CondAbsent
		}
		return r, nil
	}

	if r.Value, err = codec.Value(value, o.version); err != nil {
		return r, err
	}
	r.Key = k
	switch {
	case o.ifVersion != nil:
		if !codec.UseVersions {
			return r, ErrNoVersions
		}
		r.Cond, r.Version = instruction.CondVersion, *o.ifVersion
	case o.noOverwrite:
		r.Cond = instruction.CondAbsent
	case o.noDupData:
		return r, ErrNotDupSort
	}
	return r, nil
}

func (s *Store) removeRequest(key any, o writeOptions) (instruction.Request, error) {
	codec := s.target.Codec
	k, err := s.key(key)
	if err != nil {
		return instruction.Request{}, err
	}
	r := instruction.Request{Op: instruction.OpDelete, Target: s.target, Key: k}

	if codec.DupSort {
		if o.ifVersion != nil {
			return r, ErrNoVersions
		}
		if !o.hasValue {
			r.Key, r.DupPrefix = encoding.DupPrefix(k), true
			return r, nil
		}
		payload, err := codec.Payload(o.value)
		if err != nil {
			return r, err
		}
		r.Key, err = codec.DupKey(k, payload)
		return r, err
	}

	switch {
	case o.ifVersion != nil:
		if !codec.UseVersions {
			return r, ErrNoVersions
		}
		r.Cond, r.Version = instruction.CondVersion, *o.ifVersion
	case o.hasValue:
		payload, err := codec.Payload(o.value)
		if err != nil {
			return r, err
		}
		r.Cond, r.Expect = instruction.CondValue, payload
	}
	return r, nil
}

// blockRequest opens a conditional block on key. A nil version means the key
// must be absent.
func (s *Store) blockRequest(key any, version *float64) (instruction.Request, error) {
	codec := s.target.Codec
	k, err := s.key(key)
	if err != nil {
		return instruction.Request{}, err
	}
	r := instruction.Request{Op: instruction.OpBlockStart, Target: s.target, Key: k}
	if version == nil {
		r.Cond = instruction.CondAbsent
		if codec.DupSort {
			r.Key, r.DupPrefix = encoding.DupPrefix(k), true
		}
		return r, nil
	}
	if !codec.UseVersions {
		return r, ErrNoVersions
	}
	r.Cond, r.Version = instruction.CondVersion, *version
	return r, nil
}

// cacheHook keeps the cache in step with a write once it settles.
func (s *Store) cacheHook(r instruction.Request, value any, version float64) func(bool, error) {
	if s.cache == nil {
		return nil
	}
	k := string(r.Key)
	if r.Op != instruction.OpPut {
		return func(bool, error) { s.cache.evict(k) }
	}
	return func(ok bool, _ error) {
		if ok {
			s.cache.set(k, Entry{Value: value, Version: version})
			return
		}
		s.cache.evict(k)
	}
}

// Put queues a write of value under key. The future resolves true once the
// write committed, false if a condition in opts did not hold, and is rejected
// if the batch failed.
func (s *Store) Put(key, value any, opts ...WriteOption) *future.Future[bool] {
	o := newWriteOptions(opts)
	r, err := s.putRequest(key, value, o)
	if err != nil {
		return future.Failed[bool](err)
	}
	r.OnSettle = s.cacheHook(r, value, o.version)
	s.stats.writes.Add(1)
	return s.env.publish(r)
}

// Remove queues the removal of key, or of one value of a dup-sort key when
// WithValue is given.
func (s *Store) Remove(key any, opts ...WriteOption) *future.Future[bool] {
	r, err := s.removeRequest(key, newWriteOptions(opts))
	if err != nil {
		return future.Failed[bool](err)
	}
	r.OnSettle = s.cacheHook(r, nil, 0)
	s.stats.writes.Add(1)
	return s.env.publish(r)
}

// PutSync writes key in a transaction of its own and returns once it
// committed.
func (s *Store) PutSync(key, value any, opts ...WriteOption) (bool, error) {
	res, err := s.env.TransactionSync(func(t *Txn) (any, error) {
		return t.Put(s, key, value, opts...)
	})
	ok, _ := res.(bool)
	return ok, err
}

func (s *Store) RemoveSync(key any, opts ...WriteOption) (bool, error) {
	res, err := s.env.TransactionSync(func(t *Txn) (any, error) {
		return t.Remove(s, key, opts...)
	})
	ok, _ := res.(bool)
	return ok, err
}

// IfVersion builds a block of writes with fn that commits only if key's
// version equals version when the writer reaches it. The block is never
// split across batches. The future resolves false when the version did not
// match; the block's writes then resolve false too.
//
// Only writes made through the *Batch belong to the block. A direct s.Put
// inside fn is published on its own right away, ahead of the block, and is
// not covered by its condition.
func (s *Store) IfVersion(key any, version float64, fn func(*Batch) error) *future.Future[bool] {
	r, err := s.blockRequest(key, &version)
	if err != nil {
		return future.Failed[bool](err)
	}
	return s.env.block(r, fn)
}

// IfNoExists is IfVersion with the condition that key is absent.
func (s *Store) IfNoExists(key any, fn func(*Batch) error) *future.Future[bool] {
	r, err := s.blockRequest(key, nil)
	if err != nil {
		return future.Failed[bool](err)
	}
	return s.env.block(r, fn)
}

// Batch builds an unconditional block: every write made through b commits in
// the same transaction. As with IfVersion, writes made directly on a store
// inside fn are not part of the block.
func (s *Store) Batch(fn func(*Batch) error) *future.Future[bool] {
	return s.env.Batch(fn)
}

func (s *Store) Transaction(fn func(*Txn) (any, error)) *future.Future[any] {
	s.stats.txns.Add(1)
	return s.env.Transaction(fn)
}

func (s *Store) ChildTransaction(fn func(*Txn) (any, error)) *future.Future[any] {
	s.stats.txns.Add(1)
	return s.env.ChildTransaction(fn)
}

func (s *Store) TransactionSync(fn func(*Txn) (any, error)) (any, error) {
	s.stats.txns.Add(1)
	return s.env.TransactionSync(fn)
}

// ClearAsync queues the removal of every entry of the store.
func (s *Store) ClearAsync() *future.Future[bool] {
	cb := &instruction.Callback{
		Run: func(w db.WriteTxn) (any, error) {
			return nil, committer.DeletePrefix(w, s.target.Table, nil)
		},
	}
	if s.cache != nil {
		cb.OnSettle = func(error) { s.cache.purge() }
	}
	return future.Then(s.env.publishCallback(cb), func(any) (bool, error) {
		return true, nil
	})
}
