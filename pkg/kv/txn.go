package kv

import (
	"github.com/eigerco/txkv/internal/committer"
	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/internal/rangecursor"
	"github.com/eigerco/txkv/pkg/db"
)

// Txn is the write transaction handed to transaction callbacks. Reads through
// it see its own uncommitted writes. A Txn is only valid while its callback
// runs.
type Txn struct {
	env     *Environment
	w       db.WriteTxn
	touched []touchedKey
}

type touchedKey struct {
	store *Store
	key   string
}

func newTxn(e *Environment, w db.WriteTxn) *Txn {
	return &Txn{env: e, w: w}
}

func (t *Txn) check(s *Store) error {
	if s.env != t.env {
		return ErrWrongStore
	}
	return nil
}

// Get returns the value of key in s, or ErrNotFound.
func (t *Txn) Get(s *Store, key any) (any, error) {
	e, err := t.GetEntry(s, key)
	return e.Value, err
}

func (t *Txn) GetEntry(s *Store, key any) (Entry, error) {
	if err := t.check(s); err != nil {
		return Entry{}, err
	}
	return s.getEntry(t.w, key)
}

// Put writes key immediately. It reports false when a condition given in
// opts does not hold.
func (t *Txn) Put(s *Store, key, value any, opts ...WriteOption) (bool, error) {
	if err := t.check(s); err != nil {
		return false, err
	}
	r, err := s.putRequest(key, value, newWriteOptions(opts))
	if err != nil {
		return false, err
	}
	return t.apply(s, r)
}

func (t *Txn) Remove(s *Store, key any, opts ...WriteOption) (bool, error) {
	if err := t.check(s); err != nil {
		return false, err
	}
	r, err := s.removeRequest(key, newWriteOptions(opts))
	if err != nil {
		return false, err
	}
	return t.apply(s, r)
}

func (t *Txn) apply(s *Store, r instruction.Request) (bool, error) {
	ok, err := committer.Apply(t.w, r)
	if err != nil {
		return false, err
	}
	if ok {
		s.stats.writes.Add(1)
		if s.cache != nil {
			k := string(r.Key)
			s.cache.evict(k)
			t.touched = append(t.touched, touchedKey{store: s, key: k})
		}
	}
	return ok, nil
}

// IfVersion runs fn in a child transaction when key's version in s equals
// version. The child is rolled back if fn fails.
func (t *Txn) IfVersion(s *Store, key any, version float64, fn func(*Txn) error) (bool, error) {
	if err := t.check(s); err != nil {
		return false, err
	}
	r, err := s.blockRequest(key, &version)
	if err != nil {
		return false, err
	}
	return t.conditional(r, fn)
}

// IfNoExists runs fn in a child transaction when key is absent from s.
func (t *Txn) IfNoExists(s *Store, key any, fn func(*Txn) error) (bool, error) {
	if err := t.check(s); err != nil {
		return false, err
	}
	r, err := s.blockRequest(key, nil)
	if err != nil {
		return false, err
	}
	return t.conditional(r, fn)
}

func (t *Txn) conditional(r instruction.Request, fn func(*Txn) error) (bool, error) {
	ok, err := committer.Apply(t.w, r)
	if err != nil || !ok {
		return false, err
	}
	_, err = t.ChildTransaction(func(child *Txn) (any, error) {
		return nil, fn(child)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ChildTransaction runs fn in a child of t. The child's writes are rolled
// back when fn fails, panics or returns Abort; t itself continues.
func (t *Txn) ChildTransaction(fn func(*Txn) (any, error)) (any, error) {
	var child *Txn
	cb := &instruction.Callback{
		AsChild: true,
		Run: func(w db.WriteTxn) (any, error) {
			child = newTxn(t.env, w)
			return fn(child)
		},
	}
	if err := committer.RunCallback(t.w, cb); err != nil {
		return nil, err
	}
	if child != nil {
		t.touched = append(t.touched, child.touched...)
	}
	if cb.Err != nil {
		t.env.logger.Debug().Err(cb.Err).Msg("Child transaction aborted")
	}
	return cb.Result, cb.Err
}

// GetRange iterates s inside this transaction, including its uncommitted
// writes.
func (t *Txn) GetRange(s *Store, opts RangeOptions) *Range {
	if err := t.check(s); err != nil {
		return &Range{err: err}
	}
	return s.newRange(rangecursor.Source{Writer: t.w}, opts)
}

// settled evicts cached keys written by the transaction once it committed
// or failed, so a read racing the commit cannot leave a stale entry behind.
func (t *Txn) settled() {
	for _, k := range t.touched {
		k.store.cache.evict(k.key)
	}
}
