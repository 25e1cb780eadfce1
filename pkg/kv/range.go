package kv

import (
	"iter"

	"github.com/eigerco/txkv/internal/rangecursor"
)

// RangeOptions select a key range. Nil Start or End leaves that side open.
// In reverse ranges Start is the high key and End the low one.
type RangeOptions struct {
	Start any
	End   any

	Reverse bool
	Limit   int
	Offset  int
	// KeysOnly skips reading values.
	KeysOnly bool
	Versions bool
	// Live lets a long iteration move to newer read transactions as writes
	// commit instead of holding its starting snapshot. It then sees writes
	// made after it started.
	Live           bool
	InclusiveEnd   bool
	ExclusiveStart bool
	ExactMatch     bool
}

// Range is a lazily evaluated key range. Every iteration opens its own
// cursor, so a Range may be iterated more than once.
type Range struct {
	store *Store
	src   rangecursor.Source
	opts  rangecursor.Options
	err   error
}

func (s *Store) newRange(src rangecursor.Source, o RangeOptions) *Range {
	r := &Range{
		store: s,
		src:   src,
		opts: rangecursor.Options{
			Reverse:        o.Reverse,
			KeysOnly:       o.KeysOnly,
			Versions:       o.Versions,
			Live:           o.Live,
			InclusiveEnd:   o.InclusiveEnd,
			ExclusiveStart: o.ExclusiveStart,
			ExactMatch:     o.ExactMatch,
			Limit:          o.Limit,
			Offset:         o.Offset,
		},
	}
	if o.Start != nil {
		if r.opts.Start, r.err = s.key(o.Start); r.err != nil {
			return r
		}
	}
	if o.End != nil {
		r.opts.End, r.err = s.key(o.End)
	}
	return r
}

// Iterator is a single pass over a Range. It must be closed unless Next
// returned false.
type Iterator struct {
	it  *rangecursor.Iterator
	err error
}

func (r *Range) Iterator() *Iterator {
	if r.err != nil {
		return &Iterator{err: r.err}
	}
	if r.store != nil {
		r.store.stats.reads.Add(1)
		if r.src.Writer == nil && r.store.env.closed.Load() {
			return &Iterator{err: ErrClosed}
		}
	}
	return &Iterator{it: rangecursor.New(r.store.target, r.src, r.opts)}
}

func (it *Iterator) Next() bool {
	if it.it == nil {
		return false
	}
	return it.it.Next()
}

func (it *Iterator) Entry() Entry {
	return it.it.Entry()
}

func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.it == nil {
		return nil
	}
	return it.it.Err()
}

func (it *Iterator) Close() error {
	if it.it == nil {
		return nil
	}
	return it.it.Close()
}

// All yields every entry of the range. An iteration error is yielded last
// with a zero Entry.
func (r *Range) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		it := r.Iterator()
		defer it.Close() //nolint:errcheck
		for it.Next() {
			if !yield(it.Entry(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Entry{}, err)
		}
	}
}

func (r *Range) Collect() ([]Entry, error) {
	var out []Entry
	for e, err := range r.All() {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Range) Keys() ([]any, error) {
	var out []any
	for e, err := range r.All() {
		if err != nil {
			return out, err
		}
		out = append(out, e.Key)
	}
	return out, nil
}

func (r *Range) Values() ([]any, error) {
	var out []any
	for e, err := range r.All() {
		if err != nil {
			return out, err
		}
		out = append(out, e.Value)
	}
	return out, nil
}

func (r *Range) Count() (int, error) {
	n := 0
	for _, err := range r.All() {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
