// Package rangecursor iterates ordered key ranges of a store over either the
// shared read transaction or an open write transaction.
package rangecursor

import (
	"bytes"
	"errors"

	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/internal/readtxn"
	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/encoding"
)

var ErrNoSource = errors.New("range has neither a read manager nor a write transaction")

// Options bound a range in encoded key space. Start and End are encoded store
// keys; nil means unbounded.
type Options struct {
	Start []byte
	End   []byte
	// Key restricts iteration to the values of one key.
	Key          []byte
	ValuesForKey bool

	Reverse bool
	// KeysOnly skips value decoding.
	KeysOnly bool
	Versions bool
	// Live iterates without pinning a snapshot: when the shared read
	// transaction is renewed, iteration continues on the new one just past
	// the last visited key.
	Live           bool
	InclusiveEnd   bool
	ExclusiveStart bool
	// ExactMatch stops at the first key that differs from Start.
	ExactMatch bool
	// UniqueKeys yields each key of a dup-sort store once.
	UniqueKeys bool

	Limit  int
	Offset int
}

type Entry struct {
	Key     any
	Value   any
	Version float64
}

// Source is where an iterator gets its cursor from. Exactly one of Manager
// or Writer is set.
type Source struct {
	Manager *readtxn.Manager
	Pool    *Pool
	Writer  db.Reader
}

type Iterator struct {
	target *instruction.Target
	src    Source
	opts   Options

	txn           *readtxn.Txn
	cur           db.Cursor
	gen           uint64
	positionedGen uint64
	started       bool
	done          bool
	lastKey       []byte
	lastPart      []byte

	yielded int
	skipped int
	entry   Entry
	err     error
}

func New(target *instruction.Target, src Source, opts Options) *Iterator {
	return &Iterator{target: target, src: src, opts: opts}
}

// Next advances to the next entry in range.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.opts.Limit > 0 && it.yielded >= it.opts.Limit {
		it.finish()
		return false
	}

	release, err := it.bind()
	if err != nil {
		it.fail(err)
		return false
	}
	if release != nil {
		defer release()
	}

	for {
		k, v, ok := it.step()
		if !ok {
			if err := it.cur.Err(); err != nil {
				it.fail(db.Wrap("cursor", err))
				return false
			}
			it.finish()
			return false
		}
		it.lastKey = append(it.lastKey[:0], k...)

		part, err := it.keyPart(k)
		if err != nil {
			it.fail(err)
			return false
		}
		if !it.inRange(part) {
			it.finish()
			return false
		}
		if it.opts.ExactMatch && it.opts.Start != nil && !bytes.Equal(part, it.opts.Start) {
			it.finish()
			return false
		}
		if it.opts.ExclusiveStart && it.opts.Start != nil && bytes.Equal(part, it.opts.Start) {
			continue
		}
		if it.opts.UniqueKeys && it.lastPart != nil && bytes.Equal(part, it.lastPart) {
			continue
		}
		it.lastPart = append(it.lastPart[:0], part...)
		if it.skipped < it.opts.Offset {
			it.skipped++
			continue
		}

		e, err := it.decode(k, part, v)
		if err != nil {
			it.fail(err)
			return false
		}
		it.entry = e
		it.yielded++
		return true
	}
}

// Entry is valid after Next returned true.
func (it *Iterator) Entry() Entry {
	return it.entry
}

func (it *Iterator) Err() error {
	return it.err
}

// Close releases the cursor. It is safe to call more than once.
func (it *Iterator) Close() error {
	it.finish()
	return nil
}

// bind makes sure the iterator holds a cursor on the right transaction. For
// live iterators the returned release unpins the transaction after this step.
func (it *Iterator) bind() (func(), error) {
	switch {
	case it.src.Writer != nil:
		if it.cur == nil {
			c, err := it.src.Writer.Cursor(it.target.Table)
			if err != nil {
				return nil, err
			}
			it.cur = c
		}
		return nil, nil
	case it.src.Manager == nil:
		return nil, ErrNoSource
	}

	m := it.src.Manager
	if !it.opts.Live {
		if it.cur != nil {
			return nil, nil
		}
		t, err := m.Acquire()
		if err != nil {
			return nil, err
		}
		defer m.Release(t)
		return nil, it.open(t)
	}

	t, err := m.Acquire()
	if err != nil {
		return nil, err
	}
	release := func() { m.Release(t) }
	if it.txn == t {
		return release, nil
	}
	if it.cur != nil {
		m.CloseCursor(it.txn, it.cur, true)
		it.cur = nil
		it.txn = nil
	}
	if err := it.open(t); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (it *Iterator) open(t *readtxn.Txn) error {
	var c db.Cursor
	if it.src.Pool != nil {
		c = it.src.Pool.take(t.Generation())
	}
	if c == nil {
		var err error
		if c, err = t.Reader().Cursor(it.target.Table); err != nil {
			return err
		}
	}
	it.src.Manager.OpenCursor(t, c, it.opts.Live)
	it.txn = t
	it.cur = c
	it.gen = t.Generation()
	return nil
}

// step moves the cursor one entry in iteration order. After a live renewal
// it first repositions just past the last visited key.
func (it *Iterator) step() ([]byte, []byte, bool) {
	c := it.cur
	if !it.started {
		it.started = true
		return it.position()
	}
	if it.positionedGen != it.gen {
		return it.reposition()
	}
	if it.opts.Reverse {
		return c.Prev()
	}
	return c.Next()
}

func (it *Iterator) reposition() ([]byte, []byte, bool) {
	c := it.cur
	it.positionedGen = it.gen
	k, v, ok := c.Seek(it.lastKey)
	if !it.opts.Reverse {
		if ok && bytes.Equal(k, it.lastKey) {
			return c.Next()
		}
		return k, v, ok
	}
	if !ok {
		return c.Last()
	}
	return c.Prev()
}

func (it *Iterator) position() ([]byte, []byte, bool) {
	c := it.cur
	it.positionedGen = it.gen
	dup := it.target.Codec.DupSort
	start := it.opts.Start
	if it.opts.ValuesForKey {
		start = it.opts.Key
	}

	if !it.opts.Reverse {
		if start == nil {
			return c.First()
		}
		if dup {
			return c.Seek(encoding.DupPrefix(start))
		}
		return c.Seek(start)
	}

	if start == nil {
		return c.Last()
	}
	seek := start
	if dup {
		seek = encoding.DupPrefix(start)
		seek[len(seek)-1]++
	}
	k, v, ok := c.Seek(seek)
	if !ok {
		return c.Last()
	}
	part, err := it.keyPart(k)
	if err != nil || bytes.Compare(part, start) > 0 {
		return c.Prev()
	}
	return k, v, ok
}

func (it *Iterator) keyPart(k []byte) ([]byte, error) {
	if !it.target.Codec.DupSort {
		return k, nil
	}
	part, _, err := encoding.Unescape(k)
	return part, err
}

func (it *Iterator) inRange(part []byte) bool {
	if it.opts.ValuesForKey {
		return bytes.Equal(part, it.opts.Key)
	}
	if it.opts.End == nil {
		return true
	}
	c := bytes.Compare(part, it.opts.End)
	if it.opts.Reverse {
		return c > 0 || (it.opts.InclusiveEnd && c == 0)
	}
	return c < 0 || (it.opts.InclusiveEnd && c == 0)
}

func (it *Iterator) decode(k, part, v []byte) (Entry, error) {
	codec := it.target.Codec
	key, err := codec.DecodeKey(part)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Key: key}

	if codec.DupSort {
		if it.opts.KeysOnly {
			return e, nil
		}
		_, n, err := encoding.Unescape(k)
		if err != nil {
			return Entry{}, err
		}
		e.Value, err = encoding.UnmarshalValue(codec.Values, k[n:])
		return e, err
	}

	if it.opts.KeysOnly {
		if it.opts.Versions {
			e.Version, err = codec.Version(v)
		}
		return e, err
	}
	e.Value, e.Version, err = codec.DecodeValue(v)
	return e, err
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.finish()
}

func (it *Iterator) finish() {
	if it.done {
		return
	}
	it.done = true
	if it.cur == nil {
		return
	}
	c := it.cur
	it.cur = nil
	if it.src.Writer != nil {
		_ = c.Close()
		return
	}
	m := it.src.Manager
	if it.opts.Live {
		m.CloseCursor(it.txn, c, true)
		it.txn = nil
		return
	}
	if it.src.Pool != nil && it.err == nil && m.Current(it.txn) {
		it.src.Pool.give(it.gen, c)
	} else {
		_ = c.Close()
	}
	m.CloseCursor(it.txn, nil, false)
	it.txn = nil
}
