package kv

import (
	"fmt"

	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/pkg/future"
)

// Batch collects the writes of a block. Nothing is queued until the function
// building the block returns without error; the block is then published as
// one contiguous run that the writer applies in a single transaction.
type Batch struct {
	env *Environment
	ops []batchOp
	err error
}

type batchOp struct {
	req instruction.Request
	fut *future.Future[bool]
}

func (b *Batch) add(r instruction.Request) *future.Future[bool] {
	fut := future.New[bool]()
	hook := r.OnSettle
	r.OnSettle = func(ok bool, err error) {
		if hook != nil {
			hook(ok, err)
		}
		if err != nil {
			fut.Reject(err)
			return
		}
		fut.Resolve(ok)
	}
	r.InBlock = true
	b.ops = append(b.ops, batchOp{req: r, fut: fut})
	return fut
}

func (b *Batch) owns(s *Store) error {
	if s.env != b.env {
		return ErrWrongStore
	}
	return nil
}

// Put adds a write to the block. Its future resolves false when the block's
// condition, or the write's own, did not hold.
func (b *Batch) Put(s *Store, key, value any, opts ...WriteOption) *future.Future[bool] {
	if err := b.owns(s); err != nil {
		return future.Failed[bool](err)
	}
	o := newWriteOptions(opts)
	r, err := s.putRequest(key, value, o)
	if err != nil {
		return future.Failed[bool](err)
	}
	r.OnSettle = s.cacheHook(r, value, o.version)
	s.stats.writes.Add(1)
	return b.add(r)
}

func (b *Batch) Remove(s *Store, key any, opts ...WriteOption) *future.Future[bool] {
	if err := b.owns(s); err != nil {
		return future.Failed[bool](err)
	}
	r, err := s.removeRequest(key, newWriteOptions(opts))
	if err != nil {
		return future.Failed[bool](err)
	}
	r.OnSettle = s.cacheHook(r, nil, 0)
	s.stats.writes.Add(1)
	return b.add(r)
}

// IfVersion nests a conditional block. When the enclosing block's condition
// fails the nested one resolves false as well.
func (b *Batch) IfVersion(s *Store, key any, version float64, fn func(*Batch) error) *future.Future[bool] {
	if err := b.owns(s); err != nil {
		return future.Failed[bool](err)
	}
	r, err := s.blockRequest(key, &version)
	if err != nil {
		return future.Failed[bool](err)
	}
	return b.nest(r, fn)
}

func (b *Batch) IfNoExists(s *Store, key any, fn func(*Batch) error) *future.Future[bool] {
	if err := b.owns(s); err != nil {
		return future.Failed[bool](err)
	}
	r, err := s.blockRequest(key, nil)
	if err != nil {
		return future.Failed[bool](err)
	}
	return b.nest(r, fn)
}

func (b *Batch) nest(start instruction.Request, fn func(*Batch) error) *future.Future[bool] {
	fut := b.add(start)
	if err := build(b, fn); err != nil && b.err == nil {
		b.err = err
	}
	b.add(instruction.Request{Op: instruction.OpBlockEnd})
	return fut
}

func build(b *Batch, fn func(*Batch) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch function panicked: %v", r)
		}
	}()
	return fn(b)
}

// Batch runs fn to build an unconditional block and queues it. The future
// resolves true once the block committed.
func (e *Environment) Batch(fn func(*Batch) error) *future.Future[bool] {
	return e.block(instruction.Request{Op: instruction.OpBlockStart}, fn)
}

func (e *Environment) block(start instruction.Request, fn func(*Batch) error) *future.Future[bool] {
	b := &Batch{env: e}
	fut := b.nest(start, fn)
	if b.err != nil {
		for _, op := range b.ops {
			op.fut.Reject(b.err)
		}
		return fut
	}
	// The opening instruction waits out backpressure so a block never grows
	// the queue past its bound by more than its own size.
	b.ops[0].req.InBlock = false

	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	if e.closed.Load() {
		for _, op := range b.ops {
			op.fut.Reject(ErrClosed)
		}
		return fut
	}
	for _, op := range b.ops {
		if pub := e.channel.Publish(op.req); pub.Settled() {
			// Rejected before it was linked; nothing will settle op.fut.
			if _, err := pub.Get(); err != nil {
				op.fut.Reject(err)
			}
		}
	}
	return fut
}
