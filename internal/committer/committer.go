// Package committer runs the single background writer. It walks the
// instruction channel, applies each instruction inside an engine write
// transaction and commits at every delimiter.
package committer

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/internal/ledger"
	"github.com/eigerco/txkv/pkg/db"
)

type Config struct {
	Engine  db.Engine
	Channel *instruction.Channel
	Ledger  *ledger.Ledger
	// WriteMu is held for the lifetime of every write transaction the
	// committer opens. Synchronous transactions take it too.
	WriteMu *sync.Mutex
	// AfterCommit runs after a batch committed and before its operations are
	// settled.
	AfterCommit func()
	Logger      zerolog.Logger
}

type Stats struct {
	Batches      uint64
	Failed       uint64
	Instructions uint64
}

type Committer struct {
	cfg  Config
	done chan struct{}

	w      db.WriteTxn
	locked bool
	failed error
	skip   int

	began time.Time
	count int

	batches      atomic.Uint64
	failedCount  atomic.Uint64
	instructions atomic.Uint64
}

func New(cfg Config) *Committer {
	return &Committer{cfg: cfg, done: make(chan struct{})}
}

// Start launches the writer goroutine.
func (c *Committer) Start() {
	go c.run()
}

// Done is closed once the channel is closed and every instruction published
// before that has been committed.
func (c *Committer) Done() <-chan struct{} {
	return c.done
}

func (c *Committer) Stats() Stats {
	return Stats{
		Batches:      c.batches.Load(),
		Failed:       c.failedCount.Load(),
		Instructions: c.instructions.Load(),
	}
}

func (c *Committer) run() {
	defer close(c.done)

	cur := c.cfg.Channel.Head()
	for {
		next := c.await(cur)
		if next == nil {
			if c.w != nil {
				_ = c.w.Abort()
				c.w = nil
			}
			c.unlock()
			c.cfg.Ledger.Drain()
			return
		}
		c.process(next)
		cur = next
	}
}

// await returns the instruction after cur, parking until one is published.
// The park handshake sets LOCKED while re-checking so a publisher that links
// a new instruction either sees it or sees the waiting bit and wakes us.
func (c *Committer) await(cur *instruction.Instruction) *instruction.Instruction {
	waitBit := instruction.StatusWaitingWriter
	if cur.Op == instruction.OpDelimiter {
		waitBit = instruction.StatusBatchDelimiter
	}
	for {
		if next := cur.Next(); next != nil {
			return next
		}
		cur.Status.Or(instruction.StatusLocked)
		if next := cur.Next(); next != nil {
			cur.Status.And(^instruction.StatusLocked)
			return next
		}
		cur.Status.Or(waitBit)
		cur.Status.And(^instruction.StatusLocked)

		if c.cfg.Channel.Closed() {
			if next := cur.Next(); next != nil {
				return next
			}
			return nil
		}
		<-c.cfg.Channel.Wake()
	}
}

func (c *Committer) process(in *instruction.Instruction) {
	if in.Op == instruction.OpDelimiter {
		c.commit(in)
		return
	}
	if c.w == nil && c.failed == nil {
		c.begin()
	}
	c.count++
	status := instruction.StatusProcessed

	if c.skip > 0 {
		switch in.Op {
		case instruction.OpBlockStart:
			c.skip++
			status |= instruction.StatusConditionFailed
		case instruction.OpBlockEnd:
			c.skip--
		case instruction.OpCallbacks:
			in.Group.Seal()
		default:
			status |= instruction.StatusConditionFailed
		}
		in.Status.Or(status)
		return
	}
	if c.failed != nil {
		if in.Op == instruction.OpCallbacks {
			in.Group.Seal()
		}
		in.Status.Or(status)
		return
	}

	var err error
	switch in.Op {
	case instruction.OpPut, instruction.OpDelete:
		var ok bool
		if ok, err = check(c.w, in); err == nil {
			if ok {
				err = apply(c.w, in)
			} else {
				status |= instruction.StatusConditionFailed
			}
		}
	case instruction.OpBlockStart:
		var ok bool
		if ok, err = check(c.w, in); err == nil && !ok {
			status |= instruction.StatusConditionFailed
			c.skip = 1
		}
	case instruction.OpCallbacks:
		err = c.runCallbacks(in.Group)
	}
	if err != nil {
		c.failed = err
		c.cfg.Logger.Error().Err(err).Str("op", in.Op.String()).Msg("Write failed, batch will abort")
	}
	in.Status.Or(status)
}

func (c *Committer) begin() {
	c.cfg.WriteMu.Lock()
	c.locked = true
	c.began = time.Now()
	c.count = 0
	w, err := c.cfg.Engine.BeginWrite()
	if err != nil {
		c.failed = db.Wrap("begin write", err)
		return
	}
	c.w = w
}

func (c *Committer) unlock() {
	if c.locked {
		c.locked = false
		c.cfg.WriteMu.Unlock()
	}
}

func (c *Committer) commit(in *instruction.Instruction) {
	err := c.failed
	if c.w != nil {
		if err != nil {
			_ = c.w.Abort()
		} else if cerr := c.w.Commit(); cerr != nil {
			err = db.Wrap("commit", cerr)
		}
		c.w = nil
	}
	c.unlock()
	c.failed = nil
	c.skip = 0

	c.batches.Add(1)
	c.instructions.Add(uint64(c.count))
	status := instruction.StatusProcessed
	if err != nil {
		in.Err = err
		status |= instruction.StatusTxnFailed
		c.failedCount.Add(1)
		c.cfg.Logger.Error().Err(err).Int("instructions", c.count).Msg("Batch commit failed")
	} else {
		status |= instruction.StatusTxnCommitted
		c.cfg.Logger.Debug().Int("instructions", c.count).
			Dur("duration", time.Since(c.began)).Msg("Batch committed")
	}
	c.count = 0
	in.Status.Or(status)

	if err == nil && c.cfg.AfterCommit != nil {
		c.cfg.AfterCommit()
	}
	c.cfg.Ledger.Drain()
}

// Apply runs one write request directly against w, the way the committer
// would. It reports false without writing when the condition does not hold.
func Apply(w db.WriteTxn, r instruction.Request) (bool, error) {
	in := &instruction.Instruction{
		Op:        r.Op,
		Target:    r.Target,
		Key:       r.Key,
		Value:     r.Value,
		Cond:      r.Cond,
		Version:   r.Version,
		Expect:    r.Expect,
		DupPrefix: r.DupPrefix,
	}
	ok, err := check(w, in)
	if err != nil || !ok {
		return false, err
	}
	if in.Op != instruction.OpPut && in.Op != instruction.OpDelete {
		return true, nil
	}
	return true, apply(w, in)
}

// check evaluates the condition of in against the open transaction.
func check(r db.Reader, in *instruction.Instruction) (bool, error) {
	if in.Cond == instruction.CondNone {
		return true, nil
	}
	t := in.Target.Table
	if in.Cond == instruction.CondAbsent && in.DupPrefix {
		prefix := in.Key
		if in.Op == instruction.OpPut {
			prefix = in.Expect
		}
		found, err := hasPrefix(r, t, prefix)
		return !found, err
	}
	raw, err := r.Get(t, in.Key)
	if errors.Is(err, db.ErrNotFound) {
		return in.Cond == instruction.CondAbsent, nil
	}
	if err != nil {
		return false, err
	}
	switch in.Cond {
	case instruction.CondAbsent:
		return false, nil
	case instruction.CondVersion:
		v, err := in.Target.Codec.Version(raw)
		if err != nil {
			return false, err
		}
		return v == in.Version, nil
	case instruction.CondValue:
		payload, _, err := in.Target.Codec.Unframe(raw)
		if err != nil {
			return false, err
		}
		return bytes.Equal(payload, in.Expect), nil
	}
	return false, fmt.Errorf("unknown condition %d", in.Cond)
}

func apply(w db.WriteTxn, in *instruction.Instruction) error {
	t := in.Target.Table
	switch {
	case in.Op == instruction.OpPut:
		return w.Put(t, in.Key, in.Value)
	case in.DupPrefix:
		return DeletePrefix(w, t, in.Key)
	default:
		return w.Delete(t, in.Key)
	}
}

func (c *Committer) runCallbacks(g *instruction.Group) error {
	c.cfg.Channel.SuspendBackpressure()
	defer c.cfg.Channel.ResumeBackpressure()
	for _, cb := range g.Seal() {
		if err := RunCallback(c.w, cb); err != nil {
			return err
		}
	}
	return nil
}

// RunCallback runs cb against w, inside a child transaction when cb asks for
// one. The callback's own failure is stored on cb; the returned error is an
// engine failure that must abort the whole transaction.
func RunCallback(w db.WriteTxn, cb *instruction.Callback) error {
	if !cb.AsChild {
		cb.Result, cb.Err = call(cb.Run, w)
		return nil
	}
	child, err := db.BeginChild(w)
	if err != nil {
		return err
	}
	cb.Result, cb.Err = call(cb.Run, child)
	if cb.Err != nil || cb.Result == instruction.Abort {
		return child.Abort()
	}
	return child.Commit()
}

func call(fn func(db.WriteTxn) (any, error), w db.WriteTxn) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction callback panicked: %v", r)
		}
	}()
	return fn(w)
}

func hasPrefix(r db.Reader, t db.Table, prefix []byte) (bool, error) {
	cur, err := r.Cursor(t)
	if err != nil {
		return false, err
	}
	defer cur.Close() //nolint:errcheck
	k, _, ok := cur.Seek(prefix)
	if !ok {
		return false, cur.Err()
	}
	return bytes.HasPrefix(k, prefix), nil
}

// DeletePrefix removes every key of t starting with prefix.
func DeletePrefix(w db.WriteTxn, t db.Table, prefix []byte) error {
	cur, err := w.Cursor(t)
	if err != nil {
		return err
	}
	var keys [][]byte
	for k, _, ok := cur.Seek(prefix); ok && bytes.HasPrefix(k, prefix); k, _, ok = cur.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	err = cur.Err()
	_ = cur.Close()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.Delete(t, k); err != nil {
			return err
		}
	}
	return nil
}
