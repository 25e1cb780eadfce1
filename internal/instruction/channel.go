package instruction

import (
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eigerco/txkv/internal/scheduler"
	"github.com/eigerco/txkv/pkg/future"
)

const (
	DefaultChunkSize             = 256
	DefaultBackpressureThreshold = 100_000

	drainEvery = 8
)

// Abort is returned by a transaction callback to roll back its writes.
var Abort any = abortResult{}

type abortResult struct{}

// Settle is called once per published instruction, in publish order, after
// the batch holding it committed (err == nil) or failed.
type Settle func(status uint32, err error)

// Recorder receives a settle hook for every published instruction.
type Recorder interface {
	Record(in *Instruction, settle Settle)
}

type Config struct {
	Scheduler scheduler.Config
	// BackpressureThreshold bounds the instructions published but not yet
	// drained. Publishers outside blocks wait while it is reached.
	BackpressureThreshold int
	ChunkSize             int
	// MaxKeySize rejects longer keys in Prepare.
	MaxKeySize int
}

// Request describes one operation to publish.
type Request struct {
	Op        Op
	Target    *Target
	Key       []byte
	Value     []byte
	Cond      Condition
	Version   float64
	Expect    []byte
	DupPrefix bool
	// InBlock is set for operations issued while building a block. They
	// skip backpressure so the block can always be completed.
	InBlock bool
	// OnSettle runs when the operation is settled. ok reports that it was
	// applied: its batch committed and neither its own condition nor that of
	// an enclosing block failed.
	OnSettle func(ok bool, err error)
}

type chunk struct {
	slots []Instruction
}

type Stats struct {
	Published         uint64
	Outstanding       int
	MaxOutstanding    int
	BackpressureWaits uint64
	Batches           uint64
}

// Channel orders published instructions into a single linked sequence that
// the committer consumes. Instructions live in fixed-size chunks that are
// recycled once every instruction in them has been drained.
type Channel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	sched  *scheduler.Scheduler
	rec    Recorder
	drain  func()
	logger zerolog.Logger

	head, tail *Instruction
	chunks     []*chunk
	cur        *chunk
	pos        int
	pool       sync.Pool

	threshold  int
	maxKeySize int
	seq        uint64

	batch     *future.Future[bool]
	lastBatch *future.Future[bool]

	outstanding int
	sinceDrain  int
	stats       Stats
	closed      bool

	// suspended is non-zero while the committer runs transaction callbacks.
	suspended int

	wake chan struct{}
}

func NewChannel(cfg Config, rec Recorder, logger zerolog.Logger) *Channel {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	head := &Instruction{Op: OpDelimiter}
	head.Status.Store(StatusProcessed | StatusTxnDelimiter | StatusTxnCommitted | StatusBatchDelimiter)

	c := &Channel{
		rec:        rec,
		logger:     logger,
		head:       head,
		tail:       head,
		threshold:  cfg.BackpressureThreshold,
		maxKeySize: cfg.MaxKeySize,
		wake:       make(chan struct{}, 1),
	}
	size := cfg.ChunkSize
	c.pool.New = func() any {
		return &chunk{slots: make([]Instruction, size)}
	}
	c.cond = sync.NewCond(&c.mu)
	c.sched = scheduler.New(cfg.Scheduler, c.Flush)
	return c
}

// SetDrain installs the function publishers call periodically to drain
// settled instructions.
func (c *Channel) SetDrain(fn func()) {
	c.mu.Lock()
	c.drain = fn
	c.mu.Unlock()
}

// Head is the sentinel preceding the first published instruction.
func (c *Channel) Head() *Instruction {
	return c.head
}

// Wake delivers a token whenever the committer may have new work.
func (c *Channel) Wake() <-chan struct{} {
	return c.wake
}

// Prepare validates r without touching shared state. The returned function
// publishes it and returns its completion.
func (c *Channel) Prepare(r Request) (func() *future.Future[bool], error) {
	switch r.Op {
	case OpPut, OpDelete:
		if len(r.Key) == 0 {
			return nil, ErrEmptyKey
		}
	case OpBlockStart:
		if r.Cond != CondNone && len(r.Key) == 0 {
			return nil, ErrEmptyKey
		}
	}
	if c.maxKeySize > 0 && len(r.Key) > c.maxKeySize && !r.DupPrefix {
		return nil, ErrKeySize
	}
	return func() *future.Future[bool] {
		return c.publish(r)
	}, nil
}

// Publish prepares and publishes r in one step.
func (c *Channel) Publish(r Request) *future.Future[bool] {
	finish, err := c.Prepare(r)
	if err != nil {
		return future.Failed[bool](err)
	}
	return finish()
}

func (c *Channel) publish(r Request) *future.Future[bool] {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return future.Failed[bool](ErrClosed)
	}
	if !r.InBlock {
		c.backpressure()
		if c.closed {
			c.mu.Unlock()
			return future.Failed[bool](ErrClosed)
		}
	}

	batchStart := c.tail.Op == OpDelimiter
	if c.batch == nil {
		c.batch = future.New[bool]()
	}

	in := c.alloc()
	in.Op = r.Op
	in.Target = r.Target
	in.Key = r.Key
	in.Value = r.Value
	in.Cond = r.Cond
	in.Version = r.Version
	in.Expect = r.Expect
	in.DupPrefix = r.DupPrefix

	var fut *future.Future[bool]
	if in.Conditional() {
		fut = future.New[bool]()
		c.rec.Record(in, conditionalSettle(fut, r.OnSettle))
	} else {
		fut = c.batch
		c.rec.Record(in, sharedSettle(r.OnSettle))
	}
	c.link(in)

	if in.Op == OpBlockStart {
		c.sched.Enter()
	}
	act := c.sched.Published(batchStart)
	if in.Op == OpBlockEnd && c.sched.Leave() {
		act |= scheduler.Flush
	}
	c.apply(act)
	drain := c.tick()
	c.mu.Unlock()

	if drain != nil {
		drain()
	}
	return fut
}

// PublishCallback queues cb to run inside the next write transaction.
// Consecutive callbacks share one instruction until the committer seals it.
func (c *Channel) PublishCallback(cb *Callback, inBlock bool) *future.Future[any] {
	fut := future.New[any]()
	settle := func(cb *Callback, err error) {
		if cb.OnSettle != nil {
			cb.OnSettle(err)
		}
		switch {
		case err != nil:
			fut.Reject(err)
		case cb.Err != nil:
			fut.Reject(&CallbackError{Index: cb.index, Err: cb.Err})
		default:
			fut.Resolve(cb.Result)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return future.Failed[any](ErrClosed)
	}
	if c.tail.Op == OpCallbacks && c.tail.Group.tryAdd(cb, settle) {
		c.mu.Unlock()
		return fut
	}
	if !inBlock {
		c.backpressure()
		if c.closed {
			c.mu.Unlock()
			return future.Failed[any](ErrClosed)
		}
	}
	batchStart := c.tail.Op == OpDelimiter
	if c.batch == nil {
		c.batch = future.New[bool]()
	}

	in := c.alloc()
	in.Op = OpCallbacks
	in.Group = &Group{}
	in.Group.tryAdd(cb, settle)
	group := in.Group
	c.rec.Record(in, func(_ uint32, err error) {
		group.settle(err)
	})
	c.link(in)

	c.apply(c.sched.Published(batchStart))
	drain := c.tick()
	c.mu.Unlock()

	if drain != nil {
		drain()
	}
	return fut
}

// Flush ends the open batch unless a block is being built, in which case the
// batch ends when the outermost block closes.
func (c *Channel) Flush() {
	c.mu.Lock()
	c.delimit()
	c.mu.Unlock()
}

// Flushed ends the open batch and returns the completion of the most recent
// batch.
func (c *Channel) Flushed() *future.Future[bool] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batch != nil {
		f := c.batch
		c.delimit()
		return f
	}
	if c.lastBatch != nil {
		return c.lastBatch
	}
	return future.Resolved(true)
}

// Release is called by the ledger after n instructions were drained, the
// last of them being last.
func (c *Channel) Release(n int, last *Instruction) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.outstanding -= n
	for len(c.chunks) > 1 && c.chunks[0] != last.chunk && c.chunks[0] != c.cur {
		old := c.chunks[0]
		c.chunks[0] = nil
		c.chunks = c.chunks[1:]
		for i := range old.slots {
			old.slots[i].reset()
		}
		c.pool.Put(old)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// SuspendBackpressure lets every publisher through until the matching
// ResumeBackpressure. The committer calls it around transaction callbacks:
// writes published from a callback could otherwise wait on the goroutine
// that is running it.
func (c *Channel) SuspendBackpressure() {
	c.mu.Lock()
	c.suspended++
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Channel) ResumeBackpressure() {
	c.mu.Lock()
	c.suspended--
	c.mu.Unlock()
}

// Close ends the open batch and rejects later publishes. Instructions
// already published are still committed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.sched.Depth() == 0 {
		c.delimit()
	}
	c.sched.Stop()
	c.closed = true
	c.cond.Broadcast()
	c.signal()
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Outstanding = c.outstanding
	s.Batches = c.sched.Batches()
	return s
}

func (c *Channel) alloc() *Instruction {
	if c.cur == nil || c.pos == len(c.cur.slots) {
		c.cur = c.pool.Get().(*chunk)
		c.chunks = append(c.chunks, c.cur)
		c.pos = 0
	}
	in := &c.cur.slots[c.pos]
	c.pos++
	in.chunk = c.cur
	return in
}

// link appends in after the tail. If the committer parked on the previous
// tail it is woken.
func (c *Channel) link(in *Instruction) {
	c.seq++
	in.Seq = c.seq
	status := StatusPending
	if in.Op == OpDelimiter {
		status |= StatusTxnDelimiter
	}
	in.Status.Store(status)

	prev := c.tail
	prev.next.Store(in)
	c.tail = in

	c.outstanding++
	c.stats.Published++
	if c.outstanding > c.stats.MaxOutstanding {
		c.stats.MaxOutstanding = c.outstanding
	}

	for {
		s := prev.Status.Load()
		if s&StatusLocked != 0 {
			runtime.Gosched()
			continue
		}
		if s&StatusWaitingWriter != 0 {
			c.signal()
		}
		return
	}
}

func (c *Channel) apply(act scheduler.Action) {
	if act&scheduler.Flush != 0 {
		c.delimit()
	}
	if act&scheduler.Wake != 0 {
		c.signal()
	}
}

// delimit writes a delimiter ending the open batch.
func (c *Channel) delimit() {
	if c.closed || !c.sched.CanFlush() {
		return
	}
	batch := c.batch
	c.batch = nil
	c.lastBatch = batch

	in := c.alloc()
	in.Op = OpDelimiter
	c.rec.Record(in, func(_ uint32, err error) {
		if err != nil {
			batch.Reject(err)
			return
		}
		batch.Resolve(true)
	})
	c.link(in)
	c.sched.Flushed()
	c.signal()
}

func (c *Channel) backpressure() {
	if c.threshold <= 0 {
		return
	}
	waited := false
	for c.outstanding >= c.threshold && !c.closed && c.suspended == 0 {
		if !waited {
			waited = true
			c.stats.BackpressureWaits++
			c.logger.Warn().Int("outstanding", c.outstanding).Msg("Write backpressure engaged")
		}
		c.delimit()
		c.cond.Wait()
	}
}

func (c *Channel) tick() func() {
	c.sinceDrain++
	if c.sinceDrain < drainEvery || c.drain == nil {
		return nil
	}
	c.sinceDrain = 0
	return c.drain
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// sharedSettle only runs the hook; the batch future is settled by the
// delimiter after every hook of the batch ran.
func sharedSettle(hook func(bool, error)) Settle {
	return func(status uint32, err error) {
		if hook != nil {
			hook(err == nil && status&StatusConditionFailed == 0, err)
		}
	}
}

func conditionalSettle(fut *future.Future[bool], hook func(bool, error)) Settle {
	return func(status uint32, err error) {
		ok := status&StatusConditionFailed == 0
		if hook != nil {
			hook(err == nil && ok, err)
		}
		if err != nil {
			fut.Reject(err)
			return
		}
		fut.Resolve(ok)
	}
}
