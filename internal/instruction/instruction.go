// Package instruction holds the write operations handed from callers to the
// committer, the status word protocol both sides use to coordinate, and the
// channel that orders them.
package instruction

import (
	"sync"
	"sync/atomic"

	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/encoding"
)

type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
	// OpBlockStart opens a block of instructions that commit or are skipped
	// together depending on its condition.
	OpBlockStart
	OpBlockEnd
	// OpCallbacks runs queued user transaction callbacks inside the batch.
	OpCallbacks
	// OpDelimiter ends a batch; the committer commits when it reaches one.
	OpDelimiter
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpBlockStart:
		return "block-start"
	case OpBlockEnd:
		return "block-end"
	case OpCallbacks:
		return "callbacks"
	case OpDelimiter:
		return "delimiter"
	}
	return "unknown"
}

type Condition uint8

const (
	CondNone Condition = iota
	// CondAbsent requires the key to be missing.
	CondAbsent
	// CondVersion requires the key to exist with the expected version.
	CondVersion
	// CondValue requires the stored payload to equal the expected bytes.
	CondValue
)

// Status word bits. The low bits are per instruction results, the high bits
// track the writer handshake and batch outcome.
const (
	StatusPending         uint32 = 0x100
	StatusConditionFailed uint32 = 0x1
	StatusLocked          uint32 = 0x200000
	StatusWaitingWriter   uint32 = 0x400000
	StatusBatchDelimiter  uint32 = 0x08000000
	StatusProcessed       uint32 = 0x10000000
	StatusTxnDelimiter    uint32 = 0x20000000
	StatusTxnCommitted    uint32 = 0x40000000
	StatusTxnFailed       uint32 = 0x80000000
)

// Target is the store an instruction applies to.
type Target struct {
	Name  string
	Table db.Table
	Codec encoding.Codec
}

// Instruction is one queued operation. Its fields are written once before it
// is published; afterwards only the status word changes.
type Instruction struct {
	Op     Op
	Target *Target
	Key    []byte
	Value  []byte
	Cond   Condition
	// Version is the expected version for CondVersion.
	Version float64
	// Expect is the expected payload for CondValue.
	Expect []byte
	// DupPrefix marks Key as the prefix of every composite key of one
	// dup-sort key; deletes and conditions then cover all of them. A put
	// writes one pair, so its absence condition checks the prefix in Expect.
	DupPrefix bool
	Group     *Group

	// Err is set by the committer on delimiters of failed batches.
	Err    error
	Status atomic.Uint32
	Seq    uint64

	next  atomic.Pointer[Instruction]
	chunk *chunk
}

// Next returns the instruction published after this one, or nil.
func (in *Instruction) Next() *Instruction {
	return in.next.Load()
}

// Conditional reports whether the instruction resolves with its own outcome
// instead of the batch's shared commit result.
func (in *Instruction) Conditional() bool {
	return in.Cond != CondNone || in.Op == OpBlockStart
}

func (in *Instruction) reset() {
	in.Op = 0
	in.Target = nil
	in.Key = nil
	in.Value = nil
	in.Cond = CondNone
	in.Version = 0
	in.Expect = nil
	in.DupPrefix = false
	in.Group = nil
	in.Err = nil
	in.Seq = 0
	in.Status.Store(0)
	in.next.Store(nil)
}

// Callback is a user function run inside the committer's write transaction.
type Callback struct {
	Run func(w db.WriteTxn) (any, error)
	// AsChild runs the callback in a child transaction that is aborted when
	// it fails or returns the abort sentinel.
	AsChild bool
	// OnSettle runs once the transaction holding the callback committed or
	// failed, before the callback's future settles.
	OnSettle func(err error)

	Result any
	Err    error

	index int
}

// Index is the callback's position within its group.
func (cb *Callback) Index() int {
	return cb.index
}

// Group collects consecutive callbacks queued for the same instruction. The
// committer seals it before running them, after which no callback can join.
type Group struct {
	mu        sync.Mutex
	sealed    bool
	callbacks []*Callback
	settles   []func(cb *Callback, err error)
}

func (g *Group) tryAdd(cb *Callback, settle func(*Callback, error)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return false
	}
	cb.index = len(g.callbacks)
	g.callbacks = append(g.callbacks, cb)
	g.settles = append(g.settles, settle)
	return true
}

// Seal closes the group and returns its callbacks in submission order.
func (g *Group) Seal() []*Callback {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
	return g.callbacks
}

func (g *Group) settle(err error) {
	g.mu.Lock()
	callbacks, settles := g.callbacks, g.settles
	g.mu.Unlock()
	for i, cb := range callbacks {
		settles[i](cb, err)
	}
}
