// Package ledger tracks the completion of every published instruction and
// settles them in publish order once their batch is decided.
package ledger

import (
	"sync"

	"github.com/eigerco/txkv/internal/instruction"
)

const none int32 = -1

type resolution struct {
	instr  *instruction.Instruction
	settle instruction.Settle
	status uint32
	err    error
	next   int32
	delim  bool
}

// Ledger keeps resolutions in an index-linked list backed by an arena with a
// free list. Two cursors walk it: unwritten stops at the first instruction the
// committer has not processed, uncommitted at the first one whose batch has not
// been decided.
//
// Settle hooks and the release hook never run under mu. Decided batches are
// queued and handed out by a single settling goroutine at a time, so they
// settle in publish order whichever goroutine drained them.
type Ledger struct {
	mu    sync.Mutex
	arena []resolution
	free  []int32

	uncommitted int32
	unwritten   int32
	tail        int32

	// decided counts processed delimiters not yet moved to the queue.
	decided int

	queue       []resolution
	released    int
	lastRelease *instruction.Instruction
	settling    bool

	release func(n int, last *instruction.Instruction)
	settled uint64
}

// New returns an empty ledger. release is told how many instructions were
// drained so their buffer space can be reused.
func New(release func(n int, last *instruction.Instruction)) *Ledger {
	return &Ledger{
		uncommitted: none,
		unwritten:   none,
		tail:        none,
		release:     release,
	}
}

// SetRelease replaces the release hook.
func (l *Ledger) SetRelease(release func(n int, last *instruction.Instruction)) {
	l.mu.Lock()
	l.release = release
	l.mu.Unlock()
}

// Record appends a resolution for in. Calls must follow publish order.
func (l *Ledger) Record(in *instruction.Instruction, settle instruction.Settle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.allocate()
	l.arena[idx] = resolution{
		instr:  in,
		settle: settle,
		next:   none,
		delim:  in.Op == instruction.OpDelimiter,
	}
	if l.tail != none {
		l.arena[l.tail].next = idx
	}
	l.tail = idx
	if l.uncommitted == none {
		l.uncommitted = idx
	}
	if l.unwritten == none {
		l.unwritten = idx
	}
}

// Drain advances both cursors as far as the status words allow and settles
// every decided batch. It reports how many resolutions it moved to the settle
// queue. When another goroutine is settling, that goroutine settles them.
func (l *Ledger) Drain() int {
	l.mu.Lock()

	for l.unwritten != none {
		r := &l.arena[l.unwritten]
		status := r.instr.Status.Load()
		if status&instruction.StatusProcessed == 0 {
			break
		}
		r.status = status
		if r.delim {
			if status&instruction.StatusTxnFailed != 0 {
				r.err = instruction.NewCommitFailed(r.instr.Err)
			}
			l.decided++
		}
		l.lastRelease = r.instr
		r.instr = nil
		l.released++
		l.unwritten = r.next
	}

	moved := 0
	for ; l.decided > 0; l.decided-- {
		for {
			idx := l.uncommitted
			r := l.arena[idx]
			l.queue = append(l.queue, r)
			moved++
			l.uncommitted = r.next
			l.arena[idx] = resolution{}
			l.free = append(l.free, idx)
			if r.delim {
				break
			}
		}
	}
	if l.uncommitted == none {
		l.tail = none
	}
	l.settled += uint64(moved)

	if l.settling {
		l.mu.Unlock()
		return moved
	}
	l.settling = true
	for {
		n, last := l.released, l.lastRelease
		batch := l.queue
		l.released, l.lastRelease, l.queue = 0, nil, nil
		if n == 0 && len(batch) == 0 {
			l.settling = false
			l.mu.Unlock()
			return moved
		}
		release := l.release
		l.mu.Unlock()

		if release != nil && n > 0 {
			release(n, last)
		}
		settleBatch(batch)
		l.mu.Lock()
	}
}

// Pending counts resolutions whose batch has not been decided yet.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for idx := l.uncommitted; idx != none; idx = l.arena[idx].next {
		n++
	}
	return n
}

// Settled counts resolutions settled so far.
func (l *Ledger) Settled() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled
}

func (l *Ledger) allocate() int32 {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		return idx
	}
	l.arena = append(l.arena, resolution{})
	return int32(len(l.arena) - 1)
}

// settleBatch settles resolutions in order; each batch shares the error of
// its delimiter.
func settleBatch(rs []resolution) {
	start := 0
	for i, r := range rs {
		if !r.delim {
			continue
		}
		for _, s := range rs[start : i+1] {
			if s.settle != nil {
				s.settle(s.status, r.err)
			}
		}
		start = i + 1
	}
}
