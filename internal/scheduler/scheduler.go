// Package scheduler decides where one batch of queued writes ends and the
// next begins.
package scheduler

import (
	"time"
)

type Config struct {
	// CommitDelay is how long a batch stays open after its first write.
	// Negative values end the batch right after every write.
	CommitDelay time.Duration
	// TxnStartThreshold ends the batch once this many instructions are
	// pending. Zero disables the limit.
	TxnStartThreshold int
	// BatchStartThreshold wakes the committer once this many instructions
	// are pending so it starts applying them before the batch is closed.
	BatchStartThreshold int
}

// Action tells the channel what to do after a publish.
type Action uint8

const (
	None  Action = 0
	Wake  Action = 1 << 0
	Flush Action = 1 << 1
)

// Scheduler is not safe for concurrent use. The channel calls it with its
// own lock held; the timer callback re-enters through that lock.
type Scheduler struct {
	cfg   Config
	flush func()

	pending  int
	depth    int
	deferred bool
	timer    *time.Timer
	armed    bool
	stopped  bool
	batches  uint64
}

// New returns a scheduler that calls flush from a timer goroutine when a
// delayed batch is due.
func New(cfg Config, flush func()) *Scheduler {
	return &Scheduler{cfg: cfg, flush: flush}
}

// Published records one more instruction. batchStart is set for the first
// instruction after a delimiter.
func (s *Scheduler) Published(batchStart bool) Action {
	s.pending++
	act := None
	if batchStart && s.cfg.CommitDelay >= 0 {
		s.arm()
	}
	if s.cfg.CommitDelay < 0 {
		act |= Flush
	}
	if s.cfg.TxnStartThreshold > 0 && s.pending >= s.cfg.TxnStartThreshold {
		act |= Flush
	}
	if s.cfg.BatchStartThreshold > 0 && s.pending == s.cfg.BatchStartThreshold {
		act |= Wake
	}
	return act
}

// CanFlush reports whether a delimiter may be written now. Inside a block the
// flush is remembered and replayed by Leave.
func (s *Scheduler) CanFlush() bool {
	if s.depth > 0 {
		s.deferred = true
		return false
	}
	return s.pending > 0
}

// Flushed resets the batch state after a delimiter was written.
func (s *Scheduler) Flushed() {
	s.pending = 0
	s.deferred = false
	s.batches++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

// Enter marks the start of a block that must not be split across batches.
func (s *Scheduler) Enter() {
	s.depth += 2
}

// Leave closes a block and reports whether a deferred flush is now due.
func (s *Scheduler) Leave() bool {
	s.depth -= 2
	if s.depth < 0 {
		s.depth = 0
	}
	return s.depth == 0 && s.deferred
}

func (s *Scheduler) Depth() int {
	return s.depth
}

func (s *Scheduler) Pending() int {
	return s.pending
}

// Batches counts delimiters written so far.
func (s *Scheduler) Batches() uint64 {
	return s.batches
}

// Stop cancels any pending timer. Later batches flush only on demand.
func (s *Scheduler) Stop() {
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

func (s *Scheduler) arm() {
	if s.armed || s.stopped {
		return
	}
	s.armed = true
	s.timer = time.AfterFunc(s.cfg.CommitDelay, s.flush)
}
