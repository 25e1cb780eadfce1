package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublished(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		publish int
		want    []Action
	}{
		{
			name:    "delayed batch never flushes on publish",
			cfg:     Config{CommitDelay: time.Hour},
			publish: 3,
			want:    []Action{None, None, None},
		},
		{
			name:    "immediate flushes every write",
			cfg:     Config{CommitDelay: -1},
			publish: 2,
			want:    []Action{Flush, Flush},
		},
		{
			name:    "txn start threshold",
			cfg:     Config{CommitDelay: time.Hour, TxnStartThreshold: 3},
			publish: 4,
			want:    []Action{None, None, Flush, Flush},
		},
		{
			name:    "batch start threshold wakes once",
			cfg:     Config{CommitDelay: time.Hour, BatchStartThreshold: 2},
			publish: 3,
			want:    []Action{None, Wake, None},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New(tc.cfg, func() {})
			defer s.Stop()
			for i := 0; i < tc.publish; i++ {
				assert.Equal(t, tc.want[i], s.Published(i == 0), "publish %d", i)
			}
			assert.Equal(t, tc.publish, s.Pending())
		})
	}
}

func TestBlocksDeferFlush(t *testing.T) {
	s := New(Config{CommitDelay: time.Hour}, func() {})
	defer s.Stop()

	s.Published(true)
	s.Enter()
	s.Enter()
	assert.Equal(t, 4, s.Depth())
	assert.False(t, s.CanFlush())

	assert.False(t, s.Leave())
	assert.True(t, s.Leave())
	assert.True(t, s.CanFlush())

	s.Flushed()
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.CanFlush())
	assert.Equal(t, uint64(1), s.Batches())
}

func TestTimerFlush(t *testing.T) {
	var mu sync.Mutex
	fired := make(chan struct{}, 1)
	var s *Scheduler
	s = New(Config{CommitDelay: time.Millisecond}, func() {
		mu.Lock()
		defer mu.Unlock()
		if s.CanFlush() {
			s.Flushed()
		}
		fired <- struct{}{}
	})

	mu.Lock()
	s.Published(true)
	s.Published(false)
	mu.Unlock()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timer did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, uint64(1), s.Batches())
}
