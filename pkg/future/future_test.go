package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{name: "resolve_once", fn: testResolveOnce},
		{name: "reject_after_resolve_ignored", fn: testRejectAfterResolve},
		{name: "wait_context_cancelled", fn: testWaitCancelled},
		{name: "concurrent_settle", fn: testConcurrentSettle},
		{name: "then_chains_value_and_error", fn: testThen},
	}

	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}

func testResolveOnce(t *testing.T) {
	f := New[int]()
	assert.False(t, f.Settled())
	assert.True(t, f.Resolve(1))
	assert.False(t, f.Resolve(2))
	assert.True(t, f.Settled())

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func testRejectAfterResolve(t *testing.T) {
	f := Resolved(true)
	assert.False(t, f.Reject(errors.New("late")))
	v, err := f.Get()
	require.NoError(t, err)
	assert.True(t, v)

	boom := errors.New("boom")
	g := Failed[bool](boom)
	_, err = g.Get()
	assert.ErrorIs(t, err, boom)
}

func testWaitCancelled(t *testing.T) {
	f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.Settled())
}

func testConcurrentSettle(t *testing.T) {
	f := New[int]()
	var wg sync.WaitGroup
	wins := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Resolve(i) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
	v, _ := f.Get()
	assert.Equal(t, winners[0], v)
}

func testThen(t *testing.T) {
	f := New[int]()
	g := Then(f, func(v int) (string, error) {
		if v < 0 {
			return "", errors.New("negative")
		}
		return "ok", nil
	})
	f.Resolve(3)
	v, err := g.Get()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	h := Then(Resolved(-1), func(v int) (string, error) {
		if v < 0 {
			return "", errors.New("negative")
		}
		return "ok", nil
	})
	_, err = h.Get()
	assert.EqualError(t, err, "negative")
}
