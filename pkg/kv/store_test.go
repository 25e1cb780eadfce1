package kv

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/txkv/pkg/future"
)

func TestPutGet(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{UseVersions: true})

	s.Put("a", "1", WithVersion(1))
	assert.True(t, await(t, s.Put("a", "2", WithVersion(2))))

	e, err := s.GetEntry("a")
	require.NoError(t, err)
	assert.Equal(t, Entry{Key: "a", Value: "2", Version: 2}, e)

	n, err := s.GetCount(RangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, await(t, s.Remove("a")))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Key errors reject the write without queueing it.
	assert.Error(t, awaitErr(t, s.Put(strings.Repeat("k", 4096), "x")))
	assert.Error(t, awaitErr(t, s.Put("a", 12)))
}

func TestConditionalWrites(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{UseVersions: true})
	plain := openStore(t, env, StoreOptions{Name: "plain"})
	await(t, s.Put("a", "1", WithVersion(1)))

	tests := []struct {
		name string
		op   func() *future.Future[bool]
		want bool
	}{
		{"put with matching version", func() *future.Future[bool] {
			return s.Put("a", "2", WithIfVersion(1), WithVersion(2))
		}, true},
		{"put with stale version", func() *future.Future[bool] {
			return s.Put("a", "3", WithIfVersion(1), WithVersion(3))
		}, false},
		{"no overwrite on existing key", func() *future.Future[bool] {
			return s.Put("a", "4", NoOverwrite())
		}, false},
		{"no overwrite on new key", func() *future.Future[bool] {
			return s.Put("b", "1", NoOverwrite())
		}, true},
		{"remove with stale version", func() *future.Future[bool] {
			return s.Remove("a", WithIfVersion(1))
		}, false},
		{"remove with other value", func() *future.Future[bool] {
			return plain.Remove("x", WithValue("nope"))
		}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, await(t, tc.op()))
		})
	}

	e, err := s.GetEntry("a")
	require.NoError(t, err)
	assert.Equal(t, "2", e.Value)
	assert.Equal(t, float64(2), e.Version)

	assert.ErrorIs(t, awaitErr(t, plain.Put("a", "1", WithIfVersion(1))), ErrNoVersions)
	assert.ErrorIs(t, awaitErr(t, plain.Put("a", "1", NoDupData())), ErrNotDupSort)
	_, err = plain.DoesExistVersion("a", 1)
	assert.ErrorIs(t, err, ErrNoVersions)
}

func TestRemoveWithValue(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{})
	await(t, s.Put("a", "1"))

	assert.False(t, await(t, s.Remove("a", WithValue("2"))))
	assert.True(t, await(t, s.Remove("a", WithValue("1"))))
	exists, err := s.DoesExist("a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIfVersion(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{UseVersions: true})
	other := openStore(t, env, StoreOptions{Name: "other"})
	await(t, s.Put("a", "1", WithVersion(1)))

	var inner, nested *future.Future[bool]
	stale := s.IfVersion("a", 2, func(b *Batch) error {
		inner = b.Put(other, "b", "x")
		nested = b.IfNoExists(s, "c", func(b *Batch) error {
			b.Put(s, "c", "x")
			return nil
		})
		return nil
	})
	assert.False(t, await(t, stale))
	assert.False(t, await(t, inner))
	assert.False(t, await(t, nested))
	for _, st := range []*Store{other, s} {
		for _, k := range []string{"b", "c"} {
			exists, err := st.DoesExist(k)
			require.NoError(t, err)
			assert.False(t, exists)
		}
	}

	var removed *future.Future[bool]
	matched := s.IfVersion("a", 1, func(b *Batch) error {
		b.Put(s, "a", "2", WithVersion(2))
		removed = b.Remove(other, "missing")
		inner = b.Put(other, "b", "x")
		return nil
	})
	assert.True(t, await(t, matched))
	assert.True(t, await(t, inner))
	assert.True(t, await(t, removed))

	v, err := other.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	ok, err := s.DoesExistVersion("a", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, awaitErr(t, other.IfVersion("b", 1, func(*Batch) error { return nil })), ErrNoVersions)
}

func TestDirectWriteInsideBlock(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{UseVersions: true})
	await(t, s.Put("a", "1", WithVersion(1)))

	var direct, buffered *future.Future[bool]
	stale := s.IfVersion("a", 2, func(b *Batch) error {
		direct = s.Put("direct", "x")
		buffered = b.Put(s, "buffered", "x")
		return nil
	})
	assert.False(t, await(t, stale))
	assert.False(t, await(t, buffered))
	assert.True(t, await(t, direct))

	exists, err := s.DoesExist("direct")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.DoesExist("buffered")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIfNoExists(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{})

	create := func() *future.Future[bool] {
		return s.IfNoExists("lock", func(b *Batch) error {
			b.Put(s, "lock", "held")
			b.Put(s, "owner", "me")
			return nil
		})
	}
	first, second := create(), create()
	assert.True(t, await(t, first))
	assert.False(t, await(t, second))

	n, err := s.GetCount(RangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBatch(t *testing.T) {
	env := openEnv(t, func(o *Options) { o.TxnStartThreshold = 2 })
	s := openStore(t, env, StoreOptions{})

	var puts []*future.Future[bool]
	done := s.Batch(func(b *Batch) error {
		for i := 0; i < 10; i++ {
			puts = append(puts, b.Put(s, fmt.Sprintf("k%02d", i), "v"))
		}
		return nil
	})
	assert.True(t, await(t, done))
	for _, f := range puts {
		assert.True(t, await(t, f))
	}
	n, err := s.GetCount(RangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// The block was never split although the batch threshold is 2.
	assert.Equal(t, uint64(0), env.Stats().Committer.Failed)
}

func TestBatchFunctionError(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{})

	var put *future.Future[bool]
	failed := s.Batch(func(b *Batch) error {
		put = b.Put(s, "a", "1")
		return errBoom
	})
	assert.ErrorIs(t, awaitErr(t, failed), errBoom)
	assert.ErrorIs(t, awaitErr(t, put), errBoom)

	var nested *future.Future[bool]
	failed = s.Batch(func(b *Batch) error {
		nested = b.IfNoExists(s, "b", func(b *Batch) error {
			b.Put(s, "b", "1")
			return errBoom
		})
		return nil
	})
	assert.ErrorIs(t, awaitErr(t, failed), errBoom)
	assert.ErrorIs(t, awaitErr(t, nested), errBoom)

	assert.Error(t, awaitErr(t, s.Batch(func(*Batch) error { panic("bad batch") })))

	await(t, env.Flushed())
	n, err := s.GetCount(RangeOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentBatches(t *testing.T) {
	env := openEnv(t, func(o *Options) { o.BackpressureThreshold = 16 })
	s := openStore(t, env, StoreOptions{})

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := s.Batch(func(b *Batch) error {
				b.Put(s, fmt.Sprintf("x%02d", i), "x")
				b.Put(s, fmt.Sprintf("y%02d", i), "y")
				return nil
			}).Get()
			return err
		})
		g.Go(func() error {
			_, err := s.Put(fmt.Sprintf("z%02d", i), "z").Get()
			return err
		})
	}
	require.NoError(t, g.Wait())

	n, err := s.GetCount(RangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 150, n)
}

func TestSyncWrites(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{UseVersions: true})

	ok, err := s.PutSync("a", "1", WithVersion(3))
	require.NoError(t, err)
	assert.True(t, ok)
	e, err := s.GetEntry("a")
	require.NoError(t, err)
	assert.Equal(t, float64(3), e.Version)

	ok, err = s.PutSync("a", "2", WithIfVersion(1))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RemoveSync("a", WithIfVersion(3))
	require.NoError(t, err)
	assert.True(t, ok)
	exists, err := s.DoesExist("a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDupSort(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{Name: "tags", DupSort: true})

	for _, v := range []string{"b", "a", "c"} {
		s.Put("k", v)
	}
	s.Put("j", "z")
	await(t, env.Flushed())

	values, err := s.GetValues("k", RangeOptions{}).Values()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, values)

	values, err = s.GetValues("k", RangeOptions{Reverse: true, Limit: 2}).Values()
	require.NoError(t, err)
	assert.Equal(t, []any{"c", "b"}, values)

	n, err := s.GetValuesCount("k")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	keys, err := s.GetKeys(RangeOptions{}).Keys()
	require.NoError(t, err)
	assert.Equal(t, []any{"j", "k"}, keys)
	n, err = s.GetKeysCount(RangeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exists, err := s.DoesExistValue("k", "b")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.False(t, await(t, s.Put("k", "a", NoDupData())))
	assert.True(t, await(t, s.Put("k", "d", NoDupData())))
	assert.False(t, await(t, s.Put("k", "e", NoOverwrite())))
	assert.True(t, await(t, s.Put("m", "e", NoOverwrite())))

	assert.True(t, await(t, s.Remove("k", WithValue("b"))))
	values, err = s.GetValues("k", RangeOptions{}).Values()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "c", "d"}, values)

	assert.True(t, await(t, s.Remove("k")))
	n, err = s.GetValuesCount("k")
	require.NoError(t, err)
	assert.Zero(t, n)
	keys, err = s.GetKeys(RangeOptions{}).Keys()
	require.NoError(t, err)
	assert.Equal(t, []any{"j", "m"}, keys)

	// Blocks on a dup-sort key check every value of it.
	assert.False(t, await(t, s.IfNoExists("j", func(*Batch) error { return nil })))
	assert.True(t, await(t, s.IfNoExists("k", func(*Batch) error { return nil })))
	assert.ErrorIs(t, awaitErr(t, s.Put("j", "y", WithIfVersion(1))), ErrNoVersions)
}

func TestCache(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{Name: "cached", Cache: true, CacheSize: 16})

	await(t, s.Put("a", "1"))
	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, uint64(1), s.Stats().CacheHits)

	ok, err := s.PutSync("a", "2")
	require.NoError(t, err)
	require.True(t, ok)
	v, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	v, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.CacheMisses)

	// A failed condition evicts rather than caching the rejected value.
	assert.False(t, await(t, s.Put("a", "3", NoOverwrite())))
	v, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	await(t, s.Remove("a"))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.OpenStore(StoreOptions{Name: "bad", DupSort: true, Cache: true})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestClearAsync(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{Cache: true})
	other := openStore(t, env, StoreOptions{Name: "other"})

	for _, k := range []string{"a", "b", "c"} {
		s.Put(k, k)
	}
	await(t, other.Put("a", "kept"))
	_, err := s.Get("a")
	require.NoError(t, err)

	assert.True(t, await(t, s.ClearAsync()))
	n, err := s.GetCount(RangeOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := other.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
}

func TestPointReads(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{Encoding: "binary", Compression: 32})
	big := bytes.Repeat([]byte("x"), 256)

	s.Put("big", big)
	s.Put("small", []byte("s"))
	await(t, env.Flushed())

	raw, err := s.GetBinary("big")
	require.NoError(t, err)
	assert.Equal(t, big, raw)
	_, err = s.GetBinary("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	values, err := s.GetMany([]any{"small", "missing", "big"})
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte("s"), nil, big}, values)

	exists, err := s.DoesExistValue("small", []byte("s"))
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.DoesExistValue("small", []byte("t"))
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = s.DoesExistValue("missing", []byte("s"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMsgPackValues(t *testing.T) {
	env := openEnv(t)
	s, err := env.OpenStore(StoreOptions{Name: "docs"})
	require.NoError(t, err)

	doc := map[string]any{"name": "txkv", "tags": []any{"kv"}}
	await(t, s.Put([]any{"doc", 1.0}, doc))

	v, err := s.Get([]any{"doc", 1.0})
	require.NoError(t, err)
	assert.Equal(t, doc, v)

	keys, err := s.GetRange(RangeOptions{}).Keys()
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"doc", 1.0}}, keys)
}

func TestStoreStats(t *testing.T) {
	env := openEnv(t)
	s := openStore(t, env, StoreOptions{})

	await(t, s.Put("a", "1"))
	await(t, s.Transaction(func(*Txn) (any, error) { return nil, nil }))
	_, err := s.Get("a")
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Writes)
	assert.Equal(t, uint64(1), stats.Transactions)
	assert.Equal(t, uint64(1), stats.Reads)
}
