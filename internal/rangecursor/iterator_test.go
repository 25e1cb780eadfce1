package rangecursor

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/internal/readtxn"
	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/db/pebble"
	"github.com/eigerco/txkv/pkg/encoding"
)

type fixture struct {
	engine db.Engine
	mgr    *readtxn.Manager
	pool   *Pool
	target *instruction.Target
}

func newFixture(t *testing.T, codec encoding.Codec) *fixture {
	e, err := pebble.Open(pebble.Options{})
	require.NoError(t, err)
	tbl, err := e.OpenTable("items", true)
	require.NoError(t, err)
	f := &fixture{
		engine: e,
		mgr:    readtxn.New(e, 0, zerolog.Nop()),
		pool:   &Pool{},
		target: &instruction.Target{Name: "items", Table: tbl, Codec: codec},
	}
	f.mgr.OnReset(f.pool.Invalidate)
	t.Cleanup(func() {
		assert.NoError(t, f.pool.Close())
		assert.NoError(t, f.mgr.Close())
		_ = e.Close()
	})
	return f
}

func (f *fixture) key(t *testing.T, k any) []byte {
	b, err := f.target.Codec.Key(k)
	require.NoError(t, err)
	return b
}

// put writes key/value pairs in one transaction and resets the read side.
func (f *fixture) put(t *testing.T, pairs ...any) {
	w, err := f.engine.BeginWrite()
	require.NoError(t, err)
	codec := f.target.Codec
	for i := 0; i < len(pairs); i += 2 {
		k := f.key(t, pairs[i])
		if codec.DupSort {
			payload, err := codec.Payload(pairs[i+1])
			require.NoError(t, err)
			dk, err := codec.DupKey(k, payload)
			require.NoError(t, err)
			require.NoError(t, w.Put(f.target.Table, dk, nil))
			continue
		}
		v, err := codec.Value(pairs[i+1], float64(i/2+1))
		require.NoError(t, err)
		require.NoError(t, w.Put(f.target.Table, k, v))
	}
	require.NoError(t, w.Commit())
	f.mgr.Reset()
}

func (f *fixture) remove(t *testing.T, keys ...any) {
	w, err := f.engine.BeginWrite()
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, w.Delete(f.target.Table, f.key(t, k)))
	}
	require.NoError(t, w.Commit())
	f.mgr.Reset()
}

func (f *fixture) iter(opts Options) *Iterator {
	return New(f.target, Source{Manager: f.mgr, Pool: f.pool}, opts)
}

func collect(t *testing.T, it *Iterator) []Entry {
	var out []Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	return out
}

func keys(entries []Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func TestBounds(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.OrderedKeys, Values: encoding.MsgPack, UseVersions: true})
	f.put(t, "a", 1, "b", 2, "c", 3, "d", 4)

	tests := []struct {
		name string
		opts func() Options
		want []any
	}{
		{"all", func() Options { return Options{} }, []any{"a", "b", "c", "d"}},
		{"start end", func() Options {
			return Options{Start: f.key(t, "b"), End: f.key(t, "d")}
		}, []any{"b", "c"}},
		{"inclusive end", func() Options {
			return Options{Start: f.key(t, "b"), End: f.key(t, "d"), InclusiveEnd: true}
		}, []any{"b", "c", "d"}},
		{"exclusive start", func() Options {
			return Options{Start: f.key(t, "b"), ExclusiveStart: true}
		}, []any{"c", "d"}},
		{"start between keys", func() Options {
			return Options{Start: f.key(t, "bb")}
		}, []any{"c", "d"}},
		{"reverse", func() Options { return Options{Reverse: true} }, []any{"d", "c", "b", "a"}},
		{"reverse bounded", func() Options {
			return Options{Start: f.key(t, "c"), End: f.key(t, "a"), Reverse: true}
		}, []any{"c", "b"}},
		{"reverse start between keys", func() Options {
			return Options{Start: f.key(t, "cc"), Reverse: true}
		}, []any{"c", "b", "a"}},
		{"reverse start past end", func() Options {
			return Options{Start: f.key(t, "z"), Reverse: true, Limit: 1}
		}, []any{"d"}},
		{"limit offset", func() Options { return Options{Offset: 1, Limit: 2} }, []any{"b", "c"}},
		{"exact match", func() Options {
			return Options{Start: f.key(t, "c"), ExactMatch: true}
		}, []any{"c"}},
		{"exact match missing", func() Options {
			return Options{Start: f.key(t, "bb"), ExactMatch: true}
		}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := keys(collect(t, f.iter(tc.opts())))
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValuesAndVersions(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.OrderedKeys, Values: encoding.MsgPack, UseVersions: true})
	f.put(t, "a", "x", "b", "y")

	entries := collect(t, f.iter(Options{}))
	require.Len(t, entries, 2)
	assert.Equal(t, "x", entries[0].Value)
	assert.Equal(t, float64(1), entries[0].Version)
	assert.Equal(t, float64(2), entries[1].Version)

	entries = collect(t, f.iter(Options{KeysOnly: true, Versions: true}))
	require.Len(t, entries, 2)
	assert.Nil(t, entries[1].Value)
	assert.Equal(t, float64(2), entries[1].Version)
}

func TestDupSort(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.OrderedKeys, Values: encoding.String, DupSort: true})
	f.put(t, "a", "1", "b", "1", "b", "2", "b", "3", "c", "1")

	values := func(entries []Entry) []any {
		var out []any
		for _, e := range entries {
			out = append(out, e.Value)
		}
		return out
	}

	got := collect(t, f.iter(Options{Key: f.key(t, "b"), ValuesForKey: true}))
	assert.Equal(t, []any{"1", "2", "3"}, values(got))

	got = collect(t, f.iter(Options{Key: f.key(t, "b"), ValuesForKey: true, Reverse: true}))
	assert.Equal(t, []any{"3", "2", "1"}, values(got))

	got = collect(t, f.iter(Options{UniqueKeys: true, KeysOnly: true}))
	assert.Equal(t, []any{"a", "b", "c"}, keys(got))

	got = collect(t, f.iter(Options{Start: f.key(t, "b"), Reverse: true, UniqueKeys: true}))
	assert.Equal(t, []any{"b", "a"}, keys(got))

	got = collect(t, f.iter(Options{Start: f.key(t, "b"), ExclusiveStart: true}))
	assert.Equal(t, []any{"c"}, keys(got))
}

func TestSnapshotIsolation(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.StringKeys, Values: encoding.String})
	f.put(t, "a", "1", "b", "2")

	it := f.iter(Options{})
	require.True(t, it.Next())
	f.put(t, "c", "3")

	var rest []any
	for it.Next() {
		rest = append(rest, it.Entry().Key)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []any{"b"}, rest)

	assert.Equal(t, []any{"a", "b", "c"}, keys(collect(t, f.iter(Options{}))))
}

func TestLiveRenewal(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.StringKeys, Values: encoding.String})
	f.put(t, "a", "1", "b", "2", "d", "4")

	it := f.iter(Options{Live: true})
	require.True(t, it.Next())
	assert.Equal(t, "a", it.Entry().Key)

	f.put(t, "c", "3")
	f.remove(t, "b")

	var rest []any
	for it.Next() {
		rest = append(rest, it.Entry().Key)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []any{"c", "d"}, rest)
	stats := f.mgr.Stats()
	assert.NotZero(t, stats.LiveClosed)
	assert.Zero(t, stats.DeferredAborts)
}

func TestLiveRenewalReverse(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.StringKeys, Values: encoding.String})
	f.put(t, "a", "1", "c", "3", "e", "5")

	it := f.iter(Options{Live: true, Reverse: true})
	require.True(t, it.Next())
	assert.Equal(t, "e", it.Entry().Key)

	f.remove(t, "e")
	f.put(t, "b", "2")

	var rest []any
	for it.Next() {
		rest = append(rest, it.Entry().Key)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []any{"c", "b", "a"}, rest)
}

func TestPoolReuse(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.StringKeys, Values: encoding.String})
	f.put(t, "a", "1")

	collect(t, f.iter(Options{}))
	collect(t, f.iter(Options{}))
	hits, _ := f.pool.Stats()
	assert.Equal(t, uint64(1), hits)

	f.put(t, "b", "2")
	assert.Equal(t, []any{"a", "b"}, keys(collect(t, f.iter(Options{}))))
	hits, misses := f.pool.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(2), misses)
}

func TestWriterSource(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.StringKeys, Values: encoding.String})
	f.put(t, "a", "1")

	w, err := f.engine.BeginWrite()
	require.NoError(t, err)
	defer func() { _ = w.Abort() }()
	v, err := f.target.Codec.Value("2", 0)
	require.NoError(t, err)
	require.NoError(t, w.Put(f.target.Table, f.key(t, "b"), v))

	it := New(f.target, Source{Writer: w}, Options{})
	assert.Equal(t, []any{"a", "b"}, keys(collect(t, it)))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.StringKeys, Values: encoding.String})
	f.put(t, "a", "1")
	it := f.iter(Options{})
	require.True(t, it.Next())
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.False(t, it.Next())
}

func TestNoSource(t *testing.T) {
	f := newFixture(t, encoding.Codec{Keys: encoding.StringKeys, Values: encoding.String})
	it := New(f.target, Source{}, Options{})
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrNoSource)
}
