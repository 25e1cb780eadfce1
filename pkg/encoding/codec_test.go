package encoding

import (
	"bytes"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedKeysSortNaturally(t *testing.T) {
	tests := []struct {
		name string
		keys []any
	}{
		{name: "numbers", keys: []any{-1e9, -2.5, -1, 0, 0.5, 1, 3, 10, 1e12}},
		{name: "strings", keys: []any{"", "a", "a\x00", "a\x00b", "ab", "b", "ba"}},
		{name: "cross_type", keys: []any{nil, false, true, -5, 7, "0", "z", []byte{0}}},
		{name: "tuples", keys: []any{
			[]any{"a", 1}, []any{"a", 2}, []any{"a", 10}, []any{"b", -1}, []any{"b", "x"},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded := make([][]byte, len(tc.keys))
			for i, k := range tc.keys {
				b, err := EncodeKey(OrderedKeys, k)
				require.NoError(t, err)
				encoded[i] = b
			}
			assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
				return bytes.Compare(encoded[i], encoded[j]) < 0
			}))
			for i := 1; i < len(encoded); i++ {
				assert.Equal(t, -1, bytes.Compare(encoded[i-1], encoded[i]), "key %d", i)
			}
		})
	}
}

func TestOrderedKeyDecode(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "int_becomes_float", in: 42, want: float64(42)},
		{name: "negative", in: -3.25, want: -3.25},
		{name: "string_with_nul", in: "a\x00b", want: "a\x00b"},
		{name: "bytes", in: []byte{0, 1, 0xff}, want: []byte{0, 1, 0xff}},
		{name: "bool", in: true, want: true},
		{name: "nil", in: nil, want: nil},
		{name: "tuple", in: []any{"user", 7}, want: []any{"user", float64(7)}},
		{name: "single_tuple_collapses", in: []any{"x"}, want: "x"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := EncodeKey(OrderedKeys, tc.in)
			require.NoError(t, err)
			got, err := DecodeKey(OrderedKeys, b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKeyErrors(t *testing.T) {
	var encErr *Error

	_, err := EncodeKey(BinaryKeys, []byte{})
	require.ErrorAs(t, err, &encErr)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = EncodeKey(StringKeys, 12)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = EncodeKey(Uint32Keys, -1)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = EncodeKey(OrderedKeys, []any{[]any{"nested"}})
	assert.ErrorIs(t, err, ErrUnsupported)

	c := Codec{Keys: StringKeys, MaxKeySize: 8}
	_, err = c.Key(strings.Repeat("k", 9))
	assert.ErrorIs(t, err, ErrKeyTooLarge)
	_, err = c.Key(strings.Repeat("k", 8))
	assert.NoError(t, err)
}

func TestUint32Keys(t *testing.T) {
	a, err := EncodeKey(Uint32Keys, 2)
	require.NoError(t, err)
	b, err := EncodeKey(Uint32Keys, uint32(256))
	require.NoError(t, err)
	assert.Equal(t, -1, bytes.Compare(a, b))

	got, err := DecodeKey(Uint32Keys, b)
	require.NoError(t, err)
	assert.Equal(t, uint32(256), got)
}

func TestValueEncodings(t *testing.T) {
	tests := []struct {
		name string
		enc  ValueEncoding
		in   any
		want any
	}{
		{name: "msgpack_int", enc: MsgPack, in: 2, want: int64(2)},
		{name: "msgpack_string", enc: MsgPack, in: "hello", want: "hello"},
		{name: "msgpack_map", enc: MsgPack, in: map[string]any{"n": "x"}, want: map[string]any{"n": "x"}},
		{name: "json_number", enc: JSON, in: 2, want: float64(2)},
		{name: "json_list", enc: JSON, in: []string{"a", "b"}, want: []any{"a", "b"}},
		{name: "string", enc: String, in: "plain", want: "plain"},
		{name: "binary", enc: Binary, in: []byte{1, 2, 3}, want: []byte{1, 2, 3}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := MarshalValue(tc.enc, tc.in)
			require.NoError(t, err)
			got, err := UnmarshalValue(tc.enc, b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := MarshalValue(Binary, 5)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestUnmarshalInto(t *testing.T) {
	type record struct {
		Name string `json:"name" msgpack:"name"`
		Age  int    `json:"age" msgpack:"age"`
	}
	for _, enc := range []ValueEncoding{MsgPack, JSON} {
		t.Run(enc.String(), func(t *testing.T) {
			b, err := MarshalValue(enc, record{Name: "ann", Age: 30})
			require.NoError(t, err)
			var out record
			require.NoError(t, UnmarshalInto(enc, b, &out))
			assert.Equal(t, record{Name: "ann", Age: 30}, out)
		})
	}

	var s string
	require.NoError(t, UnmarshalInto(String, []byte("x"), &s))
	assert.Equal(t, "x", s)
}

func TestFraming(t *testing.T) {
	long := strings.Repeat("compressible ", 200)

	tests := []struct {
		name    string
		codec   Codec
		value   any
		version float64
	}{
		{name: "plain", codec: Codec{Values: String}, value: "v"},
		{name: "versioned", codec: Codec{Values: String, UseVersions: true}, value: "v", version: 7},
		{name: "compressed_small", codec: Codec{Values: String, CompressionThreshold: 100}, value: "tiny"},
		{name: "compressed_large", codec: Codec{Values: String, CompressionThreshold: 100}, value: long},
		{name: "versioned_compressed", codec: Codec{Values: String, UseVersions: true, CompressionThreshold: 10}, value: long, version: -1.5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.codec.Value(tc.value, tc.version)
			require.NoError(t, err)

			v, version, err := tc.codec.DecodeValue(b)
			require.NoError(t, err)
			assert.Equal(t, tc.value, v)
			assert.Equal(t, tc.version, version)

			onlyVersion, err := tc.codec.Version(b)
			require.NoError(t, err)
			assert.Equal(t, tc.version, onlyVersion)
		})
	}

	c := Codec{Values: String, CompressionThreshold: 100}
	b, err := c.Value(long, 0)
	require.NoError(t, err)
	assert.Equal(t, flagSnappy, b[0])
	assert.Less(t, len(b), len(long))
}

func TestDupKeys(t *testing.T) {
	c := Codec{Keys: StringKeys, Values: String, DupSort: true}
	require.NoError(t, c.Validate())

	k1, err := c.DupKey([]byte("a"), []byte("2"))
	require.NoError(t, err)
	k2, err := c.DupKey([]byte("a"), []byte("10"))
	require.NoError(t, err)
	k3, err := c.DupKey([]byte("a\x00"), []byte("1"))
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(k1, DupPrefix([]byte("a"))))
	assert.False(t, bytes.HasPrefix(k3, DupPrefix([]byte("a"))))
	assert.Equal(t, -1, bytes.Compare(k2, k1))
	assert.Equal(t, -1, bytes.Compare(k1, k3))

	key, value, err := SplitDupKey(k3)
	require.NoError(t, err)
	assert.Equal(t, []byte("a\x00"), key)
	assert.Equal(t, []byte("1"), value)

	bad := Codec{DupSort: true, UseVersions: true}
	assert.ErrorIs(t, bad.Validate(), ErrDupSortNoVer)
}

func TestParseEncodings(t *testing.T) {
	v, err := ParseValueEncoding("json")
	require.NoError(t, err)
	assert.Equal(t, JSON, v)
	_, err = ParseValueEncoding("cbor")
	assert.Error(t, err)

	k, err := ParseKeyEncoding("uint32")
	require.NoError(t, err)
	assert.Equal(t, Uint32Keys, k)
	_, err = ParseKeyEncoding("base64")
	assert.Error(t, err)
}
