// Package encoding turns store keys and values into engine bytes. A Codec is
// chosen once per store: one key encoding, one value encoding, optional
// version framing and optional snappy compression.
package encoding

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/golang/snappy"
)

const (
	DefaultMaxKeySize           = 1978
	DefaultCompressionThreshold = 1000

	versionSize = 8

	flagRaw    byte = 0
	flagSnappy byte = 1
)

type Codec struct {
	Keys   KeyEncoding
	Values ValueEncoding
	// UseVersions prefixes every stored value with a float64 version.
	UseVersions bool
	// DupSort stores values inside composite engine keys so one key may hold
	// many sorted values.
	DupSort bool
	// CompressionThreshold compresses payloads at least this long with snappy.
	// Zero disables compression and its flag byte.
	CompressionThreshold int
	MaxKeySize           int
}

func (c Codec) Validate() error {
	if c.DupSort && c.UseVersions {
		return fail("codec", ErrDupSortNoVer)
	}
	if c.CompressionThreshold < 0 {
		return failf("codec", "negative compression threshold %d", c.CompressionThreshold)
	}
	return nil
}

func (c Codec) maxKeySize() int {
	if c.MaxKeySize > 0 {
		return c.MaxKeySize
	}
	return DefaultMaxKeySize
}

// Key encodes a store key and enforces the key size limit.
func (c Codec) Key(key any) ([]byte, error) {
	b, err := EncodeKey(c.Keys, key)
	if err != nil {
		return nil, err
	}
	if len(b) > c.maxKeySize() {
		return nil, failf("encode key", "%w: %d bytes, limit %d", ErrKeyTooLarge, len(b), c.maxKeySize())
	}
	return b, nil
}

func (c Codec) DecodeKey(b []byte) (any, error) {
	return DecodeKey(c.Keys, b)
}

// Payload marshals v with the value encoding only.
func (c Codec) Payload(v any) ([]byte, error) {
	return MarshalValue(c.Values, v)
}

// Value marshals and frames v for storage.
func (c Codec) Value(v any, version float64) ([]byte, error) {
	p, err := c.Payload(v)
	if err != nil {
		return nil, err
	}
	return c.Frame(p, version), nil
}

// Frame wraps an encoded payload with the version and compression header.
// Dup-sort values are stored unframed.
func (c Codec) Frame(payload []byte, version float64) []byte {
	if c.DupSort {
		return payload
	}
	size := len(payload)
	if c.UseVersions {
		size += versionSize
	}
	if c.CompressionThreshold > 0 {
		size++
	}
	out := make([]byte, 0, size)
	if c.UseVersions {
		out = binary.BigEndian.AppendUint64(out, math.Float64bits(version))
	}
	if c.CompressionThreshold == 0 {
		return append(out, payload...)
	}
	if len(payload) >= c.CompressionThreshold {
		compressed := snappy.Encode(nil, payload)
		if len(compressed) < len(payload) {
			out = append(out, flagSnappy)
			return append(out, compressed...)
		}
	}
	out = append(out, flagRaw)
	return append(out, payload...)
}

// Unframe strips the header written by Frame and decompresses the payload.
func (c Codec) Unframe(b []byte) (payload []byte, version float64, err error) {
	if c.DupSort {
		return b, 0, nil
	}
	if c.UseVersions {
		if len(b) < versionSize {
			return nil, 0, fail("decode value", ErrMalformed)
		}
		version = math.Float64frombits(binary.BigEndian.Uint64(b))
		b = b[versionSize:]
	}
	if c.CompressionThreshold == 0 {
		return b, version, nil
	}
	if len(b) == 0 {
		return nil, 0, fail("decode value", ErrMalformed)
	}
	switch b[0] {
	case flagRaw:
		return b[1:], version, nil
	case flagSnappy:
		out, err := snappy.Decode(nil, b[1:])
		if err != nil {
			return nil, 0, fail("decompress value", err)
		}
		return out, version, nil
	}
	return nil, 0, failf("decode value", "%w: compression flag 0x%02x", ErrMalformed, b[0])
}

// Version reads only the version of a framed value.
func (c Codec) Version(b []byte) (float64, error) {
	if !c.UseVersions {
		return 0, nil
	}
	if len(b) < versionSize {
		return 0, fail("decode version", ErrMalformed)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// DecodeValue unframes and unmarshals a stored value.
func (c Codec) DecodeValue(b []byte) (any, float64, error) {
	p, version, err := c.Unframe(b)
	if err != nil {
		return nil, 0, err
	}
	v, err := UnmarshalValue(c.Values, p)
	return v, version, err
}

// DupPrefix is the engine key prefix shared by every value of key in a
// dup-sort store.
func DupPrefix(key []byte) []byte {
	return appendEscaped(make([]byte, 0, len(key)+2), key)
}

// DupKey builds the composite engine key of one key/value pair.
func (c Codec) DupKey(key, value []byte) ([]byte, error) {
	k := append(DupPrefix(key), value...)
	if len(k) > c.maxKeySize() {
		return nil, failf("encode key", "%w: key and value take %d bytes, limit %d", ErrKeyTooLarge, len(k), c.maxKeySize())
	}
	return k, nil
}

// SplitDupKey separates a composite engine key into key and value parts.
func SplitDupKey(composite []byte) (key, value []byte, err error) {
	key, n, err := Unescape(composite)
	if err != nil {
		return nil, nil, err
	}
	return key, bytes.Clone(composite[n:]), nil
}
