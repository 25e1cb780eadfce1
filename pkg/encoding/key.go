package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

type KeyEncoding uint8

const (
	// OrderedKeys encodes booleans, numbers, strings, byte slices and tuples of
	// those so that byte order matches natural order.
	OrderedKeys KeyEncoding = iota
	BinaryKeys
	StringKeys
	Uint32Keys
)

func (k KeyEncoding) String() string {
	switch k {
	case OrderedKeys:
		return "ordered"
	case BinaryKeys:
		return "binary"
	case StringKeys:
		return "string"
	case Uint32Keys:
		return "uint32"
	default:
		return fmt.Sprintf("KeyEncoding(%d)", k)
	}
}

func ParseKeyEncoding(s string) (KeyEncoding, error) {
	switch s {
	case "", "ordered", "ordered-binary":
		return OrderedKeys, nil
	case "binary":
		return BinaryKeys, nil
	case "string":
		return StringKeys, nil
	case "uint32":
		return Uint32Keys, nil
	}
	return 0, failf("parse key encoding", "unknown key encoding %q", s)
}

// Ordered element tags. Tag order defines the cross-type sort order.
const (
	tagNil    = 0x01
	tagFalse  = 0x02
	tagTrue   = 0x03
	tagNumber = 0x10
	tagString = 0x20
	tagBytes  = 0x30
)

// EncodeKey encodes key with enc. The result is never empty.
func EncodeKey(enc KeyEncoding, key any) ([]byte, error) {
	switch enc {
	case OrderedKeys:
		return appendOrdered(nil, key)
	case BinaryKeys:
		switch k := key.(type) {
		case []byte:
			if len(k) == 0 {
				return nil, fail("encode key", ErrEmptyKey)
			}
			return k, nil
		case string:
			if k == "" {
				return nil, fail("encode key", ErrEmptyKey)
			}
			return []byte(k), nil
		}
	case StringKeys:
		switch k := key.(type) {
		case string:
			if k == "" {
				return nil, fail("encode key", ErrEmptyKey)
			}
			return []byte(k), nil
		case []byte:
			if len(k) == 0 {
				return nil, fail("encode key", ErrEmptyKey)
			}
			return k, nil
		}
	case Uint32Keys:
		n, ok := toUint32(key)
		if !ok {
			break
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, n)
		return b, nil
	}
	return nil, failf("encode key", "%w: %T for %s keys", ErrUnsupported, key, enc)
}

// DecodeKey reverses EncodeKey. Ordered numbers come back as float64 and
// multi-element tuples as []any.
func DecodeKey(enc KeyEncoding, b []byte) (any, error) {
	switch enc {
	case OrderedKeys:
		var out []any
		for len(b) > 0 {
			v, rest, err := readOrdered(b)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			b = rest
		}
		switch len(out) {
		case 0:
			return nil, fail("decode key", ErrMalformed)
		case 1:
			return out[0], nil
		}
		return out, nil
	case BinaryKeys:
		return bytes.Clone(b), nil
	case StringKeys:
		return string(b), nil
	case Uint32Keys:
		if len(b) != 4 {
			return nil, fail("decode key", ErrMalformed)
		}
		return binary.BigEndian.Uint32(b), nil
	}
	return nil, failf("decode key", "%w: key encoding %s", ErrUnsupported, enc)
}

func appendOrdered(dst []byte, key any) ([]byte, error) {
	switch k := key.(type) {
	case nil:
		return append(dst, tagNil), nil
	case bool:
		if k {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case string:
		dst = append(dst, tagString)
		return appendEscaped(dst, []byte(k)), nil
	case []byte:
		dst = append(dst, tagBytes)
		return appendEscaped(dst, k), nil
	case []any:
		if len(k) == 0 {
			return nil, fail("encode key", ErrEmptyKey)
		}
		var err error
		for _, e := range k {
			if _, nested := e.([]any); nested {
				return nil, failf("encode key", "%w: nested tuple", ErrUnsupported)
			}
			if dst, err = appendOrdered(dst, e); err != nil {
				return nil, err
			}
		}
		return dst, nil
	}
	f, ok := toFloat(key)
	if !ok {
		return nil, failf("encode key", "%w: %T", ErrUnsupported, key)
	}
	dst = append(dst, tagNumber)
	return binary.BigEndian.AppendUint64(dst, orderedBits(f)), nil
}

func readOrdered(b []byte) (any, []byte, error) {
	switch b[0] {
	case tagNil:
		return nil, b[1:], nil
	case tagFalse:
		return false, b[1:], nil
	case tagTrue:
		return true, b[1:], nil
	case tagNumber:
		if len(b) < 9 {
			return nil, nil, fail("decode key", ErrMalformed)
		}
		return fromOrderedBits(binary.BigEndian.Uint64(b[1:9])), b[9:], nil
	case tagString, tagBytes:
		raw, n, err := Unescape(b[1:])
		if err != nil {
			return nil, nil, err
		}
		if b[0] == tagString {
			return string(raw), b[1+n:], nil
		}
		return raw, b[1+n:], nil
	}
	return nil, nil, failf("decode key", "%w: tag 0x%02x", ErrMalformed, b[0])
}

// orderedBits maps a float64 to a uint64 whose unsigned order matches the
// numeric order of the input.
func orderedBits(f float64) uint64 {
	if f == 0 {
		f = 0 // folds -0 into 0
	}
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | 1<<63
}

func fromOrderedBits(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF, then the 0x00 0x01
// terminator. Escaped output keeps the order of the raw input.
func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, 0x00, 0x01)
}

// Unescape reads one escaped, terminated field and returns it along with the
// number of input bytes consumed.
func Unescape(b []byte) ([]byte, int, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case 0x01:
			return out, i + 2, nil
		case 0xFF:
			out = append(out, 0)
			i++
		default:
			return nil, 0, fail("unescape", ErrMalformed)
		}
	}
	return nil, 0, fail("unescape", ErrMalformed)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	}
	return 0, false
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case int:
		return uint32(n), n >= 0 && n <= math.MaxUint32
	case int64:
		return uint32(n), n >= 0 && n <= math.MaxUint32
	case uint64:
		return uint32(n), n <= math.MaxUint32
	case uint:
		return uint32(n), n <= math.MaxUint32
	case float64:
		return uint32(n), n >= 0 && n <= math.MaxUint32 && n == math.Trunc(n)
	}
	return 0, false
}
