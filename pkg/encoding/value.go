package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type ValueEncoding uint8

const (
	MsgPack ValueEncoding = iota
	JSON
	String
	Binary
)

func (v ValueEncoding) String() string {
	switch v {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	case String:
		return "string"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("ValueEncoding(%d)", v)
	}
}

func ParseValueEncoding(s string) (ValueEncoding, error) {
	switch s {
	case "", "msgpack":
		return MsgPack, nil
	case "json":
		return JSON, nil
	case "string":
		return String, nil
	case "binary":
		return Binary, nil
	}
	return 0, failf("parse value encoding", "unknown value encoding %q", s)
}

// MarshalValue encodes v without any framing.
func MarshalValue(enc ValueEncoding, v any) ([]byte, error) {
	switch enc {
	case MsgPack:
		b, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fail("encode value", err)
		}
		return b, nil
	case JSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fail("encode value", err)
		}
		return b, nil
	case String, Binary:
		switch t := v.(type) {
		case string:
			return []byte(t), nil
		case []byte:
			return t, nil
		case nil:
			return []byte{}, nil
		}
	}
	return nil, failf("encode value", "%w: %T for %s values", ErrUnsupported, v, enc)
}

// UnmarshalValue decodes an unframed payload into a generic value. MsgPack
// integers decode as int64 or uint64 and JSON numbers as float64.
func UnmarshalValue(enc ValueEncoding, b []byte) (any, error) {
	switch enc {
	case MsgPack:
		dec := msgpack.NewDecoder(bytes.NewReader(b))
		dec.UseLooseInterfaceDecoding(true)
		v, err := dec.DecodeInterface()
		if err != nil {
			return nil, fail("decode value", err)
		}
		return v, nil
	case JSON:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fail("decode value", err)
		}
		return v, nil
	case String:
		return string(b), nil
	case Binary:
		return bytes.Clone(b), nil
	}
	return nil, failf("decode value", "%w: value encoding %s", ErrUnsupported, enc)
}

// UnmarshalInto decodes an unframed payload into out, which must be a pointer.
func UnmarshalInto(enc ValueEncoding, b []byte, out any) error {
	switch enc {
	case MsgPack:
		if err := msgpack.Unmarshal(b, out); err != nil {
			return fail("decode value", err)
		}
		return nil
	case JSON:
		if err := json.Unmarshal(b, out); err != nil {
			return fail("decode value", err)
		}
		return nil
	case String, Binary:
		switch p := out.(type) {
		case *string:
			*p = string(b)
			return nil
		case *[]byte:
			*p = bytes.Clone(b)
			return nil
		case *any:
			v, err := UnmarshalValue(enc, b)
			*p = v
			return err
		}
	}
	return failf("decode value", "%w: %T for %s values", ErrUnsupported, out, enc)
}
