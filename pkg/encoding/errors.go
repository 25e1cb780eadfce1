package encoding

import (
	"errors"
	"fmt"
)

var (
	ErrKeyTooLarge  = errors.New("key is too large")
	ErrEmptyKey     = errors.New("key is empty")
	ErrUnsupported  = errors.New("unsupported type")
	ErrMalformed    = errors.New("malformed encoded data")
	ErrDupSortNoVer = errors.New("dupSort stores cannot use versions")
)

// Error reports a key or value that could not be encoded or decoded. It is
// raised before anything is handed to the writer.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("encoding: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(op string, err error) error {
	return &Error{Op: op, Err: err}
}

func failf(op string, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}
