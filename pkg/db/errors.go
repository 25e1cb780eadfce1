package db

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("db: key not found")
	ErrClosed    = errors.New("db: engine is closed")
	ErrTxnDone   = errors.New("db: transaction already finished")
	ErrNoTable   = errors.New("db: table does not exist")
	ErrEmptyKey  = errors.New("db: zero length key is not allowed")
	ErrTooLarge  = errors.New("db: key or value too large")
	ErrCorrupted = errors.New("db: corrupted data")
)

// Engine status codes. The numbering follows the LMDB error catalog so callers
// can match on the same values regardless of the backend in use.
const (
	CodeKeyExist   = -30799
	CodeNotFound   = -30798
	CodeCorrupted  = -30796
	CodeMapFull    = -30792
	CodeTxnFull    = -30788
	CodeBadTxn     = -30782
	CodeBadValSize = -30781
	CodeBadDBI     = -30780
	CodeClosed     = -30600
	CodeUnknown    = -30500
)

// EngineError carries the numeric status of a failed engine call.
type EngineError struct {
	Op   string
	Code int
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v (code %d)", e.Op, e.Err, e.Code)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Wrap returns err as an *EngineError for op. Errors that are already engine
// errors keep their code; nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return &EngineError{Op: op, Code: codeOf(err), Err: err}
}

// Code extracts the engine status code from err, or 0 if err carries none.
func Code(err error) int {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}

// IsCode reports whether err carries the given engine status code.
func IsCode(err error, code int) bool {
	return err != nil && Code(err) == code
}

func codeOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrTxnDone):
		return CodeBadTxn
	case errors.Is(err, ErrNoTable):
		return CodeBadDBI
	case errors.Is(err, ErrEmptyKey), errors.Is(err, ErrTooLarge):
		return CodeBadValSize
	case errors.Is(err, ErrCorrupted):
		return CodeCorrupted
	default:
		return CodeUnknown
	}
}
