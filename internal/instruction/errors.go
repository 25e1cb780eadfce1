package instruction

import (
	"errors"
	"fmt"

	"github.com/eigerco/txkv/pkg/db"
)

var (
	ErrClosed   = errors.New("write channel is closed")
	ErrEmptyKey = errors.New("key is empty")
	ErrKeySize  = errors.New("key exceeds the maximum key size")
)

// CommitFailedError is shared by every operation of a batch whose engine
// transaction failed to commit.
type CommitFailedError struct {
	Code int
	Err  error
}

func NewCommitFailed(err error) *CommitFailedError {
	return &CommitFailedError{Code: db.Code(err), Err: err}
}

func (e *CommitFailedError) Error() string {
	return fmt.Sprintf("commit failed (code %d): %v", e.Code, e.Err)
}

func (e *CommitFailedError) Unwrap() error {
	return e.Err
}

// CallbackError is returned to the caller of one transaction callback that
// failed. Sibling callbacks in the same batch are not affected.
type CallbackError struct {
	Index int
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("transaction callback %d: %v", e.Index, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
