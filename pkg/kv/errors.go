package kv

import (
	"errors"

	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/pkg/db"
)

var (
	ErrNotFound      = db.ErrNotFound
	ErrClosed        = errors.New("environment is closed")
	ErrTooManyStores = errors.New("too many stores open")
	ErrNotDupSort    = errors.New("operation needs a dup-sort store")
	ErrWrongStore    = errors.New("store belongs to another environment")
)

// CommitFailedError rejects every write of a batch whose transaction failed.
// Code carries the engine status code.
type CommitFailedError = instruction.CommitFailedError

// CallbackError rejects the future of a transaction callback that returned
// an error or panicked.
type CallbackError = instruction.CallbackError

// Abort, returned from a child transaction callback, rolls the child back
// without failing it.
var Abort = instruction.Abort
