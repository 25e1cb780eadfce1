package db

import (
	"errors"
	"fmt"
)

// Child is an abortable transaction nested inside an open write transaction.
// Writes are applied to the parent immediately so reads through either see
// them; Abort replays an undo log to restore every key the child touched.
type Child struct {
	parent WriteTxn
	undo   []undoEntry
	done   bool
}

type undoEntry struct {
	table   Table
	key     []byte
	old     []byte
	existed bool
}

// BeginChild opens a child of parent. Children may be nested.
func BeginChild(parent WriteTxn) (*Child, error) {
	if c, ok := parent.(*Child); ok && c.done {
		return nil, ErrTxnDone
	}
	return &Child{parent: parent}, nil
}

func (c *Child) ID() uint64 {
	return c.parent.ID()
}

func (c *Child) Get(t Table, key []byte) ([]byte, error) {
	if c.done {
		return nil, ErrTxnDone
	}
	return c.parent.Get(t, key)
}

func (c *Child) Cursor(t Table) (Cursor, error) {
	if c.done {
		return nil, ErrTxnDone
	}
	return c.parent.Cursor(t)
}

func (c *Child) Put(t Table, key, value []byte) error {
	if c.done {
		return ErrTxnDone
	}
	if err := c.record(t, key); err != nil {
		return err
	}
	return c.parent.Put(t, key, value)
}

func (c *Child) Delete(t Table, key []byte) error {
	if c.done {
		return ErrTxnDone
	}
	if err := c.record(t, key); err != nil {
		return err
	}
	return c.parent.Delete(t, key)
}

func (c *Child) record(t Table, key []byte) error {
	e := undoEntry{table: t, key: append([]byte(nil), key...)}
	old, err := c.parent.Get(t, key)
	switch {
	case err == nil:
		e.existed = true
		e.old = append([]byte{}, old...)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("child txn read before write: %w", err)
	}
	c.undo = append(c.undo, e)
	return nil
}

// Commit folds the child into its parent. If the parent is itself a child the
// undo log moves up so aborting the parent also reverts this child's writes.
func (c *Child) Commit() error {
	if c.done {
		return ErrTxnDone
	}
	c.done = true
	if p, ok := c.parent.(*Child); ok {
		p.undo = append(p.undo, c.undo...)
	}
	c.undo = nil
	return nil
}

func (c *Child) Abort() error {
	if c.done {
		return ErrTxnDone
	}
	c.done = true
	for i := len(c.undo) - 1; i >= 0; i-- {
		e := c.undo[i]
		var err error
		if e.existed {
			err = c.parent.Put(e.table, e.key, e.old)
		} else {
			err = c.parent.Delete(e.table, e.key)
		}
		if err != nil {
			return fmt.Errorf("revert child txn: %w", err)
		}
	}
	c.undo = nil
	return nil
}
