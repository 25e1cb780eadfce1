package pebble

import (
	"github.com/cockroachdb/pebble"

	"github.com/eigerco/txkv/pkg/db"
)

type cursor struct {
	iter  *pebble.Iterator
	table db.Table
	err   error
}

func (c *cursor) at(ok bool) ([]byte, []byte, bool) {
	if !ok {
		return nil, nil, false
	}
	val, err := c.iter.ValueAndErr()
	if err != nil {
		c.err = err
		return nil, nil, false
	}
	return db.StripTable(c.iter.Key()), val, true
}

func (c *cursor) First() ([]byte, []byte, bool) {
	return c.at(c.iter.First())
}

func (c *cursor) Last() ([]byte, []byte, bool) {
	return c.at(c.iter.Last())
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, bool) {
	return c.at(c.iter.SeekGE(db.TableKey(c.table, key)))
}

func (c *cursor) Next() ([]byte, []byte, bool) {
	return c.at(c.iter.Next())
}

func (c *cursor) Prev() ([]byte, []byte, bool) {
	return c.at(c.iter.Prev())
}

func (c *cursor) Err() error {
	if c.err != nil {
		return db.Wrap("cursor", c.err)
	}
	return db.Wrap("cursor", c.iter.Error())
}

func (c *cursor) Close() error {
	return db.Wrap("cursor close", c.iter.Close())
}
