package db

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	catalogID uint32 = iota
	rootID
	firstUserID
)

const prefixLen = 4

// TablePrefix is the key prefix of every entry in table id for engines that
// keep all tables in one flat keyspace.
func TablePrefix(id uint32) []byte {
	p := make([]byte, prefixLen)
	binary.BigEndian.PutUint32(p, id)
	return p
}

// TableKey prefixes key with the table id.
func TableKey(t Table, key []byte) []byte {
	k := make([]byte, prefixLen+len(key))
	binary.BigEndian.PutUint32(k, t.ID)
	copy(k[prefixLen:], key)
	return k
}

// TableBounds returns the [lower, upper) key range covering table t.
func TableBounds(t Table) (lower, upper []byte) {
	return TablePrefix(t.ID), TablePrefix(t.ID + 1)
}

// StripTable removes the table prefix from an engine key.
func StripTable(key []byte) []byte {
	if len(key) < prefixLen {
		return nil
	}
	return key[prefixLen:]
}

// Catalog maps table names to ids for flat-keyspace engines. Entries live in
// the reserved table 0 so names survive reopening the engine.
type Catalog struct {
	mu     sync.Mutex
	get    func(key []byte) ([]byte, error)
	put    func(key, value []byte) error
	tables map[string]Table
}

// NewCatalog builds a catalog over raw get/put functions. get must return
// ErrNotFound for absent keys; put must be durable once it returns.
func NewCatalog(get func([]byte) ([]byte, error), put func(key, value []byte) error) *Catalog {
	return &Catalog{
		get:    get,
		put:    put,
		tables: map[string]Table{"": {Name: "", ID: rootID}},
	}
}

func catalogKey(kind byte, name string) []byte {
	return TableKey(Table{ID: catalogID}, append([]byte{kind}, name...))
}

// Open resolves name to a table, allocating a new id when create is set.
func (c *Catalog) Open(name string, create bool) (Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tables[name]; ok {
		return t, nil
	}

	raw, err := c.get(catalogKey('t', name))
	switch {
	case err == nil:
		if len(raw) != 4 {
			return Table{}, fmt.Errorf("catalog entry %q: %w", name, ErrCorrupted)
		}
		t := Table{Name: name, ID: binary.BigEndian.Uint32(raw)}
		c.tables[name] = t
		return t, nil
	case !errors.Is(err, ErrNotFound):
		return Table{}, fmt.Errorf("read catalog: %w", err)
	case !create:
		return Table{}, ErrNoTable
	}

	next := firstUserID
	raw, err = c.get(catalogKey('n', ""))
	if err == nil && len(raw) == 4 {
		next = binary.BigEndian.Uint32(raw)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return Table{}, fmt.Errorf("read catalog: %w", err)
	}

	id := make([]byte, 4)
	binary.BigEndian.PutUint32(id, next)
	if err := c.put(catalogKey('t', name), id); err != nil {
		return Table{}, fmt.Errorf("write catalog: %w", err)
	}
	nextID := make([]byte, 4)
	binary.BigEndian.PutUint32(nextID, next+1)
	if err := c.put(catalogKey('n', ""), nextID); err != nil {
		return Table{}, fmt.Errorf("write catalog: %w", err)
	}

	t := Table{Name: name, ID: next}
	c.tables[name] = t
	return t, nil
}
