package db

// Table identifies a named keyspace inside an Engine. Engines that keep every
// table in one flat keyspace use ID as a key prefix; engines with native named
// trees use Name.
type Table struct {
	Name string
	ID   uint32
}

// Engine is an ordered, byte-keyed transactional storage engine with a single
// writer and many concurrent readers.
type Engine interface {
	// OpenTable returns the handle for a named table, creating it when create
	// is set. The empty name is the root table.
	OpenTable(name string, create bool) (Table, error)
	// BeginWrite starts the write transaction. Callers must guarantee that at
	// most one write transaction is open at a time.
	BeginWrite() (WriteTxn, error)
	// BeginRead starts a read transaction on a consistent snapshot.
	BeginRead() (ReadTxn, error)
	MaxKeySize() int
	// Sync forces committed data to durable storage.
	Sync() error
	Close() error
}

// Reader is the read surface shared by read and write transactions.
type Reader interface {
	// Get returns ErrNotFound when the key is absent. The returned slice is
	// only valid until the transaction ends.
	Get(t Table, key []byte) ([]byte, error)
	Cursor(t Table) (Cursor, error)
}

// ReadTxn is a read transaction. It may be Reset to release its snapshot and
// Renewed later to pick up a fresh snapshot; Abort releases it for good.
type ReadTxn interface {
	Reader
	ID() uint64
	Reset() error
	Renew() error
	Abort() error
}

type WriteTxn interface {
	Reader
	ID() uint64
	Put(t Table, key []byte, value []byte) error
	Delete(t Table, key []byte) error
	Commit() error
	Abort() error
}

// Cursor is a position within a table. Every positioning call returns the key
// and value at the new position and false once the cursor runs off either end.
// Returned slices are valid until the next positioning call.
type Cursor interface {
	First() (key, value []byte, ok bool)
	Last() (key, value []byte, ok bool)
	// Seek positions at the first key greater than or equal to key.
	Seek(key []byte) (k, v []byte, ok bool)
	Next() (key, value []byte, ok bool)
	Prev() (key, value []byte, ok bool)
	// Err reports an error that ended positioning early.
	Err() error
	Close() error
}
