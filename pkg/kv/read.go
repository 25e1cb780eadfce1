package kv

import (
	"bytes"
	"errors"

	"github.com/eigerco/txkv/internal/rangecursor"
	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/encoding"
)

// Entry is a decoded key, value and version. Version is zero for stores
// without versions.
type Entry = rangecursor.Entry

// read runs fn on the shared read transaction.
func (s *Store) read(fn func(r db.Reader) error) error {
	if s.env.closed.Load() {
		return ErrClosed
	}
	t, err := s.env.reads.Acquire()
	if err != nil {
		return err
	}
	defer s.env.reads.Release(t)
	s.stats.reads.Add(1)
	return fn(t.Reader())
}

// rawValue returns the stored bytes of key: the framed value, or for a
// dup-sort store the first value's payload. The slice is only valid inside
// the transaction.
func (s *Store) rawValue(r db.Reader, k []byte) ([]byte, error) {
	if !s.target.Codec.DupSort {
		v, err := r.Get(s.target.Table, k)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return v, err
	}
	cur, err := r.Cursor(s.target.Table)
	if err != nil {
		return nil, err
	}
	defer cur.Close() //nolint:errcheck
	prefix := encoding.DupPrefix(k)
	found, _, ok := cur.Seek(prefix)
	if !ok {
		if err := cur.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	if !bytes.HasPrefix(found, prefix) {
		return nil, ErrNotFound
	}
	return bytes.Clone(found[len(prefix):]), nil
}

func (s *Store) getEntry(r db.Reader, key any) (Entry, error) {
	k, err := s.key(key)
	if err != nil {
		return Entry{}, err
	}
	raw, err := s.rawValue(r, k)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Key: key}
	if s.target.Codec.DupSort {
		e.Value, err = encoding.UnmarshalValue(s.target.Codec.Values, raw)
		return e, err
	}
	e.Value, e.Version, err = s.target.Codec.DecodeValue(raw)
	return e, err
}

// GetEntry returns the value and version of key, or ErrNotFound. On a
// dup-sort store it returns the first value of key.
func (s *Store) GetEntry(key any) (Entry, error) {
	var id uint64
	if s.cache != nil {
		k, err := s.key(key)
		if err != nil {
			return Entry{}, err
		}
		if e, ok := s.cache.get(string(k)); ok {
			e.Key = key
			return e, nil
		}
		id = s.env.reads.RenewID()
	}

	var e Entry
	err := s.read(func(r db.Reader) error {
		var err error
		e, err = s.getEntry(r, key)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	if s.cache != nil {
		k, _ := s.key(key)
		s.cache.fill(string(k), e, id)
	}
	return e, nil
}

func (s *Store) Get(key any) (any, error) {
	e, err := s.GetEntry(key)
	return e.Value, err
}

// GetBinary returns the stored payload of key without decoding it.
func (s *Store) GetBinary(key any) ([]byte, error) {
	k, err := s.key(key)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = s.read(func(r db.Reader) error {
		raw, err := s.rawValue(r, k)
		if err != nil {
			return err
		}
		payload, _, err := s.target.Codec.Unframe(raw)
		out = bytes.Clone(payload)
		return err
	})
	return out, err
}

// GetMany reads several keys from one snapshot. Missing keys yield nil.
func (s *Store) GetMany(keys []any) ([]any, error) {
	out := make([]any, len(keys))
	err := s.read(func(r db.Reader) error {
		for i, key := range keys {
			e, err := s.getEntry(r, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[i] = e.Value
		}
		return nil
	})
	return out, err
}

func (s *Store) DoesExist(key any) (bool, error) {
	_, err := s.GetEntry(key)
	return found(err)
}

// DoesExistVersion reports whether key exists with the given version.
func (s *Store) DoesExistVersion(key any, version float64) (bool, error) {
	if !s.target.Codec.UseVersions {
		return false, ErrNoVersions
	}
	e, err := s.GetEntry(key)
	if ok, err := found(err); !ok {
		return false, err
	}
	return e.Version == version, nil
}

// DoesExistValue reports whether key holds value. On a dup-sort store value
// may be any of the key's values.
func (s *Store) DoesExistValue(key, value any) (bool, error) {
	codec := s.target.Codec
	k, err := s.key(key)
	if err != nil {
		return false, err
	}
	payload, err := codec.Payload(value)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.read(func(r db.Reader) error {
		if codec.DupSort {
			dk, err := codec.DupKey(k, payload)
			if err != nil {
				return err
			}
			_, err = r.Get(s.target.Table, dk)
			exists, err = found(err)
			return err
		}
		raw, err := s.rawValue(r, k)
		if exists, err = found(err); !exists {
			return err
		}
		stored, _, err := codec.Unframe(raw)
		exists = err == nil && bytes.Equal(stored, payload)
		return err
	})
	return exists, err
}

func found(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// GetRange returns a lazy range over the store. Each iteration reads from
// the shared read transaction as it is when the iteration starts.
func (s *Store) GetRange(opts RangeOptions) *Range {
	return s.newRange(rangecursor.Source{Manager: s.env.reads, Pool: s.pool}, opts)
}

// GetKeys iterates the distinct keys of the store.
func (s *Store) GetKeys(opts RangeOptions) *Range {
	opts.KeysOnly = true
	r := s.GetRange(opts)
	r.opts.UniqueKeys = true
	return r
}

// GetValues iterates the values of key: all of them on a dup-sort store, at
// most one otherwise.
func (s *Store) GetValues(key any, opts RangeOptions) *Range {
	opts.Start, opts.End = nil, nil
	r := s.GetRange(opts)
	if r.err != nil {
		return r
	}
	k, err := s.key(key)
	if err != nil {
		return &Range{err: err}
	}
	r.opts.Key, r.opts.ValuesForKey = k, true
	return r
}

func (s *Store) GetCount(opts RangeOptions) (int, error) {
	opts.KeysOnly = true
	return s.GetRange(opts).Count()
}

func (s *Store) GetKeysCount(opts RangeOptions) (int, error) {
	return s.GetKeys(opts).Count()
}

func (s *Store) GetValuesCount(key any) (int, error) {
	return s.GetValues(key, RangeOptions{KeysOnly: true}).Count()
}
