// Package dbtest holds the engine conformance suite shared by every db.Engine
// backend, plus a decorator that checks the single-writer contract.
package dbtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/txkv/pkg/db"
)

// Factory opens a fresh, empty engine for one test case.
type Factory func(t *testing.T) db.Engine

// RunEngineSuite runs the conformance cases against engines built by open.
func RunEngineSuite(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e db.Engine)
	}{
		{name: "put_get_commit", fn: testPutGetCommit},
		{name: "abort_discards", fn: testAbortDiscards},
		{name: "tables_are_isolated", fn: testTablesIsolated},
		{name: "write_txn_sees_own_writes", fn: testReadOwnWrites},
		{name: "snapshot_isolation", fn: testSnapshotIsolation},
		{name: "reset_renew", fn: testResetRenew},
		{name: "cursor_positioning", fn: testCursorPositioning},
		{name: "child_commit_and_abort", fn: testChild},
		{name: "open_missing_table", fn: testOpenMissingTable},
		{name: "sync", fn: testSync},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := open(t)
			defer e.Close() //nolint:errcheck

			tc.fn(t, e)
		})
	}
}

func mustTable(t *testing.T, e db.Engine, name string) db.Table {
	tbl, err := e.OpenTable(name, true)
	require.NoError(t, err)
	return tbl
}

func put(t *testing.T, e db.Engine, tbl db.Table, pairs ...string) {
	w, err := e.BeginWrite()
	require.NoError(t, err)
	for i := 0; i+1 < len(pairs); i += 2 {
		require.NoError(t, w.Put(tbl, []byte(pairs[i]), []byte(pairs[i+1])))
	}
	require.NoError(t, w.Commit())
}

func testPutGetCommit(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	put(t, e, tbl, "a", "1", "b", "2")

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Abort() //nolint:errcheck

	v, err := r.Get(tbl, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = r.Get(tbl, []byte("zz"))
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.True(t, db.IsCode(err, db.CodeNotFound))
}

func testAbortDiscards(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	w, err := e.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Put(tbl, []byte("k"), []byte("v")))
	require.NoError(t, w.Abort())

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Abort() //nolint:errcheck
	_, err = r.Get(tbl, []byte("k"))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func testTablesIsolated(t *testing.T, e db.Engine) {
	users := mustTable(t, e, "users")
	orders := mustTable(t, e, "orders")
	put(t, e, users, "k", "user")
	put(t, e, orders, "k", "order", "k2", "order2")

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Abort() //nolint:errcheck

	v, err := r.Get(users, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("user"), v)

	c, err := r.Cursor(users)
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck
	count := 0
	for _, _, ok := c.First(); ok; _, _, ok = c.Next() {
		count++
	}
	assert.Equal(t, 1, count)
}

func testReadOwnWrites(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	w, err := e.BeginWrite()
	require.NoError(t, err)
	defer w.Abort() //nolint:errcheck

	require.NoError(t, w.Put(tbl, []byte("x"), []byte("1")))
	v, err := w.Get(tbl, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	c, err := w.Cursor(tbl)
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck
	k, _, ok := c.First()
	require.True(t, ok)
	assert.Equal(t, []byte("x"), k)
}

func testSnapshotIsolation(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	put(t, e, tbl, "a", "old")

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Abort() //nolint:errcheck

	put(t, e, tbl, "a", "new", "b", "new")

	v, err := r.Get(tbl, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
	_, err = r.Get(tbl, []byte("b"))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func testResetRenew(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	put(t, e, tbl, "a", "1")

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Abort() //nolint:errcheck

	put(t, e, tbl, "a", "2")
	require.NoError(t, r.Reset())
	require.NoError(t, r.Renew())

	v, err := r.Get(tbl, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func testCursorPositioning(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	put(t, e, tbl, "b", "2", "d", "4", "f", "6")

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Abort() //nolint:errcheck
	c, err := r.Cursor(tbl)
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck

	k, v, ok := c.Seek([]byte("c"))
	require.True(t, ok)
	assert.Equal(t, "d", string(k))
	assert.Equal(t, "4", string(v))

	k, _, ok = c.Prev()
	require.True(t, ok)
	assert.Equal(t, "b", string(k))

	_, _, ok = c.Prev()
	assert.False(t, ok)

	k, _, ok = c.Last()
	require.True(t, ok)
	assert.Equal(t, "f", string(k))

	_, _, ok = c.Next()
	assert.False(t, ok)

	_, _, ok = c.Seek([]byte("g"))
	assert.False(t, ok)
	assert.NoError(t, c.Err())
}

func testChild(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	put(t, e, tbl, "keep", "orig")

	w, err := e.BeginWrite()
	require.NoError(t, err)

	child, err := db.BeginChild(w)
	require.NoError(t, err)
	require.NoError(t, child.Put(tbl, []byte("keep"), []byte("changed")))
	require.NoError(t, child.Put(tbl, []byte("added"), []byte("x")))

	grandchild, err := db.BeginChild(child)
	require.NoError(t, err)
	require.NoError(t, grandchild.Delete(tbl, []byte("keep")))
	require.NoError(t, grandchild.Commit())

	_, err = w.Get(tbl, []byte("keep"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, child.Abort())
	assert.ErrorIs(t, child.Commit(), db.ErrTxnDone)

	v, err := w.Get(tbl, []byte("keep"))
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), v)
	_, err = w.Get(tbl, []byte("added"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	committed, err := db.BeginChild(w)
	require.NoError(t, err)
	require.NoError(t, committed.Put(tbl, []byte("child"), []byte("yes")))
	require.NoError(t, committed.Commit())
	require.NoError(t, w.Commit())

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Abort() //nolint:errcheck
	v, err = r.Get(tbl, []byte("child"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), v)
}

func testOpenMissingTable(t *testing.T, e db.Engine) {
	_, err := e.OpenTable("missing", false)
	assert.ErrorIs(t, err, db.ErrNoTable)
	assert.True(t, db.IsCode(err, db.CodeBadDBI))
}

func testSync(t *testing.T, e db.Engine) {
	tbl := mustTable(t, e, "")
	put(t, e, tbl, "a", "1")
	assert.NoError(t, e.Sync())
}
