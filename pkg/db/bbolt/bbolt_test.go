package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/db/dbtest"
)

func openTemp(t *testing.T) *Engine {
	e, err := Open(Options{
		Path:            filepath.Join(t.TempDir(), "data.db"),
		NoSync:          true,
		InitialMmapSize: 16 * 1024 * 1024,
	})
	require.NoError(t, err)
	return e
}

func TestEngineSuite(t *testing.T) {
	dbtest.RunEngineSuite(t, func(t *testing.T) db.Engine {
		return openTemp(t)
	})
}

func TestKeyTooLarge(t *testing.T) {
	e := openTemp(t)
	defer e.Close() //nolint:errcheck

	tbl, err := e.OpenTable("", true)
	require.NoError(t, err)
	w, err := e.BeginWrite()
	require.NoError(t, err)
	defer w.Abort() //nolint:errcheck

	err = w.Put(tbl, make([]byte, bbolt.MaxKeySize+1), []byte("v"))
	assert.ErrorIs(t, err, db.ErrTooLarge)
	assert.True(t, db.IsCode(err, db.CodeBadValSize))
}

func TestUseAfterCommit(t *testing.T) {
	e := openTemp(t)
	defer e.Close() //nolint:errcheck

	tbl, err := e.OpenTable("", true)
	require.NoError(t, err)
	w, err := e.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	err = w.Put(tbl, []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, db.ErrTxnDone)
	assert.NoError(t, w.Abort())
}
