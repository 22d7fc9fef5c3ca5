package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMemDB(t *testing.T) Storage {
	t.Helper()
	db, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBatchWriteSetsAndDeletes(t *testing.T) {
	db := mustMemDB(t)
	require.NoError(t, db.Set([]byte("s:a:1"), []byte("old")))

	err := db.BatchWrite(map[string][]byte{
		"s:a:1": nil,
		"s:a:2": []byte("two"),
		"s:b:1": []byte("other"),
	})
	require.NoError(t, err)

	found, err := db.Exist([]byte("s:a:1"))
	require.NoError(t, err)
	assert.False(t, found)

	v, err := db.GetKey([]byte("s:a:2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	items, err := db.GetByPrefix([]byte("s:a:"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("s:a:2"), items[0].Key)

	count, err := db.CountKeysByPrefix([]byte("s:"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestGetKeyMissing(t *testing.T) {
	db := mustMemDB(t)
	_, err := db.GetKey([]byte("nope"))
	assert.True(t, IsNotFound(err))
}

func TestCounters(t *testing.T) {
	db := mustMemDB(t)

	v, err := db.GetCounter([]byte("ct:ops"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	_, err = db.GetCounter([]byte("ct:ops"))
	assert.True(t, IsNotFound(err))

	v, err = db.IncCounter([]byte("ct:ops"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = db.IncCounter([]byte("ct:ops"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	v, err = db.IncCounter([]byte("ct:other"), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), v)
}

func TestBackupAndLoad(t *testing.T) {
	src := mustMemDB(t)
	require.NoError(t, src.Set([]byte("b:acct"), []byte{1, 2, 3}))

	var buf bytes.Buffer
	_, err := src.Backup(context.Background(), &buf, 0)
	require.NoError(t, err)

	dst := mustMemDB(t)
	require.NoError(t, dst.Load(context.Background(), &buf))

	v, err := dst.GetKey([]byte("b:acct"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v)
	assert.NoError(t, dst.Vacuum())
}
