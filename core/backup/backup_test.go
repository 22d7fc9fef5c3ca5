package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/safe4337/core/testutil"
)

func TestPeriodicBackup(t *testing.T) {
	db := testutil.TestMustMemoryDB()
	defer db.Close()

	service := NewService(testutil.GetLogger(), db, t.TempDir())

	require.NoError(t, service.StartPeriodicBackup(time.Hour))
	assert.True(t, service.IsRunning())
	assert.Error(t, service.StartPeriodicBackup(time.Hour), "second start should fail")

	service.StopPeriodicBackup()
	assert.False(t, service.IsRunning())
	service.StopPeriodicBackup()

	assert.Error(t, service.StartPeriodicBackup(0))
}

func TestPeriodicBackupWritesFiles(t *testing.T) {
	db := testutil.TestMustMemoryDB()
	defer db.Close()
	require.NoError(t, db.Set([]byte("k"), []byte("v")))

	dir := t.TempDir()
	service := NewService(nil, db, dir)
	require.NoError(t, service.StartPeriodicBackup(20*time.Millisecond))

	assert.Eventually(t, func() bool {
		files, _ := filepath.Glob(filepath.Join(dir, "*", FileName))
		return len(files) > 0
	}, 5*time.Second, 20*time.Millisecond)
	service.StopPeriodicBackup()
}

func TestPerformBackupAndRestore(t *testing.T) {
	db := testutil.TestMustMemoryDB()
	defer db.Close()
	require.NoError(t, db.Set([]byte("r:0x01"), []byte("receipt")))

	service := NewService(testutil.GetLogger(), db, t.TempDir())
	backupFile, err := service.PerformBackup()
	require.NoError(t, err)
	_, err = os.Stat(backupFile)
	require.NoError(t, err)
	assert.Equal(t, FileName, filepath.Base(backupFile))

	restored := testutil.TestMustMemoryDB()
	defer restored.Close()
	require.NoError(t, Restore(restored, backupFile))

	value, err := restored.GetKey([]byte("r:0x01"))
	require.NoError(t, err)
	assert.Equal(t, "receipt", string(value))

	assert.Error(t, Restore(restored, filepath.Join(t.TempDir(), "missing")))
}
