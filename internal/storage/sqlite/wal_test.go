package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSidecars(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "anchors.db")
	for _, suffix := range []string{"-shm", "-wal"} {
		require.NoError(t, os.WriteFile(dbPath+suffix, []byte("stale"), 0o600))
	}
	return dbPath
}

func noHolders(...string) (bool, error) { return false, nil }

func TestRecoverWAL_RemovesUnheldSidecars(t *testing.T) {
	dbPath := writeSidecars(t)

	rec, err := recoverWAL(dbPath, noHolders, errors.New("disk I/O error"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, dbPath, rec.Path)
	assert.ElementsMatch(t, []string{dbPath + "-shm", dbPath + "-wal"}, rec.Removed)
	assert.Equal(t, "disk I/O error", rec.Cause)
	assert.Empty(t, walSidecars(dbPath))
}

func TestRecoverWAL_HeldSidecarsStay(t *testing.T) {
	dbPath := writeSidecars(t)
	var checked []string
	held := func(paths ...string) (bool, error) {
		checked = paths
		return true, nil
	}

	rec, err := recoverWAL(dbPath, held, errors.New("database is locked"))
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrWALInUse)
	assert.Len(t, walSidecars(dbPath), 2)
	assert.Equal(t, dbPath, checked[0])
}

func TestRecoverWAL_HolderCheckFails(t *testing.T) {
	dbPath := writeSidecars(t)
	broken := func(...string) (bool, error) { return false, errors.New("lsof unavailable") }

	_, err := recoverWAL(dbPath, broken, errors.New("disk I/O error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lsof unavailable")
	assert.Len(t, walSidecars(dbPath), 2)
}

func TestRecoverWAL_NothingToRecover(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "anchors.db")
	rec, err := recoverWAL(dbPath, noHolders, errors.New("disk I/O error"))
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIsRecoverableWALError(t *testing.T) {
	assert.False(t, isRecoverableWALError(nil))
	assert.True(t, isRecoverableWALError(errors.New("failed to enable WAL mode: disk I/O error")))
	assert.True(t, isRecoverableWALError(errors.New("database is locked")))
	assert.False(t, isRecoverableWALError(errors.New("no such table: anchors")))
}

func TestNewAnchorStore_CleanOpenHasNoRecovery(t *testing.T) {
	var calls int
	store, err := NewAnchorStore(filepath.Join(t.TempDir(), "anchors.db"),
		WithWALHolderCheck(func(...string) (bool, error) {
			calls++
			return false, nil
		}))
	require.NoError(t, err)
	defer store.Close()

	assert.Nil(t, store.Recovery())
	assert.Zero(t, calls, "holders are only checked after a failed open")
}
