package vault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

const testMaster = "test-master-secret-0123456789"

func TestStoreGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v, err := New(path, testMaster)
	require.NoError(t, err)

	assert.False(t, v.Has("FP1"))
	_, err = v.Get("FP1")
	assert.Equal(t, utils.ClassNotFound, utils.ClassOf(err))

	require.NoError(t, v.Store("FP1", "hunter2"))
	assert.True(t, v.Has("FP1"))

	got, err := v.Get("FP1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, v.Delete("FP1"))
	assert.False(t, v.Has("FP1"))
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v1, err := New(path, testMaster)
	require.NoError(t, err)
	require.NoError(t, v1.Store("FP1", "hunter2"))
	require.NoError(t, v1.Store("FP2", "swordfish"))

	v2, err := New(path, testMaster)
	require.NoError(t, err)

	got, err := v2.Get("FP1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
	got, err = v2.Get("FP2")
	require.NoError(t, err)
	assert.Equal(t, "swordfish", got)
}

func TestWrongMasterSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v1, err := New(path, testMaster)
	require.NoError(t, err)
	require.NoError(t, v1.Store("FP1", "hunter2"))

	_, err = New(path, "not-the-master-secret")
	require.Error(t, err)
}

func TestRekey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v, err := New(path, testMaster)
	require.NoError(t, err)
	require.NoError(t, v.Store("OLD", "hunter2"))

	require.NoError(t, v.Rekey("OLD", "NEW"))
	assert.False(t, v.Has("OLD"))

	got, err := v.Get("NEW")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}
