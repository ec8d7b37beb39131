package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClasses(t *testing.T) {
	err := NotFoundError("certificate X not found")
	assert.Equal(t, ClassNotFound, ClassOf(err))
	assert.True(t, IsClass(err, ClassNotFound))
	assert.False(t, IsClass(err, ClassBusy))

	wrapped := fmt.Errorf("loading store: %w", err)
	assert.Equal(t, ClassNotFound, ClassOf(wrapped))

	assert.Equal(t, ClassInternal, ClassOf(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := os.ErrNotExist
	err := IOError("read failed", cause)

	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "read failed")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Test_Root_CA", SanitizeFilename("Test Root CA"))
	assert.Equal(t, "web.example.com", SanitizeFilename("web.example.com"))
	assert.Equal(t, "a_b_c", SanitizeFilename("a/b\\c"))
}

func TestAtomicWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0600))
	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), stat.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "nested", "dst")

	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))
	require.NoError(t, CopyFile(src, dst, 0600))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestJWTRoundTrip(t *testing.T) {
	secret := "unit-test-secret"

	token, err := GenerateJWT("admin", "operator", secret)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, "operator", claims.Role)

	_, err = ValidateJWT(token, "other-secret")
	assert.Error(t, err)

	_, err = ValidateJWT("not.a.token", secret)
	assert.Error(t, err)
}
