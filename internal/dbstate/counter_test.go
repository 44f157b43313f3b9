package dbstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistedCounter_StartsAtZeroWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	c, err := LoadOrNewPersistedCounter(filepath.Join(dir, "ctr"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Current())
}

func TestPersistedCounter_NextIsMonotonicAndDurable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctr")
	c, err := LoadOrNewPersistedCounter(path)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		v, err := c.Next()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	reloaded, err := LoadOrNewPersistedCounter(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), reloaded.Current())
}

func TestPersistedCounter_RejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctr")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := LoadOrNewPersistedCounter(path)
	assert.Error(t, err)
}
