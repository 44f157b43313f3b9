package sstable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pancake-db/ssi-engine/internal/codec"
)

func intCodec() KeyCodec[int64] {
	return KeyCodec[int64]{
		Less: func(a, b int64) bool { return a < b },
		Encode: func(k int64) ([]byte, error) {
			var buf [8]byte
			for i := 0; i < 8; i++ {
				buf[i] = byte(k >> (56 - 8*i))
			}
			return buf[:], nil
		},
		Decode: func(b []byte) (int64, error) {
			var v int64
			for i := 0; i < 8; i++ {
				v = v<<8 | int64(b[i])
			}
			return v, nil
		},
	}
}

func buildTable(t *testing.T, dir string, n int) *Reader[int64] {
	t.Helper()
	path := filepath.Join(dir, "table.sst")
	w, err := NewWriter[int64](path, intCodec())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(int64(i), codec.Live(codec.FromInt(int64(i*10)))))
	}
	require.NoError(t, w.Finalize())
	r, err := Load[int64](path, intCodec())
	require.NoError(t, err)
	return r
}

func TestWriter_RoundTripGetOne(t *testing.T) {
	dir := t.TempDir()
	r := buildTable(t, dir, 100)
	defer r.Close()

	for _, k := range []int64{0, 1, 17, 63, 99} {
		v, ok, err := r.GetOne(k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, k*10, v.Datum.Int)
	}

	_, ok, err := r.GetOne(int64(1000))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriter_SparseIndexBoundaryDoesNotLeakIntoIndexBlock(t *testing.T) {
	dir := t.TempDir()
	// sparseEvery = 16, so use a count that isn't a clean multiple to
	// exercise a partial final index run.
	r := buildTable(t, dir, 37)
	defer r.Close()

	var got []int64
	it := r.GetAllKeys()
	for it.Next() {
		got = append(got, it.Key())
	}
	require.Len(t, got, 37)
	for i, k := range got {
		assert.Equal(t, int64(i), k)
	}
}

func TestReader_GetRangeClipsBothBounds(t *testing.T) {
	dir := t.TempDir()
	r := buildTable(t, dir, 50)
	defer r.Close()

	lo, hi := int64(20), int64(25)
	it := r.GetRange(&lo, &hi)
	var got []int64
	for it.Next() {
		got = append(got, it.Key())
	}
	assert.Equal(t, []int64{20, 21, 22, 23, 24, 25}, got)
}

func TestReader_GetRangeOpenEnded(t *testing.T) {
	dir := t.TempDir()
	r := buildTable(t, dir, 10)
	defer r.Close()

	hi := int64(3)
	it := r.GetRange(nil, &hi)
	var got []int64
	for it.Next() {
		got = append(got, it.Key())
	}
	assert.Equal(t, []int64{0, 1, 2, 3}, got)
}

func TestReader_TombstoneRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.sst")
	w, err := NewWriter[int64](path, intCodec())
	require.NoError(t, err)
	require.NoError(t, w.Append(1, codec.Tombstone()))
	require.NoError(t, w.Finalize())

	r, err := Load[int64](path, intCodec())
	require.NoError(t, err)
	defer r.Close()

	v, ok, err := r.GetOne(int64(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.IsTombstone())
}
