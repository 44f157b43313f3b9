package layout

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadCommitInfoRoundTrips(t *testing.T) {
	dir := t.TempDir()
	unitDir := UnitDir(dir, "abc123")
	require.NoError(t, os.MkdirAll(unitDir, 0o755))

	want := CommitInfo{CommitVerLo: 3, CommitVerHi: 5, Timestamp: 1700000000}
	require.NoError(t, WriteCommitInfo(unitDir, want))

	got, ok, err := ReadCommitInfo(unitDir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestReadCommitInfoReportsMissingWithoutError(t *testing.T) {
	dir := t.TempDir()
	unitDir := UnitDir(dir, "never-committed")
	require.NoError(t, os.MkdirAll(unitDir, 0o755))

	_, ok, err := ReadCommitInfo(unitDir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadCommitInfoRejectsCorruptMarker(t *testing.T) {
	dir := t.TempDir()
	unitDir := UnitDir(dir, "corrupt")
	require.NoError(t, os.MkdirAll(unitDir, 0o755))
	require.NoError(t, os.WriteFile(CommitInfoPath(unitDir), []byte("not a commit marker\n"), 0o644))

	_, ok, err := ReadCommitInfo(unitDir)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestScndIdxFilePathEncodesNumAsHex16(t *testing.T) {
	path := ScndIdxFilePath("/root/units/u1", 0xABCD)
	assert.Equal(t, "/root/units/u1/si-000000000000abcd.kv", path)
}

func TestParseScndIdxNumRoundTripsScndIdxDir(t *testing.T) {
	dir := ScndIdxDir("/root", 1234)
	n, err := ParseScndIdxNum(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), n)
}

func TestListUnitDirsReturnsEmptyWhenUnitsRootMissing(t *testing.T) {
	dirs, err := ListUnitDirs(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, dirs)
}
