package txn

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/dbstate"
	"github.com/pancake-db/ssi-engine/internal/layout"
	"github.com/pancake-db/ssi-engine/internal/telemetry"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{layout.UnitsRoot(dir), layout.ScndIdxsRoot(dir)} {
		require.NoError(t, os.MkdirAll(sub, 0o755))
	}

	commitVers, err := dbstate.LoadOrNewPersistedCounter(layout.CommitVerCounterPath(dir))
	require.NoError(t, err)
	listVers, err := dbstate.LoadOrNewPersistedCounter(layout.ListVerCounterPath(dir))
	require.NoError(t, err)
	scndCounter, err := dbstate.LoadOrNewPersistedCounter(layout.ScndIdxNumCounterPath(dir))
	require.NoError(t, err)

	registry := dbstate.NewRegistry(dir, scndCounter)
	signals := dbstate.NewSignals()
	metrics := telemetry.NewMetrics()
	log := telemetry.NewLogger(false).WithField("test", true)

	m, err := NewManager(dir, commitVers, listVers, registry, signals, metrics, log)
	require.NoError(t, err)
	return m
}

func TestTxn_PutGetDeleteWithinOwnTransaction(t *testing.T) {
	m := newTestManager(t)
	tx := m.Begin()

	tx.Put(codec.FromStr("k1"), codec.FromInt(1))
	v, ok, err := tx.Get(codec.FromStr("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Int)

	tx.Delete(codec.FromStr("k1"))
	_, ok, err = tx.Get(codec.FromStr("k1"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Commit(tx))
}

func TestTxn_CommittedWriteVisibleToLaterSnapshot(t *testing.T) {
	m := newTestManager(t)

	t1 := m.Begin()
	t1.Put(codec.FromStr("a"), codec.FromInt(100))
	require.NoError(t, m.Commit(t1))

	t2 := m.Begin()
	v, ok, err := t2.Get(codec.FromStr("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), v.Int)
	m.Abort(t2)
}

func TestTxn_NoDirtyReadOfUncommittedWrite(t *testing.T) {
	m := newTestManager(t)

	writer := m.Begin()
	writer.Put(codec.FromStr("b"), codec.FromInt(1))

	reader := m.Begin()
	_, ok, err := reader.Get(codec.FromStr("b"))
	require.NoError(t, err)
	assert.False(t, ok, "an uncommitted write must not be visible to another snapshot")

	require.NoError(t, m.Commit(writer))
	m.Abort(reader)
}

func TestTxn_RepeatableReadAcrossConcurrentCommit(t *testing.T) {
	m := newTestManager(t)

	seed := m.Begin()
	seed.Put(codec.FromStr("c"), codec.FromInt(1))
	require.NoError(t, m.Commit(seed))

	reader := m.Begin()
	v1, ok, err := reader.Get(codec.FromStr("c"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), v1.Int)

	writer := m.Begin()
	writer.Put(codec.FromStr("c"), codec.FromInt(2))
	require.NoError(t, m.Commit(writer))

	v2, ok, err := reader.Get(codec.FromStr("c"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), v2.Int, "a snapshot must not observe a commit that happened after it began")
	m.Abort(reader)
}

func TestTxn_ConflictOnOverlappingReadWriteDetected(t *testing.T) {
	m := newTestManager(t)

	seed := m.Begin()
	seed.Put(codec.FromStr("ctr"), codec.FromInt(0))
	require.NoError(t, m.Commit(seed))

	t1 := m.Begin()
	_, _, err := t1.Get(codec.FromStr("ctr"))
	require.NoError(t, err)

	t2 := m.Begin()
	v, _, err := t2.Get(codec.FromStr("ctr"))
	require.NoError(t, err)
	t2.Put(codec.FromStr("ctr"), codec.FromInt(v.Int+1))
	require.NoError(t, m.Commit(t2))

	t1.Put(codec.FromStr("ctr"), codec.FromInt(v.Int+1))
	err = m.Commit(t1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTxn_NoLostUpdateUnderConcurrentIncrement(t *testing.T) {
	m := newTestManager(t)

	seed := m.Begin()
	seed.Put(codec.FromStr("counter"), codec.FromInt(0))
	require.NoError(t, m.Commit(seed))

	const workers = 8
	var wg sync.WaitGroup
	successCount := 0
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tx := m.Begin()
				v, _, err := tx.Get(codec.FromStr("counter"))
				require.NoError(t, err)
				tx.Put(codec.FromStr("counter"), codec.FromInt(v.Int+1))
				err = m.Commit(tx)
				if err == nil {
					mu.Lock()
					successCount++
					mu.Unlock()
					return
				}
				if err != ErrConflict {
					require.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()

	final := m.Begin()
	v, ok, err := final.Get(codec.FromStr("counter"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(workers), v.Int)
	m.Abort(final)
}

func TestTxn_GetRangeSeesCommittedAndOwnWrites(t *testing.T) {
	m := newTestManager(t)

	seed := m.Begin()
	seed.Put(codec.FromInt(1), codec.FromStr("one"))
	seed.Put(codec.FromInt(2), codec.FromStr("two"))
	require.NoError(t, m.Commit(seed))

	tx := m.Begin()
	tx.Put(codec.FromInt(3), codec.FromStr("three"))

	lo, hi := codec.FromInt(1), codec.FromInt(3)
	found := map[int64]string{}
	tx.GetRange(&lo, &hi, func(k, v codec.Datum) bool {
		found[k.Int] = v.Str
		return true
	})

	assert.Equal(t, map[int64]string{1: "one", 2: "two", 3: "three"}, found)
	m.Abort(tx)
}

func TestTxn_GetRangeHidesOwnTombstone(t *testing.T) {
	m := newTestManager(t)

	seed := m.Begin()
	seed.Put(codec.FromInt(1), codec.FromStr("one"))
	require.NoError(t, m.Commit(seed))

	tx := m.Begin()
	tx.Delete(codec.FromInt(1))

	lo, hi := codec.FromInt(0), codec.FromInt(5)
	found := map[int64]string{}
	tx.GetRange(&lo, &hi, func(k, v codec.Datum) bool {
		found[k.Int] = v.Str
		return true
	})
	assert.Empty(t, found)
	m.Abort(tx)
}
