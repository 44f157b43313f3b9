package fc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/dbstate"
	"github.com/pancake-db/ssi-engine/internal/layout"
	"github.com/pancake-db/ssi-engine/internal/telemetry"
	"github.com/pancake-db/ssi-engine/internal/txn"
)

type testEnv struct {
	dir      string
	mgr      *txn.Manager
	registry *dbstate.Registry
	signals  *dbstate.Signals
	listVers *dbstate.PersistedCounter
	metrics  *telemetry.Metrics
	worker   *Worker
}

func newTestEnv(t *testing.T, compactionThreshold int) *testEnv {
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

	mgr, err := txn.NewManager(dir, commitVers, listVers, registry, signals, metrics, log)
	require.NoError(t, err)
	worker := NewWorker(mgr.Primary, registry, signals, listVers, dir, compactionThreshold, metrics, log)

	return &testEnv{dir: dir, mgr: mgr, registry: registry, signals: signals, listVers: listVers, metrics: metrics, worker: worker}
}

func unitBearing(nodes []*primaryNode) int {
	n := 0
	for _, node := range nodes {
		if !node.IsDummy {
			n++
		}
	}
	return n
}

func TestWorker_FlushAndCompactFoldsWholeContiguousRunBehindFence(t *testing.T) {
	env := newTestEnv(t, 2)

	for i := 0; i < 3; i++ {
		tx := env.mgr.Begin()
		tx.Put(codec.FromInt(int64(i)), codec.FromStr("v"))
		require.NoError(t, env.mgr.Commit(tx))
	}

	nodesBefore := env.mgr.Primary.HeldSnapshot()
	for _, n := range nodesBefore {
		n.Release()
	}
	require.Len(t, nodesBefore, 3)

	env.worker.flushAndCompact()

	nodesAfter := env.mgr.Primary.HeldSnapshot()
	for _, n := range nodesAfter {
		n.Release()
	}
	require.True(t, nodesAfter[0].IsDummy, "a fence dummy should now sit at the head")
	assert.True(t, nodesAfter[0].IsFence())
	assert.Equal(t, 1, unitBearing(nodesAfter), "the whole eligible run should fold into one unit, not just the last two")

	tx := env.mgr.Begin()
	for _, k := range []int64{0, 1, 2} {
		v, ok, err := tx.Get(codec.FromInt(k))
		require.NoError(t, err)
		require.True(t, ok, "key %d must survive compaction", k)
		assert.Equal(t, "v", v.Str)
	}
	env.mgr.Abort(tx)

	// A second pass with nothing new committed must coalesce with the
	// existing fence rather than growing the chain with another dummy.
	env.worker.flushAndCompact()
	nodesFinal := env.mgr.Primary.HeldSnapshot()
	for _, n := range nodesFinal {
		n.Release()
	}
	assert.Len(t, nodesFinal, len(nodesAfter), "a no-op pass must not grow the chain")
}

func TestWorker_FlushAndCompactSkipsWhenOpenSnapshotPredatesRun(t *testing.T) {
	env := newTestEnv(t, 2)

	tx0 := env.mgr.Begin()
	tx0.Put(codec.FromInt(0), codec.FromStr("v0"))
	require.NoError(t, env.mgr.Commit(tx0))

	// Open a long-lived reader before the next two commits, pinning an
	// early ListVer so the run's newer member postdates it.
	reader := env.mgr.Begin()

	tx1 := env.mgr.Begin()
	tx1.Put(codec.FromInt(1), codec.FromStr("v1"))
	require.NoError(t, env.mgr.Commit(tx1))

	tx2 := env.mgr.Begin()
	tx2.Put(codec.FromInt(2), codec.FromStr("v2"))
	require.NoError(t, env.mgr.Commit(tx2))

	env.worker.flushAndCompact()

	nodes := env.mgr.Primary.HeldSnapshot()
	for _, n := range nodes {
		n.Release()
	}
	assert.Equal(t, 3, unitBearing(nodes), "compaction must not fold a run a still-open snapshot predates")

	env.mgr.Abort(reader)
}

func TestWorker_FlushAndCompactSecondPassFoldsOnlyTheNewRunAboveTheStaleFence(t *testing.T) {
	env := newTestEnv(t, 2)

	for i := 0; i < 3; i++ {
		tx := env.mgr.Begin()
		tx.Put(codec.FromInt(int64(i)), codec.FromStr("v"))
		require.NoError(t, env.mgr.Commit(tx))
	}
	env.worker.flushAndCompact()

	round1 := env.mgr.Primary.HeldSnapshot()
	for _, n := range round1 {
		n.Release()
	}
	require.Equal(t, 1, unitBearing(round1), "round one should fold all three commits behind the fence")

	for i := 3; i < 5; i++ {
		tx := env.mgr.Begin()
		tx.Put(codec.FromInt(int64(i)), codec.FromStr("v"))
		require.NoError(t, env.mgr.Commit(tx))
	}
	env.worker.flushAndCompact()

	round2 := env.mgr.Primary.HeldSnapshot()
	for _, n := range round2 {
		n.Release()
	}
	// A fresh fence goes in ahead of the two new commits since the head is
	// now unit-bearing again; the round-one fence further down the chain is
	// untouched, so it stays a dummy without being coalesced into the new
	// one.
	require.Len(t, round2, 4)
	assert.True(t, round2[0].IsDummy)
	assert.True(t, round2[0].IsFence())
	assert.False(t, round2[1].IsDummy, "the new run should have folded into one merged unit")
	assert.True(t, round2[2].IsDummy, "round one's fence remains, now mid-chain")
	assert.False(t, round2[3].IsDummy)
	assert.Equal(t, 2, unitBearing(round2))

	tx := env.mgr.Begin()
	for k := int64(0); k < 5; k++ {
		v, ok, err := tx.Get(codec.FromInt(k))
		require.NoError(t, err)
		require.True(t, ok, "key %d must survive two compaction rounds", k)
		assert.Equal(t, "v", v.Str)
	}
	env.mgr.Abort(tx)
}

func TestWorker_GCReclaimsOnlyAfterHoldReleased(t *testing.T) {
	env := newTestEnv(t, 2)

	reader := env.mgr.Begin()

	for i := 0; i < 3; i++ {
		tx := env.mgr.Begin()
		tx.Put(codec.FromInt(int64(i)), codec.FromStr("v"))
		require.NoError(t, env.mgr.Commit(tx))
	}

	env.mgr.Abort(reader) // release the hold pinning ListVer 0 before compacting
	env.worker.flushAndCompact()

	env.worker.danglingMu.Lock()
	pending := len(env.worker.dangling)
	env.worker.danglingMu.Unlock()
	require.Equal(t, 1, pending)

	env.worker.runGC()

	env.worker.danglingMu.Lock()
	remaining := len(env.worker.dangling)
	env.worker.danglingMu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestWorker_BackfillScndIdxProjectsAndMarksReady(t *testing.T) {
	env := newTestEnv(t, 1000) // large threshold: no compaction interference

	tx := env.mgr.Begin()
	tx.Put(codec.FromInt(1), codec.FromTuple(codec.FromStr("alice"), codec.FromInt(30)))
	tx.Put(codec.FromInt(2), codec.FromTuple(codec.FromStr("bob"), codec.FromInt(25)))
	require.NoError(t, env.mgr.Commit(tx))

	spec := codec.NewSubValueSpec(1) // project the age field
	entry, err := env.registry.Register(spec, env.listVers.Current())
	require.NoError(t, err)

	env.worker.backfillScndIdx(dbstate.ScndIdxRequest{Entry: entry})

	got, ok := env.registry.Get(spec)
	require.True(t, ok)
	assert.Equal(t, dbstate.ScndIdxReady, got.State)

	nodes := entry.Chain.HeldSnapshot()
	require.Len(t, nodes, 1)
	for _, n := range nodes {
		n.Release()
	}

	svA := codec.FromInt(30)
	v, ok, err := nodes[0].Payload.GetOne(codec.SVPK{SV: svA, PK: codec.FromInt(1)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", v.Datum.Tuple[0].Str)
}
