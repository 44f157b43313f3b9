// Package fc implements the flush-and-compaction worker: a single
// background goroutine that folds committed staging units into compacted
// sstables, reclaims chain nodes once no open transaction can still reach
// them, and backfills newly-requested secondary indexes.
package fc

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/dbstate"
	"github.com/pancake-db/ssi-engine/internal/layout"
	"github.com/pancake-db/ssi-engine/internal/lsmlist"
	"github.com/pancake-db/ssi-engine/internal/merge"
	"github.com/pancake-db/ssi-engine/internal/sstable"
	"github.com/pancake-db/ssi-engine/internal/telemetry"
	"github.com/pancake-db/ssi-engine/internal/unit"
)

func encodeDatum(k codec.Datum) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.EncodeDatum(&buf, k); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDatum(b []byte) (codec.Datum, error) {
	return codec.DecodeDatum(bytes.NewReader(b))
}

func encodeSVPKBytes(k codec.SVPK) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.EncodeSVPK(&buf, k); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSVPKBytes(b []byte) (codec.SVPK, error) {
	return codec.DecodeSVPK(bytes.NewReader(b))
}

// gcPollInterval drives the GC sub-loop's timer poll in addition to the
// held-version-changed signal, and paces the wait on termination for the
// last open transaction to release its hold before the final GC pass.
const gcPollInterval = 500 * time.Millisecond

type primaryNode = lsmlist.Node[*unit.Unit[codec.Datum]]

// Worker runs flush-and-compaction: folding committed units together,
// reclaiming spliced-out nodes, and backfilling secondary indexes.
// compactionThreshold is the chain length (in nodes) at which a pass
// starts looking for a run to fold; it is a constructor parameter rather
// than a hardcoded constant, since the right value governs
// write-amplification policy, not correctness.
type Worker struct {
	primary  *lsmlist.List[*unit.Unit[codec.Datum]]
	registry *dbstate.Registry
	signals  *dbstate.Signals
	listVers *dbstate.PersistedCounter
	rootDir  string
	log      *logrus.Entry
	metrics  *telemetry.Metrics

	compactionThreshold int

	danglingMu sync.Mutex
	dangling   []danglingEntry
}

// danglingEntry is one batch of nodes spliced out of the chain, tagged
// with the ListVer current at the moment they were detached. A node in
// this FIFO can only be reclaimed (its backing file removed) once every
// currently open transaction snapshot was pinned at a ListVer later than
// detachedAtListVer — meaning no open reader could have begun its
// lock-free walk before the splice and still be holding a stale
// next-pointer into these nodes.
type danglingEntry struct {
	nodes             []*primaryNode
	detachedAtListVer uint64
}

func NewWorker(primary *lsmlist.List[*unit.Unit[codec.Datum]], registry *dbstate.Registry, signals *dbstate.Signals, listVers *dbstate.PersistedCounter, rootDir string, compactionThreshold int, metrics *telemetry.Metrics, log *logrus.Entry) *Worker {
	return &Worker{
		primary:             primary,
		registry:            registry,
		signals:             signals,
		listVers:            listVers,
		rootDir:             rootDir,
		compactionThreshold: compactionThreshold,
		metrics:             metrics,
		log:                 log,
	}
}

// Run is the event loop: select across the four wakeup sources
// (held-version change, new committed CommitVer, secondary index creation
// request, termination) plus the GC sub-loop's own timer, until
// termination is signaled. On termination it polls until no transaction
// holds a version any more, then reclaims every dangling node and returns.
func (w *Worker) Run() {
	ticker := time.NewTicker(gcPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.signals.HeldVersions.Changed():
			w.runGC()
		case <-w.signals.CommitVers.Arrived():
			w.flushAndCompact()
			w.runGC()
		case req := <-w.signals.ScndIdxReqs:
			w.backfillScndIdx(req)
		case <-ticker.C:
			w.runGC()
		case <-w.signals.Term.Done():
			w.log.Debug("f+c worker terminating")
			for {
				if _, hasOpen := w.signals.HeldVersions.Min(); !hasOpen {
					break
				}
				time.Sleep(gcPollInterval)
			}
			w.runGC()
			return
		}
	}
}

// flushAndCompact runs one flush-and-compaction pass over the primary
// chain:
//
//  1. Install a fence dummy at the head, idempotently (PushFenceDummy
//     coalesces with whatever dummy is already there), fixing the extent
//     of the run this pass is allowed to touch even as new commits keep
//     landing ahead of it.
//  2. Walk forward from just below the fence, collecting the longest
//     contiguous run of committed, unit-bearing nodes whose CommitVerHi
//     is no newer than the lowest ListVer any open transaction still
//     holds — ListVer and CommitVer advance in lockstep in this
//     implementation (see DESIGN.md), so the held-ListVer floor doubles
//     as a safe CommitVer floor. The walk stops at the first dummy,
//     uncommitted node, or chain end.
//  3. If the run holds at least two nodes, merge them newer-wins into one
//     compacted sstable unit, dropping tombstones only when the run
//     reaches the end of the chain.
//  4. Splice the run out, replacing it with the merged unit, and record
//     the displaced nodes as dangling for the GC sub-loop.
//  5. Bump ListVer so the splice is itself a new epoch.
func (w *Worker) flushAndCompact() {
	head := w.primary.Head()
	if head == nil {
		return
	}

	nodes := w.primary.HeldSnapshot()
	defer releaseAll(nodes)
	if len(nodes) < w.compactionThreshold {
		return
	}

	minHeld, hasOpen := w.signals.HeldVersions.Min()

	fence := w.primary.PushFenceDummy(w.listVers.Current())

	var run []*primaryNode
	cur := fence.Next()
	for cur != nil {
		if cur.IsDummy {
			break
		}
		u := cur.Payload
		if u.CommitVerHi == 0 {
			break
		}
		if hasOpen && u.CommitVerHi > minHeld {
			break
		}
		run = append(run, cur)
		cur = cur.Next()
	}

	if len(run) < 2 {
		return
	}

	runHead, runTail := run[0], run[len(run)-1]
	merged, err := w.mergeUnits(run)
	if err != nil {
		w.log.WithError(err).Error("compaction merge failed")
		return
	}
	replacement := &primaryNode{Payload: merged, ListVer: runTail.ListVer}

	pred, ok := w.primary.Predecessor(runHead)
	if !ok {
		w.log.Warn("compaction run no longer reachable, will retry next cycle")
		return
	}
	if !w.primary.Splice(pred, runHead, runTail, replacement) {
		w.log.Warn("compaction splice lost the race, will retry next cycle")
		return
	}

	detachedAt := w.listVers.Current()
	w.danglingMu.Lock()
	w.dangling = append(w.dangling, danglingEntry{nodes: run, detachedAtListVer: detachedAt})
	w.danglingMu.Unlock()
	w.metrics.CompactionsTotal.Inc()
	w.metrics.DanglingNodes.Add(float64(len(run)))

	if _, err := w.listVers.Next(); err != nil {
		w.log.WithError(err).Warn("failed to advance list version after splice")
	}
}

// mergeUnits folds run (ordered newest-first, as collected from the
// chain) into a single compacted sstable unit. Tombstones are dropped only
// when the run's oldest member is the last node of the chain, so that no
// older unit is left holding a value the deletion still has to shadow;
// otherwise they are carried into the merged unit. The merged
// unit gets its own fresh unit directory — same pi.kv/commit_info.txt
// shape as any staging unit's, just sstable-backed and spanning the
// folded CommitVer range — so a startup scan never needs to tell a
// compacted unit apart from a staging one except by sniffing the file.
func (w *Worker) mergeUnits(run []*primaryNode) (*unit.Unit[codec.Datum], error) {
	unitDir := layout.UnitDir(w.rootDir, uuid.New().String())
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return nil, err
	}

	kc := sstable.KeyCodec[codec.Datum]{Less: codec.Less, Encode: encodeDatum, Decode: decodeDatum}
	writer, err := sstable.NewWriter(layout.PrimaryPath(unitDir), kc)
	if err != nil {
		return nil, err
	}

	sources := make([]merge.Source[codec.Datum], len(run))
	for i, n := range run {
		sources[i] = n.Payload.AllKeys()
	}
	m := merge.New(codec.Less, sources, run[len(run)-1].Next() == nil)
	for {
		k, v, ok := m.Next()
		if !ok {
			break
		}
		val, ok := v.(codec.Value)
		if !ok {
			continue
		}
		if err := writer.Append(k, val); err != nil {
			return nil, err
		}
	}
	if err := writer.Finalize(); err != nil {
		return nil, err
	}

	loLo := run[len(run)-1].Payload.CommitVerLo
	hiHi := run[0].Payload.CommitVerHi
	if err := layout.WriteCommitInfo(unitDir, layout.CommitInfo{
		CommitVerLo: loLo,
		CommitVerHi: hiHi,
		Timestamp:   time.Now().Unix(),
	}); err != nil {
		return nil, err
	}

	reader, err := sstable.Load(layout.PrimaryPath(unitDir), kc)
	if err != nil {
		return nil, err
	}
	merged := unit.NewCompacted(reader)
	merged.CommitVerLo = loLo
	merged.CommitVerHi = hiHi
	return merged, nil
}

// runGC reclaims dangling node batches whose detach epoch has fully
// passed: every currently open transaction began later than that epoch,
// so none could still be lock-free-traversing into them.
func (w *Worker) runGC() {
	minHeld, hasOpen := w.signals.HeldVersions.Min()

	w.danglingMu.Lock()
	defer w.danglingMu.Unlock()

	i := 0
	for i < len(w.dangling) {
		entry := w.dangling[i]
		if hasOpen && entry.detachedAtListVer >= minHeld {
			break
		}
		for _, n := range entry.nodes {
			if n.IsDummy {
				continue
			}
			if err := removeUnitFile(n.Payload); err != nil {
				w.log.WithError(err).Warn("failed to reclaim dangling unit")
			}
			w.metrics.DanglingNodes.Add(-1)
		}
		i++
	}
	w.dangling = w.dangling[i:]
}

func removeUnitFile(u *unit.Unit[codec.Datum]) error {
	if u.Kind == unit.Staging {
		return u.Memlog.RemoveFile()
	}
	return u.SSTable.RemoveFile()
}

func releaseAll(nodes []*primaryNode) {
	for _, n := range nodes {
		n.Release()
	}
}

// backfillScndIdx builds a single compacted SVPK-keyed sstable by
// projecting every currently-visible primary-chain PV through the index's
// SubValueSpec, then installs it as the sole node of the index's own
// chain and flips the index Ready. Keys whose PV doesn't have the shape
// the spec demands are silently skipped, matching Project's own "not
// every PV need match every secondary index's shape" contract. Every
// ordinary commit after this one propagates into the index's Chain
// directly (see txn.Manager.Commit); this pass only ever needs to run
// once per index, to cover the data that predates it.
func (w *Worker) backfillScndIdx(req dbstate.ScndIdxRequest) {
	nodes := w.primary.HeldSnapshot()
	defer releaseAll(nodes)

	type liveEntry struct {
		pk codec.Datum
		pv codec.Value
	}
	seen := map[string]bool{}
	var live []liveEntry
	for _, n := range nodes {
		if n.IsDummy {
			continue
		}
		u := n.Payload
		if u.CommitVerHi == 0 {
			continue // not yet committed, invisible to every reader
		}
		src := u.AllKeys()
		for src.Next() {
			k := src.Key()
			kk, _ := encodeDatum(k)
			if seen[string(kk)] {
				continue
			}
			seen[string(kk)] = true
			if val, ok := src.Value().(codec.Value); ok {
				live = append(live, liveEntry{pk: k, pv: val})
			}
		}
	}

	var projected []svpkEntry
	for _, e := range live {
		if e.pv.IsTombstone() {
			continue
		}
		sv, ok := req.Entry.Spec.Project(e.pv.Datum)
		if !ok {
			continue
		}
		projected = append(projected, svpkEntry{key: codec.SVPK{SV: sv, PK: e.pk}, val: e.pv})
	}
	sortSVPK(projected)

	unitDir := layout.UnitDir(w.rootDir, uuid.New().String())
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		w.log.WithError(err).Error("secondary index backfill: create unit directory")
		return
	}
	path := layout.ScndIdxFilePath(unitDir, req.Entry.Num)
	kc := sstable.KeyCodec[codec.SVPK]{Less: codec.LessSVPK, Encode: encodeSVPKBytes, Decode: decodeSVPKBytes}
	writer, err := sstable.NewWriter(path, kc)
	if err != nil {
		w.log.WithError(err).Error("secondary index backfill: create sstable writer")
		return
	}
	for _, p := range projected {
		if err := writer.Append(p.key, p.val); err != nil {
			w.log.WithError(err).Error("secondary index backfill: append")
			return
		}
	}
	if err := writer.Finalize(); err != nil {
		w.log.WithError(err).Error("secondary index backfill: finalize")
		return
	}
	if err := layout.WriteCommitInfo(unitDir, layout.CommitInfo{
		CommitVerLo: req.Entry.BornAt,
		CommitVerHi: req.Entry.BornAt,
		Timestamp:   time.Now().Unix(),
	}); err != nil {
		w.log.WithError(err).Error("secondary index backfill: write commit info")
		return
	}
	reader, err := sstable.Load(path, kc)
	if err != nil {
		w.log.WithError(err).Error("secondary index backfill: load")
		return
	}

	compacted := unit.NewCompacted(reader)
	compacted.CommitVerLo = req.Entry.BornAt
	compacted.CommitVerHi = req.Entry.BornAt
	req.Entry.Chain.PushFront(compacted, w.listVers.Current())
	if err := w.registry.MarkReady(req.Entry.Spec); err != nil {
		w.log.WithError(err).Error("secondary index backfill: mark ready")
		return
	}
	w.metrics.ScndIdxBackfillsTotal.Inc()
}

type svpkEntry struct {
	key codec.SVPK
	val codec.Value
}

func sortSVPK(entries []svpkEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && codec.LessSVPK(entries[j].key, entries[j-1].key); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
