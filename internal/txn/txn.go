package txn

import (
	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/dbstate"
	"github.com/pancake-db/ssi-engine/internal/itvset"
	"github.com/pancake-db/ssi-engine/internal/lsmlist"
	"github.com/pancake-db/ssi-engine/internal/merge"
	"github.com/pancake-db/ssi-engine/internal/rbtree"
	"github.com/pancake-db/ssi-engine/internal/unit"
)

// primaryNode/scndNode are the concrete node types walked by every Txn
// read, kept as named aliases purely to keep the function signatures
// below readable.
type primaryNode = lsmlist.Node[*unit.Unit[codec.Datum]]
type scndNode = lsmlist.Node[*unit.Unit[codec.SVPK]]

// writeBuffer is a transaction's own pending write-set: an ordered map
// from PK to the codec.Value it will write (or the tombstone it will
// leave) on commit, kept separate from the shared chain until then.
type writeBuffer struct {
	tree *rbtree.Tree[codec.Datum, codec.Value]
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{tree: rbtree.New[codec.Datum, codec.Value](codec.Less)}
}

// Txn is one snapshot-isolated transaction: reads see the manager's chain
// as of snapshotListVer/snapshotCommitVer, overlaid with this Txn's own
// not-yet-committed writes.
type Txn struct {
	mgr *Manager

	snapshotListVer   uint64
	snapshotCommitVer uint64

	readSet  itvset.Set
	writeBuf *writeBuffer

	// svReadSets records, per SubValueSpec key, every sub-value range this
	// transaction has scanned via GetSVRange — the dependency Commit's
	// checkScndIdxConflicts tests against each touched secondary index's
	// chain.
	svReadSets map[string]*itvset.Set

	released bool
}

// Get performs a point read: the transaction's own write buffer shadows
// the committed chain. Every read (buffered or not) records a point
// dependency in the read set — even a miss against the committed chain
// still participates in conflict detection, since a concurrent insert of
// that exact key is itself a conflict.
func (t *Txn) Get(pk codec.Datum) (codec.Datum, bool, error) {
	t.readSet.AddPoint(pk)

	if v, ok := t.writeBuf.tree.Get(pk); ok {
		if v.IsTombstone() {
			return codec.Datum{}, false, nil
		}
		return v.Datum, true, nil
	}

	found := false
	var result codec.Value
	t.mgr.Primary.Range(func(n *primaryNode) bool {
		if n.IsDummy {
			return true
		}
		u := n.Payload
		if !unitVisible(u, t.snapshotCommitVer) {
			return true
		}
		v, ok, err := u.GetOne(pk)
		if err != nil || !ok {
			return true
		}
		found = true
		result = v
		return false
	})
	if !found || result.IsTombstone() {
		return codec.Datum{}, false, nil
	}
	return result.Datum, true, nil
}

// Put buffers a write; it is not visible to any other transaction until
// Commit succeeds.
func (t *Txn) Put(pk codec.Datum, pv codec.Datum) {
	t.writeBuf.tree.Put(pk, codec.Live(pv))
}

// Delete buffers a tombstone.
func (t *Txn) Delete(pk codec.Datum) {
	t.writeBuf.tree.Put(pk, codec.Tombstone())
}

// GetRange performs a bounded scan merged newest-first across the chain
// and this transaction's own write buffer (the write buffer always wins,
// being the newest possible version), recording [lo, hi] as a single read
// dependency.
func (t *Txn) GetRange(lo, hi *codec.Datum, visit func(codec.Datum, codec.Datum) bool) {
	t.readSet.Add(lo, hi)

	seen := rbtree.New[codec.Datum, struct{}](codec.Less)
	stopped := false

	t.writeBuf.tree.Range(lo, hi, func(k codec.Datum, v codec.Value) bool {
		seen.Put(k, struct{}{})
		if v.IsTombstone() {
			return true
		}
		if !visit(k, v.Datum) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}

	t.mgr.Primary.Range(func(n *primaryNode) bool {
		if n.IsDummy {
			return true
		}
		u := n.Payload
		if !unitVisible(u, t.snapshotCommitVer) {
			return true
		}
		src := u.Range(lo, hi)
		for src.Next() {
			k := src.Key()
			if _, already := seen.Get(k); already {
				continue
			}
			seen.Put(k, struct{}{})
			val := src.Value()
			if val.IsTombstone() {
				continue
			}
			datumVal, ok := val.(codec.Value)
			if !ok {
				continue
			}
			if !visit(k, datumVal.Datum) {
				stopped = true
				return false
			}
		}
		return true
	})
}

// GetSVRange performs a bounded scan over a secondary index's (SV, PK) ->
// PV chain, merged newest-wins across every visible unit in the index's
// chain, visiting entries in ascending (SV, PK) order within [lo, hi] on
// SV. It returns ErrIndexMissing if no Ready index is registered for
// spec. The [lo, hi] bound is recorded as this transaction's read
// dependency against that one index, so a commit landing a new or
// updated sub-value inside the scanned range after this snapshot
// conflicts at commit time.
func (t *Txn) GetSVRange(spec codec.SubValueSpec, lo, hi *codec.Datum, visit func(sv, pk, pv codec.Datum) bool) error {
	entry, ok := t.mgr.Registry.Get(spec)
	if !ok || entry.State != dbstate.ScndIdxReady {
		return ErrIndexMissing
	}

	if t.svReadSets == nil {
		t.svReadSets = make(map[string]*itvset.Set)
	}
	key := spec.Key()
	rs, ok := t.svReadSets[key]
	if !ok {
		rs = itvset.New()
		t.svReadSets[key] = rs
	}
	rs.Add(lo, hi)

	nodes := entry.Chain.HeldSnapshot()
	defer func() {
		for _, n := range nodes {
			n.Release()
		}
	}()

	var sources []merge.Source[codec.SVPK]
	for _, n := range nodes {
		if n.IsDummy {
			continue
		}
		if !unitVisible(n.Payload, t.snapshotCommitVer) {
			continue
		}
		sources = append(sources, n.Payload.AllKeys())
	}

	m := merge.New(codec.LessSVPK, sources, true)
	for {
		k, v, ok := m.Next()
		if !ok {
			return nil
		}
		if !svInRange(k.SV, lo, hi) {
			continue
		}
		val, ok := v.(codec.Value)
		if !ok || val.IsTombstone() {
			continue
		}
		if !visit(k.SV, k.PK, val.Datum) {
			return nil
		}
	}
}

// svKeyStream adapts a unit's (SV, PK) keyset walk into an itvset.KeyStream
// over SV alone, letting checkScndIdxConflicts test a transaction's
// recorded SV-range read dependency against a committed secondary unit
// without itvset needing to know about SVPK.
type svKeyStream struct {
	src merge.Source[codec.SVPK]
}

func (s *svKeyStream) Next() bool       { return s.src.Next() }
func (s *svKeyStream) Key() codec.Datum { return s.src.Key().SV }

func svInRange(sv codec.Datum, lo, hi *codec.Datum) bool {
	if lo != nil {
		c, ok := codec.Compare(*lo, sv)
		if !ok || c > 0 {
			return false
		}
	}
	if hi != nil {
		c, ok := codec.Compare(sv, *hi)
		if !ok || c > 0 {
			return false
		}
	}
	return true
}

// unitVisible reports whether u's write-set is visible to a reader
// snapshotted at snapshotCommitVer: a compacted unit only ever holds
// already-committed data (F+C never folds in an uncommitted staging
// unit), so only a staging unit's own CommitVer needs checking.
func unitVisible[K any](u *unit.Unit[K], snapshotCommitVer uint64) bool {
	if u.Kind != unit.Staging {
		return true
	}
	return u.Committed(snapshotCommitVer)
}
