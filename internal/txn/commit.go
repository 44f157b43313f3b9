package txn

import (
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/dbstate"
	"github.com/pancake-db/ssi-engine/internal/layout"
	"github.com/pancake-db/ssi-engine/internal/memlog"
	"github.com/pancake-db/ssi-engine/internal/unit"
)

// Commit validates the transaction's read set against every unit
// committed after its snapshot — both the primary chain and every
// secondary index whose sub-value range this transaction actually
// scanned — then, if nothing overlaps, durably assigns a new CommitVer
// and installs a single new unit directory holding the primary write-set
// (pi.kv) alongside a freshly-projected entry for every Ready secondary
// index the write-set touches (si-<hex16>.kv), splicing each into its own
// chain. Returns ErrConflict if validation fails; the caller decides
// whether to retry.
//
// Validation and the chain splice-in happen under commitMu, serializing
// commits the same way a single apply-thread would: this keeps the
// conflict check and the winning write's installation atomic with respect
// to other commits without needing a lock-free multi-writer CAS loop.
func (m *Manager) Commit(t *Txn) error {
	if t.writeBuf.tree.Len() == 0 {
		// A read-only transaction never conflicts and never needs a unit.
		m.Metrics.CommitsTotal.WithLabelValues("ok_readonly").Inc()
		m.release(t)
		return nil
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if conflict := m.checkPrimaryConflict(t); conflict {
		m.Metrics.ConflictsTotal.Inc()
		m.Metrics.CommitsTotal.WithLabelValues("conflict").Inc()
		m.release(t)
		return ErrConflict
	}
	if conflict := m.checkScndIdxConflicts(t); conflict {
		m.Metrics.ConflictsTotal.Inc()
		m.Metrics.CommitsTotal.WithLabelValues("conflict").Inc()
		m.release(t)
		return ErrConflict
	}

	commitVer, err := m.CommitVers.Next()
	if err != nil {
		m.release(t)
		return err
	}

	unitID := uuid.New().String()
	unitDir := layout.UnitDir(m.rootDir, unitID)
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		m.release(t)
		return err
	}

	ml, err := memlog.LoadOrNewWritable(layout.PrimaryPath(unitDir), newPrimaryKeyCodec())
	if err != nil {
		m.release(t)
		return err
	}
	t.writeBuf.tree.All(func(k codec.Datum, v codec.Value) bool {
		_ = ml.Put(k, v)
		return true
	})
	if err := ml.Flush(); err != nil {
		m.release(t)
		return err
	}

	scndUnits, err := m.writeScndIdxProjections(t, commitVer, unitDir)
	if err != nil {
		m.release(t)
		return err
	}

	// commit_info.txt is written last, once every data file this unit
	// directory names is already durable: its existence is what a startup
	// scan trusts as the atomic commit marker. A failure anywhere above
	// this point leaves a directory with no commit_info.txt, swept on the
	// next open rather than cleaned up here.
	if err := layout.WriteCommitInfo(unitDir, layout.CommitInfo{
		CommitVerLo: commitVer,
		CommitVerHi: commitVer,
		Timestamp:   time.Now().Unix(),
	}); err != nil {
		m.release(t)
		return err
	}

	listVer, err := m.ListVers.Next()
	if err != nil {
		m.release(t)
		return err
	}
	u := unit.NewStaging(ml)
	u.CommitVerLo, u.CommitVerHi = commitVer, commitVer
	m.Primary.PushFront(u, listVer)

	for _, su := range scndUnits {
		su.unit.CommitVerLo, su.unit.CommitVerHi = commitVer, commitVer
		su.entry.Chain.PushFront(su.unit, listVer)
	}

	m.Signals.CommitVers.Announce(commitVer)
	m.Metrics.CommitsTotal.WithLabelValues("ok").Inc()
	m.release(t)
	return nil
}

func (m *Manager) checkPrimaryConflict(t *Txn) bool {
	conflict := false
	m.Primary.Range(func(n *primaryNode) bool {
		if n.IsDummy {
			return true
		}
		u := n.Payload
		if u.CommitVerLo == 0 || u.CommitVerHi <= t.snapshotCommitVer {
			return true
		}
		if t.readSet.Overlaps(u.AllKeys()) {
			conflict = true
			return false
		}
		return true
	})
	return conflict
}

// checkScndIdxConflicts implements the F+C commit-validation step that
// tests a transaction's read set against "each touched secondary": every
// SubValueSpec this transaction actually ran GetSVRange against is
// checked for any secondary unit committed after the snapshot whose
// projected sub-values overlap the scanned range.
func (m *Manager) checkScndIdxConflicts(t *Txn) bool {
	for _, entry := range m.Registry.All() {
		readSet, ok := t.svReadSets[entry.Spec.Key()]
		if !ok {
			continue
		}
		conflict := false
		entry.Chain.Range(func(n *scndNode) bool {
			if n.IsDummy {
				return true
			}
			u := n.Payload
			if u.CommitVerLo == 0 || u.CommitVerHi <= t.snapshotCommitVer {
				return true
			}
			if readSet.Overlaps(&svKeyStream{src: u.AllKeys()}) {
				conflict = true
				return false
			}
			return true
		})
		if conflict {
			return true
		}
	}
	return false
}

type scndUnitWrite struct {
	entry *dbstate.ScndIdxEntry
	unit  *unit.Unit[codec.SVPK]
}

// writeScndIdxProjections builds, for every Ready secondary index whose
// spec projects at least one write in the transaction's write-set, a new
// si-<hex16>.kv file inside unitDir holding that index's (SV, PK) -> PV
// records for this commit — tombstoning the old (SV, PK) pair whenever a
// write changes or removes the value the old projection was keyed on, so
// a stale sub-value entry can never resurrect itself under a later range
// scan. This is what keeps a secondary index live past its initial
// backfill: every subsequent commit that touches the projected field
// propagates into the index's own chain, not just the one-shot build.
func (m *Manager) writeScndIdxProjections(t *Txn, commitVer uint64, unitDir string) ([]scndUnitWrite, error) {
	var out []scndUnitWrite
	for _, entry := range m.Registry.All() {
		if entry.State != dbstate.ScndIdxReady {
			continue
		}

		type write struct {
			key codec.SVPK
			val codec.Value
		}
		var writes []write

		t.writeBuf.tree.All(func(pk codec.Datum, newVal codec.Value) bool {
			oldVal, oldFound := m.currentPrimaryValue(pk)
			if oldFound && !oldVal.IsTombstone() {
				if oldSV, ok := entry.Spec.Project(oldVal.Datum); ok {
					newSV, newOK := entry.Spec.Project(newVal.Datum)
					if newVal.IsTombstone() || !newOK || !codec.Equal(oldSV, newSV) {
						writes = append(writes, write{key: codec.SVPK{SV: oldSV, PK: pk}, val: codec.Tombstone()})
					}
				}
			}
			if !newVal.IsTombstone() {
				if newSV, ok := entry.Spec.Project(newVal.Datum); ok {
					writes = append(writes, write{key: codec.SVPK{SV: newSV, PK: pk}, val: newVal})
				}
			}
			return true
		})
		if len(writes) == 0 {
			continue
		}
		sort.SliceStable(writes, func(i, j int) bool { return codec.LessSVPK(writes[i].key, writes[j].key) })

		ml, err := memlog.LoadOrNewWritable(layout.ScndIdxFilePath(unitDir, entry.Num), newScndIdxKeyCodec())
		if err != nil {
			return nil, err
		}
		for _, w := range writes {
			if err := ml.Put(w.key, w.val); err != nil {
				return nil, err
			}
		}
		if err := ml.Flush(); err != nil {
			return nil, err
		}
		out = append(out, scndUnitWrite{entry: entry, unit: unit.NewStaging(ml)})
	}
	return out, nil
}

// currentPrimaryValue reads pk's latest committed value straight off the
// primary chain. Called only from inside Commit under commitMu, so the
// chain it sees reflects exactly every commit that landed before this
// one — the same state t.writeBuf's own writes are about to be judged
// against for conflicts.
func (m *Manager) currentPrimaryValue(pk codec.Datum) (codec.Value, bool) {
	found := false
	var result codec.Value
	m.Primary.Range(func(n *primaryNode) bool {
		if n.IsDummy {
			return true
		}
		u := n.Payload
		if u.CommitVerLo == 0 {
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
	return result, found
}

// Abort discards the transaction's buffered writes without attempting to
// commit them.
func (m *Manager) Abort(t *Txn) {
	m.release(t)
}

func (m *Manager) release(t *Txn) {
	if t.released {
		return
	}
	t.released = true
	m.Signals.HeldVersions.Release(t.snapshotListVer)
}
