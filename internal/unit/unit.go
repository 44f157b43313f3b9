// Package unit defines the payload carried by each lsmlist.Node: either a
// mutable, not-yet-flushed staging unit backed by a memlog, or an
// immutable compacted unit backed by an sstable. Generalized over the key
// type K so the same shape serves both the primary chain (keyed by
// codec.Datum primary keys) and a secondary index's chain (keyed by
// codec.SVPK).
package unit

import (
	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/memlog"
	"github.com/pancake-db/ssi-engine/internal/merge"
	"github.com/pancake-db/ssi-engine/internal/sstable"
)

type Kind int

const (
	// Staging units hold one transaction's write-set in memory (and its
	// WAL) until F+C flushes it. CommitVer is 0 until the owning
	// transaction actually commits.
	Staging Kind = iota
	// Compacted units are immutable, sstable-backed runs produced by F+C
	// folding one or more committed staging units together.
	Compacted
)

// Unit is one node's payload in a versioned unit chain. CommitVerLo/Hi
// name the range of CommitVers folded into it: for a freshly-committed
// staging unit the two are equal; a compacted unit produced by folding
// several committed units together carries the lowest and highest
// CommitVer among everything it absorbed.
type Unit[K any] struct {
	Kind         Kind
	CommitVerLo  uint64
	CommitVerHi  uint64

	Memlog  *memlog.WritableMemLog[K]
	SSTable *sstable.Reader[K]
}

func NewStaging[K any](m *memlog.WritableMemLog[K]) *Unit[K] {
	return &Unit[K]{Kind: Staging, Memlog: m}
}

func NewCompacted[K any](s *sstable.Reader[K]) *Unit[K] {
	return &Unit[K]{Kind: Compacted, SSTable: s}
}

// GetOne looks up key in this unit alone.
func (u *Unit[K]) GetOne(key K) (codec.Value, bool, error) {
	if u.Kind == Staging {
		v, ok := u.Memlog.GetOne(key)
		return v, ok, nil
	}
	return u.SSTable.GetOne(key)
}

// Committed reports whether this unit's write-set is visible to a reader
// whose snapshot is pinned at snapshotCommitVer: a reader only needs to
// have begun at or after the highest CommitVer this unit absorbed, since
// by construction every CommitVer in [Lo, Hi] was already fully visible to
// every open snapshot by the time F+C folded them together.
func (u *Unit[K]) Committed(snapshotCommitVer uint64) bool {
	return u.CommitVerHi != 0 && u.CommitVerHi <= snapshotCommitVer
}

// Range adapts this unit's bounded walk into a merge.Source, for use as
// one priority tier of a k-way merge across a chain of units.
func (u *Unit[K]) Range(lo, hi *K) merge.Source[K] {
	if u.Kind == Staging {
		return merge.FromMemlogRange(u.Memlog, lo, hi)
	}
	return merge.FromSSTable(u.SSTable.GetRange(lo, hi))
}

// AllKeys adapts this unit's full keyset walk into a merge.Source, used
// by conflict detection and by F+C's compaction merge.
func (u *Unit[K]) AllKeys() merge.Source[K] {
	if u.Kind == Staging {
		return merge.FromMemlogAll(u.Memlog)
	}
	return merge.FromSSTable(u.SSTable.GetAllKeys())
}
