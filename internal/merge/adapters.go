package merge

import (
	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/memlog"
	"github.com/pancake-db/ssi-engine/internal/sstable"
)

// codec.Value satisfies ValueLike structurally via IsTombstone(); this file
// just adapts the two concrete iterator shapes (sstable.Reader's pull
// iterator, and an in-memory sorted slice built from a memlog's ordered
// walk) into the merge.Source[K] push-pull shape.

type sstableSource[K any] struct {
	it  *sstable.Iterator[K]
	key K
	val codec.Value
}

// FromSSTable adapts an sstable range/full iterator into a merge.Source.
func FromSSTable[K any](it *sstable.Iterator[K]) Source[K] {
	return &sstableSource[K]{it: it}
}

func (s *sstableSource[K]) Next() bool {
	if !s.it.Next() {
		return false
	}
	s.key, s.val = s.it.Key(), s.it.Value()
	return true
}
func (s *sstableSource[K]) Key() K         { return s.key }
func (s *sstableSource[K]) Value() ValueLike { return s.val }

// sliceSource adapts a pre-materialized, already-sorted slice (e.g. a
// memlog's in-memory tree walked via All/Range) into a merge.Source. A
// memlog's contents live in memory already, so there is no laziness to
// preserve by avoiding materialization here.
type sliceSource[K any] struct {
	entries []SliceEntry[K]
	idx     int
}

// SliceEntry is one (key, value) pair of a materialized source, built by
// this package's memlog adapters from a memlog's in-memory ordered walk.
type SliceEntry[K any] struct {
	Key K
	Val codec.Value
}

func FromSlice[K any](entries []SliceEntry[K]) Source[K] {
	return &sliceSource[K]{entries: entries, idx: -1}
}

func (s *sliceSource[K]) Next() bool {
	if s.idx+1 >= len(s.entries) {
		return false
	}
	s.idx++
	return true
}
func (s *sliceSource[K]) Key() K           { return s.entries[s.idx].Key }
func (s *sliceSource[K]) Value() ValueLike { return s.entries[s.idx].Val }

// FromMemlogRange adapts a memlog's bounded walk into a merge.Source. A
// memlog's tree already lives in memory, so materializing the walk into a
// slice before merging costs nothing beyond what the memlog already holds.
func FromMemlogRange[K any](m *memlog.WritableMemLog[K], lo, hi *K) Source[K] {
	var entries []SliceEntry[K]
	m.GetRange(lo, hi, func(k K, v codec.Value) bool {
		entries = append(entries, SliceEntry[K]{Key: k, Val: v})
		return true
	})
	return FromSlice(entries)
}

// FromMemlogAll adapts a memlog's full ascending walk (used for
// conflict-check keyset scans and compaction merges).
func FromMemlogAll[K any](m *memlog.WritableMemLog[K]) Source[K] {
	var entries []SliceEntry[K]
	m.GetAllKeys(func(k K) bool {
		v, _ := m.GetOne(k)
		entries = append(entries, SliceEntry[K]{Key: k, Val: v})
		return true
	})
	return FromSlice(entries)
}
