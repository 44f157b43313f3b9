// Package itvset implements a union of closed intervals over codec.Datum
// keys, used by a transaction to record its read dependencies and by
// conflict detection to test those dependencies against a committed
// unit's keyset. The overlap test treats an incomparable bound/key pair
// as non-overlapping rather than aborting the scan.
package itvset

import (
	"sort"

	"github.com/pancake-db/ssi-engine/internal/codec"
)

// Interval is a closed range [Lo, Hi]; a nil bound is open-ended on that
// side.
type Interval struct {
	Lo *codec.Datum
	Hi *codec.Datum
}

// Set is a union of intervals, sorted by Lo bound by normalize before each
// overlap test; overlapping or touching intervals are kept as separate
// entries.
type Set struct {
	intervals []Interval
}

func New() *Set { return &Set{} }

// Add records [lo, hi] as a read dependency. Intervals are never merged:
// normalize only sorts them, right before an overlap test.
func (s *Set) Add(lo, hi *codec.Datum) {
	s.intervals = append(s.intervals, Interval{Lo: lo, Hi: hi})
}

// AddPoint records a single-key read dependency {k}.
func (s *Set) AddPoint(k codec.Datum) {
	s.Add(&k, &k)
}

// Merge absorbs another set's intervals, used when folding a nested
// transaction's or a retried attempt's read set into the enclosing one.
func (s *Set) Merge(other *Set) {
	s.intervals = append(s.intervals, other.intervals...)
}

func lessBound(a, b *codec.Datum, aIsLo, bIsLo bool) bool {
	if a == nil {
		return aIsLo // nil-lo sorts first; nil-hi sorts last
	}
	if b == nil {
		return !bIsLo
	}
	return codec.Less(*a, *b)
}

// normalize sorts intervals by Lo bound (open-ended Lo first) so overlap
// testing and the sorted-stream comparisons below can run a single linear
// pass. It does not coalesce touching/overlapping intervals, since the
// underlying codec.Datum order may be only partial: two intervals whose
// bounds are pairwise incomparable must never be silently merged into one.
func (s *Set) normalize() {
	sort.SliceStable(s.intervals, func(i, j int) bool {
		return lessBound(s.intervals[i].Lo, s.intervals[j].Lo, true, true)
	})
}

// contains reports whether key falls within iv, treating an incomparable
// bound as "not contained": an incomparable relationship is never treated
// as an overlap.
func contains(iv Interval, key codec.Datum) bool {
	if iv.Lo != nil {
		c, ok := codec.Compare(*iv.Lo, key)
		if !ok {
			return false
		}
		if c > 0 {
			return false
		}
	}
	if iv.Hi != nil {
		c, ok := codec.Compare(key, *iv.Hi)
		if !ok {
			return false
		}
		if c > 0 {
			return false
		}
	}
	return true
}

// KeyStream is a sorted, ascending stream of keys — a committed unit's
// full keyset. Any type providing ascending Next/Key over codec.Datum
// satisfies it; sstable and memlog key-only walks are adapted trivially.
type KeyStream interface {
	Next() bool
	Key() codec.Datum
}

// Overlaps walks the key stream against the sorted intervals, returning on
// the first overlapping key found. The interval cursor only moves forward,
// but each key is checked against every interval from the cursor onward,
// so the worst case is O(|intervals| × |stream|), not linear. The conflict check only
// needs a go/no-go answer, not every overlapping key. Incomparable
// comparisons are treated as non-overlapping rather than aborting the
// scan.
func (s *Set) Overlaps(stream KeyStream) bool {
	s.normalize()
	if len(s.intervals) == 0 {
		return false
	}

	i := 0
	for stream.Next() {
		key := stream.Key()
		// Advance past intervals whose Hi precedes key (comparable and
		// less); an incomparable Hi is treated as not-yet-passed so later
		// keys still get a chance to compare.
		for i < len(s.intervals) {
			iv := s.intervals[i]
			if iv.Hi == nil {
				break
			}
			c, ok := codec.Compare(*iv.Hi, key)
			if ok && c < 0 {
				i++
				continue
			}
			break
		}
		if i >= len(s.intervals) {
			return false
		}
		// The current key may still fall in any interval from i onward
		// whose Lo does not exceed it; check the ones plausibly in range.
		for j := i; j < len(s.intervals); j++ {
			iv := s.intervals[j]
			if iv.Lo != nil {
				c, ok := codec.Compare(*iv.Lo, key)
				if ok && c > 0 {
					// Lo is strictly after key and comparably so: every
					// interval normalize()-sorted after j also starts no
					// earlier, but since Lo ordering is only partial we
					// cannot break out safely here, so keep scanning j.
					continue
				}
			}
			if contains(iv, key) {
				return true
			}
		}
	}
	return false
}

// OverlapsSet reports whether any interval in s overlaps any interval in
// other, using other's bounds directly rather than a key stream — used
// when both sides are read-dependency sets (e.g. nested transaction
// merges) rather than one side being a committed unit's keyset.
func (s *Set) OverlapsSet(other *Set) bool {
	s.normalize()
	other.normalize()
	for _, a := range s.intervals {
		for _, b := range other.intervals {
			if intervalsOverlap(a, b) {
				return true
			}
		}
	}
	return false
}

func intervalsOverlap(a, b Interval) bool {
	if a.Lo != nil && b.Hi != nil {
		c, ok := codec.Compare(*a.Lo, *b.Hi)
		if !ok {
			return false
		}
		if c > 0 {
			return false
		}
	}
	if b.Lo != nil && a.Hi != nil {
		c, ok := codec.Compare(*b.Lo, *a.Hi)
		if !ok {
			return false
		}
		if c > 0 {
			return false
		}
	}
	return true
}

func (s *Set) Len() int { return len(s.intervals) }
