// Package merge implements a k-way, newer-wins merge: given N sorted (K,
// codec.Value) streams ordered from newest to oldest, produce one sorted
// stream containing each key once, carrying forward tombstones so
// deletions survive a merge until the governing compaction decides to
// drop them.
package merge

// Source is anything that can be pulled from in ascending key order: both
// memlog.WritableMemLog and sstable.Reader's iterators satisfy the shape
// below via thin adapter closures, since the two packages don't share a
// common iterator type.
type Source[K any] interface {
	// Next advances to the next entry and reports whether one exists.
	Next() bool
	Key() K
	Value() ValueLike
}

// ValueLike is the minimal shape the merge loop needs from a value
// (codec.Value satisfies it), keeping Merger generic over any (key,
// tombstone-flag) producing source.
type ValueLike interface {
	IsTombstone() bool
}

type heapEntry[K any] struct {
	src      Source[K]
	priority int // lower = newer; ties broken by priority, lowest wins
	has      bool
}

// Merger performs a k-way merge across sources ordered newest-first (index
// 0 is newest). DropTombstones, when true, omits tombstoned keys entirely
// from the output instead of propagating them — used by the F+C worker
// when compacting into the oldest unit, where a tombstone no older unit
// can still shadow may simply be dropped.
type Merger[K any] struct {
	less           func(a, b K) bool
	entries        []*heapEntry[K]
	dropTombstones bool
}

func New[K any](less func(a, b K) bool, sources []Source[K], dropTombstones bool) *Merger[K] {
	m := &Merger[K]{less: less, dropTombstones: dropTombstones}
	for i, s := range sources {
		e := &heapEntry[K]{src: s, priority: i}
		e.has = s.Next()
		m.entries = append(m.entries, e)
	}
	return m
}

// Next advances the merge and reports the next (key, value) pair, or
// false once every source is exhausted: find the minimum key among all
// live cursors, take the value from the lowest-priority (newest) cursor
// holding that key, advance every cursor that was at that key.
func (m *Merger[K]) Next() (K, ValueLike, bool) {
	for {
		var (
			minKey     K
			minSet     bool
			winnerIdx  = -1
			winnerPrio = -1
		)
		for i, e := range m.entries {
			if !e.has {
				continue
			}
			if !minSet || m.less(e.src.Key(), minKey) {
				minKey = e.src.Key()
				minSet = true
				winnerIdx = i
				winnerPrio = e.priority
			} else if !m.less(minKey, e.src.Key()) { // equal key
				if e.priority < winnerPrio {
					winnerIdx = i
					winnerPrio = e.priority
				}
			}
		}
		if !minSet {
			var zero K
			return zero, nil, false
		}

		winnerVal := m.entries[winnerIdx].src.Value()
		for _, e := range m.entries {
			if e.has && keyEqual(m.less, e.src.Key(), minKey) {
				e.has = e.src.Next()
			}
		}

		if m.dropTombstones && winnerVal.IsTombstone() {
			continue
		}
		return minKey, winnerVal, true
	}
}

func keyEqual[K any](less func(a, b K) bool, a, b K) bool {
	return !less(a, b) && !less(b, a)
}

// DrainInto calls visit for every merged (key, value) pair in ascending
// order, stopping early if visit returns false.
func DrainInto[K any](m *Merger[K], visit func(K, ValueLike) bool) {
	for {
		k, v, ok := m.Next()
		if !ok {
			return
		}
		if !visit(k, v) {
			return
		}
	}
}
