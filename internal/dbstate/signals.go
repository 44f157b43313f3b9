package dbstate

import (
	"sync"
	"sync/atomic"
)

// HeldVersions tracks, per currently-open transaction snapshot, which
// ListVer it is pinned to, so the F+C worker's GC pass never reclaims a
// node a live reader might still traverse to. Implemented as a plain
// mutex-guarded refcount table, computing the minimum across active
// holders, since the holder set is expected to stay small — one entry
// per concurrently open transaction.
type HeldVersions struct {
	mu     sync.Mutex
	counts map[uint64]int
	onChange chan struct{}
}

func NewHeldVersions() *HeldVersions {
	return &HeldVersions{counts: make(map[uint64]int), onChange: make(chan struct{}, 1)}
}

// Acquire pins listVer for the duration of a transaction snapshot.
func (h *HeldVersions) Acquire(listVer uint64) {
	h.mu.Lock()
	h.counts[listVer]++
	h.mu.Unlock()
}

// Release unpins listVer and notifies the F+C worker that the held-version
// floor may have moved; the notification is sent on every call.
func (h *HeldVersions) Release(listVer uint64) {
	h.mu.Lock()
	h.counts[listVer]--
	if h.counts[listVer] <= 0 {
		delete(h.counts, listVer)
	}
	h.mu.Unlock()
	h.notify()
}

func (h *HeldVersions) notify() {
	select {
	case h.onChange <- struct{}{}:
	default:
	}
}

// Changed is the coalescing signal channel the F+C event loop selects on
// for "min_held_list_ver may have changed" (the first of its four wakeup
// sources).
func (h *HeldVersions) Changed() <-chan struct{} { return h.onChange }

// Min returns the lowest currently-held ListVer and true, or (0, false) if
// no transaction snapshot is currently open.
func (h *HeldVersions) Min() (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := true
	var min uint64
	for v, n := range h.counts {
		if n <= 0 {
			continue
		}
		if first || v < min {
			min = v
			first = false
		}
	}
	return min, !first
}

// CommitVerArrivals is the coalescing signal for "a transaction just
// committed a new CommitVer" (the second wakeup source): the F+C worker
// only needs to know that a newer fc_able_commit_ver exists, not every
// individual arrival, so this tracks just the latest value.
type CommitVerArrivals struct {
	latest  atomic.Uint64
	signal  chan struct{}
}

func NewCommitVerArrivals() *CommitVerArrivals {
	return &CommitVerArrivals{signal: make(chan struct{}, 1)}
}

func (c *CommitVerArrivals) Announce(commitVer uint64) {
	for {
		cur := c.latest.Load()
		if commitVer <= cur {
			break
		}
		if c.latest.CompareAndSwap(cur, commitVer) {
			break
		}
	}
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *CommitVerArrivals) Arrived() <-chan struct{} { return c.signal }

func (c *CommitVerArrivals) Latest() uint64 { return c.latest.Load() }

// ScndIdxRequest is the third wakeup source: a request to backfill a
// newly-registered secondary index.
type ScndIdxRequest struct {
	Entry *ScndIdxEntry
}

// Termination is the fourth wakeup source: a one-shot close signal telling
// the F+C worker to wind down, after polling every 500ms until no holds
// remain and running one last GC pass.
type Termination struct {
	once sync.Once
	done chan struct{}
}

func NewTermination() *Termination {
	return &Termination{done: make(chan struct{})}
}

func (t *Termination) Signal() { t.once.Do(func() { close(t.done) }) }

func (t *Termination) Done() <-chan struct{} { return t.done }

// Signals bundles all four F+C wakeup sources plus the secondary-index
// request queue into one struct, handed to both the transaction-facing API
// and the F+C worker.
type Signals struct {
	HeldVersions *HeldVersions
	CommitVers   *CommitVerArrivals
	ScndIdxReqs  chan ScndIdxRequest
	Term         *Termination
}

func NewSignals() *Signals {
	return &Signals{
		HeldVersions: NewHeldVersions(),
		CommitVers:   NewCommitVerArrivals(),
		ScndIdxReqs:  make(chan ScndIdxRequest, 16),
		Term:         NewTermination(),
	}
}
