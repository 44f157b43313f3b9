// Package lsmlist implements a versioned singly-linked unit list: a chain
// of units (staging or compacted) from newest to oldest, read lock-free
// by transactions and restructured only by the F+C worker. The chain
// grows from the front and can be spliced from any contiguous interior
// run during flush-and-compaction.
//
// Besides unit-bearing nodes, the chain admits a second, purely
// structural node kind: a Dummy. A Dummy never carries a Payload; it
// either marks a fence — the boundary F+C installs at the head before
// walking backward to collect a contiguous compactable run, so the run's
// extent is fixed even as new commits keep pushing ahead of it — or is
// simply a splice anchor left behind once a fence is no longer the head.
package lsmlist

import (
	"sync"
	"sync/atomic"
)

// Node is one link in the chain. ListVer records the list-version epoch at
// which this node was introduced. The F+C worker's GC pass does not read
// it: reclamation of a node detached by a splice is keyed on the ListVer
// current when its batch was detached (fc's danglingEntry).
//
// A node is either a unit-bearing node (IsDummy false, Payload holds the
// unit) or a Dummy (IsDummy true, Payload is the zero value and must not
// be read). isFence and holds are both atomic so a reader holding a node
// via Hold and the F+C worker flipping a dummy to a fence via
// List.PushFenceDummy never need to coordinate through mu.
type Node[T any] struct {
	Payload T
	ListVer uint64
	IsDummy bool

	next    atomic.Pointer[Node[T]]
	holds   atomic.Int64
	isFence atomic.Bool
}

// NewDummy constructs a structural node carrying no payload.
func NewDummy[T any](listVer uint64, fence bool) *Node[T] {
	n := &Node[T]{IsDummy: true, ListVer: listVer}
	n.isFence.Store(fence)
	return n
}

func (n *Node[T]) Hold()            { n.holds.Add(1) }
func (n *Node[T]) Release()         { n.holds.Add(-1) }
func (n *Node[T]) HoldCount() int64 { return n.holds.Load() }
func (n *Node[T]) Next() *Node[T]   { return n.next.Load() }

// IsFence reports whether this node is a Dummy currently acting as the
// F+C fence. Meaningless (always false) on a unit-bearing node.
func (n *Node[T]) IsFence() bool { return n.isFence.Load() }

// List holds a versioned singly-linked chain. Traversal via Range/Head is
// lock-free; structural edits (PushFront, Splice, UpdateOrPush) are
// serialized by mu, whether they come from a committing transaction
// pushing its unit or from the F+C worker, and readers never need to
// block on it.
type List[T any] struct {
	head atomic.Pointer[Node[T]]
	mu   sync.Mutex
}

func New[T any]() *List[T] { return &List[T]{} }

// Head returns the current head node, or nil if the list is empty.
func (l *List[T]) Head() *Node[T] { return l.head.Load() }

// PushFront installs payload as the new head, linking its next to the
// previous head. Used when a new staging unit begins its life in the
// chain, at commit time.
func (l *List[T]) PushFront(payload T, listVer uint64) *Node[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := &Node[T]{Payload: payload, ListVer: listVer}
	n.next.Store(l.head.Load())
	l.head.Store(n)
	return n
}

// UpdateOrPush inspects the current head (nil if the chain is empty) and
// lets f decide what happens next: f returns (nil, false) to leave the
// chain untouched, or a new node and true to install it as the head. The
// inspection and the swap happen under the same lock, so f's decision is
// never stale by the time it's applied. UpdateOrPush returns the resulting
// head: either the node f just installed, or the head unchanged (which may
// itself have been mutated in place by f, e.g. a dummy's is_fence flag).
func (l *List[T]) UpdateOrPush(f func(head *Node[T]) (newHead *Node[T], push bool)) *Node[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.head.Load()
	newHead, push := f(head)
	if !push {
		return l.head.Load()
	}
	newHead.next.Store(head)
	l.head.Store(newHead)
	return newHead
}

// PushFenceDummy installs a fence at the head of the chain, coalescing
// with whatever dummy is already there rather than growing the chain
// every time F+C runs: if the head is already a fence dummy, this is a
// no-op; if the head is a non-fence dummy with no active holder, its
// is_fence flag is flipped in place instead of pushing a new node; only
// when the head is a unit-bearing node (or a held dummy) does a brand new
// fence dummy get pushed.
func (l *List[T]) PushFenceDummy(listVer uint64) *Node[T] {
	return l.UpdateOrPush(func(head *Node[T]) (*Node[T], bool) {
		if head != nil && head.IsDummy {
			if head.IsFence() {
				return nil, false
			}
			if head.HoldCount() == 0 {
				head.isFence.Store(true)
				return nil, false
			}
		}
		return NewDummy[T](listVer, true), true
	})
}

// Splice atomically replaces the contiguous run [runHead, runTail] with
// replacement (nil to delete the run outright). pred is the node
// immediately preceding runHead, or nil if runHead is currently the head.
// It reports false if the chain moved out from under the caller (pred's
// next, or the list head, no longer points at runHead) so the F+C worker
// can retry against the fresh chain shape rather than corrupt it.
func (l *List[T]) Splice(pred, runHead, runTail, replacement *Node[T]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var afterRun *Node[T]
	if runTail != nil {
		afterRun = runTail.Next()
	}
	if replacement != nil {
		replacement.next.Store(afterRun)
	}

	if pred == nil {
		if l.head.Load() != runHead {
			return false
		}
		if replacement != nil {
			l.head.Store(replacement)
		} else {
			l.head.Store(afterRun)
		}
		return true
	}

	if pred.Next() != runHead {
		return false
	}
	if replacement != nil {
		pred.next.Store(replacement)
	} else {
		pred.next.Store(afterRun)
	}
	return true
}

// Range walks from the head to the tail, holding each node while visit
// examines it and releasing it once the walk advances past it, so a
// concurrent Splice can never free a node a reader is still looking at.
// visit returning false stops the walk early.
func (l *List[T]) Range(visit func(*Node[T]) bool) {
	cur := l.head.Load()
	if cur == nil {
		return
	}
	cur.Hold()
	for cur != nil {
		keepGoing := visit(cur)
		next := cur.Next()
		if next != nil {
			next.Hold()
		}
		cur.Release()
		if !keepGoing {
			return
		}
		cur = next
	}
}

// HeldSnapshot walks the whole chain once, placing a hold on every node
// and returning them newest-first. Unlike Range, it does not release each
// node as it advances — callers that need to retain pointers past the
// walk (the F+C worker deciding what to splice) use this and must
// Release() every returned node themselves once done.
func (l *List[T]) HeldSnapshot() []*Node[T] {
	var out []*Node[T]
	cur := l.head.Load()
	for cur != nil {
		cur.Hold()
		out = append(out, cur)
		cur = cur.Next()
	}
	return out
}

// Predecessor walks from the head to find the node immediately preceding
// target, returning (nil, true) if target is itself the head, or (nil,
// false) if target is not reachable from the head at all (already spliced
// out). The F+C worker uses this just before calling Splice to obtain a
// fresh pred under the current chain shape.
func (l *List[T]) Predecessor(target *Node[T]) (*Node[T], bool) {
	cur := l.head.Load()
	if cur == target {
		return nil, true
	}
	for cur != nil {
		next := cur.Next()
		if next == target {
			return cur, true
		}
		cur = next
	}
	return nil, false
}
