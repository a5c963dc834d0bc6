package core

import (
	"fmt"

	"github.com/google/btree"
)

const queueDegree = 8

// queue is a bounded max-ordered set of entries. Entries are ordered by
// priority, then by identity, so equal priorities resolve by identity value
// and never by arrival order.
type queue struct {
	tree *btree.BTreeG[Entry]
	cap  int
}

func entryLess(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

func newQueue(capacity int) *queue {
	return &queue{
		tree: btree.NewG[Entry](queueDegree, entryLess),
		cap:  capacity,
	}
}

func (q *queue) Len() int {
	return q.tree.Len()
}

// push inserts e. Each identity occupies at most one slot, so a full queue or
// a duplicate entry means the pending bookkeeping is broken.
func (q *queue) push(e Entry) {
	if q.tree.Len() >= q.cap {
		panic(fmt.Sprintf("core: queue overflow pushing %v (capacity %d)", e, q.cap))
	}
	if _, replaced := q.tree.ReplaceOrInsert(e); replaced {
		panic(fmt.Sprintf("core: duplicate queue entry %v", e))
	}
}

func (q *queue) peek() (Entry, bool) {
	return q.tree.Max()
}

func (q *queue) pop() (Entry, bool) {
	return q.tree.DeleteMax()
}

// readyAbove reports whether the maximum entry is above threshold.
func (q *queue) readyAbove(threshold Priority) bool {
	e, ok := q.peek()
	return ok && e.Priority > threshold
}
