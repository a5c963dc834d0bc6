package core

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// AtomicController keeps the threshold, the static priorities and the pending
// flags in atomics, so higher priority code can preempt the bookkeeping. Only
// queue mutation runs in the critical section.
//
// A pending flag moves false->true in Pend before the entry is pushed and
// true->false in Pop under the queue section just before the entry is
// removed, so a Pend racing a Pop of the same identity neither enqueues it
// twice nor loses it.
type AtomicController struct {
	threshold atomic.Uint32
	_         cpu.CacheLinePad

	sec   Section
	queue *queue
	_     cpu.CacheLinePad

	req        Requester
	priorities []atomic.Uint32
	pending    []atomic.Bool
}

// NewAtomicController returns a lock-free controller for n identities. sec
// guards the queue only.
func NewAtomicController(n int, sec Section, req Requester) *AtomicController {
	checkLen(n)
	if sec == nil {
		sec = &MutexSection{}
	}
	if req == nil {
		req = noRequester{}
	}
	return &AtomicController{
		sec:        sec,
		queue:      newQueue(n),
		req:        req,
		priorities: make([]atomic.Uint32, n),
		pending:    make([]atomic.Bool, n),
	}
}

func (c *AtomicController) Len() int {
	return len(c.priorities)
}

func (c *AtomicController) Priority(id ID) Priority {
	return Priority(c.priorities[id].Load())
}

func (c *AtomicController) SetPriority(id ID, p Priority) {
	c.priorities[id].Store(uint32(p))
}

func (c *AtomicController) Threshold() Priority {
	return Priority(c.threshold.Load())
}

// SetThreshold sets the threshold unchecked, requesting a trap when lowering
// it exposes a queued request.
//
// The caller must have exclusive access to the threshold.
func (c *AtomicController) SetThreshold(p Priority) {
	prev := Priority(c.threshold.Swap(uint32(p)))
	if p >= prev {
		return
	}
	if c.IsReady() {
		c.req.RequestTrap()
	}
}

// Restore sets the threshold without requesting a trap.
func (c *AtomicController) Restore(p Priority) {
	c.threshold.Store(uint32(p))
}

func (c *AtomicController) RaiseThreshold(p Priority) (Priority, error) {
	for {
		cur := c.threshold.Load()
		if uint32(p) <= cur {
			return Priority(cur), &ThresholdError{Requested: p, Current: Priority(cur)}
		}
		if c.threshold.CompareAndSwap(cur, uint32(p)) {
			return Priority(cur), nil
		}
	}
}

func (c *AtomicController) IsReady() bool {
	state := c.sec.Acquire()
	ready := c.queue.readyAbove(c.Threshold())
	c.sec.Release(state)
	return ready
}

func (c *AtomicController) IsPending(id ID) bool {
	return c.pending[id].Load()
}

func (c *AtomicController) Pend(id ID) {
	c.TryPend(id)
}

func (c *AtomicController) TryPend(id ID) bool {
	p := c.Priority(id)
	if p == Disabled {
		return false
	}
	if !c.pending[id].CompareAndSwap(false, true) {
		return false
	}

	state := c.sec.Acquire()
	c.queue.push(Entry{Priority: p, ID: id})
	ready := c.queue.readyAbove(c.Threshold())
	c.sec.Release(state)

	if ready {
		c.req.RequestTrap()
	}
	return true
}

func (c *AtomicController) Pop() (Entry, bool) {
	state := c.sec.Acquire()
	defer c.sec.Release(state)

	e, ok := c.queue.peek()
	if !ok || e.Priority <= c.Threshold() {
		return Entry{}, false
	}
	if !c.pending[e.ID].CompareAndSwap(true, false) {
		panic("core: queued entry " + e.String() + " is not pending")
	}
	c.queue.pop()
	return e, true
}

func (c *AtomicController) Pending() int {
	n := 0
	for i := range c.pending {
		if c.pending[i].Load() {
			n++
		}
	}
	return n
}

func (c *AtomicController) Queued() int {
	state := c.sec.Acquire()
	n := c.queue.Len()
	c.sec.Release(state)
	return n
}

var _ Core = (*AtomicController)(nil)
