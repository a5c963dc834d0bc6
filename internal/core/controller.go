package core

// Controller serializes every field access in one critical section.
type Controller struct {
	sec Section
	req Requester

	threshold  Priority
	priorities []Priority
	pending    []bool
	queue      *queue
}

// NewController returns a controller for n identities. All priorities start
// disabled, nothing is pending and the threshold is 0. A nil requester
// disables trap requests, which is only useful for inspecting the queue.
func NewController(n int, sec Section, req Requester) *Controller {
	checkLen(n)
	if sec == nil {
		sec = &MutexSection{}
	}
	if req == nil {
		req = noRequester{}
	}
	return &Controller{
		sec:        sec,
		req:        req,
		priorities: make([]Priority, n),
		pending:    make([]bool, n),
		queue:      newQueue(n),
	}
}

func (c *Controller) Len() int {
	return len(c.priorities)
}

func (c *Controller) Priority(id ID) Priority {
	state := c.sec.Acquire()
	p := c.priorities[id]
	c.sec.Release(state)
	return p
}

func (c *Controller) SetPriority(id ID, p Priority) {
	state := c.sec.Acquire()
	c.priorities[id] = p
	c.sec.Release(state)
}

func (c *Controller) Threshold() Priority {
	state := c.sec.Acquire()
	t := c.threshold
	c.sec.Release(state)
	return t
}

// SetThreshold sets the threshold unchecked. Lowering it below a queued
// request requests a trap so the request is not left waiting for the next
// Pend.
//
// The caller must have exclusive access to the controller; lowering the
// threshold out of turn causes priority inversion.
func (c *Controller) SetThreshold(p Priority) {
	state := c.sec.Acquire()
	prev := c.threshold
	c.threshold = p
	ready := p < prev && c.queue.readyAbove(p)
	c.sec.Release(state)

	if ready {
		c.req.RequestTrap()
	}
}

// Restore sets the threshold without requesting a trap. It is meant for the
// dispatch loop, which drains the queue itself after each handler.
func (c *Controller) Restore(p Priority) {
	state := c.sec.Acquire()
	c.threshold = p
	c.sec.Release(state)
}

func (c *Controller) RaiseThreshold(p Priority) (Priority, error) {
	state := c.sec.Acquire()
	defer c.sec.Release(state)

	if p <= c.threshold {
		return c.threshold, &ThresholdError{Requested: p, Current: c.threshold}
	}
	prev := c.threshold
	c.threshold = p
	return prev, nil
}

func (c *Controller) IsReady() bool {
	state := c.sec.Acquire()
	ready := c.queue.readyAbove(c.threshold)
	c.sec.Release(state)
	return ready
}

func (c *Controller) IsPending(id ID) bool {
	state := c.sec.Acquire()
	p := c.pending[id]
	c.sec.Release(state)
	return p
}

func (c *Controller) Pend(id ID) {
	c.TryPend(id)
}

func (c *Controller) TryPend(id ID) bool {
	state := c.sec.Acquire()
	accepted, ready := c.pend(id)
	c.sec.Release(state)

	// Requested outside the section: a synchronous backend enters the
	// dispatch loop right here.
	if ready {
		c.req.RequestTrap()
	}
	return accepted
}

func (c *Controller) pend(id ID) (accepted, ready bool) {
	p := c.priorities[id]
	if p == Disabled || c.pending[id] {
		return false, false
	}
	c.pending[id] = true
	c.queue.push(Entry{Priority: p, ID: id})
	return true, c.queue.readyAbove(c.threshold)
}

func (c *Controller) Pop() (Entry, bool) {
	state := c.sec.Acquire()
	defer c.sec.Release(state)

	if !c.queue.readyAbove(c.threshold) {
		return Entry{}, false
	}
	e, _ := c.queue.pop()
	if !c.pending[e.ID] {
		panic("core: queued entry " + e.String() + " is not pending")
	}
	c.pending[e.ID] = false
	return e, true
}

func (c *Controller) Pending() int {
	state := c.sec.Acquire()
	defer c.sec.Release(state)

	n := 0
	for _, p := range c.pending {
		if p {
			n++
		}
	}
	return n
}

func (c *Controller) Queued() int {
	state := c.sec.Acquire()
	n := c.queue.Len()
	c.sec.Release(state)
	return n
}

var _ Core = (*Controller)(nil)
