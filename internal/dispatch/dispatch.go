// Package dispatch implements the trap entry that drains the ready queue,
// running each handler at its own priority.
package dispatch

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/slic/internal/core"
	"github.com/tinyrange/slic/internal/hart"
	"github.com/tinyrange/slic/internal/trace"
	"github.com/tinyrange/slic/internal/trap"
)

// Handler is the body of a software interrupt.
type Handler func()

// Nester re-enables interrupts inside a running trap. *hart.Hart implements
// it.
type Nester interface {
	EnterNested() hart.TrapFrame
	ExitNested(hart.TrapFrame)
}

// Dispatcher owns the dispatch entry of one controller.
type Dispatcher struct {
	core     core.Core
	mask     core.Mask
	bridge   trap.Bridge
	handlers []Handler
	nester   Nester
	trace    *trace.Recorder
	log      *slog.Logger

	depth      atomic.Int32
	maxDepth   atomic.Int32
	entries    atomic.Uint64
	dispatched atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNesting re-enables interrupts for the duration of the dispatch loop so
// that a strictly higher priority request preempts the running handler.
func WithNesting(n Nester) Option {
	return func(d *Dispatcher) { d.nester = n }
}

// WithMask replaces the mask handlers run through. It must not request a
// trap when the threshold is restored, since the loop pops whatever a
// restored threshold exposes.
func WithMask(m core.Mask) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.mask = m
		}
	}
}

// WithTrace records dispatch and return events.
func WithTrace(r *trace.Recorder) Option {
	return func(d *Dispatcher) { d.trace = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// New returns a dispatcher over c. handlers is indexed by identity and must
// cover every identity of c.
func New(c core.Core, b trap.Bridge, handlers []Handler, opts ...Option) (*Dispatcher, error) {
	if c == nil || b == nil {
		return nil, fmt.Errorf("dispatch: controller and trap backend are required")
	}
	if len(handlers) != c.Len() {
		return nil, fmt.Errorf("dispatch: %d handlers for %d interrupts", len(handlers), c.Len())
	}
	for id, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("dispatch: interrupt %d has no handler", id)
		}
	}

	d := &Dispatcher{
		core:     c,
		mask:     core.Draining(c),
		bridge:   b,
		handlers: append([]Handler(nil), handlers...),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Entry is the dispatch trap vector.
func (d *Dispatcher) Entry() {
	// Acknowledge before anything can pend, so a request raised by a handler
	// below is never lost.
	d.bridge.AcknowledgeTrap()

	depth := int(d.depth.Add(1))
	defer d.depth.Add(-1)
	d.observeDepth(int32(depth))
	d.entries.Add(1)

	var frame hart.TrapFrame
	if d.nester != nil {
		frame = d.nester.EnterNested()
	}

	for {
		e, ok := d.core.Pop()
		if !ok {
			break
		}
		d.run(e, depth)
	}

	if d.nester != nil {
		d.nester.ExitNested(frame)
	}
}

func (d *Dispatcher) run(e core.Entry, depth int) {
	prev := d.core.Threshold()
	d.trace.Record(trace.KindDispatch, uint32(e.ID), uint8(e.Priority), uint8(prev), depth)
	d.log.Debug("dispatch", "entry", e, "threshold", prev, "depth", depth)

	core.Run(d.mask, e.Priority, d.handlers[e.ID])

	d.dispatched.Add(1)
	d.trace.Record(trace.KindReturn, uint32(e.ID), uint8(e.Priority), uint8(d.core.Threshold()), depth)
}

func (d *Dispatcher) observeDepth(depth int32) {
	for {
		max := d.maxDepth.Load()
		if depth <= max || d.maxDepth.CompareAndSwap(max, depth) {
			return
		}
	}
}

// Depth returns the number of dispatch entries currently running.
func (d *Dispatcher) Depth() int { return int(d.depth.Load()) }

// MaxDepth returns the deepest nesting of dispatch entries observed.
func (d *Dispatcher) MaxDepth() int { return int(d.maxDepth.Load()) }

// Entries returns how many times the dispatch entry ran.
func (d *Dispatcher) Entries() uint64 { return d.entries.Load() }

// Dispatched returns how many handlers have completed.
func (d *Dispatcher) Dispatched() uint64 { return d.dispatched.Load() }
