package slic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/slic/internal/core"
	"github.com/tinyrange/slic/internal/dispatch"
	"github.com/tinyrange/slic/internal/exti"
	"github.com/tinyrange/slic/internal/hart"
	"github.com/tinyrange/slic/internal/trace"
	"github.com/tinyrange/slic/internal/trap"
)

// System is a built controller together with its trap wiring.
//
// With a hart-based backend every method must be called from the hart's
// goroutine, including from handlers. With the loopback backend methods are
// safe for concurrent use and handlers run on the goroutine calling Serve.
type System struct {
	core     core.Core
	disp     *dispatch.Dispatcher
	ext      *exti.Bridge
	backend  trap.Bridge
	vectored trap.Vectored
	loopback *trap.Loopback
	hart     *hart.Hart
	kind     Backend

	names    []string
	index    map[string]ID
	ceilings map[string]Priority

	mirrorThreshold bool
	closed          bool

	trace *trace.Recorder
	log   *slog.Logger
}

func (s *System) attach() error {
	if s.hart == nil {
		return nil
	}
	if err := s.hart.SetVector(s.vectored.Cause(), s.disp.Entry); err != nil {
		return fmt.Errorf("attach dispatch vector: %w", err)
	}
	if s.ext != nil {
		if err := s.hart.SetVector(hart.CauseMExternalInt, s.ext.Entry); err != nil {
			s.hart.ClearVector(s.vectored.Cause())
			return fmt.Errorf("attach external vector: %w", err)
		}
	}
	return nil
}

// Close detaches the trap vectors from the hart. Pending requests are
// discarded with the hart's vectors; a trap taken afterwards is unhandled.
func (s *System) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if s.loopback != nil {
		s.loopback.Disable()
		return nil
	}
	s.vectored.Disable()
	s.hart.ClearVector(s.vectored.Cause())
	if s.ext != nil {
		s.hart.DisableInterrupts(hart.MipMEIP)
		s.hart.ClearVector(hart.CauseMExternalInt)
	}
	return nil
}

// Enable lowers the threshold to 0 and unmasks the dispatch trap, external
// interrupts and the hart's global interrupt enable. Requests pended while
// disabled are dispatched before Enable returns on a hart-based backend.
func (s *System) Enable() {
	s.log.Debug("slic enable")
	if s.loopback != nil {
		s.core.SetThreshold(0)
		s.loopback.Enable()
		return
	}

	s.core.SetThreshold(0)
	if s.ext != nil {
		s.mirror(0)
		s.ext.EnableLines()
		s.hart.EnableInterrupts(hart.MipMEIP)
	}
	s.vectored.Enable()
	s.hart.SetMIE()
}

// Disable masks the dispatch trap and external interrupts, withdraws an
// outstanding trap request and raises the threshold to MaxPriority.
// Pending identities stay queued until the next Enable.
func (s *System) Disable() {
	s.log.Debug("slic disable")
	if s.loopback != nil {
		s.loopback.Disable()
		s.loopback.AcknowledgeTrap()
		s.core.SetThreshold(MaxPriority)
		return
	}

	s.hart.ClearMIE()
	s.vectored.Disable()
	if s.ext != nil {
		s.hart.DisableInterrupts(hart.MipMEIP)
	}
	// An ecall request is synchronous and leaves nothing outstanding;
	// acknowledging it would move the return address.
	if s.kind != BackendEcall {
		s.backend.AcknowledgeTrap()
	}
	s.core.SetThreshold(MaxPriority)
	s.mirror(MaxPriority)
}

func (s *System) mirror(p Priority) {
	if s.mirrorThreshold {
		s.ext.MirrorThreshold(p)
	}
}

// Threshold returns the current threshold.
func (s *System) Threshold() Priority {
	return s.core.Threshold()
}

// SetThreshold sets the threshold unchecked. Lowering it below a queued
// request dispatches that request.
func (s *System) SetThreshold(p Priority) {
	s.core.SetThreshold(p)
	s.mirror(p)
}

// RaiseThreshold sets the threshold to p only if that strictly raises it.
// It returns the previous threshold, or a *ThresholdError matching
// ErrNotRaised.
func (s *System) RaiseThreshold(p Priority) (Priority, error) {
	prev, err := s.core.RaiseThreshold(p)
	if err != nil {
		return prev, err
	}
	s.mirror(p)
	return prev, nil
}

// Priority returns the static priority of id.
func (s *System) Priority(id ID) Priority {
	return s.core.Priority(id)
}

// SetPriority changes the static priority of id, and of its external line
// if it is bound to one. A request already queued keeps its old priority.
func (s *System) SetPriority(id ID, p Priority) {
	s.checkID(id)
	s.core.SetPriority(id, p)
	if s.ext != nil {
		s.ext.MirrorPriority(id, p)
	}
}

// Pend requests the handler of id. It is a no-op if id is disabled or
// already pending.
func (s *System) Pend(id ID) {
	s.TryPend(id)
}

// TryPend is Pend reporting whether the request was accepted. Only accepted
// requests are traced.
func (s *System) TryPend(id ID) bool {
	s.checkID(id)
	thr := s.core.Threshold()
	if !s.core.TryPend(id) {
		return false
	}
	s.trace.Record(trace.KindPend, uint32(id), uint8(s.core.Priority(id)), uint8(thr), s.disp.Depth())
	return true
}

// IsPending reports whether id is pending.
func (s *System) IsPending(id ID) bool {
	s.checkID(id)
	return s.core.IsPending(id)
}

func (s *System) checkID(id ID) {
	if int(id) >= len(s.names) {
		panic(fmt.Sprintf("slic: interrupt %d out of range [0, %d)", id, len(s.names)))
	}
}

// Run executes f with the threshold set to p and restores it afterwards.
func (s *System) Run(p Priority, f func()) {
	core.Run(s, p, f)
}

// Len returns the number of identities.
func (s *System) Len() int { return len(s.names) }

// ID returns the identity registered under name.
func (s *System) ID(name string) (ID, bool) {
	id, ok := s.index[name]
	return id, ok
}

// Name returns the registered name of id.
func (s *System) Name(id ID) string {
	if int(id) >= len(s.names) {
		return ""
	}
	return s.names[id]
}

// Ceiling returns the ceiling of a declared resource.
func (s *System) Ceiling(resource string) (Priority, bool) {
	c, ok := s.ceilings[resource]
	return c, ok
}

// Hart returns the hart the system runs on, or nil for the loopback
// backend.
func (s *System) Hart() *Hart { return s.hart }

// Trace returns the recorder set with Builder.Trace.
func (s *System) Trace() *Recorder { return s.trace }

// Backend returns the trap backend kind.
func (s *System) Backend() Backend { return s.kind }

// Serve runs the dispatch loop on the calling goroutine until ctx is done.
// It returns ErrNotServable for hart-based backends, whose dispatch runs in
// trap context.
func (s *System) Serve(ctx context.Context) error {
	if s.loopback == nil {
		return fmt.Errorf("serve %s: %w", s.kind, ErrNotServable)
	}
	return s.loopback.Serve(ctx, s.disp.Entry)
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
	// Entries counts dispatch entries, including ones that found nothing
	// ready.
	Entries uint64
	// Dispatched counts completed handlers.
	Dispatched uint64
	// MaxDepth is the deepest nesting of dispatch entries.
	MaxDepth int
	// Claims counts external interrupt claims.
	Claims uint64
	// Pending and Queued are the current controller counts.
	Pending int
	Queued  int
}

// Stats returns the current dispatch counters.
func (s *System) Stats() Stats {
	st := Stats{
		Entries:    s.disp.Entries(),
		Dispatched: s.disp.Dispatched(),
		MaxDepth:   s.disp.MaxDepth(),
		Pending:    s.core.Pending(),
		Queued:     s.core.Queued(),
	}
	if s.ext != nil {
		st.Claims = s.ext.Claims()
	}
	return st
}

// NewResource binds value to the declared resource name and its ceiling.
func NewResource[T any](s *System, name string, value T) (*Resource[T], error) {
	c, ok := s.ceilings[name]
	if !ok {
		return nil, fmt.Errorf("resource %q was not declared", name)
	}
	return core.NewResource(c, value), nil
}

// Lock runs f with exclusive access to the value of r.
func Lock[T any](s *System, r *Resource[T], f func(*T)) {
	r.Lock(s, f)
}

// With runs f with exclusive access to the value of r and returns its
// result.
func With[T, R any](s *System, r *Resource[T], f func(*T) R) R {
	return core.WithResource(s, r, f)
}
