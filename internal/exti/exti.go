// Package exti bridges an external interrupt controller to the software
// controller. A claimed line bound to an identity has its source cleared and
// the identity pended; the handler then runs from the dispatch loop at the
// identity's priority. Unbound lines may keep a direct vector.
package exti

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/slic/internal/core"
	"github.com/tinyrange/slic/internal/hart"
	"github.com/tinyrange/slic/internal/trace"
)

// Line is an external interrupt source number. Line 0 is reserved.
type Line = uint32

// MaxLines bounds external line numbers to the sources a PLIC decodes.
const MaxLines = hart.PLICMaxSources

// CheckLine reports whether line can be bound or given a vector.
func CheckLine(line Line) error {
	if line == 0 {
		return fmt.Errorf("external line 0 is reserved")
	}
	if line >= MaxLines {
		return fmt.Errorf("external line %d out of range [1, %d)", line, MaxLines)
	}
	return nil
}

// Controller is the claim/complete interface of a platform interrupt
// controller. *hart.PLIC implements it.
type Controller interface {
	Claim() (Line, bool)
	Complete(Line)
	Enable(Line)
	SetPriority(Line, uint8)
	SetThreshold(uint8)
}

// PassThroughPriority is the external priority given to pass-through lines.
const PassThroughPriority = uint8(core.MaxPriority)

// UnhandledLineError is raised when a claimed line has neither a binding nor
// a pass-through vector.
type UnhandledLineError struct {
	Line Line
}

func (e *UnhandledLineError) Error() string {
	return fmt.Sprintf("external interrupt line %d has no handler", e.Line)
}

type binding struct {
	id    core.ID
	clear func()
}

// Bridge is the external interrupt trap vector.
type Bridge struct {
	ext         Controller
	core        core.Core
	bindings    map[Line]binding
	lines       map[core.ID]Line
	passthrough map[Line]func()
	unhandled   func(Line)
	pend        func(core.ID) bool
	trace       *trace.Recorder
	log         *slog.Logger

	claims   uint64
	spurious uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithUnhandled replaces the default unhandled-line action, which panics
// with *UnhandledLineError.
func WithUnhandled(fn func(Line)) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.unhandled = fn
		}
	}
}

// WithTrace records claim, complete and pass-through events.
func WithTrace(r *trace.Recorder) Option {
	return func(b *Bridge) { b.trace = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// New returns a bridge from ext to c with no lines bound.
func New(ext Controller, c core.Core, opts ...Option) *Bridge {
	b := &Bridge{
		ext:         ext,
		core:        c,
		bindings:    make(map[Line]binding),
		lines:       make(map[core.ID]Line),
		passthrough: make(map[Line]func()),
		unhandled:   func(l Line) { panic(&UnhandledLineError{Line: l}) },
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	b.pend = c.TryPend
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) checkLine(line Line) error {
	if err := CheckLine(line); err != nil {
		return err
	}
	if _, ok := b.bindings[line]; ok {
		return fmt.Errorf("external line %d is already bound to interrupt %d", line, b.bindings[line].id)
	}
	if _, ok := b.passthrough[line]; ok {
		return fmt.Errorf("external line %d already has a pass-through vector", line)
	}
	return nil
}

// Bind routes line to identity id. clear must silence the source and runs on
// every claim, even when id is already pending.
func (b *Bridge) Bind(line Line, id core.ID, clear func()) error {
	if err := b.checkLine(line); err != nil {
		return err
	}
	if clear == nil {
		return fmt.Errorf("external line %d: clear callback is nil", line)
	}
	if int(id) >= b.core.Len() {
		return fmt.Errorf("external line %d: interrupt %d out of range", line, id)
	}
	if prev, ok := b.lines[id]; ok {
		return fmt.Errorf("interrupt %d is already bound to external line %d", id, prev)
	}
	b.bindings[line] = binding{id: id, clear: clear}
	b.lines[id] = line
	return nil
}

// PassThrough installs a vector run directly in trap context for line.
func (b *Bridge) PassThrough(line Line, fn func()) error {
	if err := b.checkLine(line); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("external line %d: pass-through vector is nil", line)
	}
	b.passthrough[line] = fn
	return nil
}

// WithPend routes the pends of bound lines through fn instead of the
// controller, so the owner can observe them.
func WithPend(fn func(core.ID) bool) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.pend = fn
		}
	}
}

// Line returns the external line bound to id.
func (b *Bridge) Line(id core.ID) (Line, bool) {
	l, ok := b.lines[id]
	return l, ok
}

// Entry is the external interrupt trap vector.
func (b *Bridge) Entry() {
	line, ok := b.ext.Claim()
	if !ok {
		b.spurious++
		return
	}
	b.claims++
	b.trace.Record(trace.KindClaim, line, 0, uint8(b.core.Threshold()), 0)

	if bnd, ok := b.bindings[line]; ok {
		bnd.clear()
		if b.pend(bnd.id) {
			b.log.Debug("external interrupt pended", "line", line, "id", bnd.id)
		}
	} else if fn, ok := b.passthrough[line]; ok {
		b.trace.Record(trace.KindPassThrough, line, PassThroughPriority, 0, 0)
		fn()
	} else {
		b.log.Error("unhandled external interrupt", "line", line)
		b.unhandled(line)
	}

	b.ext.Complete(line)
	b.trace.Record(trace.KindComplete, line, 0, 0, 0)
}

// EnableLines enables every bound and pass-through line in the external
// controller and mirrors the current priority of bound identities.
func (b *Bridge) EnableLines() {
	for line, bnd := range b.bindings {
		b.ext.SetPriority(line, uint8(b.core.Priority(bnd.id)))
		b.ext.Enable(line)
	}
	for line := range b.passthrough {
		b.ext.SetPriority(line, PassThroughPriority)
		b.ext.Enable(line)
	}
}

// MirrorPriority copies the priority of id into the external controller if
// id is bound to a line. A disabled identity gets external priority 0, which
// stops its line from being claimed at all.
func (b *Bridge) MirrorPriority(id core.ID, p core.Priority) {
	if line, ok := b.lines[id]; ok {
		b.ext.SetPriority(line, uint8(p))
	}
}

// MirrorThreshold copies the software threshold into the external
// controller, so lines at or below it are held back at the source.
func (b *Bridge) MirrorThreshold(p core.Priority) {
	b.ext.SetThreshold(uint8(p))
}

type mirroredMask struct {
	b *Bridge
}

func (m mirroredMask) Threshold() core.Priority { return m.b.core.Threshold() }

func (m mirroredMask) SetThreshold(p core.Priority) {
	m.b.core.Restore(p)
	m.b.MirrorThreshold(p)
}

// DrainingMask is core.Draining over the bridged controller that also copies
// every threshold change into the external controller. A dispatch loop runs
// handlers through it when the threshold is mirrored.
func (b *Bridge) DrainingMask() core.Mask {
	return mirroredMask{b: b}
}

// Claims returns the number of successful claims.
func (b *Bridge) Claims() uint64 { return b.claims }

// Spurious returns the number of entries that found nothing to claim.
func (b *Bridge) Spurious() uint64 { return b.spurious }
