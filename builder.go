package slic

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/tinyrange/slic/internal/core"
	"github.com/tinyrange/slic/internal/dispatch"
	"github.com/tinyrange/slic/internal/exti"
	"github.com/tinyrange/slic/internal/hart"
	"github.com/tinyrange/slic/internal/trace"
	"github.com/tinyrange/slic/internal/trap"
)

type interruptDecl struct {
	name     string
	handler  Handler
	priority Priority
	line     Line
	clear    func()
}

type resourceDecl struct {
	name  string
	users []string
}

// Builder registers interrupts, lines and resources before creating a
// System. Identities are numbered in registration order.
type Builder struct {
	interrupts  []interruptDecl
	index       map[string]ID
	lines       map[Line]string
	passthrough map[Line]func()
	resources   []resourceDecl

	backend         Backend
	hartID          uint64
	discipline      Discipline
	nested          bool
	mirrorThreshold bool
	unhandled       func(Line)

	hart   *hart.Hart
	trace  *trace.Recorder
	logger *slog.Logger
}

// NewBuilder returns an empty Builder using the CLINT backend and the
// critical-section discipline.
func NewBuilder() *Builder {
	return &Builder{
		index:       make(map[string]ID),
		lines:       make(map[Line]string),
		passthrough: make(map[Line]func()),
		backend:     BackendCLINT,
		discipline:  CriticalSection,
	}
}

func (b *Builder) declare(name string, handler Handler) error {
	if b == nil {
		return fmt.Errorf("slic builder is nil")
	}
	if name == "" {
		return fmt.Errorf("interrupt name is empty")
	}
	if handler == nil {
		return fmt.Errorf("interrupt %q has a nil handler", name)
	}
	if _, exists := b.index[name]; exists {
		return fmt.Errorf("interrupt %q already registered", name)
	}
	if len(b.interrupts) >= MaxInterrupts {
		return fmt.Errorf("interrupt %q: at most %d interrupts are supported", name, MaxInterrupts)
	}
	return nil
}

// Interrupt registers a software-only interrupt.
func (b *Builder) Interrupt(name string, handler Handler) error {
	if err := b.declare(name, handler); err != nil {
		return err
	}
	b.index[name] = ID(len(b.interrupts))
	b.interrupts = append(b.interrupts, interruptDecl{name: name, handler: handler})
	return nil
}

// HardwareInterrupt registers an interrupt raised by an external line. clear
// silences the source and runs on every claim of line.
func (b *Builder) HardwareInterrupt(name string, line Line, handler Handler, clear func()) error {
	if err := b.declare(name, handler); err != nil {
		return err
	}
	if clear == nil {
		return fmt.Errorf("interrupt %q: line %d needs a clear callback", name, line)
	}
	if err := b.checkLine(line); err != nil {
		return fmt.Errorf("interrupt %q: %w", name, err)
	}
	b.index[name] = ID(len(b.interrupts))
	b.interrupts = append(b.interrupts, interruptDecl{name: name, handler: handler, line: line, clear: clear})
	b.lines[line] = name
	return nil
}

// PassThrough installs a vector that runs directly in trap context when line
// is claimed, bypassing the software controller.
func (b *Builder) PassThrough(line Line, vector func()) error {
	if vector == nil {
		return fmt.Errorf("pass-through vector for line %d is nil", line)
	}
	if err := b.checkLine(line); err != nil {
		return err
	}
	b.passthrough[line] = vector
	return nil
}

func (b *Builder) checkLine(line Line) error {
	if err := exti.CheckLine(line); err != nil {
		return err
	}
	if name, exists := b.lines[line]; exists {
		return fmt.Errorf("external line %d already bound to %q", line, name)
	}
	if _, exists := b.passthrough[line]; exists {
		return fmt.Errorf("external line %d already has a pass-through vector", line)
	}
	return nil
}

// Priority sets the initial static priority of a registered interrupt.
func (b *Builder) Priority(name string, p Priority) error {
	id, ok := b.index[name]
	if !ok {
		return fmt.Errorf("priority for unknown interrupt %q", name)
	}
	b.interrupts[id].priority = p
	return nil
}

// Resource declares a shared resource used by the named interrupts. Users
// are resolved at Build.
func (b *Builder) Resource(name string, users ...string) error {
	if name == "" {
		return fmt.Errorf("resource name is empty")
	}
	for _, r := range b.resources {
		if r.name == name {
			return fmt.Errorf("resource %q already registered", name)
		}
	}
	if len(users) == 0 {
		return fmt.Errorf("resource %q has no users", name)
	}
	b.resources = append(b.resources, resourceDecl{name: name, users: append([]string(nil), users...)})
	return nil
}

// Backend selects the trap backend.
func (b *Builder) Backend(k Backend) error {
	if _, err := trap.ParseKind(string(k)); err != nil {
		return err
	}
	b.backend = k
	return nil
}

// Discipline selects how controller state is protected.
func (b *Builder) Discipline(d Discipline) error {
	switch d {
	case CriticalSection, Atomic:
		b.discipline = d
		return nil
	default:
		return fmt.Errorf("unknown discipline %q", d)
	}
}

// HartID sets the id of the hart created by Build, which selects the msip
// word the CLINT backend writes. It is ignored when Hart supplies one.
func (b *Builder) HartID(id uint64) { b.hartID = id }

// Hart makes Build use h instead of creating a hart.
func (b *Builder) Hart(h *Hart) { b.hart = h }

// Nested re-enables interrupts in the dispatch loop so higher priorities
// preempt running handlers.
func (b *Builder) Nested(on bool) { b.nested = on }

// MirrorThreshold copies every threshold change into the external
// interrupt controller.
func (b *Builder) MirrorThreshold(on bool) { b.mirrorThreshold = on }

// Unhandled replaces the default action for a claimed line with no handler,
// which panics with *UnhandledLineError.
func (b *Builder) Unhandled(fn func(Line)) { b.unhandled = fn }

// Logger sets the logger for every component.
func (b *Builder) Logger(l *slog.Logger) { b.logger = l }

// Trace records controller events into r.
func (b *Builder) Trace(r *Recorder) { b.trace = r }

// Build validates the configuration and returns the System. The system
// starts disabled with the threshold at MaxPriority; call Enable to start
// dispatching.
func (b *Builder) Build() (*System, error) {
	if b == nil {
		return nil, fmt.Errorf("slic builder is nil")
	}
	if len(b.interrupts) == 0 {
		return nil, fmt.Errorf("no interrupts registered")
	}

	log := b.logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	hosted := b.backend == BackendLoopback
	external := len(b.lines) > 0 || len(b.passthrough) > 0
	if hosted && external {
		return nil, fmt.Errorf("external lines need a hart-based backend, not %q", b.backend)
	}
	if hosted && b.nested {
		return nil, fmt.Errorf("nested dispatch needs a hart-based backend, not %q", b.backend)
	}

	n := len(b.interrupts)
	s := &System{
		names:           make([]string, n),
		index:           make(map[string]ID, n),
		ceilings:        make(map[string]Priority, len(b.resources)),
		kind:            b.backend,
		mirrorThreshold: b.mirrorThreshold && external,
		trace:           b.trace,
		log:             log,
	}
	for i, irq := range b.interrupts {
		s.names[i] = irq.name
		s.index[irq.name] = ID(i)
	}

	for _, res := range b.resources {
		var prios []Priority
		for _, user := range res.users {
			id, ok := s.index[user]
			if !ok {
				return nil, fmt.Errorf("resource %q: user %q is not a registered interrupt", res.name, user)
			}
			prios = append(prios, b.interrupts[id].priority)
		}
		s.ceilings[res.name] = core.Ceiling(prios...)
	}

	var sec core.Section
	if hosted {
		s.loopback = trap.NewLoopback()
		s.backend = s.loopback
		sec = &core.MutexSection{}
	} else {
		s.hart = b.hart
		if s.hart == nil {
			s.hart = hart.New(b.hartID, hart.WithLogger(log))
		}
		v, err := trap.New(b.backend, s.hart)
		if err != nil {
			return nil, err
		}
		s.vectored = v
		s.backend = v
		sec = s.hart
	}

	switch b.discipline {
	case Atomic:
		s.core = core.NewAtomicController(n, sec, s.backend)
	default:
		s.core = core.NewController(n, sec, s.backend)
	}
	for i, irq := range b.interrupts {
		s.core.SetPriority(ID(i), irq.priority)
	}

	if external {
		s.ext = exti.New(s.hart.PLIC, s.core,
			exti.WithLogger(log), exti.WithTrace(b.trace), exti.WithUnhandled(b.unhandled),
			exti.WithPend(s.TryPend))
		for i, irq := range b.interrupts {
			if irq.line == 0 {
				continue
			}
			if err := s.ext.Bind(irq.line, ID(i), irq.clear); err != nil {
				return nil, err
			}
		}
		lines := make([]Line, 0, len(b.passthrough))
		for line := range b.passthrough {
			lines = append(lines, line)
		}
		sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
		for _, line := range lines {
			if err := s.ext.PassThrough(line, b.passthrough[line]); err != nil {
				return nil, err
			}
		}
	}

	handlers := make([]dispatch.Handler, n)
	for i, irq := range b.interrupts {
		handlers[i] = irq.handler
	}
	opts := []dispatch.Option{dispatch.WithLogger(log), dispatch.WithTrace(b.trace)}
	if b.nested {
		opts = append(opts, dispatch.WithNesting(s.hart))
	}
	if s.mirrorThreshold {
		opts = append(opts, dispatch.WithMask(s.ext.DrainingMask()))
	}
	disp, err := dispatch.New(s.core, s.backend, handlers, opts...)
	if err != nil {
		return nil, err
	}
	s.disp = disp

	if err := s.attach(); err != nil {
		return nil, err
	}
	s.core.Restore(MaxPriority)
	s.mirror(MaxPriority)

	log.Info("slic built",
		"interrupts", n,
		"backend", b.backend,
		"discipline", b.discipline,
		"nested", b.nested,
		"lines", len(b.lines),
		"passthrough", len(b.passthrough),
		"resources", len(b.resources))
	return s, nil
}
