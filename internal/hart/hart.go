// Package hart models a single RISC-V hart running in machine mode: the
// trap-relevant CSRs, the trap vector runtime, and the CLINT and PLIC devices
// on its memory bus.
//
// The model has no instruction stream. Interrupts are delivered synchronously
// whenever interrupt state changes (mip set, mstatus.MIE set, a critical
// section released), which is how an asynchronous trap between two
// instructions looks to the code running on the hart.
//
// A Hart is one hardware thread and is not safe for concurrent use.
package hart

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Memory layout constants
const (
	CLINTBase uint64 = 0x0200_0000 // Core Local Interruptor
	CLINTSize uint64 = 0x000c_0000
	PLICBase  uint64 = 0x0c00_0000 // Platform Level Interrupt Controller
	PLICSize  uint64 = 0x0400_0000

	// TrapVectorPC is the program counter value while a trap vector runs.
	TrapVectorPC uint64 = 0x8000_0000
)

// mstatus bits
const (
	MstatusMIE  uint64 = 1 << 3
	MstatusMPIE uint64 = 1 << 7
	MstatusMPP  uint64 = 3 << 11
)

// mip/mie bits
const (
	MipSSIP uint64 = 1 << 1  // Supervisor software interrupt pending
	MipMSIP uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipMTIP uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending

	mipMask = MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP
)

// Exception causes
const (
	CauseEcallFromM uint64 = 11
)

// Interrupt causes (with bit 63 set)
const (
	CauseSSoftwareInt uint64 = (1 << 63) | 1
	CauseMSoftwareInt uint64 = (1 << 63) | 3
	CauseSTimerInt    uint64 = (1 << 63) | 5
	CauseMTimerInt    uint64 = (1 << 63) | 7
	CauseSExternalInt uint64 = (1 << 63) | 9
	CauseMExternalInt uint64 = (1 << 63) | 11
)

// Bounds used to detect a trap that keeps re-entering because its condition
// was never cleared.
const (
	stormLimit   = 4096
	maxTrapDepth = 512
)

var (
	// ErrVectorInUse is returned when a trap cause already has a vector.
	ErrVectorInUse = errors.New("trap vector already registered")
	// ErrTrapStorm is the panic value when a trap re-enters without its
	// pending condition being cleared.
	ErrTrapStorm = errors.New("trap storm")
)

// TrapHandler is the Go body of a trap vector.
type TrapHandler func()

// UnhandledTrapError is the panic value for a trap with no vector.
type UnhandledTrapError struct {
	Cause uint64
}

func (e *UnhandledTrapError) Error() string {
	return fmt.Sprintf("unhandled trap: cause=%s", CauseName(e.Cause))
}

// Hart is the trap-relevant state of one machine-mode hart.
type Hart struct {
	ID uint64

	// Program counter. Only traps and Ecall move it.
	PC uint64

	Mstatus uint64
	Mie     uint64
	Mip     uint64
	Mepc    uint64
	Mcause  uint64

	Bus   *Bus
	CLINT *CLINT
	PLIC  *PLIC

	vectors map[uint64]TrapHandler

	depth    int
	maxDepth int
	traps    uint64

	log *slog.Logger
}

// Option configures a Hart.
type Option func(*Hart)

// WithLogger sets the logger used for trap diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hart) {
		if l != nil {
			h.log = l
		}
	}
}

// New creates a hart with a CLINT and PLIC mapped on its bus.
func New(id uint64, opts ...Option) *Hart {
	h := &Hart{
		ID:      id,
		Mstatus: MstatusMPP, // M-mode, MIE clear
		vectors: make(map[uint64]TrapHandler),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.Bus = &Bus{}
	h.CLINT = NewCLINT(h)
	h.PLIC = NewPLIC(h)
	h.Bus.attach(CLINTBase, h.CLINT)
	h.Bus.attach(PLICBase, h.PLIC)

	return h
}

// SetVector installs fn as the vector for cause. A cause has at most one
// owner.
func (h *Hart) SetVector(cause uint64, fn TrapHandler) error {
	if fn == nil {
		return fmt.Errorf("vector for %s is nil", CauseName(cause))
	}
	if _, exists := h.vectors[cause]; exists {
		return fmt.Errorf("%s: %w", CauseName(cause), ErrVectorInUse)
	}
	h.vectors[cause] = fn
	h.log.Debug("trap vector installed", "cause", CauseName(cause))
	return nil
}

// ClearVector removes the vector for cause.
func (h *Hart) ClearVector(cause uint64) {
	delete(h.vectors, cause)
}

// HasVector reports whether cause has a vector.
func (h *Hart) HasVector(cause uint64) bool {
	_, ok := h.vectors[cause]
	return ok
}

// Depth returns the current trap nesting depth.
func (h *Hart) Depth() int { return h.depth }

// MaxDepth returns the deepest trap nesting observed.
func (h *Hart) MaxDepth() int { return h.maxDepth }

// Traps returns the number of traps taken.
func (h *Hart) Traps() uint64 { return h.traps }

// InTrap reports whether a trap vector is running.
func (h *Hart) InTrap() bool { return h.depth > 0 }

// trap performs trap entry, runs the vector and returns with mret.
func (h *Hart) trap(cause uint64) {
	if h.depth >= maxTrapDepth {
		panic(fmt.Errorf("%w: nesting depth %d exceeded at %s", ErrTrapStorm, maxTrapDepth, CauseName(cause)))
	}

	fn := h.vectors[cause]
	if fn == nil {
		panic(&UnhandledTrapError{Cause: cause})
	}

	// Trap entry: save pc and MIE, mask interrupts, jump to the vector.
	h.Mepc = h.PC
	h.Mcause = cause
	if h.Mstatus&MstatusMIE != 0 {
		h.Mstatus |= MstatusMPIE
	} else {
		h.Mstatus &^= MstatusMPIE
	}
	h.Mstatus &^= MstatusMIE
	h.PC = TrapVectorPC

	h.depth++
	h.traps++
	if h.depth > h.maxDepth {
		h.maxDepth = h.depth
	}
	h.log.Debug("trap", "cause", CauseName(cause), "depth", h.depth, "mepc", h.Mepc)

	fn()

	h.depth--
	h.mret()
}

// mret returns from a trap: MIE takes MPIE, MPIE is set, pc takes mepc.
func (h *Hart) mret() {
	if h.Mstatus&MstatusMPIE != 0 {
		h.Mstatus |= MstatusMIE
	} else {
		h.Mstatus &^= MstatusMIE
	}
	h.Mstatus |= MstatusMPIE
	h.PC = h.Mepc
}

// deliver takes every interrupt that is pending, enabled and unmasked.
func (h *Hart) deliver() {
	for i := 0; ; i++ {
		pending, cause := h.CheckInterrupt()
		if !pending {
			return
		}
		if i >= stormLimit {
			panic(fmt.Errorf("%w: %s still pending after %d traps", ErrTrapStorm, CauseName(cause), stormLimit))
		}
		h.trap(cause)
	}
}

// Ecall executes an environment call. The trap is synchronous and is taken
// regardless of mstatus.MIE. Execution resumes at mepc, so a vector that does
// not advance mepc executes the ecall again.
func (h *Hart) Ecall() {
	pc := h.PC
	for i := 0; ; i++ {
		if i >= stormLimit {
			panic(fmt.Errorf("%w: ecall at 0x%x re-executed %d times", ErrTrapStorm, pc, stormLimit))
		}
		h.trap(CauseEcallFromM)
		if h.PC != pc {
			break
		}
	}
	// The vector returned past the ecall; anything it left pending is taken now.
	h.deliver()
}

// CauseName returns the conventional name of a trap cause.
func CauseName(cause uint64) string {
	switch cause {
	case CauseEcallFromM:
		return "MachineEnvCall"
	case CauseSSoftwareInt:
		return "SupervisorSoft"
	case CauseMSoftwareInt:
		return "MachineSoft"
	case CauseSTimerInt:
		return "SupervisorTimer"
	case CauseMTimerInt:
		return "MachineTimer"
	case CauseSExternalInt:
		return "SupervisorExternal"
	case CauseMExternalInt:
		return "MachineExternal"
	default:
		return fmt.Sprintf("cause(0x%x)", cause)
	}
}
