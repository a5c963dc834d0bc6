package trap

import (
	"fmt"

	"github.com/tinyrange/slic/internal/hart"
)

// RegisterBus is the bus access the CLINT backend needs.
type RegisterBus interface {
	Write32(addr uint64, value uint32) error
}

// CLINT raises the trap by writing the msip register of one hart.
type CLINT struct {
	bus  RegisterBus
	hart *hart.Hart
	addr uint64
}

// NewCLINT returns a CLINT backend addressing the msip word of hartID.
func NewCLINT(bus RegisterBus, h *hart.Hart, hartID uint64) *CLINT {
	return &CLINT{
		bus:  bus,
		hart: h,
		addr: hart.CLINTBase + hart.CLINTMsip + 4*hartID,
	}
}

func (c *CLINT) write(v uint32) {
	// A bus fault in trap context has no recovery path.
	if err := c.bus.Write32(c.addr, v); err != nil {
		panic(fmt.Errorf("clint msip write: %w", err))
	}
}

func (c *CLINT) RequestTrap()     { c.write(1) }
func (c *CLINT) AcknowledgeTrap() { c.write(0) }
func (c *CLINT) Cause() uint64    { return hart.CauseMSoftwareInt }
func (c *CLINT) Enable()          { c.hart.EnableInterrupts(hart.MipMSIP) }
func (c *CLINT) Disable()         { c.hart.DisableInterrupts(hart.MipMSIP) }

// Ecall raises the trap synchronously with an environment call. The trap is
// taken even with interrupts masked, so the call runs with the caller's
// status and return address preserved.
type Ecall struct {
	hart *hart.Hart
}

// NewEcall returns an ecall backend.
func NewEcall(h *hart.Hart) *Ecall {
	return &Ecall{hart: h}
}

func (e *Ecall) RequestTrap() {
	e.hart.Nested(e.hart.Ecall)
}

// AcknowledgeTrap steps mepc past the ecall so the trap returns after it.
func (e *Ecall) AcknowledgeTrap() {
	e.hart.Mepc += 4
}

func (e *Ecall) Cause() uint64 { return hart.CauseEcallFromM }

// Enable and Disable are no-ops: synchronous exceptions cannot be masked.
func (e *Ecall) Enable()  {}
func (e *Ecall) Disable() {}

// SSoft raises the trap through the supervisor software interrupt pending
// bit in mip.
type SSoft struct {
	hart *hart.Hart
}

// NewSSoft returns a status-bit backend.
func NewSSoft(h *hart.Hart) *SSoft {
	return &SSoft{hart: h}
}

func (s *SSoft) RequestTrap()     { s.hart.SetPending(hart.MipSSIP) }
func (s *SSoft) AcknowledgeTrap() { s.hart.ClearPending(hart.MipSSIP) }
func (s *SSoft) Cause() uint64    { return hart.CauseSSoftwareInt }
func (s *SSoft) Enable()          { s.hart.EnableInterrupts(hart.MipSSIP) }
func (s *SSoft) Disable()         { s.hart.DisableInterrupts(hart.MipSSIP) }

var (
	_ Vectored = (*CLINT)(nil)
	_ Vectored = (*Ecall)(nil)
	_ Vectored = (*SSoft)(nil)
)
