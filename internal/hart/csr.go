package hart

// CheckInterrupt checks if there's a pending interrupt that should be taken
func (h *Hart) CheckInterrupt() (bool, uint64) {
	// Interrupts are globally disabled in M-mode when MIE is clear
	if h.Mstatus&MstatusMIE == 0 {
		return false, 0
	}

	pending := h.Mip & h.Mie
	if pending == 0 {
		return false, 0
	}

	// Standard priority order: MEI, MSI, MTI, SEI, SSI, STI
	switch {
	case pending&MipMEIP != 0:
		return true, CauseMExternalInt
	case pending&MipMSIP != 0:
		return true, CauseMSoftwareInt
	case pending&MipMTIP != 0:
		return true, CauseMTimerInt
	case pending&MipSEIP != 0:
		return true, CauseSExternalInt
	case pending&MipSSIP != 0:
		return true, CauseSSoftwareInt
	case pending&MipSTIP != 0:
		return true, CauseSTimerInt
	}

	return false, 0
}

// SetPending sets bits in mip and takes any interrupt that became deliverable.
func (h *Hart) SetPending(mask uint64) {
	h.Mip |= mask & mipMask
	h.deliver()
}

// ClearPending clears bits in mip.
func (h *Hart) ClearPending(mask uint64) {
	h.Mip &^= mask & mipMask
}

// IsPending reports whether any bit of mask is set in mip.
func (h *Hart) IsPending(mask uint64) bool {
	return h.Mip&mask != 0
}

// EnableInterrupts sets bits in mie.
func (h *Hart) EnableInterrupts(mask uint64) {
	h.Mie |= mask & mipMask
	h.deliver()
}

// DisableInterrupts clears bits in mie.
func (h *Hart) DisableInterrupts(mask uint64) {
	h.Mie &^= mask & mipMask
}

// SetMIE sets mstatus.MIE, taking anything pending.
func (h *Hart) SetMIE() {
	h.Mstatus |= MstatusMIE
	h.deliver()
}

// ClearMIE clears mstatus.MIE.
func (h *Hart) ClearMIE() {
	h.Mstatus &^= MstatusMIE
}

// InterruptsEnabled reports mstatus.MIE.
func (h *Hart) InterruptsEnabled() bool {
	return h.Mstatus&MstatusMIE != 0
}

// Acquire enters a critical section by clearing mstatus.MIE and returns the
// previous MIE state for Release. Sections nest.
func (h *Hart) Acquire() uint64 {
	prev := h.Mstatus & MstatusMIE
	h.Mstatus &^= MstatusMIE
	return prev
}

// Release leaves a critical section entered with Acquire.
func (h *Hart) Release(state uint64) {
	if state&MstatusMIE != 0 {
		h.SetMIE()
	}
}

// TrapFrame is the status and return address saved across nested execution.
type TrapFrame struct {
	Mstatus uint64
	Mepc    uint64
}

// EnterNested saves mstatus and mepc and sets mstatus.MIE so that a trap can
// preempt the running vector. Interrupts pending at this point are taken
// before EnterNested returns.
func (h *Hart) EnterNested() TrapFrame {
	frame := TrapFrame{Mstatus: h.Mstatus, Mepc: h.Mepc}
	h.SetMIE()
	return frame
}

// ExitNested masks interrupts and restores the frame saved by EnterNested.
func (h *Hart) ExitNested(frame TrapFrame) {
	h.ClearMIE()
	h.Mepc = frame.Mepc
	h.Mstatus = frame.Mstatus
	if h.Mstatus&MstatusMIE != 0 {
		h.deliver()
	}
}

// Nested runs fn with mstatus and mepc preserved across it, so that a
// synchronous trap taken inside fn cannot clobber the caller's return
// address.
func (h *Hart) Nested(fn func()) {
	frame := TrapFrame{Mstatus: h.Mstatus, Mepc: h.Mepc}
	fn()
	h.Mepc = frame.Mepc
	h.Mstatus = frame.Mstatus
}
