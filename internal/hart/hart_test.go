package hart

import (
	"errors"
	"testing"
)

func expectPanic(t *testing.T, check func(r any) bool) {
	t.Helper()
	r := recover()
	if r == nil {
		t.Fatal("expected panic")
	}
	if !check(r) {
		t.Fatalf("unexpected panic value: %v", r)
	}
}

func isErr(target error) func(r any) bool {
	return func(r any) bool {
		err, ok := r.(error)
		return ok && errors.Is(err, target)
	}
}

func TestTrapEntryAndReturn(t *testing.T) {
	h := New(0)
	h.PC = 0x1000

	var inside struct {
		mstatus, mepc, mcause, pc uint64
	}
	if err := h.SetVector(CauseMSoftwareInt, func() {
		inside.mstatus = h.Mstatus
		inside.mepc = h.Mepc
		inside.mcause = h.Mcause
		inside.pc = h.PC
		h.ClearPending(MipMSIP)
	}); err != nil {
		t.Fatal(err)
	}

	h.EnableInterrupts(MipMSIP)
	h.SetMIE()
	h.SetPending(MipMSIP)

	if inside.mstatus&MstatusMIE != 0 || inside.mstatus&MstatusMPIE == 0 {
		t.Fatalf("mstatus in trap = 0x%x, want MIE clear and MPIE set", inside.mstatus)
	}
	if inside.mepc != 0x1000 || inside.mcause != CauseMSoftwareInt || inside.pc != TrapVectorPC {
		t.Fatalf("mepc 0x%x mcause 0x%x pc 0x%x", inside.mepc, inside.mcause, inside.pc)
	}
	if h.PC != 0x1000 || !h.InterruptsEnabled() {
		t.Fatalf("after mret pc 0x%x MIE %v", h.PC, h.InterruptsEnabled())
	}
	if h.Traps() != 1 || h.MaxDepth() != 1 || h.InTrap() {
		t.Fatalf("traps %d max depth %d in trap %v", h.Traps(), h.MaxDepth(), h.InTrap())
	}
}

func TestInterruptPriorityOrder(t *testing.T) {
	h := New(0)
	var order []string
	for _, v := range []struct {
		cause uint64
		bit   uint64
		name  string
	}{
		{CauseMExternalInt, MipMEIP, "MEI"},
		{CauseMSoftwareInt, MipMSIP, "MSI"},
		{CauseSSoftwareInt, MipSSIP, "SSI"},
	} {
		if err := h.SetVector(v.cause, func() {
			order = append(order, v.name)
			h.ClearPending(v.bit)
		}); err != nil {
			t.Fatal(err)
		}
	}

	h.Mip = MipSSIP | MipMSIP | MipMEIP
	h.EnableInterrupts(MipSSIP | MipMSIP | MipMEIP)
	h.SetMIE()

	if len(order) != 3 || order[0] != "MEI" || order[1] != "MSI" || order[2] != "SSI" {
		t.Fatalf("order = %v", order)
	}
}

func TestMaskedInterruptWaits(t *testing.T) {
	h := New(0)
	taken := 0
	if err := h.SetVector(CauseMSoftwareInt, func() { taken++; h.ClearPending(MipMSIP) }); err != nil {
		t.Fatal(err)
	}

	h.SetPending(MipMSIP)
	h.SetMIE()
	if taken != 0 {
		t.Fatal("taken while disabled in mie")
	}
	h.EnableInterrupts(MipMSIP)
	if taken != 1 {
		t.Fatalf("taken = %d, want 1", taken)
	}
}

func TestAcquireRelease(t *testing.T) {
	h := New(0)
	taken := 0
	if err := h.SetVector(CauseMSoftwareInt, func() { taken++; h.ClearPending(MipMSIP) }); err != nil {
		t.Fatal(err)
	}
	h.EnableInterrupts(MipMSIP)
	h.SetMIE()

	outer := h.Acquire()
	inner := h.Acquire()
	h.SetPending(MipMSIP)
	h.Release(inner)
	if taken != 0 {
		t.Fatal("inner Release re-enabled interrupts")
	}
	h.Release(outer)
	if taken != 1 {
		t.Fatalf("taken = %d after outer Release, want 1", taken)
	}
}

func TestVectorInUse(t *testing.T) {
	h := New(0)
	fn := func() {}
	if err := h.SetVector(CauseMSoftwareInt, fn); err != nil {
		t.Fatal(err)
	}
	if err := h.SetVector(CauseMSoftwareInt, fn); !errors.Is(err, ErrVectorInUse) {
		t.Fatalf("second SetVector = %v", err)
	}
	if err := h.SetVector(CauseMTimerInt, nil); err == nil {
		t.Fatal("SetVector accepted nil")
	}
	h.ClearVector(CauseMSoftwareInt)
	if h.HasVector(CauseMSoftwareInt) {
		t.Fatal("vector still present")
	}
}

func TestUnhandledTrap(t *testing.T) {
	h := New(0)
	h.EnableInterrupts(MipMSIP)
	h.SetMIE()

	defer expectPanic(t, func(r any) bool {
		var ute *UnhandledTrapError
		err, ok := r.(error)
		return ok && errors.As(err, &ute) && ute.Cause == CauseMSoftwareInt
	})
	h.SetPending(MipMSIP)
}

func TestUnclearedInterruptStorms(t *testing.T) {
	h := New(0)
	if err := h.SetVector(CauseMSoftwareInt, func() {}); err != nil {
		t.Fatal(err)
	}
	h.EnableInterrupts(MipMSIP)
	h.SetMIE()

	defer expectPanic(t, isErr(ErrTrapStorm))
	h.SetPending(MipMSIP)
}

func TestReenteringVectorStorms(t *testing.T) {
	h := New(0)
	if err := h.SetVector(CauseMSoftwareInt, func() { h.SetMIE() }); err != nil {
		t.Fatal(err)
	}
	h.EnableInterrupts(MipMSIP)
	h.SetMIE()

	defer expectPanic(t, isErr(ErrTrapStorm))
	h.SetPending(MipMSIP)
}

func TestEcall(t *testing.T) {
	h := New(0)
	h.PC = 0x2000
	calls := 0
	if err := h.SetVector(CauseEcallFromM, func() { calls++; h.Mepc += 4 }); err != nil {
		t.Fatal(err)
	}

	h.Ecall()
	if calls != 1 || h.PC != 0x2004 {
		t.Fatalf("calls %d pc 0x%x", calls, h.PC)
	}
}

func TestNestedPreservesFrame(t *testing.T) {
	h := New(0)
	h.Mstatus |= MstatusMPIE
	h.Mepc = 0x42
	h.Nested(func() {
		h.Mepc = 0
		h.Mstatus = 0
	})
	if h.Mepc != 0x42 || h.Mstatus&MstatusMPIE == 0 {
		t.Fatalf("frame not restored: mepc 0x%x mstatus 0x%x", h.Mepc, h.Mstatus)
	}

	frame := h.EnterNested()
	if !h.InterruptsEnabled() {
		t.Fatal("EnterNested did not set MIE")
	}
	h.Mepc = 7
	h.ExitNested(frame)
	if h.InterruptsEnabled() || h.Mepc != 0x42 {
		t.Fatalf("ExitNested left MIE %v mepc 0x%x", h.InterruptsEnabled(), h.Mepc)
	}
}

func TestCLINTTimer(t *testing.T) {
	h := New(0)
	fired := 0
	if err := h.SetVector(CauseMTimerInt, func() {
		fired++
		// Re-arm in the future, which clears MTIP.
		if err := h.Bus.Write(CLINTBase+CLINTMtimecmp, 8, h.CLINT.Mtime()+10); err != nil {
			t.Error(err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	h.EnableInterrupts(MipMTIP)
	h.SetMIE()

	if err := h.Bus.Write32(CLINTBase+CLINTMtimecmp, 5); err != nil {
		t.Fatal(err)
	}
	if err := h.Bus.Write32(CLINTBase+CLINTMtimecmp+4, 0); err != nil {
		t.Fatal(err)
	}
	h.CLINT.Advance(4)
	if fired != 0 {
		t.Fatal("timer fired early")
	}
	h.CLINT.Advance(1)
	if fired != 1 {
		t.Fatalf("fired = %d at mtime 5", fired)
	}
	h.CLINT.Advance(10)
	if fired != 2 {
		t.Fatalf("fired = %d at mtime 15", fired)
	}

	v, err := h.Bus.Read(CLINTBase+CLINTMtime, 8)
	if err != nil || v != 15 {
		t.Fatalf("mtime = %d, %v", v, err)
	}
}

func TestCLINTOtherHartMsip(t *testing.T) {
	h := New(1)
	if err := h.Bus.Write32(CLINTBase+CLINTMsip, 1); err != nil {
		t.Fatal(err)
	}
	if h.IsPending(MipMSIP) {
		t.Fatal("msip of hart 0 raised hart 1")
	}
	if v, _ := h.Bus.Read(CLINTBase+CLINTMsip, 4); v != 1 {
		t.Fatalf("msip[0] = %d", v)
	}
}

func TestBusUnmapped(t *testing.T) {
	h := New(0)
	if _, err := h.Bus.Read(0x10, 4); err == nil {
		t.Fatal("read of unmapped address succeeded")
	}
	if err := h.Bus.Write32(0x10, 1); err == nil {
		t.Fatal("write to unmapped address succeeded")
	}
}

func TestBusRejectsOverlap(t *testing.T) {
	h := New(0)
	defer expectPanic(t, func(r any) bool {
		_, ok := r.(string)
		return ok
	})
	h.Bus.attach(CLINTBase+0x10, h.PLIC)
}
