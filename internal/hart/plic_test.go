package hart

import "testing"

func TestPLICClaimOrder(t *testing.T) {
	h := New(0)
	p := h.PLIC
	for _, s := range []struct {
		source   uint32
		priority uint8
	}{{3, 1}, {4, 5}, {5, 5}, {6, 2}} {
		p.SetPriority(s.source, s.priority)
		p.Enable(s.source)
		p.Raise(s.source)
	}

	if !h.IsPending(MipMEIP) {
		t.Fatal("MEIP not raised")
	}

	var got []uint32
	for {
		source, ok := p.Claim()
		if !ok {
			break
		}
		got = append(got, source)
		p.Complete(source)
	}
	want := []uint32{4, 5, 6, 3}
	if len(got) != len(want) {
		t.Fatalf("claimed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claimed %v, want %v", got, want)
		}
	}
	if h.IsPending(MipMEIP) {
		t.Fatal("MEIP still raised with nothing pending")
	}
}

func TestPLICThresholdAndEnable(t *testing.T) {
	h := New(0)
	p := h.PLIC
	p.SetPriority(7, 3)
	p.Raise(7)
	if h.IsPending(MipMEIP) {
		t.Fatal("disabled source raised MEIP")
	}

	p.SetThreshold(3)
	p.Enable(7)
	if h.IsPending(MipMEIP) {
		t.Fatal("source at the threshold raised MEIP")
	}

	p.SetThreshold(2)
	if !h.IsPending(MipMEIP) {
		t.Fatal("source above the threshold did not raise MEIP")
	}

	p.Disable(7)
	if h.IsPending(MipMEIP) {
		t.Fatal("MEIP still raised after disabling the source")
	}
}

func TestPLICHoldsWhileInFlight(t *testing.T) {
	h := New(0)
	p := h.PLIC
	p.SetPriority(2, 1)
	p.Enable(2)

	p.Raise(2)
	source, ok := p.Claim()
	if !ok || source != 2 {
		t.Fatalf("Claim = %d, %v", source, ok)
	}

	p.Raise(2)
	if p.IsPending(2) {
		t.Fatal("request not held while in flight")
	}
	if _, ok := p.Claim(); ok {
		t.Fatal("claimed an in-flight source")
	}

	p.Complete(2)
	if !p.IsPending(2) {
		t.Fatal("held request not released by Complete")
	}
	if p.Claims() != 1 || p.Completes() != 1 {
		t.Fatalf("claims %d completes %d", p.Claims(), p.Completes())
	}
}

func TestPLICMMIO(t *testing.T) {
	h := New(0)
	bus := h.Bus

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(bus.Write32(PLICBase+PLICPriorityBase+4*9, 4))
	must(bus.Write32(PLICBase+PLICEnableBase, 1<<9|1))
	must(bus.Write32(PLICBase+PLICThresholdBase, 1))

	if h.PLIC.Priority(9) != 4 || h.PLIC.Threshold() != 1 {
		t.Fatalf("priority %d threshold %d", h.PLIC.Priority(9), h.PLIC.Threshold())
	}
	if v, _ := bus.Read(PLICBase+PLICEnableBase, 4); v != 1<<9 {
		t.Fatalf("enable word = 0x%x, source 0 must stay disabled", v)
	}

	h.PLIC.Raise(9)
	if v, _ := bus.Read(PLICBase+PLICPendingBase, 4); v != 1<<9 {
		t.Fatalf("pending word = 0x%x", v)
	}

	claim, err := bus.Read(PLICBase+PLICThresholdBase+4, 4)
	if err != nil || claim != 9 {
		t.Fatalf("claim = %d, %v", claim, err)
	}
	must(bus.Write32(PLICBase+PLICThresholdBase+4, uint32(claim)))
	if h.PLIC.Completes() != 1 {
		t.Fatal("complete write not applied")
	}
}
