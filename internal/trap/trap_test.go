package trap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/slic/internal/hart"
)

func newArmedHart(t *testing.T, b Vectored, h *hart.Hart, entry func()) {
	t.Helper()
	if err := h.SetVector(b.Cause(), entry); err != nil {
		t.Fatalf("SetVector: %v", err)
	}
	b.Enable()
	h.SetMIE()
}

func TestBackendsDeliverAndAcknowledge(t *testing.T) {
	for _, kind := range []Kind{KindCLINT, KindEcall, KindSSoft} {
		t.Run(string(kind), func(t *testing.T) {
			h := hart.New(0)
			b, err := New(kind, h)
			if err != nil {
				t.Fatalf("New(%s): %v", kind, err)
			}

			entries := 0
			newArmedHart(t, b, h, func() {
				entries++
				b.AcknowledgeTrap()
			})

			b.RequestTrap()
			if entries != 1 {
				t.Fatalf("entries = %d after one request, want 1", entries)
			}
			if h.InTrap() {
				t.Fatal("hart still in trap after request returned")
			}
			if !h.InterruptsEnabled() {
				t.Fatal("MIE not restored by mret")
			}
		})
	}
}

func TestCLINTWritesMsipOfHart(t *testing.T) {
	h := hart.New(2)
	b := NewCLINT(h.Bus, h, 2)

	b.RequestTrap()
	if h.CLINT.Msip(2) != 1 || !h.IsPending(hart.MipMSIP) {
		t.Fatal("RequestTrap did not set msip for hart 2")
	}
	b.RequestTrap() // idempotent
	b.AcknowledgeTrap()
	if h.CLINT.Msip(2) != 0 || h.IsPending(hart.MipMSIP) {
		t.Fatal("AcknowledgeTrap did not clear msip")
	}
}

func TestCLINTRequestWaitsForMIE(t *testing.T) {
	h := hart.New(0)
	b := NewCLINT(h.Bus, h, 0)
	entries := 0
	if err := h.SetVector(b.Cause(), func() { entries++; b.AcknowledgeTrap() }); err != nil {
		t.Fatal(err)
	}
	b.Enable()

	b.RequestTrap()
	if entries != 0 {
		t.Fatal("trap taken with MIE clear")
	}
	h.SetMIE()
	if entries != 1 {
		t.Fatalf("entries = %d after enabling MIE, want 1", entries)
	}
}

func TestEcallWithoutAcknowledgeStorms(t *testing.T) {
	h := hart.New(0)
	b := NewEcall(h)
	if err := h.SetVector(b.Cause(), func() {}); err != nil {
		t.Fatal(err)
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, hart.ErrTrapStorm) {
			t.Fatalf("recovered %v, want ErrTrapStorm", r)
		}
	}()
	b.RequestTrap()
}

func TestEcallPreservesReturnAddress(t *testing.T) {
	h := hart.New(0)
	b := NewEcall(h)
	if err := h.SetVector(b.Cause(), func() { b.AcknowledgeTrap() }); err != nil {
		t.Fatal(err)
	}

	h.Mepc = 0x1234
	b.RequestTrap()
	if h.Mepc != 0x1234 {
		t.Fatalf("mepc = 0x%x after ecall, want 0x1234", h.Mepc)
	}
}

func TestLoopbackServe(t *testing.T) {
	l := NewLoopback()
	l.RequestTrap() // held while disabled

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entered := make(chan struct{}, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- l.Serve(ctx, func() {
			l.AcknowledgeTrap()
			entered <- struct{}{}
		})
	}()

	l.Enable()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("held request was not delivered on Enable")
	}

	l.RequestTrap()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not delivered")
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v, want context.Canceled", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %q, %v", k, got, err)
		}
		if VectorName(k) == "" {
			t.Fatalf("VectorName(%q) is empty", k)
		}
	}
	if _, err := ParseKind("plic"); err == nil {
		t.Fatal("ParseKind accepted an unknown backend")
	}
	if VectorName(KindCLINT) != "MachineSoft" {
		t.Fatalf("VectorName(clint) = %q", VectorName(KindCLINT))
	}
}

func TestNewRejectsLoopbackAndNilHart(t *testing.T) {
	if _, err := New(KindCLINT, nil); err == nil {
		t.Fatal("New accepted a nil hart")
	}
	if _, err := New(KindLoopback, hart.New(0)); err == nil {
		t.Fatal("New built a loopback backend")
	}
}
