package core

import (
	"errors"
	"sync"
	"testing"
)

type countingRequester struct {
	mu       sync.Mutex
	requests int
}

func (r *countingRequester) RequestTrap() {
	r.mu.Lock()
	r.requests++
	r.mu.Unlock()
}

func (r *countingRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

type constructor struct {
	name string
	new  func(n int, req Requester) Core
}

var disciplines = []constructor{
	{"critical-section", func(n int, req Requester) Core { return NewController(n, &MutexSection{}, req) }},
	{"atomic", func(n int, req Requester) Core { return NewAtomicController(n, &MutexSection{}, req) }},
}

func forEachDiscipline(t *testing.T, fn func(t *testing.T, newCore func(n int, req Requester) Core)) {
	for _, d := range disciplines {
		t.Run(d.name, func(t *testing.T) {
			fn(t, d.new)
		})
	}
}

func checkInvariant(t *testing.T, c Core) {
	t.Helper()
	if c.Pending() != c.Queued() {
		t.Fatalf("pending count %d != queue length %d", c.Pending(), c.Queued())
	}
}

func TestZeroInitialized(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		c := newCore(4, nil)
		if c.Len() != 4 {
			t.Fatalf("Len() = %d, want 4", c.Len())
		}
		if c.Threshold() != 0 {
			t.Fatalf("threshold = %d, want 0", c.Threshold())
		}
		for i := 0; i < c.Len(); i++ {
			if c.Priority(ID(i)) != Disabled || c.IsPending(ID(i)) {
				t.Fatalf("identity %d not zero initialized", i)
			}
		}
		if c.IsReady() {
			t.Fatal("empty controller is ready")
		}
		if _, ok := c.Pop(); ok {
			t.Fatal("Pop on empty controller returned an entry")
		}
	})
}

func TestPendDisabledIsNoop(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		req := &countingRequester{}
		c := newCore(8, req)
		for i := 0; i < c.Len(); i++ {
			c.Pend(ID(i))
			if c.IsPending(ID(i)) {
				t.Fatalf("disabled identity %d became pending", i)
			}
			checkInvariant(t, c)
		}
		if c.Queued() != 0 || req.count() != 0 {
			t.Fatalf("queued=%d requests=%d, want 0 and 0", c.Queued(), req.count())
		}
	})
}

func TestPendIdempotent(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		req := &countingRequester{}
		c := newCore(2, req)
		c.SetPriority(1, 4)

		c.Pend(1)
		c.Pend(1)

		if !c.IsPending(1) || c.Queued() != 1 || c.Pending() != 1 {
			t.Fatalf("after double pend: pending=%v queued=%d", c.IsPending(1), c.Queued())
		}
		if req.count() != 1 {
			t.Fatalf("requests = %d, want 1", req.count())
		}

		e, ok := c.Pop()
		if !ok || e.ID != 1 || e.Priority != 4 {
			t.Fatalf("Pop() = %v, %v", e, ok)
		}
		if _, ok := c.Pop(); ok {
			t.Fatal("second Pop returned an entry")
		}
		checkInvariant(t, c)
	})
}

func TestPopDescendingPriority(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		c := newCore(3, nil)
		c.SetPriority(0, 1)
		c.SetPriority(1, 7)
		c.SetPriority(2, 3)

		for _, id := range []ID{0, 2, 1} {
			c.Pend(id)
			checkInvariant(t, c)
		}

		for _, want := range []Entry{{7, 1}, {3, 2}, {1, 0}} {
			got, ok := c.Pop()
			if !ok || got != want {
				t.Fatalf("Pop() = %v, %v; want %v", got, ok, want)
			}
			checkInvariant(t, c)
		}
		if _, ok := c.Pop(); ok {
			t.Fatal("Pop after drain returned an entry")
		}
	})
}

func TestEqualPriorityResolvesByIdentity(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		c := newCore(4, nil)
		for i := 0; i < 4; i++ {
			c.SetPriority(ID(i), 2)
		}
		// Arrival order deliberately differs from identity order.
		for _, id := range []ID{1, 3, 0, 2} {
			c.Pend(id)
		}
		for _, want := range []ID{3, 2, 1, 0} {
			got, ok := c.Pop()
			if !ok || got.ID != want {
				t.Fatalf("Pop() = %v, %v; want id %d", got, ok, want)
			}
		}
	})
}

func TestScenarioA(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		const low, high ID = 0, 1
		c := newCore(2, nil)
		c.SetPriority(low, 1)
		c.SetPriority(high, 3)

		c.Pend(low)
		c.Pend(high)

		if e, ok := c.Pop(); !ok || e.ID != high {
			t.Fatalf("first Pop() = %v, %v; want High", e, ok)
		}
		if e, ok := c.Pop(); !ok || e.ID != low {
			t.Fatalf("second Pop() = %v, %v; want Low", e, ok)
		}
		if e, ok := c.Pop(); ok {
			t.Fatalf("third Pop() = %v; want none", e)
		}
	})
}

func TestScenarioB(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		const a, b, cc ID = 0, 1, 2
		req := &countingRequester{}
		c := newCore(3, req)
		c.SetThreshold(2)
		c.SetPriority(a, 1)
		c.SetPriority(b, 2)
		c.SetPriority(cc, 3)

		c.Pend(a)
		c.Pend(b)
		if req.count() != 0 {
			t.Fatalf("masked pends requested %d traps", req.count())
		}
		c.Pend(cc)
		if req.count() != 1 {
			t.Fatalf("requests = %d, want 1", req.count())
		}

		if !c.IsReady() {
			t.Fatal("IsReady() = false with C pending")
		}
		if e, ok := c.Pop(); !ok || e.ID != cc {
			t.Fatalf("Pop() = %v, %v; want C", e, ok)
		}
		if c.IsReady() {
			t.Fatal("IsReady() = true with only A and B pending at threshold 2")
		}
		if _, ok := c.Pop(); ok {
			t.Fatal("Pop returned a masked entry")
		}
		if !c.IsPending(a) || !c.IsPending(b) {
			t.Fatal("A and B should remain pending")
		}

		// Lowering the threshold below B exposes it and requests a trap.
		c.SetThreshold(1)
		if req.count() != 2 {
			t.Fatalf("requests after lowering threshold = %d, want 2", req.count())
		}
		if e, ok := c.Pop(); !ok || e.ID != b {
			t.Fatalf("Pop() = %v, %v; want B", e, ok)
		}
		if _, ok := c.Pop(); ok {
			t.Fatal("A popped at threshold 1")
		}
		checkInvariant(t, c)
	})
}

func TestScenarioC(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		const x ID = 0
		c := newCore(1, nil)
		c.SetPriority(x, 5)
		c.Pend(x)

		c.SetPriority(x, 0)

		if !c.IsPending(x) || c.Queued() != 1 {
			t.Fatal("changing priority removed the queued entry")
		}
		e, ok := c.Pop()
		if !ok || e.ID != x || e.Priority != 5 {
			t.Fatalf("Pop() = %v, %v; want x at old priority 5", e, ok)
		}

		// With priority 0 now in effect further pends are ignored.
		c.Pend(x)
		if c.IsPending(x) {
			t.Fatal("disabled identity became pending")
		}
	})
}

func TestRaiseThreshold(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		c := newCore(1, nil)

		prev, err := c.RaiseThreshold(3)
		if err != nil || prev != 0 {
			t.Fatalf("RaiseThreshold(3) = %d, %v; want 0, nil", prev, err)
		}

		for _, p := range []Priority{3, 2, 0} {
			_, err := c.RaiseThreshold(p)
			if !errors.Is(err, ErrNotRaised) {
				t.Fatalf("RaiseThreshold(%d) error = %v, want ErrNotRaised", p, err)
			}
			var te *ThresholdError
			if !errors.As(err, &te) || te.Current != 3 || te.Requested != p {
				t.Fatalf("RaiseThreshold(%d) error = %#v", p, err)
			}
			if c.Threshold() != 3 {
				t.Fatalf("failed raise changed threshold to %d", c.Threshold())
			}
		}

		prev, err = c.RaiseThreshold(MaxPriority)
		if err != nil || prev != 3 {
			t.Fatalf("RaiseThreshold(255) = %d, %v; want 3, nil", prev, err)
		}
	})
}

func TestPendBelowThresholdDoesNotRequest(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		req := &countingRequester{}
		c := newCore(2, req)
		c.SetPriority(0, 2)
		c.SetPriority(1, 2)
		c.SetThreshold(2)

		c.Pend(0)
		if req.count() != 0 {
			t.Fatal("pend at threshold requested a trap")
		}

		// Raising never requests; restoring quietly never requests.
		c.SetThreshold(4)
		c.Restore(0)
		if req.count() != 0 {
			t.Fatalf("requests = %d, want 0", req.count())
		}
		if !c.IsReady() {
			t.Fatal("entry not ready after Restore(0)")
		}
	})
}

func TestConcurrentPendAndPop(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		const n = 64
		c := newCore(n, nil)
		for i := 0; i < n; i++ {
			c.SetPriority(ID(i), Priority(1+i%7))
		}

		popped := make([]int, n)
		var producers sync.WaitGroup
		stop := make(chan struct{})
		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				if e, ok := c.Pop(); ok {
					popped[e.ID]++
					continue
				}
				select {
				case <-stop:
					for {
						e, ok := c.Pop()
						if !ok {
							return
						}
						popped[e.ID]++
					}
				default:
				}
			}
		}()

		for g := 0; g < 4; g++ {
			producers.Add(1)
			go func(g int) {
				defer producers.Done()
				for round := 0; round < 200; round++ {
					for i := 0; i < n; i++ {
						c.Pend(ID((i + g) % n))
					}
				}
			}(g)
		}
		producers.Wait()
		close(stop)
		<-done

		for i, count := range popped {
			if count == 0 {
				t.Fatalf("identity %d was never popped", i)
			}
		}
		if c.Pending() != 0 || c.Queued() != 0 {
			t.Fatalf("after drain pending=%d queued=%d", c.Pending(), c.Queued())
		}
	})
}

func TestQueuePanicsOnDuplicate(t *testing.T) {
	q := newQueue(2)
	q.push(Entry{1, 0})
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate push did not panic")
		}
	}()
	q.push(Entry{1, 0})
}

func TestQueuePanicsOnOverflow(t *testing.T) {
	q := newQueue(1)
	q.push(Entry{1, 0})
	defer func() {
		if recover() == nil {
			t.Fatal("overflowing push did not panic")
		}
	}()
	q.push(Entry{2, 1})
}

func TestTryPendReportsAcceptance(t *testing.T) {
	forEachDiscipline(t, func(t *testing.T, newCore func(int, Requester) Core) {
		c := newCore(2, &countingRequester{})
		c.SetPriority(1, 4)

		if c.TryPend(0) {
			t.Fatal("disabled identity accepted")
		}
		if !c.TryPend(1) {
			t.Fatal("first pend rejected")
		}
		if c.TryPend(1) {
			t.Fatal("second pend accepted while pending")
		}
		if e, ok := c.Pop(); !ok || e.ID != 1 {
			t.Fatalf("Pop = %v, %v", e, ok)
		}
		if !c.TryPend(1) {
			t.Fatal("pend after pop rejected")
		}
		checkInvariant(t, c)
	})
}
