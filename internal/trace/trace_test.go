package trace

import (
	"bytes"
	"sync"
	"testing"
)

func TestRecordAndReadAll(t *testing.T) {
	r := New(0)
	r.Record(KindPend, 3, 2, 0, 0)
	r.Record(KindDispatch, 3, 2, 0, 1)
	r.Record(KindReturn, 3, 2, 2, 1)
	r.Record(KindClaim, 11, 0, 0, 1)

	var buf bytes.Buffer
	n, err := r.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteTo reported %d bytes, wrote %d", n, buf.Len())
	}

	var names []string
	var events []Event
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(name string, e Event) error {
		names = append(names, name)
		events = append(events, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	want := []string{"pend", "dispatch", "return", "claim"}
	if len(names) != len(want) {
		t.Fatalf("got %d events, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d kind = %q, want %q", i, names[i], want[i])
		}
	}
	if got := events[2]; got.Seq != 3 || got.ID != 3 || got.Threshold != 2 || got.Depth != 1 {
		t.Fatalf("event 2 = %v", got)
	}
}

func TestLimitCountsDropped(t *testing.T) {
	r := New(2)
	for i := 0; i < 5; i++ {
		r.Record(KindPend, uint32(i), 1, 0, 0)
	}
	if got := len(r.Events()); got != 2 {
		t.Fatalf("kept %d events, want 2", got)
	}
	if r.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", r.Dropped())
	}

	r.Reset()
	if len(r.Events()) != 0 || r.Dropped() != 0 {
		t.Fatal("Reset left state behind")
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(KindPend, 0, 1, 0, 0)
	if r.Events() != nil || r.Dropped() != 0 {
		t.Fatal("nil recorder recorded something")
	}
}

func TestConcurrentRecord(t *testing.T) {
	r := New(0)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Record(KindPend, uint32(i), 1, 0, 0)
			}
		}()
	}
	wg.Wait()

	events := r.Events()
	if len(events) != 4000 {
		t.Fatalf("got %d events, want 4000", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
}

func TestReadAllRejectsBadMagic(t *testing.T) {
	data := make([]byte, 16)
	if err := ReadAll(bytes.NewReader(data), func(string, Event) error { return nil }); err == nil {
		t.Fatal("ReadAll accepted a zero header")
	}
}

func TestKindString(t *testing.T) {
	if KindPassThrough.String() != "passthrough" {
		t.Fatalf("KindPassThrough = %q", KindPassThrough.String())
	}
	if (FlagExternal | FlagHandler).String() != "external,handler" {
		t.Fatalf("flags = %q", (FlagExternal | FlagHandler).String())
	}
}
