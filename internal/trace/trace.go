// Package trace records controller events in memory and serializes them as
// fixed-size little-endian records.
package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	Magic   uint32 = 0x52544c53 // "SLTR"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies an event type.
type Kind uint32

const InvalidKind = Kind(0)

// KindInfo describes a registered kind.
type KindInfo struct {
	Name  string
	Flags KindFlags
}

type KindFlags uint32

func (f KindFlags) String() string {
	flags := []string{}
	if f&FlagExternal != 0 {
		flags = append(flags, "external")
	}
	if f&FlagHandler != 0 {
		flags = append(flags, "handler")
	}
	return strings.Join(flags, ",")
}

const (
	// FlagExternal marks events produced by the external-interrupt bridge.
	FlagExternal KindFlags = 1 << iota
	// FlagHandler marks events bracketing a handler.
	FlagHandler
)

var kinds = make(map[Kind]KindInfo)

// RegisterKind adds an event kind. It is meant for package initialization
// and is not safe for concurrent use.
func RegisterKind(name string, flags KindFlags) Kind {
	k := Kind(len(kinds) + 1)
	kinds[k] = KindInfo{Name: name, Flags: flags}
	return k
}

var (
	KindPend        = RegisterKind("pend", 0)
	KindDispatch    = RegisterKind("dispatch", FlagHandler)
	KindReturn      = RegisterKind("return", FlagHandler)
	KindClaim       = RegisterKind("claim", FlagExternal)
	KindComplete    = RegisterKind("complete", FlagExternal)
	KindPassThrough = RegisterKind("passthrough", FlagExternal|FlagHandler)
)

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.Name
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Event is one recorded controller event. ID is an identity for pend and
// handler events and a line number for external events.
type Event struct {
	Seq       uint64
	Kind      Kind
	ID        uint32
	Priority  uint8
	Threshold uint8
	Depth     uint16
}

func (e Event) String() string {
	return fmt.Sprintf("#%d %s id=%d prio=%d thr=%d depth=%d",
		e.Seq, e.Kind, e.ID, e.Priority, e.Threshold, e.Depth)
}

var recordSize = binary.Size(Event{})

// Recorder keeps the most recent events up to a limit. A nil *Recorder
// records nothing, so callers need not check whether tracing is on.
type Recorder struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	events  []Event
	dropped uint64
}

// DefaultLimit is the number of events kept when New is given zero.
const DefaultLimit = 1 << 16

// New returns a recorder keeping at most limit events.
func New(limit int) *Recorder {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Recorder{limit: limit}
}

// Record appends an event. Once the limit is reached further events are
// counted as dropped.
func (r *Recorder) Record(kind Kind, id uint32, priority, threshold uint8, depth int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if len(r.events) >= r.limit {
		r.dropped++
		return
	}
	r.events = append(r.events, Event{
		Seq:       r.seq,
		Kind:      kind,
		ID:        id,
		Priority:  priority,
		Threshold: threshold,
		Depth:     uint16(depth),
	})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Dropped returns the number of events lost to the limit.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards every recorded event.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
	r.dropped = 0
}

// WriteTo writes a header, the kind table and every event.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	events := r.Events()

	table, err := json.Marshal(kinds)
	if err != nil {
		return 0, fmt.Errorf("trace: marshal kinds: %w", err)
	}

	bw := bufio.NewWriterSize(w, 4096)
	var n int64

	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return n, fmt.Errorf("trace: write header: %w", err)
	}
	n += int64(binary.Size(header{}))

	if _, err := bw.Write(table); err != nil {
		return n, fmt.Errorf("trace: write kinds: %w", err)
	}
	n += int64(len(table))

	buf := make([]byte, recordSize)
	for _, e := range events {
		binary.LittleEndian.PutUint64(buf[0:8], e.Seq)
		binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Kind))
		binary.LittleEndian.PutUint32(buf[12:16], e.ID)
		buf[16] = e.Priority
		buf[17] = e.Threshold
		binary.LittleEndian.PutUint16(buf[18:20], e.Depth)
		if _, err := bw.Write(buf); err != nil {
			return n, fmt.Errorf("trace: write event: %w", err)
		}
		n += int64(recordSize)
	}

	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("trace: flush: %w", err)
	}
	return n, nil
}

// ReadAll decodes a stream written by WriteTo, calling fn with each event and
// the name of its kind.
func ReadAll(r io.Reader, fn func(name string, e Event) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("trace: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("trace: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("trace: unsupported version %d", hdr.Version)
	}

	var table map[Kind]KindInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("trace: decode kinds: %w", err)
	}

	for {
		var e Event
		if err := binary.Read(buf, binary.LittleEndian, &e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("trace: read event: %w", err)
		}
		info, ok := table[e.Kind]
		if !ok {
			return fmt.Errorf("trace: unknown kind %d", e.Kind)
		}
		if err := fn(info.Name, e); err != nil {
			return err
		}
	}
}
