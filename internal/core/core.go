// Package core implements the software interrupt controller state: static
// priorities, pending flags, the ready queue and the priority threshold.
//
// Two implementations are provided. Controller serializes every access in
// one critical section. AtomicController keeps the threshold, priorities and
// pending flags in atomics and only serializes queue mutation. A build uses
// one of them for every access; mixing them over the same trap line is
// unsound.
package core

import (
	"errors"
	"fmt"
	"sync"
)

// ID is a dense interrupt identity in [0, N).
type ID uint16

// MaxInterrupts is the largest number of identities a controller can hold.
const MaxInterrupts = 1 << 16

// Priority is an 8-bit priority level. Higher values preempt lower ones.
type Priority uint8

const (
	// Disabled is reserved: an identity at this priority never becomes
	// pending.
	Disabled Priority = 0
	// MaxPriority masks every identity when used as the threshold.
	MaxPriority Priority = 255
)

// Entry is one queued request.
type Entry struct {
	Priority Priority
	ID       ID
}

func (e Entry) String() string {
	return fmt.Sprintf("%d@%d", e.ID, e.Priority)
}

// ErrNotRaised matches every *ThresholdError.
var ErrNotRaised = errors.New("threshold not raised")

// ThresholdError is returned by RaiseThreshold when the requested level would
// not strictly raise the current threshold.
type ThresholdError struct {
	Requested Priority
	Current   Priority
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("threshold not raised: requested %d, current %d", e.Requested, e.Current)
}

func (e *ThresholdError) Is(target error) bool {
	return target == ErrNotRaised
}

// Section is a critical section. Acquire returns an opaque state that must be
// handed back to the matching Release.
type Section interface {
	Acquire() uint64
	Release(uint64)
}

// Requester asks the trap backend for a dispatch trap.
type Requester interface {
	RequestTrap()
}

// Mask is the threshold half of a controller, which is all the priority
// ceiling protocol needs.
type Mask interface {
	Threshold() Priority
	SetThreshold(Priority)
}

// Core is the operation set shared by both disciplines.
type Core interface {
	Mask

	// Len returns the number of identities.
	Len() int
	// Priority returns the static priority of id.
	Priority(id ID) Priority
	// SetPriority changes the static priority of id. A request already in
	// the queue keeps the priority it was queued with.
	//
	// The caller must have exclusive access to the controller.
	SetPriority(id ID, p Priority)
	// RaiseThreshold sets the threshold to p only if p is strictly greater
	// than the current threshold, returning the previous threshold.
	RaiseThreshold(p Priority) (Priority, error)
	// IsReady reports whether the highest queued request is above the
	// threshold.
	IsReady() bool
	// IsPending reports whether id is pending.
	IsPending(id ID) bool
	// Pend marks id pending. It is a silent no-op if id is disabled or
	// already pending.
	Pend(id ID)
	// TryPend is Pend reporting whether the request was accepted.
	TryPend(id ID) bool
	// Pop removes and returns the highest request if it is above the
	// threshold.
	Pop() (Entry, bool)
	// Pending returns the number of pending identities.
	Pending() int
	// Queued returns the number of queued entries.
	Queued() int
	// Restore sets the threshold without requesting a trap, for code that
	// drains the queue itself.
	Restore(p Priority)
}

// MutexSection is a Section over a sync.Mutex, for controllers fed from
// several goroutines rather than from one hart.
type MutexSection struct {
	mu sync.Mutex
}

func (m *MutexSection) Acquire() uint64 {
	m.mu.Lock()
	return 0
}

func (m *MutexSection) Release(uint64) {
	m.mu.Unlock()
}

type noRequester struct{}

func (noRequester) RequestTrap() {}

func checkLen(n int) {
	if n <= 0 || n > MaxInterrupts {
		panic(fmt.Sprintf("core: invalid number of interrupts %d", n))
	}
}
