// Package slic provides a software-level interrupt controller. It multiplexes
// one hardware trap onto many software interrupts with static priorities,
// preemption by strictly higher priorities, and priority-ceiling protected
// shared resources.
//
// A System is configured with a Builder, either directly or from a YAML
// manifest, and driven by a simulated RISC-V hart or, with the loopback
// backend, by a dispatch goroutine.
package slic

import (
	"errors"

	"github.com/tinyrange/slic/internal/core"
	"github.com/tinyrange/slic/internal/dispatch"
	"github.com/tinyrange/slic/internal/exti"
	"github.com/tinyrange/slic/internal/hart"
	"github.com/tinyrange/slic/internal/manifest"
	"github.com/tinyrange/slic/internal/trace"
	"github.com/tinyrange/slic/internal/trap"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// ID is a dense interrupt identity in [0, N).
type ID = core.ID

// Priority is an 8-bit priority level. Higher values preempt lower ones.
type Priority = core.Priority

// Entry is one queued request.
type Entry = core.Entry

// Handler is the body of a software interrupt.
type Handler = dispatch.Handler

// Line is an external interrupt line number.
type Line = exti.Line

// Resource is a value shared between handlers, guarded by its ceiling.
type Resource[T any] = core.Resource[T]

// Manifest is the YAML description of a build.
type Manifest = manifest.Manifest

// Hart is the simulated hart a hart-based backend runs on.
type Hart = hart.Hart

// Recorder collects trace events.
type Recorder = trace.Recorder

// Backend selects how the dispatch trap is raised.
type Backend = trap.Kind

// ThresholdError is returned by RaiseThreshold when the threshold would not
// strictly rise.
type ThresholdError = core.ThresholdError

// UnhandledLineError is raised when an external line has no handler.
type UnhandledLineError = exti.UnhandledLineError

// UnhandledTrapError is raised when a trap has no vector.
type UnhandledTrapError = hart.UnhandledTrapError

// Backends.
const (
	BackendCLINT    = trap.KindCLINT
	BackendEcall    = trap.KindEcall
	BackendSSoft    = trap.KindSSoft
	BackendLoopback = trap.KindLoopback
)

// Priority bounds.
const (
	Disabled      = core.Disabled
	MaxPriority   = core.MaxPriority
	MaxInterrupts = core.MaxInterrupts
)

// Discipline selects how controller state is protected.
type Discipline string

const (
	// CriticalSection runs every controller access with interrupts
	// masked.
	CriticalSection Discipline = manifest.DisciplineCriticalSection
	// Atomic keeps priorities, pending flags and the threshold in atomics
	// and masks interrupts only around queue updates.
	Atomic Discipline = manifest.DisciplineAtomic
)

// Common sentinel errors.
var (
	ErrNotRaised   = core.ErrNotRaised
	ErrVectorInUse = hart.ErrVectorInUse
	ErrTrapStorm   = hart.ErrTrapStorm
	ErrNotServable = errors.New("backend has no dispatch goroutine to serve")
	ErrClosed      = errors.New("system closed")
)

// NewRecorder returns a trace recorder keeping at most limit events. Zero
// selects the default limit.
func NewRecorder(limit int) *Recorder {
	return trace.New(limit)
}

// NewHart returns a simulated hart with a CLINT and PLIC mapped.
func NewHart(id uint64) *Hart {
	return hart.New(id)
}
