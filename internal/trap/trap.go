// Package trap implements the backends that raise and acknowledge the one
// hardware trap the controller multiplexes. Exactly one backend is used per
// build.
package trap

import (
	"fmt"

	"github.com/tinyrange/slic/internal/hart"
)

// Bridge raises and acknowledges the dispatch trap.
//
// RequestTrap is idempotent and guarantees the dispatch entry eventually
// runs once interrupts and the threshold allow it. AcknowledgeTrap must be
// the first thing the dispatch entry does, before anything can re-enter it.
type Bridge interface {
	RequestTrap()
	AcknowledgeTrap()
}

// Vectored is a Bridge whose trap is delivered by a hart.
type Vectored interface {
	Bridge
	// Cause is the trap cause whose vector must run the dispatch entry.
	Cause() uint64
	// Enable and Disable gate the trap in mie.
	Enable()
	Disable()
}

// Kind selects a backend.
type Kind string

const (
	// KindCLINT writes the msip register of the hart in the CLINT.
	KindCLINT Kind = "clint"
	// KindEcall executes an environment call.
	KindEcall Kind = "ecall"
	// KindSSoft sets the supervisor software interrupt pending bit.
	KindSSoft Kind = "ssoft"
	// KindLoopback signals a dispatch goroutine.
	KindLoopback Kind = "loopback"
)

// Kinds lists every backend kind.
var Kinds = []Kind{KindCLINT, KindEcall, KindSSoft, KindLoopback}

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown trap backend %q", s)
}

// VectorName returns the runtime symbol name of the dispatch entry for k.
func VectorName(k Kind) string {
	switch k {
	case KindCLINT:
		return hart.CauseName(hart.CauseMSoftwareInt)
	case KindEcall:
		return hart.CauseName(hart.CauseEcallFromM)
	case KindSSoft:
		return hart.CauseName(hart.CauseSSoftwareInt)
	case KindLoopback:
		return "Loopback"
	default:
		return ""
	}
}

// New returns the hart-backed backend of kind k. Loopback has no hart and is
// built with NewLoopback.
func New(k Kind, h *hart.Hart) (Vectored, error) {
	if h == nil {
		return nil, fmt.Errorf("trap backend %q needs a hart", k)
	}
	switch k {
	case KindCLINT:
		return NewCLINT(h.Bus, h, h.ID), nil
	case KindEcall:
		return NewEcall(h), nil
	case KindSSoft:
		return NewSSoft(h), nil
	default:
		return nil, fmt.Errorf("trap backend %q is not hart based", k)
	}
}
