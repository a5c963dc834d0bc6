package trap

import (
	"context"
	"sync/atomic"
)

// Loopback delivers the trap to a dispatch goroutine instead of a hart. The
// request is a single slot: requests made while one is outstanding coalesce.
type Loopback struct {
	signal  chan struct{}
	enabled atomic.Bool
	held    atomic.Bool
}

// NewLoopback returns a disabled loopback backend.
func NewLoopback() *Loopback {
	return &Loopback{signal: make(chan struct{}, 1)}
}

func (l *Loopback) RequestTrap() {
	if !l.enabled.Load() {
		l.held.Store(true)
		return
	}
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Loopback) AcknowledgeTrap() {
	select {
	case <-l.signal:
	default:
	}
}

// Enable lets requests through, delivering one held while disabled.
func (l *Loopback) Enable() {
	l.enabled.Store(true)
	if l.held.Swap(false) {
		l.RequestTrap()
	}
}

// Disable holds requests until the next Enable.
func (l *Loopback) Disable() {
	l.enabled.Store(false)
}

// Serve runs entry each time a trap is requested until ctx is done. entry
// must acknowledge the trap.
func (l *Loopback) Serve(ctx context.Context, entry func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
			// Put the token back so entry's acknowledge consumes it,
			// matching a hardware pending bit.
			select {
			case l.signal <- struct{}{}:
			default:
			}
			entry()
		}
	}
}

var _ Bridge = (*Loopback)(nil)
