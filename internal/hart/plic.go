package hart

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers (1024 sources)
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits for the M-mode context
	PLICThresholdBase = 0x200000 // Threshold and claim for the M-mode context
)

// Maximum number of interrupt sources
const PLICMaxSources = 1024

// PLIC implements the Platform Level Interrupt Controller with a single
// M-mode context targeting the attached hart.
//
// Source 0 is reserved. A source with priority 0 never interrupts. While a
// source is claimed its gateway holds further requests until Complete.
type PLIC struct {
	hart *Hart

	// Priority for each source (0 = disabled)
	priority [PLICMaxSources]uint8

	// Pending bits (1 bit per source)
	pending [PLICMaxSources / 32]uint32

	// Enable bits for the M-mode context
	enable [PLICMaxSources / 32]uint32

	// Sources claimed and not yet completed
	inFlight [PLICMaxSources / 32]uint32

	// Requests that arrived while their source was in flight
	held [PLICMaxSources / 32]uint32

	threshold uint8

	claims    uint64
	completes uint64
}

// NewPLIC creates a new PLIC
func NewPLIC(h *Hart) *PLIC {
	return &PLIC{
		hart: h,
	}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < PLICPendingBase:
		// Priority registers
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= PLICPendingBase && offset < PLICEnableBase:
		word := (offset - PLICPendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset >= PLICEnableBase && offset < PLICEnableBase+0x80:
		word := (offset - PLICEnableBase) / 4
		if word < uint64(len(p.enable)) {
			return uint64(p.enable[word]), nil
		}

	case offset == PLICThresholdBase:
		return uint64(p.threshold), nil

	case offset == PLICThresholdBase+4:
		line, _ := p.Claim()
		return uint64(line), nil
	}

	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < PLICPendingBase:
		p.SetPriority(uint32(offset/4), uint8(value))

	case offset >= PLICEnableBase && offset < PLICEnableBase+0x80:
		word := (offset - PLICEnableBase) / 4
		if word < uint64(len(p.enable)) {
			p.enable[word] = uint32(value)
			if word == 0 {
				p.enable[0] &^= 1 // Source 0 is reserved
			}
			p.update()
		}

	case offset == PLICThresholdBase:
		p.SetThreshold(uint8(value))

	case offset == PLICThresholdBase+4:
		p.Complete(uint32(value))
	}

	return nil
}

func bit(source uint32) (uint32, uint32) {
	return source / 32, uint32(1) << (source % 32)
}

func validSource(source uint32) bool {
	return source != 0 && source < PLICMaxSources
}

// Raise signals an interrupt request from the device wired to source.
func (p *PLIC) Raise(source uint32) {
	if !validSource(source) {
		return
	}
	word, mask := bit(source)
	if p.inFlight[word]&mask != 0 {
		p.held[word] |= mask
		return
	}
	p.pending[word] |= mask
	p.update()
}

// IsPending reports the pending bit of source.
func (p *PLIC) IsPending(source uint32) bool {
	if !validSource(source) {
		return false
	}
	word, mask := bit(source)
	return p.pending[word]&mask != 0
}

// Enable enables source for the M-mode context.
func (p *PLIC) Enable(source uint32) {
	if !validSource(source) {
		return
	}
	word, mask := bit(source)
	p.enable[word] |= mask
	p.update()
}

// Disable disables source for the M-mode context.
func (p *PLIC) Disable(source uint32) {
	if !validSource(source) {
		return
	}
	word, mask := bit(source)
	p.enable[word] &^= mask
	p.update()
}

// SetPriority sets the priority of source.
func (p *PLIC) SetPriority(source uint32, priority uint8) {
	if !validSource(source) {
		return
	}
	p.priority[source] = priority
	p.update()
}

// Priority returns the priority of source.
func (p *PLIC) Priority(source uint32) uint8 {
	if source >= PLICMaxSources {
		return 0
	}
	return p.priority[source]
}

// SetThreshold sets the M-mode context threshold.
func (p *PLIC) SetThreshold(threshold uint8) {
	p.threshold = threshold
	p.update()
}

// Threshold returns the M-mode context threshold.
func (p *PLIC) Threshold() uint8 {
	return p.threshold
}

// Claim claims the highest priority pending interrupt. Among equal
// priorities the lowest source wins.
func (p *PLIC) Claim() (uint32, bool) {
	best := p.best()
	if best == 0 {
		return 0, false
	}

	word, mask := bit(best)
	p.pending[word] &^= mask
	p.inFlight[word] |= mask
	p.claims++

	p.update()
	return best, true
}

// Complete signals completion of interrupt handling for source, releasing a
// request held by its gateway.
func (p *PLIC) Complete(source uint32) {
	if !validSource(source) {
		return
	}
	word, mask := bit(source)
	if p.inFlight[word]&mask == 0 {
		return
	}
	p.inFlight[word] &^= mask
	p.completes++
	if p.held[word]&mask != 0 {
		p.held[word] &^= mask
		p.pending[word] |= mask
	}
	p.update()
}

// Claims returns the number of successful claims.
func (p *PLIC) Claims() uint64 { return p.claims }

// Completes returns the number of completions.
func (p *PLIC) Completes() uint64 { return p.completes }

func (p *PLIC) best() uint32 {
	var bestSource uint32
	var bestPriority uint8

	for source := uint32(1); source < PLICMaxSources; source++ {
		word, mask := bit(source)
		if p.pending[word]&mask == 0 || p.enable[word]&mask == 0 {
			continue
		}
		priority := p.priority[source]
		if priority <= p.threshold {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	return bestSource
}

// update drives MEIP from the current pending state.
func (p *PLIC) update() {
	if p.best() != 0 {
		p.hart.SetPending(MipMEIP)
	} else {
		p.hart.ClearPending(MipMEIP)
	}
}

var _ Device = (*PLIC)(nil)
