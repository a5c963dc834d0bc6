package hart

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (per hart)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (per hart)
	CLINTMtime    = 0xbff8 // Machine Time
)

// CLINTMaxHarts is the number of msip words the CLINT decodes.
const CLINTMaxHarts = 4095

// CLINT implements the Core Local Interruptor. Only the msip word and
// mtimecmp of the attached hart drive its interrupt lines; the others are
// plain storage.
type CLINT struct {
	hart *Hart

	// Machine software interrupt pending, one word per hart
	msip [CLINTMaxHarts]uint32

	// Machine timer compare value of the attached hart
	mtimecmp uint64

	// Machine time, advanced explicitly
	mtime uint64
}

// NewCLINT creates a new CLINT
func NewCLINT(h *Hart) *CLINT {
	return &CLINT{
		hart:     h,
		mtimecmp: ^uint64(0), // Max value - no interrupt initially
	}
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < CLINTMsip+4*CLINTMaxHarts:
		return uint64(c.msip[offset/4]), nil

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		return c.mtimecmp, nil

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.mtime, nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < CLINTMsip+4*CLINTMaxHarts:
		hart := offset / 4
		c.msip[hart] = uint32(value & 1)
		if hart != c.hart.ID {
			return nil
		}
		if value&1 != 0 {
			c.hart.SetPending(MipMSIP)
		} else {
			c.hart.ClearPending(MipMSIP)
		}

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		if size == 4 {
			if offset == CLINTMtimecmp {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
			}
		} else {
			c.mtimecmp = value
		}
		// Clear timer interrupt if new compare > current time
		if c.mtimecmp > c.mtime {
			c.hart.ClearPending(MipMTIP)
		}
		c.tick()
	}

	return nil
}

// Msip returns the msip word of hart.
func (c *CLINT) Msip(hart uint64) uint32 {
	return c.msip[hart]
}

// Mtime returns the current machine time.
func (c *CLINT) Mtime() uint64 {
	return c.mtime
}

// Advance moves machine time forward and raises the timer interrupt once
// mtime reaches mtimecmp.
func (c *CLINT) Advance(ticks uint64) {
	c.mtime += ticks
	c.tick()
}

func (c *CLINT) tick() {
	if c.mtime >= c.mtimecmp {
		c.hart.SetPending(MipMTIP)
	}
}

var _ Device = (*CLINT)(nil)
