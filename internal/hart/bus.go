package hart

import "fmt"

// Device is a register block reachable through the bus. Offsets are relative
// to the block's base address.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

type region struct {
	base uint64
	dev  Device
}

func (r region) contains(addr uint64) bool {
	return addr >= r.base && addr-r.base < r.dev.Size()
}

// Bus decodes the hart's MMIO window onto the CLINT and the PLIC. The trap
// backends reach the msip register through it like firmware would.
type Bus struct {
	regions []region
}

func (b *Bus) attach(base uint64, dev Device) {
	for _, r := range b.regions {
		if r.contains(base) || (region{base: base, dev: dev}).contains(r.base) {
			panic(fmt.Sprintf("hart: device at 0x%x overlaps device at 0x%x", base, r.base))
		}
	}
	b.regions = append(b.regions, region{base: base, dev: dev})
}

func (b *Bus) decode(addr uint64) (region, error) {
	for _, r := range b.regions {
		if r.contains(addr) {
			return r, nil
		}
	}
	return region{}, fmt.Errorf("bus: no device at 0x%x", addr)
}

// Read loads size bytes from addr.
func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	r, err := b.decode(addr)
	if err != nil {
		return 0, err
	}
	return r.dev.Read(addr-r.base, size)
}

// Write stores size bytes at addr.
func (b *Bus) Write(addr uint64, size int, value uint64) error {
	r, err := b.decode(addr)
	if err != nil {
		return err
	}
	return r.dev.Write(addr-r.base, size, value)
}

// Write32 stores a register word.
func (b *Bus) Write32(addr uint64, value uint32) error {
	return b.Write(addr, 4, uint64(value))
}
