package slic

import (
	"fmt"
	"sort"

	"github.com/tinyrange/slic/internal/manifest"
)

// Bindings supplies the code a manifest refers to by name.
type Bindings struct {
	// Handlers maps each interrupt name to its handler.
	Handlers map[string]Handler
	// Clears maps each hardware-bound interrupt name to the callback that
	// silences its source.
	Clears map[string]func()
	// Vectors maps each pass-through line to its trap-context vector.
	Vectors map[Line]func()
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	return manifest.Load(path)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	return manifest.Parse(data)
}

// FromManifest returns a Builder configured from m with the code in bind.
// Every interrupt needs a handler, every bound interrupt a clear callback and
// every pass-through line a vector; bindings for names m does not declare
// are rejected.
func FromManifest(m *Manifest, bind Bindings) (*Builder, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	b := NewBuilder()
	if err := b.Backend(Backend(m.Backend)); err != nil {
		return nil, err
	}
	if err := b.Discipline(Discipline(m.Discipline)); err != nil {
		return nil, err
	}
	b.HartID(m.HartID)
	b.Nested(m.Nested)
	b.MirrorThreshold(m.MirrorThreshold)

	for _, irq := range m.Interrupts {
		h, ok := bind.Handlers[irq.Name]
		if !ok {
			return nil, fmt.Errorf("interrupt %q has no handler binding", irq.Name)
		}
		var err error
		if irq.Line != 0 {
			err = b.HardwareInterrupt(irq.Name, irq.Line, h, bind.Clears[irq.Name])
		} else {
			if _, ok := bind.Clears[irq.Name]; ok {
				return nil, fmt.Errorf("interrupt %q has a clear binding but no external line", irq.Name)
			}
			err = b.Interrupt(irq.Name, h)
		}
		if err != nil {
			return nil, err
		}
		if err := b.Priority(irq.Name, Priority(irq.Priority)); err != nil {
			return nil, err
		}
	}

	for _, line := range m.PassThrough {
		v, ok := bind.Vectors[line]
		if !ok {
			return nil, fmt.Errorf("pass-through line %d has no vector binding", line)
		}
		if err := b.PassThrough(line, v); err != nil {
			return nil, err
		}
	}

	for _, res := range m.Resources {
		if err := b.Resource(res.Name, res.Users...); err != nil {
			return nil, err
		}
	}

	if err := checkUnused(m, bind); err != nil {
		return nil, err
	}
	return b, nil
}

func checkUnused(m *Manifest, bind Bindings) error {
	var extra []string
	for name := range bind.Handlers {
		if _, ok := m.Index(name); !ok {
			extra = append(extra, fmt.Sprintf("handler %q", name))
		}
	}
	for name := range bind.Clears {
		if _, ok := m.Index(name); !ok {
			extra = append(extra, fmt.Sprintf("clear %q", name))
		}
	}
	declared := make(map[Line]bool, len(m.PassThrough))
	for _, line := range m.PassThrough {
		declared[line] = true
	}
	for line := range bind.Vectors {
		if !declared[line] {
			extra = append(extra, fmt.Sprintf("vector for line %d", line))
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return fmt.Errorf("bindings for undeclared names: %v", extra)
}
