// Package manifest loads the YAML description of a controller build: its
// identities, priorities, external line bindings, shared resources and trap
// backend.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"go/token"
	"io"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/slic/internal/core"
	"github.com/tinyrange/slic/internal/exti"
	"github.com/tinyrange/slic/internal/trap"
)

// SchemaVersion is the manifest schema this package reads. Manifests with the
// same major version are accepted.
const SchemaVersion = "v1.0.0"

const (
	DisciplineCriticalSection = "critical-section"
	DisciplineAtomic          = "atomic"
)

// Manifest describes one controller build.
type Manifest struct {
	Version    string `yaml:"version"`
	Backend    string `yaml:"backend"`
	HartID     uint64 `yaml:"hart_id"`
	Discipline string `yaml:"discipline"`
	// Nested re-enables interrupts in the dispatch loop.
	Nested bool `yaml:"nested"`
	// MirrorThreshold copies the software threshold into the external
	// interrupt controller.
	MirrorThreshold bool        `yaml:"mirror_threshold"`
	Interrupts      []Interrupt `yaml:"interrupts"`
	PassThrough     []uint32    `yaml:"passthrough,omitempty"`
	Resources       []Resource  `yaml:"resources,omitempty"`
}

// Interrupt declares one identity. Identities are numbered in declaration
// order.
type Interrupt struct {
	Name     string `yaml:"name"`
	Priority uint8  `yaml:"priority"`
	// Line binds the identity to an external interrupt line. Zero means
	// software only.
	Line uint32 `yaml:"line,omitempty"`
}

// Resource declares a value shared by the named interrupts.
type Resource struct {
	Name  string   `yaml:"name"`
	Users []string `yaml:"users"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse manifest: empty document")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Version == "" {
		m.Version = SchemaVersion
	}
	if m.Backend == "" {
		m.Backend = string(trap.KindCLINT)
	}
	if m.Discipline == "" {
		m.Discipline = DisciplineCriticalSection
	}
}

// Validate checks the manifest for configuration errors.
func (m *Manifest) Validate() error {
	if !semver.IsValid(m.Version) {
		return fmt.Errorf("invalid manifest version %q", m.Version)
	}
	if semver.Major(m.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("manifest version %s is not compatible with %s", m.Version, SchemaVersion)
	}
	if _, err := trap.ParseKind(m.Backend); err != nil {
		return err
	}
	switch m.Discipline {
	case DisciplineCriticalSection, DisciplineAtomic:
	default:
		return fmt.Errorf("unknown discipline %q", m.Discipline)
	}

	if len(m.Interrupts) == 0 {
		return fmt.Errorf("manifest declares no interrupts")
	}
	if len(m.Interrupts) > core.MaxInterrupts {
		return fmt.Errorf("manifest declares %d interrupts, at most %d are supported", len(m.Interrupts), core.MaxInterrupts)
	}

	names := make(map[string]bool, len(m.Interrupts))
	lines := make(map[uint32]string)
	for i, irq := range m.Interrupts {
		if !token.IsIdentifier(irq.Name) {
			return fmt.Errorf("interrupt %d: name %q is not a Go identifier", i, irq.Name)
		}
		if names[irq.Name] {
			return fmt.Errorf("interrupt %q declared twice", irq.Name)
		}
		names[irq.Name] = true

		if irq.Line == 0 {
			continue
		}
		if err := exti.CheckLine(irq.Line); err != nil {
			return fmt.Errorf("interrupt %q: %w", irq.Name, err)
		}
		if other, ok := lines[irq.Line]; ok {
			return fmt.Errorf("external line %d bound to both %q and %q", irq.Line, other, irq.Name)
		}
		lines[irq.Line] = irq.Name
	}

	passthrough := make(map[uint32]bool, len(m.PassThrough))
	for _, line := range m.PassThrough {
		if err := exti.CheckLine(line); err != nil {
			return fmt.Errorf("pass-through: %w", err)
		}
		if passthrough[line] {
			return fmt.Errorf("pass-through line %d listed twice", line)
		}
		if name, ok := lines[line]; ok {
			return fmt.Errorf("external line %d is bound to %q and listed as pass-through", line, name)
		}
		passthrough[line] = true
	}

	resources := make(map[string]bool, len(m.Resources))
	for _, res := range m.Resources {
		if !token.IsIdentifier(res.Name) {
			return fmt.Errorf("resource name %q is not a Go identifier", res.Name)
		}
		if resources[res.Name] {
			return fmt.Errorf("resource %q declared twice", res.Name)
		}
		resources[res.Name] = true
		if len(res.Users) == 0 {
			return fmt.Errorf("resource %q has no users", res.Name)
		}
		for _, user := range res.Users {
			if !names[user] {
				return fmt.Errorf("resource %q: user %q is not a declared interrupt", res.Name, user)
			}
		}
	}

	return nil
}

// Index returns the identity of the named interrupt.
func (m *Manifest) Index(name string) (int, bool) {
	for i, irq := range m.Interrupts {
		if irq.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Ceiling returns the ceiling of the named resource: the highest priority
// among its users.
func (m *Manifest) Ceiling(resource string) (uint8, error) {
	for _, res := range m.Resources {
		if res.Name != resource {
			continue
		}
		var ceiling uint8
		for _, user := range res.Users {
			i, ok := m.Index(user)
			if !ok {
				return 0, fmt.Errorf("resource %q: user %q is not a declared interrupt", resource, user)
			}
			ceiling = max(ceiling, m.Interrupts[i].Priority)
		}
		return ceiling, nil
	}
	return 0, fmt.Errorf("unknown resource %q", resource)
}

// Bound returns the interrupts bound to external lines, in declaration
// order.
func (m *Manifest) Bound() []Interrupt {
	var out []Interrupt
	for _, irq := range m.Interrupts {
		if irq.Line != 0 {
			out = append(out, irq)
		}
	}
	return out
}
