package manifest

import (
	"bytes"
	"fmt"
	"go/format"
	"go/token"
	"go/types"
	"text/template"

	"github.com/tinyrange/slic/internal/trap"
)

// ImportPath is the package the generated code binds to.
const ImportPath = "github.com/tinyrange/slic"

var genTemplate = template.Must(template.New("slic").Parse(`// Code generated by slicgen. DO NOT EDIT.

package {{.Package}}

import "{{.Import}}"

const (
{{- range $i, $irq := .Interrupts}}
	{{$irq.Name}} slic.ID = {{$i}}
{{- end}}
)

// NumInterrupts is the number of declared interrupts.
const NumInterrupts = {{len .Interrupts}}

// Names maps each identity to its declared name.
var Names = [NumInterrupts]string{
{{- range .Interrupts}}
	{{printf "%q" .Name}},
{{- end}}
}

// Priorities holds the declared priority of each identity.
var Priorities = [NumInterrupts]slic.Priority{
{{- range .Interrupts}}
	{{.Priority}},
{{- end}}
}

// TrapVector is the runtime name of the dispatch trap vector.
const TrapVector = {{printf "%q" .Vector}}
{{- if .Resources}}

// Resource ceilings.
const (
{{- range .Resources}}
	Ceiling{{.Name}} slic.Priority = {{.Ceiling}}
{{- end}}
)
{{- end}}

// Handlers holds one handler per identity.
type Handlers struct {
{{- range .Interrupts}}
	{{.Name}} func()
{{- end}}
}

// Clears holds the source clear callback of each identity bound to an
// external line.
type Clears struct {
{{- range .Bound}}
	{{.Name}} func() // line {{.Line}}
{{- end}}
}

// Bindings converts the handler and clear tables into runtime bindings.
func Bindings(h Handlers, c Clears) slic.Bindings {
	return slic.Bindings{
		Handlers: map[string]slic.Handler{
{{- range .Interrupts}}
			{{printf "%q" .Name}}: h.{{.Name}},
{{- end}}
		},
		Clears: map[string]func(){
{{- range .Bound}}
			{{printf "%q" .Name}}: c.{{.Name}},
{{- end}}
		},
	}
}
`))

// reserved are the names declared by the generated file itself.
var reserved = []string{"NumInterrupts", "Names", "Priorities", "TrapVector", "Handlers", "Clears", "Bindings", "slic"}

type genResource struct {
	Name    string
	Ceiling uint8
}

type genData struct {
	Package    string
	Import     string
	Vector     string
	Interrupts []Interrupt
	Bound      []Interrupt
	Resources  []genResource
}

// Generate emits Go source declaring the identities of m in package pkg,
// formatted with go/format.
func Generate(m *Manifest, pkg string) ([]byte, error) {
	if !token.IsIdentifier(pkg) {
		return nil, fmt.Errorf("generate: invalid package name %q", pkg)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	declared := make(map[string]bool)
	for _, irq := range m.Interrupts {
		declared[irq.Name] = true
	}
	for _, res := range m.Resources {
		declared["Ceiling"+res.Name] = true
	}
	for _, name := range reserved {
		if declared[name] {
			return nil, fmt.Errorf("generate: name %q collides with a generated declaration", name)
		}
	}
	for _, irq := range m.Interrupts {
		if irq.Name == "_" || types.Universe.Lookup(irq.Name) != nil {
			return nil, fmt.Errorf("generate: interrupt %q shadows a predeclared identifier", irq.Name)
		}
	}
	for _, irq := range m.Interrupts {
		for _, res := range m.Resources {
			if irq.Name == "Ceiling"+res.Name {
				return nil, fmt.Errorf("generate: interrupt %q collides with the ceiling of resource %q", irq.Name, res.Name)
			}
		}
	}

	kind, err := trap.ParseKind(m.Backend)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	data := genData{
		Package:    pkg,
		Import:     ImportPath,
		Vector:     trap.VectorName(kind),
		Interrupts: m.Interrupts,
		Bound:      m.Bound(),
	}
	for _, res := range m.Resources {
		ceiling, err := m.Ceiling(res.Name)
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		data.Resources = append(data.Resources, genResource{Name: res.Name, Ceiling: ceiling})
	}

	var buf bytes.Buffer
	if err := genTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("generate: format: %w", err)
	}
	return src, nil
}
