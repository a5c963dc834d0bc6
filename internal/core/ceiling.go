package core

// Run executes f with the threshold set to p and restores the previous
// threshold afterwards, including when f panics. Running a handler at its own
// priority means only strictly higher priorities can preempt it.
//
// p is not checked against the current threshold; a lower p inverts
// priorities for the duration of f.
func Run(m Mask, p Priority, f func()) {
	prev := m.Threshold()
	m.SetThreshold(p)
	defer m.SetThreshold(prev)
	f()
}

// Lock executes f with exclusive access to res under the priority ceiling
// protocol: the threshold is raised to ceiling for the duration of f, so no
// identity at or below ceiling can run until f returns.
//
// ceiling must be at least the priority of every identity that touches res.
// A lower ceiling is an undetected data race.
func Lock[T any](m Mask, ceiling Priority, res *T, f func(*T)) {
	prev := m.Threshold()
	m.SetThreshold(ceiling)
	defer m.SetThreshold(prev)
	f(res)
}

// With is Lock for functions that produce a value.
func With[T, R any](m Mask, ceiling Priority, res *T, f func(*T) R) R {
	prev := m.Threshold()
	m.SetThreshold(ceiling)
	defer m.SetThreshold(prev)
	return f(res)
}

// Resource is a value shared between handlers of different priorities,
// together with its statically computed ceiling.
type Resource[T any] struct {
	ceiling Priority
	value   T
}

// NewResource wraps value with the given ceiling.
func NewResource[T any](ceiling Priority, value T) *Resource[T] {
	return &Resource[T]{ceiling: ceiling, value: value}
}

// Ceiling returns the resource ceiling.
func (r *Resource[T]) Ceiling() Priority {
	return r.ceiling
}

// Lock runs f with exclusive access to the value.
func (r *Resource[T]) Lock(m Mask, f func(*T)) {
	Lock(m, r.ceiling, &r.value, f)
}

// WithResource is With over a Resource.
func WithResource[T, R any](m Mask, r *Resource[T], f func(*T) R) R {
	return With(m, r.ceiling, &r.value, f)
}

// Ceiling returns the ceiling for a resource shared by identities at the
// given priorities.
func Ceiling(priorities ...Priority) Priority {
	var c Priority
	for _, p := range priorities {
		if p > c {
			c = p
		}
	}
	return c
}

type draining struct {
	c Core
}

func (d draining) Threshold() Priority    { return d.c.Threshold() }
func (d draining) SetThreshold(p Priority) { d.c.Restore(p) }

// Draining returns a Mask over c whose SetThreshold never requests a trap.
// The dispatch loop runs handlers through it because it pops whatever a
// restored threshold exposes on its next iteration.
func Draining(c Core) Mask {
	return draining{c: c}
}
