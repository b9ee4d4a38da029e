package batch

import (
	"errors"
	"fmt"
)

// Handler runs when a definition resolves. target is the per-call value the
// Tracker was created with; vals holds exactly the definition's required ops.
type Handler[T any] func(target T, vals Values)

// Definition describes one batch: the operations it needs and what to do once
// they have all completed.
//
// Trigger limits which recorded operations cause the definition to be
// checked. A handler only ever triggers on operations of its own direction, so
// a definition carrying both handlers can never fire and is rejected.
type Definition[T any] struct {
	Name     string
	Required OpSet
	Trigger  OpSet
	Outbound Handler[T]
	Inbound  Handler[T]
}

func (d Definition[T]) handler(dir Direction) Handler[T] {
	switch dir {
	case Outbound:
		return d.Outbound
	case Inbound:
		return d.Inbound
	}
	return nil
}

func (d Definition[T]) validate() error {
	if d.Required.Empty() {
		return errors.New("empty required set")
	}
	if d.Trigger.Empty() {
		return errors.New("empty trigger set")
	}
	if !d.Required.Contains(d.Trigger) {
		return fmt.Errorf("trigger %s not within required %s", d.Trigger, d.Required)
	}
	if d.Outbound == nil && d.Inbound == nil {
		return errors.New("no handler")
	}
	for dir := Direction(0); dir < numDirections; dir++ {
		if d.handler(dir) == nil {
			continue
		}
		for _, o := range d.Trigger.Slice() {
			if o.Direction() != dir {
				return fmt.Errorf("%s handler triggered by %s operation %s", dir, o.Direction(), o)
			}
		}
	}
	return nil
}

// Registry is an ordered, immutable list of definitions for one call shape.
// It is safe for concurrent use once built.
type Registry[T any] struct {
	defs     []Definition[T]
	required [numDirections]OpSet
}

// Builder collects definitions in declaration order.
type Builder[T any] struct {
	defs []Definition[T]
}

func NewBuilder[T any]() *Builder[T] { return &Builder[T]{} }

// Add appends d. Declaration order is the order handlers run in when one
// operation resolves several definitions at once.
func (b *Builder[T]) Add(d Definition[T]) *Builder[T] {
	b.defs = append(b.defs, d)
	return b
}

// Build validates every definition and freezes the registry.
func (b *Builder[T]) Build() (*Registry[T], error) {
	r := &Registry[T]{defs: make([]Definition[T], len(b.defs))}
	copy(r.defs, b.defs)
	for i, d := range r.defs {
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("%w: #%d %q: %v", ErrInvalidDefinition, i, d.Name, err)
		}
		for dir := Direction(0); dir < numDirections; dir++ {
			if d.handler(dir) != nil {
				r.required[dir] |= d.Required
			}
		}
	}
	return r, nil
}

// MustBuild is like Build but panics on error. Meant for package-level registries.
func (b *Builder[T]) MustBuild() *Registry[T] {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Len returns the number of definitions.
func (r *Registry[T]) Len() int { return len(r.defs) }

// Definitions returns a copy of the definitions in declaration order.
func (r *Registry[T]) Definitions() []Definition[T] {
	out := make([]Definition[T], len(r.defs))
	copy(out, r.defs)
	return out
}

// Requires reports whether any definition with a handler for dir requires op.
// Operations that are not required can still be recorded; they simply never
// resolve anything.
func (r *Registry[T]) Requires(dir Direction, op Op) bool {
	if !dir.Valid() {
		return false
	}
	return r.required[dir].Has(op)
}
