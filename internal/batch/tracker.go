package batch

import "sync"

// Tracker records completed operations for both directions of one call and
// fires each definition's handler exactly once per direction, as soon as all
// of its required operations are present.
//
// Handlers run on the goroutine that recorded the completing operation, after
// the tracker's lock has been released, so a handler may record further
// operations.
type Tracker[T any] struct {
	reg    *Registry[T]
	target T

	mu       sync.Mutex
	done     [numDirections]Values
	resolved [numDirections][]bool
}

// NewTracker creates a tracker for one call. target is passed to every handler.
func NewTracker[T any](reg *Registry[T], target T) *Tracker[T] {
	t := &Tracker[T]{reg: reg, target: target}
	for dir := range t.done {
		t.done[dir] = Values{}
		t.resolved[dir] = make([]bool, len(reg.defs))
	}
	return t
}

type firing[T any] struct {
	h    Handler[T]
	vals Values
}

// Record stores value as the payload of op in direction dir and runs the
// handlers of every definition this completes, in declaration order.
func (t *Tracker[T]) Record(dir Direction, op Op, value any) error {
	if !op.Valid() || !dir.Valid() {
		return &MisuseError{Op: op, Direction: dir, Err: ErrUnknownOperation}
	}

	t.mu.Lock()
	done := t.done[dir]
	if _, dup := done[op]; dup {
		t.mu.Unlock()
		return &MisuseError{Op: op, Direction: dir, Err: ErrDuplicateOperation}
	}
	done[op] = value
	have := done.Ops()

	var fire []firing[T]
	for i, d := range t.reg.defs {
		if t.resolved[dir][i] || !d.Trigger.Has(op) {
			continue
		}
		h := d.handler(dir)
		if h == nil || !have.Contains(d.Required) {
			continue
		}
		t.resolved[dir][i] = true
		fire = append(fire, firing[T]{h: h, vals: done.Restrict(d.Required)})
	}
	t.mu.Unlock()

	for _, f := range fire {
		f.h(t.target, f.vals)
	}
	return nil
}

// Recorded reports whether op has been recorded for dir.
func (t *Tracker[T]) Recorded(dir Direction, op Op) bool {
	if !dir.Valid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.done[dir][op]
	return ok
}

// Resolved reports whether the i-th definition has fired for dir.
func (t *Tracker[T]) Resolved(dir Direction, i int) bool {
	if !dir.Valid() || i < 0 || i >= len(t.reg.defs) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved[dir][i]
}
