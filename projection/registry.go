// Package projection holds projection definitions and the read-only
// registry that dispatches an event batch to the definitions it applies
// to. A registry is captured at event-store construction and never
// mutated afterward; definitions hold no reference back to the store, so
// there is no cyclic dependency between the two.
package projection

import "vorfall/event"

// Definition is a projection's full behavior: which event types it
// handles, how it folds an event into its state, and what its state
// starts as. Evolve must be pure and side-effect free, since the store calls
// it inside a database transaction and assumes it is safe to do so.
type Definition struct {
	Name string

	// CanHandle is an explicit set of event types, not a predicate
	// closure, so it stays trivially serializable and testable.
	CanHandle map[string]struct{}

	Evolve       func(state any, e event.DomainEvent) (any, error)
	InitialState func() any
}

// Handles reports whether d applies to events of type t.
func (d Definition) Handles(t string) bool {
	_, ok := d.CanHandle[t]
	return ok
}

// Registry is the immutable, read-only list of projection definitions
// captured at event-store construction.
type Registry struct {
	defs    []Definition
	byEvent map[string][]*Definition
}

// NewRegistry builds a Registry from defs, flattening CanHandle sets into
// an event-type → definitions index for O(1) dispatch.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{
		defs:    append([]Definition(nil), defs...),
		byEvent: make(map[string][]*Definition),
	}
	for i := range r.defs {
		d := &r.defs[i]
		for t := range d.CanHandle {
			r.byEvent[t] = append(r.byEvent[t], d)
		}
	}
	return r
}

// Definitions returns every registered definition, in registration order.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	return r.defs
}

// Applicable returns the distinct set of definitions whose CanHandle
// intersects types, in registration order, using the event-type index
// built at construction for O(1) dispatch per event type.
func (r *Registry) Applicable(types map[string]struct{}) []*Definition {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	for t := range types {
		for _, d := range r.byEvent[t] {
			seen[d.Name] = true
		}
	}

	var out []*Definition
	for i := range r.defs {
		if seen[r.defs[i].Name] {
			out = append(out, &r.defs[i])
		}
	}
	return out
}

// Fold evolves state by applying d.Evolve to each applicable event in
// events, in order, starting from prior (or d.InitialState() if prior is
// nil and the caller has no prior slot value).
func Fold(d *Definition, prior any, events []event.DomainEvent) (any, error) {
	state := prior
	if state == nil && d.InitialState != nil {
		state = d.InitialState()
	}
	for _, e := range events {
		if !d.Handles(e.Type) {
			continue
		}
		var err error
		state, err = d.Evolve(state, e)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}
