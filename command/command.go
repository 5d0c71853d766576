// Package command implements the command-handler orchestrator: the
// read-side counterpart of the append protocol, which folds one or more
// streams into aggregate state, invokes user logic, and persists the
// resulting events through the same stream store.
package command

import (
	"context"
	"fmt"

	"vorfall/errs"
	"vorfall/event"
	"vorfall/store"
)

// StreamDeclaration names one stream to aggregate before invoking the
// command handler, along with how to fold it into state. State is opaque
// to the orchestrator (any), the same way a projection's state is opaque
// to the store, since a single command may declare streams with
// unrelated state shapes.
type StreamDeclaration struct {
	StreamSubject string
	Evolve        func(state any, e event.DomainEvent) any
	InitialState  func() any
}

func (d StreamDeclaration) aggregate(ctx context.Context, es *store.EventStore) (any, error) {
	return store.AggregateStream(ctx, es, d.StreamSubject, d.Evolve, d.InitialState)
}

// HandlerFunc is user command logic: given the command and the aggregated
// state of every declared stream, it returns one domain event, a slice of
// domain events, or an error.
type HandlerFunc func(ctx context.Context, command any, states map[string]any) (any, error)

// HandleCommand aggregates each declared stream in order (sequentially,
// not in parallel, so handler logic can assume a consistent dependency
// order between earlier and later declarations), invokes handler with the
// command and the aggregated states, normalizes its result to a sequence
// of events, and appends them through es.
//
// Declaring a stream is an aggregation request, not a write allow-list:
// the handler may return events targeting streams it never declared, and
// AppendOrCreateStream will still accept them. This lets a handler emit
// cross-cutting events without re-reading those targets.
func HandleCommand(ctx context.Context, es *store.EventStore, streams []StreamDeclaration, command any, handler HandlerFunc) (store.AppendResult, error) {
	states := make(map[string]any, len(streams))
	for _, decl := range streams {
		state, err := decl.aggregate(ctx, es)
		if err != nil {
			return store.AppendResult{}, fmt.Errorf("aggregate stream %s: %w", decl.StreamSubject, err)
		}
		states[decl.StreamSubject] = state
	}

	result, err := handler(ctx, command, states)
	if err != nil {
		return store.AppendResult{}, err
	}

	events, err := normalizeResult(result)
	if err != nil {
		return store.AppendResult{}, err
	}

	return es.AppendOrCreateStream(ctx, events)
}

// normalizeResult accepts both a single event.DomainEvent and a
// []event.DomainEvent from a command handler and returns an ordered
// sequence of events. Anything else is InvalidHandlerResult.
func normalizeResult(result any) ([]event.DomainEvent, error) {
	switch v := result.(type) {
	case event.DomainEvent:
		return []event.DomainEvent{v}, nil
	case []event.DomainEvent:
		return v, nil
	default:
		return nil, fmt.Errorf("%T: %w", result, errs.ErrInvalidHandlerResult)
	}
}
