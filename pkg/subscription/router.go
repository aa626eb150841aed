package subscription

import (
	"context"
	"sort"
)

// Handler processes one verified event of a registered kind.
type Handler func(ctx context.Context, ev Event) (Result, error)

// Result reports what handling an event did.
type Result struct {
	EventID string
	Kind    Kind
	UserID  string
	Outcome Outcome
	Record  *Record // nil unless a record was loaded or written
}

// Router dispatches events to handlers by kind. It never inspects payloads.
type Router struct {
	handlers map[Kind]Handler
	fallback Handler
}

// NewRouter creates a Router that sends unregistered kinds to fallback.
// A nil fallback acknowledges unknown events with OutcomeIgnored.
func NewRouter(fallback Handler) *Router {
	if fallback == nil {
		fallback = ignore
	}
	return &Router{
		handlers: make(map[Kind]Handler),
		fallback: fallback,
	}
}

// Handle registers h for kind.
// Panics on nil handlers and duplicate registrations, which are wiring bugs.
func (r *Router) Handle(kind Kind, h Handler) *Router {
	if h == nil {
		panic("subscription: nil handler for " + string(kind))
	}
	if _, exists := r.handlers[kind]; exists {
		panic("subscription: handler for " + string(kind) + " already registered")
	}
	r.handlers[kind] = h
	return r
}

// Route returns the handler for kind, or the fallback.
func (r *Router) Route(kind Kind) Handler {
	if h, ok := r.handlers[kind]; ok {
		return h
	}
	return r.fallback
}

// Kinds lists registered kinds in lexical order.
func (r *Router) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func ignore(_ context.Context, ev Event) (Result, error) {
	return Result{EventID: ev.ID, Kind: ev.Kind, Outcome: OutcomeIgnored}, nil
}
