package live

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Registry maps event names to their decode and handler routines. It
// is populated once at view registration and read-only afterwards, so
// dispatch needs no locking.
type Registry struct {
	handlers map[string]handlerEntry
}

type handlerEntry struct {
	decode func(payload json.RawMessage) (any, error)
	handle func(v View, event any) error
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]handlerEntry)}
}

func (r *Registry) register(name string, h handlerEntry) {
	if name == "" {
		panic("live: empty event name")
	}
	if _, dup := r.handlers[name]; dup {
		panic("live: duplicate handler for event " + name)
	}
	r.handlers[name] = h
}

// EventNames returns the registered names in sorted order, for
// exhaustiveness checks in tests.
func (r *Registry) EventNames() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch decodes payload for the named event and runs its handler
// against v. Unknown names and undecodable payloads return the
// recoverable dispatch errors; anything else is the handler's own
// error.
func (r *Registry) Dispatch(v View, name string, payload json.RawMessage) error {
	h, ok := r.handlers[name]
	if !ok {
		return &UnknownEventError{Name: name}
	}
	event, err := h.decode(payload)
	if err != nil {
		return &DecodeError{Name: name, Err: err}
	}
	return h.handle(v, event)
}

// On registers a handler for name whose JSON payload decodes into E.
// Events without a payload use E = struct{}. Registering a name twice
// panics.
func On[V View, E any](r *Registry, name string, fn func(v V, event E) error) {
	r.register(name, handlerEntry{
		decode: func(payload json.RawMessage) (any, error) {
			var event E
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &event); err != nil {
					return nil, err
				}
			}
			return event, nil
		},
		handle: func(v View, event any) error {
			view, ok := v.(V)
			if !ok {
				return fmt.Errorf("live: event %s dispatched against %T", name, v)
			}
			return fn(view, event.(E))
		},
	})
}

// OnForm registers a handler for name receiving a form payload, the
// shape browsers submit: {"form": "a=1&b=2"}.
func OnForm[V View](r *Registry, name string, fn func(v V, form Form) error) {
	r.register(name, handlerEntry{
		decode: func(payload json.RawMessage) (any, error) {
			return decodeForm(payload)
		},
		handle: func(v View, event any) error {
			view, ok := v.(V)
			if !ok {
				return fmt.Errorf("live: event %s dispatched against %T", name, v)
			}
			return fn(view, event.(Form))
		},
	})
}
