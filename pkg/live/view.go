package live

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/deltaview/deltaview/pkg/rendered"
)

// View is a unit of server-owned state with a render routine. Render
// must be pure and deterministic for a given state and must keep the
// tree shape stable across calls; state changes happen only in event
// handlers, never during Render.
type View interface {
	Render(b *rendered.Builder)
}

// MountFunc produces a view's initial state for one session. params
// are the query parameters of the page request that created the
// session.
type MountFunc func(ctx context.Context, params url.Values) (View, error)

// RestoreFunc reconstructs a view from its serialized state when a
// disconnected session resumes.
type RestoreFunc func(data []byte) (View, error)

// Definition ties a view name to its mount routine and registered
// events. Definitions are created at startup and never mutated after
// registration.
type Definition struct {
	Name   string
	Mount  MountFunc
	Events *Registry

	// Policy decides whether a handler error terminates the session.
	// Nil means DefaultErrorPolicy.
	Policy ErrorPolicy

	// Restore enables resuming parked sessions. Nil disables resume
	// for this view regardless of the server's resume window.
	Restore RestoreFunc
}

type viewPtr[V any] interface {
	*V
	View
}

// JSONRestore returns a RestoreFunc unmarshaling the parked state
// into a fresh *V.
func JSONRestore[V any, PV viewPtr[V]]() RestoreFunc {
	return func(data []byte) (View, error) {
		v := PV(new(V))
		if err := json.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
