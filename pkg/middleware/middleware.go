package middleware

import "context"

// EventInfo describes one dispatched event as it moves through the
// chain. The session fills Seq and PatchBytes after the render stage,
// so middleware reads them only after calling next.
type EventInfo struct {
	// SessionID is the session processing the event.
	SessionID string

	// View is the name of the mounted view.
	View string

	// Event is the inbound event name.
	Event string

	// Seq is the sequence number of the patch the event produced,
	// or 0 when the render changed nothing.
	Seq uint64

	// PatchBytes is the encoded size of the emitted patch, or 0.
	PatchBytes int
}

// Middleware wraps the dispatch, render and diff of one event. next
// runs the remainder of the chain ending in the pipeline itself;
// returning without calling next suppresses the event.
type Middleware func(ctx context.Context, info *EventInfo, next func(context.Context) error) error

// Chain composes middlewares so the first wraps all the others.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, info *EventInfo, next func(context.Context) error) error {
		wrapped := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := wrapped
			wrapped = func(ctx context.Context) error {
				return mw(ctx, info, inner)
			}
		}
		return wrapped(ctx)
	}
}
