// Package deltaview is the public API for the DeltaView live-view
// engine.
//
// A DeltaView application registers views — units of server-owned
// state with a pure Render routine — and serves them twice: once as a
// plain HTML page, and then live over a WebSocket that streams minimal
// patches whenever an event handler changes the state.
//
// Usage:
//
//	app, err := deltaview.New(
//		deltaview.WithAddress(":8080"),
//		deltaview.WithTokenSecret(secret),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	app.Register(&deltaview.Definition{
//		Name:   "counter",
//		Mount:  mountCounter,
//		Events: counterEvents,
//	})
//	app.ListenAndServe(ctx)
package deltaview

import (
	"context"
	"net/http"
	"time"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/middleware"
	"github.com/deltaview/deltaview/pkg/rendered"
	"github.com/deltaview/deltaview/pkg/server"
	"github.com/deltaview/deltaview/pkg/session"
	"github.com/deltaview/deltaview/pkg/token"
)

// Re-exports so simple applications import only this package.
type (
	// View is a unit of server-owned state with a render routine.
	View = live.View

	// Definition ties a view name to its mount routine and events.
	Definition = live.Definition

	// Registry maps event names to handlers; populate it with On and
	// OnForm.
	Registry = live.Registry

	// Builder receives a view's render output.
	Builder = rendered.Builder

	// ListBuilder receives a keyed list's rows.
	ListBuilder = rendered.ListBuilder

	// Form is a decoded form submission payload.
	Form = live.Form
)

// NewRegistry returns an empty event registry.
func NewRegistry() *Registry { return live.NewRegistry() }

// On registers a handler for name whose JSON payload decodes into E.
func On[V View, E any](r *Registry, name string, fn func(v V, event E) error) {
	live.On(r, name, fn)
}

// OnForm registers a handler for name receiving a form submission.
func OnForm[V View](r *Registry, name string, fn func(v V, form Form) error) {
	live.OnForm(r, name, fn)
}

// JSONRestore returns a restore routine unmarshaling parked state into
// a fresh *V, enabling the resume window for a view.
func JSONRestore[V any, PV interface {
	*V
	View
}]() live.RestoreFunc {
	return live.JSONRestore[V, PV]()
}

// NewSecret mints a random token signing key.
func NewSecret() []byte { return token.NewSecret() }

// Fatal marks a handler error as unrecoverable.
func Fatal(err error) error { return live.Fatal(err) }

// App wraps the server into a single entry point: register views,
// mount the handler, serve.
type App struct {
	server *server.Server
	config *server.ServerConfig
}

// Option configures an App.
type Option func(*server.ServerConfig)

// WithAddress sets the listen address.
func WithAddress(addr string) Option {
	return func(c *server.ServerConfig) { c.Address = addr }
}

// WithTokenSecret sets the token signing secret. Required unless the
// config comes from the environment.
func WithTokenSecret(secret []byte) Option {
	return func(c *server.ServerConfig) { c.TokenSecret = secret }
}

// WithResumeWindow keeps disconnected sessions resumable for d.
func WithResumeWindow(d time.Duration) Option {
	return func(c *server.ServerConfig) { c.ResumeWindow = d }
}

// WithStore sets the parked-state store used by the resume window.
func WithStore(store session.Store) Option {
	return func(c *server.ServerConfig) { c.Store = store }
}

// WithMaxSessions caps concurrent sessions.
func WithMaxSessions(n int) Option {
	return func(c *server.ServerConfig) { c.MaxSessions = n }
}

// WithConfig replaces the whole base config before the other options
// apply. Options given after it still override its fields.
func WithConfig(config *server.ServerConfig) Option {
	return func(c *server.ServerConfig) { *c = *config.Clone() }
}

// New builds an App. Configuration starts from the defaults layered
// with DELTAVIEW_* environment variables; opts apply on top.
func New(opts ...Option) (*App, error) {
	config, err := server.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(config)
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return nil, err
	}
	return &App{server: srv, config: config}, nil
}

// Register adds a view definition. The first registered view is served
// at the root path.
func (a *App) Register(def *Definition) error {
	return a.server.Register(def)
}

// Use installs middleware around every event dispatch.
func (a *App) Use(mws ...middleware.Middleware) {
	a.server.Use(mws...)
}

// Instrument wires Prometheus metrics into event dispatch and session
// lifecycle.
func (a *App) Instrument(m *middleware.Metrics) {
	a.server.Instrument(m)
}

// Handler returns the app's routes for mounting under an existing
// HTTP server.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Sessions exposes the session manager for server-initiated dispatch
// and stats.
func (a *App) Sessions() *server.SessionManager {
	return a.server.Sessions()
}

// ListenAndServe serves until ctx is cancelled, then drains
// gracefully.
func (a *App) ListenAndServe(ctx context.Context) error {
	return a.server.ListenAndServe(ctx)
}
