// Package middleware wraps the per-event pipeline of a view session.
//
// A Middleware runs around the dispatch, render and diff of one event,
// receiving an EventInfo that identifies the session, view and event,
// and — after the pipeline runs — the sequence number and encoded size
// of any patch it produced. Chain composes middlewares outermost
// first.
//
// Two implementations ship: Metrics records Prometheus counters,
// gauges and histograms, and Tracing opens an OpenTelemetry span per
// event. Both attach through the server's Use option:
//
//	m := middleware.NewMetrics()
//	srv.Use(m.Middleware(), middleware.Tracing())
package middleware
