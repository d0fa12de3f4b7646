// Package server provides the runtime that serves live views: the
// initial HTTP page render and the WebSocket session that keeps it
// current with minimal patches.
//
// # Architecture
//
// The runtime consists of a few key components:
//
//   - Session: per-connection instance of a mounted view, owning the
//     view state, the last-rendered tree, and the patch sequence
//   - SessionManager: the session registry, with supersede, LRU
//     eviction, idle cleanup, the resume window, and shutdown
//   - Server: HTTP/WebSocket facade with the attach handshake,
//     page rendering, and graceful shutdown
//
// # Session Lifecycle
//
// A session moves Mounting -> Active -> Disconnected -> Terminated. The
// page request mounts the view, renders it to HTML, and embeds a signed
// token; the socket attach presents that token, mounts the view again
// (or restores parked state inside the resume window), and starts three
// goroutines:
//
//   - readLoop: receives wire records and feeds the mailbox
//   - eventLoop: processes one event at a time, owning all view state
//   - writeLoop: sends heartbeat pings
//
// # Event Processing
//
// When a client sends an event:
//  1. readLoop decodes the record and queues it
//  2. eventLoop runs the registered handler (through any middleware)
//  3. the view re-renders and the tree is diffed against the previous
//  4. a non-empty diff is sent as a patch under the next sequence number
//
// Unknown events and payload decode failures are reported in-band and
// the session stays Active. Handler panics and render shape mismatches
// terminate the session with close code 4500. Other handler errors go
// through the view's error policy.
//
// # Example Usage
//
//	config := server.DefaultServerConfig().
//		WithAddress(":8080").
//		WithTokenSecret(token.NewSecret())
//
//	srv, err := server.NewServer(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	srv.Register(&live.Definition{
//		Name:   "counter",
//		Mount:  mountCounter,
//		Events: counterEvents,
//	})
//	srv.ListenAndServe(ctx)
package server
