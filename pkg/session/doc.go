// Package session stores the serialized state of disconnected view
// sessions for the duration of the server's resume window.
//
// A session that loses its transport parks its view state in a Store;
// a fresh socket attach presenting the same session id within the
// window restores that state instead of mounting anew. Entries expire
// on their own, so a session that never returns costs nothing beyond
// the window.
//
// Two backends ship: MemoryStore for single-process deployments and
// RedisStore for deployments where the reconnect may land on a
// different process. Both are safe for concurrent use.
package session
