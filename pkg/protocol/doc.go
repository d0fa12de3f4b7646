// Package protocol frames and parses the messages flowing between the
// browser and a view session: JSON records, one per WebSocket text
// message, classified by a single discriminating key.
//
// # Records
//
// Client to server:
//
//	{"token": "<opaque>"}                  first message, session attach
//	{"event": "<name>", "payload": v}      named event, payload optional
//	{"disconnect": "<reason>"}             orderly teardown
//
// Server to client:
//
//	{"seq": N, "patch": {...}}             one render's slot changes
//	{"seq": N, "render": {...}}            full tree, resume resync only
//	{"error": "<reason>"}                  recoverable failure report
//	{"disconnect": "<reason>"}             orderly teardown
//
// A message that is not valid JSON, matches no record, or carries the
// keys of more than one record is malformed and fatal to its
// connection.
//
// # Patch Format
//
// The "patch" object maps slot indexes to new content: a string for
// text and attribute slots, a nested object for subtrees changed in
// place, a full tree for subtrees appearing fresh, and for list slots
// a "d" member holding keyed row operations (see package rendered).
// Slots absent from the object are untouched.
//
// # Ordering
//
// The patch sequence advances by exactly one per emitted patch;
// renders that produce no changes emit nothing and do not advance it.
// A receiver validates this with SeqGuard: the zero guard expects
// sequence 1 (the page-delivered baseline is 0), each patch must carry
// the next number, and a Render record re-baselines the guard. A gap
// or regression invalidates the connection.
//
// # Example Exchange
//
//	Client                              Server
//	  │                                    │
//	  │── {"token":"eyJhb..."} ──────────>│  verify, attach
//	  │                                    │
//	  │── {"event":"increment"} ─────────>│  dispatch, render, diff
//	  │<─ {"seq":1,"patch":{"0":"1"}} ────│
//	  │                                    │
//	  │── {"event":"bogus"} ─────────────>│
//	  │<─ {"error":"unknown event: bogus"}│  session stays attached
//
// # Close Codes
//
// Connections close with application codes: 4400 for protocol
// violations, 4401 when token verification or mount fails, 4409 when
// another connection supersedes the session, and 4500 when a
// server-side defect such as a render shape mismatch terminates the
// session.
package protocol
