// Package live defines views and dispatches their events.
//
// A view is server-owned state with a pure Render routine. Its events
// are registered once, at startup, in a Registry mapping event names
// to typed decode and handler routines:
//
//	type Counter struct {
//	    Count int
//	}
//
//	func (c *Counter) Render(b *rendered.Builder) {
//	    b.Static("<p>Count is ")
//	    b.Text(strconv.Itoa(c.Count))
//	    b.Static("</p>")
//	}
//
//	reg := live.NewRegistry()
//	live.On(reg, "increment", func(c *Counter, _ struct{}) error {
//	    c.Count++
//	    return nil
//	})
//
// On decodes the event's JSON payload into the handler's event type;
// OnForm decodes the url-encoded payload browsers submit into a Form.
// A Definition bundles the registry with the view's name and mount
// routine for the server to serve.
//
// # Dispatch Outcomes
//
// Dispatch looks the event up by name:
//
//   - unknown name: UnknownEventError, reported to the client, session
//     continues
//   - payload fails to decode: DecodeError, reported, session continues
//   - handler runs and returns its own error: the ErrorPolicy decides;
//     the default terminates the session only for errors wrapped with
//     Fatal
//
// Handlers mutate only their own view's state. The session serializes
// dispatches, so handlers never race with Render or with each other.
package live
