package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/protocol"
	"github.com/deltaview/deltaview/pkg/rendered"
)

// fakeConn is an in-memory Conn for session tests. The test side feeds
// records with push and observes the session's writes and control
// frames on channels.
type fakeConn struct {
	inbound  chan []byte
	writes   chan []byte
	controls chan controlFrame
	closed   chan struct{}
	once     sync.Once
	peerOnce sync.Once
}

type controlFrame struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		writes:   make(chan []byte, 64),
		controls: make(chan controlFrame, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) push(data []byte) { c.inbound <- data }

// peerClose simulates the client side dropping the transport.
func (c *fakeConn) peerClose() { c.peerOnce.Do(func() { close(c.inbound) }) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.writes <- cp:
	default:
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.controls <- controlFrame{messageType, cp}:
	default:
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                  {}
func (c *fakeConn) SetReadDeadline(time.Time) error     { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error    { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)   {}
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// counterView is the canonical test view: a count slot plus a
// conditional that activates at 5.
type counterView struct {
	Count int `json:"count"`
}

func (v *counterView) Render(b *rendered.Builder) {
	b.Static("<div>Count is ")
	b.Text(strconv.Itoa(v.Count))
	b.Static("</div>")
	b.Cond(v.Count >= 5, func(b *rendered.Builder) {
		b.Static("<p>that is a lot</p>")
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStartedSession(t *testing.T, config *SessionConfig) (*Session, *fakeConn) {
	t.Helper()
	if config == nil {
		config = DefaultSessionConfig()
	}
	conn := newFakeConn()
	def := counterDef(t)
	s := newSession(NewSessionID(), def, conn, config, nil, testLogger())
	if err := s.mount(context.Background(), nil); err != nil {
		t.Fatalf("mount: %v", err)
	}
	s.start()
	t.Cleanup(func() { s.exit(0, "", false) })
	return s, conn
}

func counterDef(t *testing.T) *live.Definition {
	t.Helper()
	r := live.NewRegistry()
	live.On(r, "increment", func(v *counterView, _ struct{}) error { v.Count++; return nil })
	live.On(r, "decrement", func(v *counterView, _ struct{}) error { v.Count--; return nil })
	live.On(r, "noop", func(v *counterView, _ struct{}) error { return nil })
	live.On(r, "boom", func(v *counterView, _ struct{}) error { panic("boom") })
	live.On(r, "fail", func(v *counterView, _ struct{}) error { return errors.New("database timeout") })
	live.On(r, "fatal", func(v *counterView, _ struct{}) error {
		return live.Fatal(errors.New("state corrupted"))
	})
	return &live.Definition{
		Name: "counter",
		Mount: func(_ context.Context, params url.Values) (live.View, error) {
			start, _ := strconv.Atoi(params.Get("start"))
			return &counterView{Count: start}, nil
		},
		Events:  r,
		Restore: live.JSONRestore[counterView](),
	}
}

func sendEvent(t *testing.T, conn *fakeConn, name string) {
	t.Helper()
	data, err := protocol.EncodeEvent(name, nil)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	conn.push(data)
}

func readRecord(t *testing.T, conn *fakeConn) map[string]json.RawMessage {
	t.Helper()
	select {
	case data := <-conn.writes:
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a record")
		return nil
	}
}

func expectNoRecord(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case data := <-conn.writes:
		t.Fatalf("unexpected record: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectPatch(t *testing.T, conn *fakeConn, wantSeq uint64) map[string]json.RawMessage {
	t.Helper()
	rec := readRecord(t, conn)
	raw, ok := rec["patch"]
	if !ok {
		t.Fatalf("expected a patch record, got %v", rec)
	}
	var seq uint64
	if err := json.Unmarshal(rec["seq"], &seq); err != nil {
		t.Fatalf("seq: %v", err)
	}
	if seq != wantSeq {
		t.Fatalf("seq = %d, want %d", seq, wantSeq)
	}
	var slots map[string]json.RawMessage
	if err := json.Unmarshal(raw, &slots); err != nil {
		t.Fatalf("patch slots: %v", err)
	}
	return slots
}

func expectError(t *testing.T, conn *fakeConn, want string) {
	t.Helper()
	rec := readRecord(t, conn)
	raw, ok := rec["error"]
	if !ok {
		t.Fatalf("expected an error record, got %v", rec)
	}
	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil {
		t.Fatalf("reason: %v", err)
	}
	if reason != want {
		t.Fatalf("error = %q, want %q", reason, want)
	}
}

func expectClose(t *testing.T, conn *fakeConn, wantCode int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cf := <-conn.controls:
			if cf.messageType != websocket.CloseMessage {
				continue // heartbeat ping
			}
			if len(cf.data) < 2 {
				t.Fatalf("close frame without a code")
			}
			code := int(cf.data[0])<<8 | int(cf.data[1])
			if code != wantCode {
				t.Fatalf("close code = %d, want %d", code, wantCode)
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for close code %d", wantCode)
		}
	}
}

func waitForState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func slotString(t *testing.T, slots map[string]json.RawMessage, key string) string {
	t.Helper()
	raw, ok := slots[key]
	if !ok {
		t.Fatalf("patch missing slot %q: %v", key, slots)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("slot %q is not a string: %s", key, raw)
	}
	return s
}

func TestSessionBaselineRender(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	if got := s.prev.HTML(); !strings.Contains(got, "Count is 0") {
		t.Fatalf("baseline HTML = %q, want it to contain %q", got, "Count is 0")
	}
	if s.Seq() != 0 {
		t.Fatalf("seq = %d before any event", s.Seq())
	}
	// The baseline travels in the page response, never on the socket.
	expectNoRecord(t, conn)
}

func TestSessionPatchSequence(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	sendEvent(t, conn, "increment")
	slots := expectPatch(t, conn, 1)
	if got := slotString(t, slots, "0"); got != "1" {
		t.Fatalf("slot 0 = %q, want %q", got, "1")
	}
	if len(slots) != 1 {
		t.Fatalf("patch has %d slots, want 1: %v", len(slots), slots)
	}

	sendEvent(t, conn, "increment")
	slots = expectPatch(t, conn, 2)
	if got := slotString(t, slots, "0"); got != "2" {
		t.Fatalf("slot 0 = %q, want %q", got, "2")
	}

	sendEvent(t, conn, "decrement")
	slots = expectPatch(t, conn, 3)
	if got := slotString(t, slots, "0"); got != "1" {
		t.Fatalf("slot 0 = %q, want %q", got, "1")
	}

	if s.Seq() != 3 {
		t.Fatalf("seq = %d, want 3", s.Seq())
	}
}

func TestSessionEmptyDiffEmitsNothing(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	sendEvent(t, conn, "noop")
	expectNoRecord(t, conn)
	if s.Seq() != 0 {
		t.Fatalf("seq advanced on an empty diff: %d", s.Seq())
	}

	// The next real change still gets seq 1.
	sendEvent(t, conn, "increment")
	expectPatch(t, conn, 1)
}

func TestSessionUnknownEventRecoverable(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	conn.push([]byte(`{"event":"unknown"}`))
	expectError(t, conn, "unknown event: unknown")
	if s.State() != StateActive {
		t.Fatalf("state = %v after unknown event, want Active", s.State())
	}

	sendEvent(t, conn, "increment")
	expectPatch(t, conn, 1)
}

func TestSessionDecodeErrorRecoverable(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	conn.push([]byte(`{"event":"increment","payload":"not an object"}`))
	rec := readRecord(t, conn)
	if _, ok := rec["error"]; !ok {
		t.Fatalf("expected an error record, got %v", rec)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %v after decode error, want Active", s.State())
	}
}

func TestSessionConditionalThreshold(t *testing.T) {
	_, conn := newStartedSession(t, nil)

	for i := 0; i < 4; i++ {
		sendEvent(t, conn, "increment")
		expectPatch(t, conn, uint64(i+1))
	}

	// 4 -> 5 flips the conditional: two slots change.
	sendEvent(t, conn, "increment")
	slots := expectPatch(t, conn, 5)
	if len(slots) != 2 {
		t.Fatalf("threshold patch has %d slots, want 2: %v", len(slots), slots)
	}
	if got := slotString(t, slots, "0"); got != "5" {
		t.Fatalf("slot 0 = %q, want %q", got, "5")
	}
	var cond map[string]json.RawMessage
	if err := json.Unmarshal(slots["1"], &cond); err != nil {
		t.Fatalf("activated conditional should be a subtree, got %s", slots["1"])
	}

	// 5 -> 6 stays above the threshold: only the count changes.
	sendEvent(t, conn, "increment")
	slots = expectPatch(t, conn, 6)
	if len(slots) != 1 {
		t.Fatalf("patch has %d slots, want 1: %v", len(slots), slots)
	}

	// 6 -> 5 -> 4 deactivates it: the slot collapses to "".
	sendEvent(t, conn, "decrement")
	expectPatch(t, conn, 7)
	sendEvent(t, conn, "decrement")
	slots = expectPatch(t, conn, 8)
	if got := slotString(t, slots, "1"); got != "" {
		t.Fatalf("deactivated conditional = %q, want empty string", got)
	}
}

func TestSessionHandlerErrorRecoverable(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	sendEvent(t, conn, "fail")
	expectError(t, conn, "database timeout")
	if s.State() != StateActive {
		t.Fatalf("state = %v after recoverable handler error, want Active", s.State())
	}

	sendEvent(t, conn, "increment")
	expectPatch(t, conn, 1)
}

func TestSessionFatalHandlerError(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	sendEvent(t, conn, "fatal")
	expectError(t, conn, "state corrupted")
	expectClose(t, conn, protocol.CloseInternal)
	waitForState(t, s, StateTerminated)
}

func TestSessionPanicTerminates(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	sendEvent(t, conn, "boom")
	expectError(t, conn, "internal error")
	expectClose(t, conn, protocol.CloseInternal)
	waitForState(t, s, StateTerminated)
}

func TestSessionCustomErrorPolicy(t *testing.T) {
	conn := newFakeConn()
	def := counterDef(t)
	def.Policy = func(err error) bool { return true } // everything fatal
	s := newSession(NewSessionID(), def, conn, DefaultSessionConfig(), nil, testLogger())
	if err := s.mount(context.Background(), nil); err != nil {
		t.Fatalf("mount: %v", err)
	}
	s.start()
	t.Cleanup(func() { s.exit(0, "", false) })

	sendEvent(t, conn, "fail")
	expectError(t, conn, "database timeout")
	expectClose(t, conn, protocol.CloseInternal)
	waitForState(t, s, StateTerminated)
}

// shiftyView changes its static shape once broken, which Diff must
// refuse.
type shiftyView struct {
	Broken bool
}

func (v *shiftyView) Render(b *rendered.Builder) {
	if v.Broken {
		b.Static("<div>broken</div>")
		return
	}
	b.Static("<div>")
	b.Text("ok")
	b.Static("</div>")
}

func TestSessionShapeMismatchTerminates(t *testing.T) {
	r := live.NewRegistry()
	live.On(r, "break", func(v *shiftyView, _ struct{}) error { v.Broken = true; return nil })
	def := &live.Definition{
		Name: "shifty",
		Mount: func(context.Context, url.Values) (live.View, error) {
			return &shiftyView{}, nil
		},
		Events: r,
	}

	conn := newFakeConn()
	s := newSession(NewSessionID(), def, conn, DefaultSessionConfig(), nil, testLogger())
	if err := s.mount(context.Background(), nil); err != nil {
		t.Fatalf("mount: %v", err)
	}
	s.start()
	t.Cleanup(func() { s.exit(0, "", false) })

	sendEvent(t, conn, "break")
	expectClose(t, conn, protocol.CloseInternal)
	waitForState(t, s, StateTerminated)
}

func TestSessionDispatch(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	err := s.Dispatch(func(v live.View) {
		v.(*counterView).Count = 3
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	slots := expectPatch(t, conn, 1)
	if got := slotString(t, slots, "0"); got != "3" {
		t.Fatalf("slot 0 = %q, want %q", got, "3")
	}
}

func TestSessionDispatchAfterClose(t *testing.T) {
	s, conn := newStartedSession(t, nil)
	_ = conn

	s.exit(0, "", false)
	waitForState(t, s, StateTerminated)

	err := s.Dispatch(func(live.View) {})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Dispatch after close = %v, want ErrSessionClosed", err)
	}
}

func TestSessionClientDisconnect(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	conn.push([]byte(`{"disconnect":"navigating away"}`))
	expectClose(t, conn, websocket.CloseNormalClosure)
	waitForState(t, s, StateTerminated)
}

func TestSessionUnexpectedRecordFatal(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	// Clients never send patches.
	conn.push([]byte(`{"seq":1,"patch":{}}`))
	expectClose(t, conn, protocol.CloseProtocolError)
	waitForState(t, s, StateTerminated)
}

func TestSessionMalformedRecordFatal(t *testing.T) {
	s, conn := newStartedSession(t, nil)

	conn.push([]byte(`{"nonsense":true}`))
	expectClose(t, conn, protocol.CloseProtocolError)
	waitForState(t, s, StateTerminated)
}

func TestSessionTransportLossParks(t *testing.T) {
	var (
		parked   bool
		exitedMu sync.Mutex
		exited   = make(chan struct{})
	)
	conn := newFakeConn()
	def := counterDef(t)
	s := newSession(NewSessionID(), def, conn, DefaultSessionConfig(), nil, testLogger())
	s.onExit = func(s *Session, park bool) {
		exitedMu.Lock()
		parked = park
		exitedMu.Unlock()
		s.finish()
		close(exited)
	}
	if err := s.mount(context.Background(), nil); err != nil {
		t.Fatalf("mount: %v", err)
	}
	s.start()

	conn.peerClose()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit after transport loss")
	}
	exitedMu.Lock()
	defer exitedMu.Unlock()
	if !parked {
		t.Fatal("transport loss should mark the session park-eligible")
	}
}

func TestSessionDisconnectDuringHandler(t *testing.T) {
	handlerStarted := make(chan struct{})
	release := make(chan struct{})

	r := live.NewRegistry()
	live.On(r, "slow", func(v *counterView, _ struct{}) error {
		close(handlerStarted)
		<-release
		v.Count++
		return nil
	})
	def := &live.Definition{
		Name: "counter",
		Mount: func(context.Context, url.Values) (live.View, error) {
			return &counterView{}, nil
		},
		Events: r,
	}

	var (
		parked bool
		exited = make(chan struct{})
	)
	conn := newFakeConn()
	s := newSession(NewSessionID(), def, conn, DefaultSessionConfig(), nil, testLogger())
	s.onExit = func(s *Session, park bool) {
		parked = park
		s.finish()
		close(exited)
	}
	if err := s.mount(context.Background(), nil); err != nil {
		t.Fatalf("mount: %v", err)
	}
	s.start()

	sendEvent(t, conn, "slow")
	<-handlerStarted

	// The transport drops while the handler is still running. The
	// handler must finish against live state with its patch discarded;
	// the session finalizes only after it returns.
	conn.peerClose()
	waitForState(t, s, StateDisconnected)

	select {
	case <-exited:
		t.Fatal("session finalized while a handler was in flight")
	default:
	}

	close(release)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finalize after the handler returned")
	}
	if !parked {
		t.Fatal("transport loss should mark the session park-eligible")
	}
	if s.State() != StateTerminated {
		t.Fatalf("state = %v, want Terminated", s.State())
	}
}

func TestSessionQueueFull(t *testing.T) {
	config := DefaultSessionConfig()
	config.MaxEventQueue = 1
	conn := newFakeConn()
	def := counterDef(t)
	s := newSession(NewSessionID(), def, conn, config, nil, testLogger())
	if err := s.mount(context.Background(), nil); err != nil {
		t.Fatalf("mount: %v", err)
	}
	// No event loop: the mailbox fills.
	if err := s.queueEvent(&protocol.Event{Name: "increment"}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := s.queueEvent(&protocol.Event{Name: "increment"}); !errors.Is(err, ErrEventQueueFull) {
		t.Fatalf("second event = %v, want ErrEventQueueFull", err)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateMounting, "Mounting"},
		{StateActive, "Active"},
		{StateDisconnected, "Disconnected"},
		{StateTerminated, "Terminated"},
		{SessionState(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("SessionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
