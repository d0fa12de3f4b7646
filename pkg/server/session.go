package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/middleware"
	"github.com/deltaview/deltaview/pkg/protocol"
	"github.com/deltaview/deltaview/pkg/rendered"
)

// SessionState is a view session's lifecycle position.
type SessionState int32

const (
	StateMounting SessionState = iota
	StateActive
	StateDisconnected
	StateTerminated
)

// String returns the string representation of the SessionState.
func (s SessionState) String() string {
	switch s {
	case StateMounting:
		return "Mounting"
	case StateActive:
		return "Active"
	case StateDisconnected:
		return "Disconnected"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Session is the live, per-connection instance of a mounted view. It
// owns the view's state, the last-rendered tree, and the patch
// sequence. All state is touched only on the session's event loop
// goroutine; one event is processed at a time, so a render and its
// diff never interleave with a mutation.
type Session struct {
	// ID is the opaque session id bound by the token.
	ID string

	// View is the name of the mounted view definition.
	View string

	createdAt  time.Time
	lastActive atomic.Int64 // unix nanoseconds

	def  *live.Definition
	view live.View

	conn    Conn
	connID  string // per-connection instance, for log correlation
	writeMu sync.Mutex

	state atomic.Int32

	prev *rendered.Tree
	seq  atomic.Uint64

	events     chan *protocol.Event
	dispatchCh chan func()
	done       chan struct{}
	exitOnce   sync.Once

	// started flips when the goroutines launch; from then on the event
	// loop owns finalization, so teardown never races an in-flight
	// handler.
	started      atomic.Bool
	parkOnExit   atomic.Bool
	finalizeOnce sync.Once
	finalized    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	config *SessionConfig
	chain  middleware.Middleware // nil when no middleware installed
	logger *slog.Logger

	// onExit is set by the SessionManager before the session starts.
	// park is true when the transport closed underneath an active
	// session, making its state eligible for the resume window.
	onExit func(s *Session, park bool)

	eventCount atomic.Uint64
	patchCount atomic.Uint64
	bytesSent  atomic.Uint64
}

// NewSessionID mints a random, unguessable session id. Entropy
// failure is unrecoverable and panics.
func NewSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("server: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// newSession creates a session in Mounting state. The caller mounts
// or restores a view before calling start.
func newSession(id string, def *live.Definition, conn Conn, config *SessionConfig, chain middleware.Middleware, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	connID := ulid.Make().String()
	s := &Session{
		ID:         id,
		View:       def.Name,
		createdAt:  time.Now(),
		def:        def,
		conn:       conn,
		connID:     connID,
		events:     make(chan *protocol.Event, config.MaxEventQueue),
		dispatchCh: make(chan func(), config.MaxEventQueue),
		done:       make(chan struct{}),
		finalized:  make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
		chain:      chain,
		logger:     logger.With("session_id", id, "view", def.Name, "conn_id", connID),
	}
	s.touch()
	return s
}

// mount runs the view's mount routine and performs the baseline
// render. The baseline is retained for diffing, never sent on the
// socket; the page that created the session already carries it.
func (s *Session) mount(ctx context.Context, params url.Values) error {
	view, err := s.def.Mount(ctx, params)
	if err != nil {
		return &SessionError{SessionID: s.ID, Op: "mount", Err: err}
	}
	s.view = view
	s.prev = s.render()
	s.state.Store(int32(StateActive))
	return nil
}

// restore rebuilds the view from parked state and performs the
// baseline render. The caller sends the re-baselining Render record.
func (s *Session) restore(state []byte) error {
	if s.def.Restore == nil {
		return &SessionError{SessionID: s.ID, Op: "restore", Err: errors.New("view does not support resume")}
	}
	view, err := s.def.Restore(state)
	if err != nil {
		return &SessionError{SessionID: s.ID, Op: "restore", Err: err}
	}
	s.view = view
	s.prev = s.render()
	s.state.Store(int32(StateActive))
	return nil
}

// start launches the session's goroutines: the read loop feeding the
// mailbox, the heartbeat loop, and the event loop owning all state.
func (s *Session) start() {
	s.started.Store(true)
	go s.readLoop()
	go s.writeLoop()
	go s.eventLoop()
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Seq returns the sequence number of the last emitted patch.
func (s *Session) Seq() uint64 {
	return s.seq.Load()
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActive returns the time of the last client activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// eventLoop serializes everything that touches view state: client
// events from the mailbox and server-initiated Dispatch work. It also
// finalizes the session on the way out, so an in-flight handler always
// runs to completion against live state before anything is released.
func (s *Session) eventLoop() {
	defer s.finalize()
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case fn := <-s.dispatchCh:
			s.handleDispatch(fn)
		case <-s.done:
			return
		}
	}
}

// queueEvent places a decoded event on the mailbox without blocking
// the read loop.
func (s *Session) queueEvent(ev *protocol.Event) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrEventQueueFull
	}
}

// Dispatch queues fn to run on the session's event loop with the
// mounted view, re-rendering afterwards — the path for
// server-initiated updates such as tickers. fn must not retain the
// view beyond the call.
func (s *Session) Dispatch(fn func(view live.View)) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.dispatchCh <- func() { fn(s.view) }:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrEventQueueFull
	}
}

// handleEvent runs one client event through the middleware chain and
// the dispatch → render → diff pipeline.
func (s *Session) handleEvent(ev *protocol.Event) {
	if s.isClosed() {
		return
	}
	s.touch()
	s.eventCount.Add(1)

	info := &middleware.EventInfo{SessionID: s.ID, View: s.View, Event: ev.Name}
	pipeline := func(ctx context.Context) error {
		if err := s.dispatch(ev.Name, ev.Payload); err != nil {
			return err
		}
		return s.renderAndSend(info)
	}

	var err error
	if s.chain != nil {
		err = s.chain(s.ctx, info, pipeline)
	} else {
		err = pipeline(s.ctx)
	}
	if err != nil {
		s.handleEventError(ev.Name, err)
	}
}

// dispatch invokes the registered handler with panic recovery.
func (s *Session) dispatch(name string, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{SessionID: s.ID, Event: name, Panic: r, Stack: debug.Stack()}
		}
	}()
	return s.def.Events.Dispatch(s.view, name, payload)
}

// handleDispatch runs server-initiated work with the same recovery
// and re-render discipline as a client event.
func (s *Session) handleDispatch(fn func()) {
	if s.isClosed() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panic", "panic", r, "stack", string(debug.Stack()))
			s.exit(protocol.CloseInternal, "internal error", false)
		}
	}()
	fn()
	if err := s.renderAndSend(nil); err != nil {
		s.handleEventError("dispatch", err)
	}
}

// renderAndSend re-renders the view, diffs against the previous tree,
// and emits the patch under the next sequence number. Renders whose
// diff is empty emit nothing and do not advance the sequence.
func (s *Session) renderAndSend(info *middleware.EventInfo) error {
	next := s.render()
	patch, err := rendered.Diff(s.prev, next)
	if err != nil {
		return err
	}
	s.prev = next
	if patch.Empty() {
		return nil
	}

	seq := s.seq.Add(1)
	data, err := protocol.EncodePatch(seq, patch)
	if err != nil {
		return fmt.Errorf("server: encode patch: %w", err)
	}
	if info != nil {
		info.Seq = seq
		info.PatchBytes = len(data)
	}
	s.patchCount.Add(1)
	return s.send(data)
}

func (s *Session) render() *rendered.Tree {
	b := rendered.NewBuilder()
	s.view.Render(b)
	return b.Build()
}

// handleEventError applies the error taxonomy: dispatch-class errors
// are reported and the session stays Active; shape mismatches and
// panics terminate the session; handler errors go through the view's
// policy. A send against a connection that is already gone discards
// the patch silently.
func (s *Session) handleEventError(event string, err error) {
	var unknown *live.UnknownEventError
	var decode *live.DecodeError
	var panicked *HandlerError
	switch {
	case errors.Is(err, ErrSessionClosed):
		// The handler ran to completion after the transport went
		// away; its patch is discarded.
		s.logger.Debug("patch discarded after disconnect", "event", event)

	case errors.As(err, &unknown), errors.As(err, &decode):
		s.logger.Warn("dispatch error", "event", event, "error", err)
		s.sendError(err.Error())

	case errors.As(err, &panicked):
		s.logger.Error("handler panic",
			"event", event,
			"panic", panicked.Panic,
			"stack", string(panicked.Stack))
		s.sendError("internal error")
		s.exit(protocol.CloseInternal, "internal error", false)

	case errors.Is(err, rendered.ErrShapeMismatch):
		// A view's render changed its static shape between calls; a
		// programming defect, fatal to this session only.
		s.logger.Error("render shape mismatch", "event", event, "error", err)
		s.exit(protocol.CloseInternal, "render shape mismatch", false)

	default:
		policy := s.def.Policy
		if policy == nil {
			policy = live.DefaultErrorPolicy
		}
		if policy(err) {
			s.logger.Error("fatal handler error", "event", event, "error", err)
			s.sendError(err.Error())
			s.exit(protocol.CloseInternal, "handler failure", false)
			return
		}
		s.logger.Warn("handler error", "event", event, "error", err)
		s.sendError(err.Error())
	}
}

// send writes one wire record, serialized against concurrent writers.
func (s *Session) send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() || s.conn == nil {
		return ErrSessionClosed
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("write failed", "error", err)
		go s.exit(0, "", true)
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	s.bytesSent.Add(uint64(len(data)))
	return nil
}

// sendError reports a recoverable failure to the client.
func (s *Session) sendError(reason string) {
	data, err := protocol.EncodeError(reason)
	if err != nil {
		return
	}
	s.send(data)
}

// Close tears the session down in an orderly way: a Disconnect record,
// a normal close frame, no parking.
func (s *Session) Close() {
	if data, err := protocol.EncodeDisconnect(""); err == nil {
		s.send(data)
	}
	s.exit(websocket.CloseNormalClosure, "", false)
}

// exit is the single teardown path. code 0 means the transport is
// already gone and no close frame can be delivered; park marks the
// session's state as eligible for the resume window. Safe to call
// more than once.
//
// exit only signals: it closes the transport and flags the session,
// but the view itself is finalized on the event loop, after any
// in-flight handler has returned. Sessions that never started have no
// event loop and finalize here directly.
func (s *Session) exit(code int, reason string, park bool) {
	s.exitOnce.Do(func() {
		s.parkOnExit.Store(park)
		close(s.done)
		s.cancel()

		if s.conn != nil {
			if code != 0 {
				msg := websocket.FormatCloseMessage(code, reason)
				deadline := time.Now().Add(s.config.WriteTimeout)
				s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			}
			s.conn.Close()
		}

		s.state.Store(int32(StateDisconnected))
		if !s.started.Load() {
			s.finalize()
		}
	})
}

// finalize parks or releases the view state. Runs on the event loop
// for started sessions, inline from exit otherwise; never both.
func (s *Session) finalize() {
	s.finalizeOnce.Do(func() {
		if s.onExit != nil {
			s.onExit(s, s.parkOnExit.Load())
		} else {
			s.finish()
		}
		close(s.finalized)
	})
}

// finish releases the session's state. Terminal.
func (s *Session) finish() {
	s.state.Store(int32(StateTerminated))
	s.view = nil
	s.prev = nil
}

// marshalState serializes the view for parking. Only meaningful
// before finish.
func (s *Session) marshalState() ([]byte, error) {
	return json.Marshal(s.view)
}
