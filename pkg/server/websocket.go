package server

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/deltaview/deltaview/pkg/protocol"
)

// Conn is the slice of a WebSocket connection the session runtime
// uses. *websocket.Conn satisfies it; tests substitute in-memory
// fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// readLoop receives wire records and feeds the session mailbox. It
// owns the read side of the connection: deadlines, size limits, and
// the pong handler that keeps an idle but live connection open.
func (s *Session) readLoop() {
	// Transport closure without a prior protocol violation makes the
	// session eligible for the resume window.
	defer s.exit(0, "", true)

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.logger.Warn("read failed", "error", err)
			}
			return
		}
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("malformed message", "error", err)
			s.exit(protocol.CloseProtocolError, "malformed message", false)
			return
		}

		switch msg.Kind {
		case protocol.KindEvent:
			if err := s.queueEvent(msg.Event); err != nil {
				s.logger.Warn("event dropped", "event", msg.Event.Name, "error", err)
				s.sendError("event queue full")
			}

		case protocol.KindDisconnect:
			s.logger.Info("client disconnected", "reason", msg.Disconnect.Reason)
			s.exit(websocket.CloseNormalClosure, "", false)
			return

		default:
			// Post-handshake, clients send only events and
			// disconnects; anything else is a protocol violation.
			perr := &ProtocolError{Op: "read", Err: protocol.ErrMalformed}
			s.logger.Warn("unexpected record", "kind", msg.Kind.String(), "error", perr)
			s.exit(protocol.CloseProtocolError, "unexpected "+msg.Kind.String()+" record", false)
			return
		}
	}
}

// writeLoop sends heartbeat pings until the session closes. The pong
// handler installed by readLoop extends the read deadline, so a
// healthy but idle connection never times out.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.exit(0, "", true)
				return
			}
		case <-s.done:
			return
		}
	}
}
