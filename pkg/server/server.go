package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/middleware"
	"github.com/deltaview/deltaview/pkg/protocol"
	"github.com/deltaview/deltaview/pkg/rendered"
	"github.com/deltaview/deltaview/pkg/session"
	"github.com/deltaview/deltaview/pkg/token"
)

// Server serves live views: the initial HTTP page render that embeds a
// signed session token, and the WebSocket endpoint that attaches the
// socket to a session and streams patches.
type Server struct {
	config  *ServerConfig
	issuer  *token.Issuer
	manager *SessionManager

	views       map[string]*live.Definition
	defaultView string

	upgrader websocket.Upgrader
	mws      []middleware.Middleware

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a server from config. TokenSecret is required.
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if len(config.TokenSecret) == 0 {
		return nil, errors.New("server: token secret not configured")
	}
	if config.SessionConfig == nil {
		config.SessionConfig = DefaultSessionConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tokenOpts := []token.Option{}
	if config.TokenMaxAge > 0 {
		tokenOpts = append(tokenOpts, token.WithMaxAge(config.TokenMaxAge))
	}

	store := config.Store
	if store == nil && config.ResumeWindow > 0 {
		store = session.NewMemoryStore()
	}

	s := &Server{
		config:  config,
		issuer:  token.NewIssuer(config.TokenSecret, tokenOpts...),
		manager: newSessionManager(config.SessionConfig, config.MaxSessions, config.ResumeWindow, config.CleanupInterval, store, logger),
		views:   make(map[string]*live.Definition),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger.With("component", "server"),
	}
	return s, nil
}

// Register adds a view definition. The first registered view becomes
// the default served at the root path.
func (s *Server) Register(def *live.Definition) error {
	if def == nil || def.Name == "" {
		return errors.New("server: view definition needs a name")
	}
	if def.Mount == nil {
		return fmt.Errorf("server: view %q has no mount", def.Name)
	}
	if _, ok := s.views[def.Name]; ok {
		return fmt.Errorf("server: view %q already registered", def.Name)
	}
	s.views[def.Name] = def
	if s.defaultView == "" {
		s.defaultView = def.Name
	}
	return nil
}

// Use installs middleware around every event dispatch, outermost
// first. Must be called before serving begins.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.mws = append(s.mws, mws...)
	s.manager.chain = middleware.Chain(s.mws...)
}

// Instrument installs m's middleware and wires its session lifecycle
// gauges into the session manager.
func (s *Server) Instrument(m *middleware.Metrics) {
	s.manager.metrics = m
	s.Use(m.Middleware())
}

// Sessions exposes the session manager, for server-initiated dispatch
// and stats.
func (s *Server) Sessions() *SessionManager {
	return s.manager
}

// Handler returns the server's HTTP routes: pages at / and /{view},
// the socket at /live.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/live", s.HandleSocket)
	r.Get("/", s.HandlePage)
	r.Get("/{view}", s.HandlePage)
	return r
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.View}}</title>
</head>
<body>
<div id="dv-root" data-dv-view="{{.View}}" data-dv-session="{{.SessionID}}" data-dv-token="{{.Token}}">{{.Body}}</div>
</body>
</html>
`))

type pageData struct {
	View      string
	SessionID string
	Token     string
	Body      template.HTML
}

// HandlePage serves the initial render of a view: mounts it with the
// request's query parameters, renders it to HTML, and embeds a signed
// token the client presents when opening the socket. The session
// proper is created at socket attach.
func (s *Server) HandlePage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "view")
	if name == "" {
		name = s.defaultView
	}
	def, ok := s.views[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	view, err := def.Mount(r.Context(), r.URL.Query())
	if err != nil {
		s.logger.Error("page mount failed", "view", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	b := rendered.NewBuilder()
	view.Render(b)
	tree := b.Build()

	sessionID := NewSessionID()
	tok, err := s.issuer.Issue(token.Identity{SessionID: sessionID, View: name, Query: r.URL.RawQuery})
	if err != nil {
		s.logger.Error("token issue failed", "view", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := pageData{
		View:      name,
		SessionID: sessionID,
		Token:     tok,
		Body:      template.HTML(tree.HTML()),
	}
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Error("page render failed", "view", name, "error", err)
	}
}

// HandleSocket upgrades the connection and runs the attach handshake:
// the first record must be Connect, its token must verify, and the
// view it names must be registered. A resumed session gets a Render
// record re-baselining the client before patches flow.
func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess, resumed, err := s.handshake(r.Context(), conn)
	if err != nil {
		s.logger.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	if resumed {
		if err := s.resync(sess); err != nil {
			s.logger.Warn("resync failed", "session_id", sess.ID, "error", err)
			return
		}
	}
	sess.start()
}

// resync re-baselines a resumed client with a full Render record. A
// session that cannot be resynced is torn down immediately rather than
// left registered with no goroutines until the idle sweep finds it.
func (s *Server) resync(sess *Session) error {
	data, err := protocol.EncodeRender(sess.Seq(), sess.prev)
	if err != nil {
		sess.exit(protocol.CloseInternal, "internal error", false)
		return fmt.Errorf("server: encode render: %w", err)
	}
	// A failed send already schedules teardown.
	return sess.send(data)
}

// handshake reads and validates the Connect record and attaches the
// connection to its session. On failure the socket is closed with the
// appropriate application close code.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*Session, bool, error) {
	conn.SetReadLimit(s.config.SessionConfig.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.config.SessionConfig.HandshakeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.rejectSocket(conn, protocol.CloseProtocolError, "malformed message")
		return nil, false, &ProtocolError{Op: "handshake", Err: err}
	}
	if msg.Kind != protocol.KindConnect {
		s.rejectSocket(conn, protocol.CloseProtocolError, "expected connect record")
		return nil, false, &ProtocolError{Op: "handshake", Err: protocol.ErrMalformed}
	}

	id, err := s.issuer.Verify(msg.Connect.Token)
	if err != nil {
		s.rejectSocket(conn, protocol.CloseUnauthorized, "invalid token")
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	def, ok := s.views[id.View]
	if !ok {
		s.rejectSocket(conn, protocol.CloseUnauthorized, "unknown view")
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownView, id.View)
	}

	sess, resumed, err := s.manager.Attach(ctx, conn, id, def)
	if err != nil {
		switch {
		case errors.Is(err, ErrShuttingDown), errors.Is(err, ErrMaxSessionsReached):
			s.rejectSocket(conn, websocket.CloseTryAgainLater, "try again later")
		default:
			s.rejectSocket(conn, protocol.CloseUnauthorized, "mount failed")
		}
		return nil, false, err
	}
	return sess, resumed, nil
}

// rejectSocket reports the failure in-band, then closes with code.
func (s *Server) rejectSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.config.SessionConfig.WriteTimeout)
	conn.SetWriteDeadline(deadline)
	if data, err := protocol.EncodeError(reason); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// ListenAndServe serves until ctx is cancelled, then drains: the HTTP
// listener stops first, then every session is closed with a Disconnect
// record, parking resumable state.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", s.config.Address)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "timeout", s.config.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	return s.manager.Shutdown(shutdownCtx)
}
