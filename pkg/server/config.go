package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/deltaview/deltaview/pkg/session"
)

// SessionConfig holds per-session configuration.
type SessionConfig struct {
	// ReadTimeout is the maximum time to wait for a message from the
	// client. Heartbeat pongs extend it. Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a
	// message. Default: 10 seconds.
	WriteTimeout time.Duration

	// IdleTimeout closes sessions with no client activity.
	// Default: 5 minutes.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the wait for the Connect record on a
	// fresh socket. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the time between ping frames.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// MaxMessageSize caps incoming WebSocket messages.
	// Default: 64KB.
	MaxMessageSize int64

	// MaxEventQueue is the session mailbox depth. Events beyond it
	// are dropped and reported to the client. Default: 256.
	MaxEventQueue int
}

// DefaultSessionConfig returns a SessionConfig with the defaults
// filled in.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Minute,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    64 * 1024,
		MaxEventQueue:     256,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ServerConfig holds configuration for the server.
type ServerConfig struct {
	// Address to listen on. Default: ":8080".
	Address string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates the Origin header at upgrade time.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// SessionConfig configures individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// MaxSessions caps concurrent sessions; at the cap the least
	// recently active session is evicted to admit a new one.
	// 0 means no limit. Default: 0.
	MaxSessions int

	// CleanupInterval is the cadence of the idle-session sweep.
	// Default: 30 seconds.
	CleanupInterval time.Duration

	// TokenSecret signs session tokens. Required: a server without a
	// secret cannot bind page renders to socket attaches.
	TokenSecret []byte

	// TokenMaxAge is the longest a page may sit unopened before its
	// token is refused at attach. Default: token.DefaultMaxAge.
	TokenMaxAge time.Duration

	// ResumeWindow keeps a disconnected session's state parked for
	// this long, letting a reconnect resume instead of remount.
	// 0 terminates on disconnect. Default: 0.
	ResumeWindow time.Duration

	// Store parks disconnected session state when ResumeWindow is
	// set. Default: an in-process session.MemoryStore.
	Store session.Store

	// Logger receives the server's structured logs.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with the defaults filled
// in. TokenSecret stays nil; the caller must supply one.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     SameOriginCheck,
		SessionConfig:   DefaultSessionConfig(),
		ShutdownTimeout: 30 * time.Second,
		CleanupInterval: 30 * time.Second,
	}
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.SessionConfig = c.SessionConfig.Clone()
	if c.TokenSecret != nil {
		clone.TokenSecret = make([]byte, len(c.TokenSecret))
		copy(clone.TokenSecret, c.TokenSecret)
	}
	return &clone
}

// WithAddress sets the listen address and returns the config for
// chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithTokenSecret sets the token signing secret and returns the
// config for chaining.
func (c *ServerConfig) WithTokenSecret(secret []byte) *ServerConfig {
	c.TokenSecret = secret
	return c
}

// WithResumeWindow sets the disconnect grace period and returns the
// config for chaining.
func (c *ServerConfig) WithResumeWindow(d time.Duration) *ServerConfig {
	c.ResumeWindow = d
	return c
}

// WithStore sets the parked-state store and returns the config for
// chaining.
func (c *ServerConfig) WithStore(store session.Store) *ServerConfig {
	c.Store = store
	return c
}

// WithMaxSessions sets the session cap and returns the config for
// chaining.
func (c *ServerConfig) WithMaxSessions(n int) *ServerConfig {
	c.MaxSessions = n
	return c
}

// envConfig mirrors the ServerConfig fields settable from the
// environment.
type envConfig struct {
	Address         string        `env:"DELTAVIEW_ADDR,default=:8080"`
	TokenSecret     string        `env:"DELTAVIEW_TOKEN_SECRET,default="`
	TokenMaxAge     time.Duration `env:"DELTAVIEW_TOKEN_MAX_AGE,default=1h"`
	ResumeWindow    time.Duration `env:"DELTAVIEW_RESUME_WINDOW,default=0"`
	MaxSessions     int           `env:"DELTAVIEW_MAX_SESSIONS,default=0"`
	ShutdownTimeout time.Duration `env:"DELTAVIEW_SHUTDOWN_TIMEOUT,default=30s"`
	IdleTimeout     time.Duration `env:"DELTAVIEW_IDLE_TIMEOUT,default=5m"`
}

// ConfigFromEnv layers DELTAVIEW_* environment variables over the
// defaults. An empty DELTAVIEW_TOKEN_SECRET leaves TokenSecret nil
// for the caller to fill.
func ConfigFromEnv() (*ServerConfig, error) {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		return nil, fmt.Errorf("server: config from env: %w", err)
	}

	c := DefaultServerConfig()
	c.Address = env.Address
	c.TokenMaxAge = env.TokenMaxAge
	c.ResumeWindow = env.ResumeWindow
	c.MaxSessions = env.MaxSessions
	c.ShutdownTimeout = env.ShutdownTimeout
	c.SessionConfig.IdleTimeout = env.IdleTimeout
	if env.TokenSecret != "" {
		c.TokenSecret = []byte(env.TokenSecret)
	}
	return c, nil
}

// SameOriginCheck accepts upgrades whose Origin host matches the
// request host, and requests that carry no Origin at all. The secure
// default for CheckOrigin.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return r.Host != "" && originURL.Host == r.Host
}
