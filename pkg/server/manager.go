package server

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/middleware"
	"github.com/deltaview/deltaview/pkg/protocol"
	"github.com/deltaview/deltaview/pkg/session"
	"github.com/deltaview/deltaview/pkg/token"
)

// SessionManager owns the registry of live sessions: attach, lookup,
// supersede, idle cleanup, LRU eviction at capacity, parking for the
// resume window, and graceful shutdown.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	peak     int

	config       *SessionConfig
	maxSessions  int
	resumeWindow time.Duration
	store        session.Store

	chain   middleware.Middleware
	metrics *middleware.Metrics

	done         chan struct{}
	cleanupDone  chan struct{}
	shuttingDown atomic.Bool

	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	totalResumed atomic.Uint64

	logger *slog.Logger
}

// ManagerStats is a point-in-time snapshot of the session registry.
type ManagerStats struct {
	Active       int
	Peak         int
	TotalCreated uint64
	TotalClosed  uint64
	TotalResumed uint64
}

// newSessionManager builds a manager and starts its cleanup loop.
// store may be nil when resumeWindow is zero.
func newSessionManager(config *SessionConfig, maxSessions int, resumeWindow, cleanupInterval time.Duration, store session.Store, logger *slog.Logger) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 30 * time.Second
	}

	sm := &SessionManager{
		sessions:     make(map[string]*Session),
		config:       config,
		maxSessions:  maxSessions,
		resumeWindow: resumeWindow,
		store:        store,
		done:         make(chan struct{}),
		cleanupDone:  make(chan struct{}),
		logger:       logger.With("component", "session_manager"),
	}
	go sm.cleanupLoop(cleanupInterval)
	return sm
}

// resumable reports whether parked state exists as a concept for def.
func (sm *SessionManager) resumable(def *live.Definition) bool {
	return sm.resumeWindow > 0 && sm.store != nil && def.Restore != nil
}

// Attach binds a fresh connection to the identity a verified token
// carries: restoring parked state when the resume window allows it,
// mounting the view anew otherwise. A connection already attached
// under the same id is superseded and closed.
func (sm *SessionManager) Attach(ctx context.Context, conn Conn, id token.Identity, def *live.Definition) (*Session, bool, error) {
	if sm.shuttingDown.Load() {
		return nil, false, ErrShuttingDown
	}

	sm.mu.Lock()

	if prev, ok := sm.sessions[id.SessionID]; ok {
		delete(sm.sessions, id.SessionID)
		sm.mu.Unlock()
		sm.logger.Info("session superseded", "session_id", id.SessionID)
		prev.exit(protocol.CloseSuperseded, "superseded by another connection", false)
		sm.mu.Lock()
	}

	var evicted *Session
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		evicted = sm.removeLRULocked()
		if evicted == nil {
			sm.mu.Unlock()
			return nil, false, ErrMaxSessionsReached
		}
	}

	s := newSession(id.SessionID, def, conn, sm.config, sm.chain, sm.logger)
	s.onExit = sm.sessionExited
	sm.sessions[s.ID] = s
	if len(sm.sessions) > sm.peak {
		sm.peak = len(sm.sessions)
	}
	sm.totalCreated.Add(1)
	sm.mu.Unlock()

	if evicted != nil {
		sm.logger.Warn("session evicted at capacity", "session_id", evicted.ID)
		evicted.exit(websocket.CloseGoingAway, "evicted", true)
	}

	resumed := false
	if sm.resumable(def) {
		if state, err := sm.store.Load(ctx, id.SessionID); err != nil {
			sm.logger.Warn("parked state load failed", "session_id", id.SessionID, "error", err)
		} else if state != nil {
			if err := s.restore(state); err != nil {
				sm.logger.Warn("resume failed, mounting fresh", "session_id", id.SessionID, "error", err)
			} else {
				// A parked session resumes at most once.
				sm.store.Delete(ctx, id.SessionID)
				resumed = true
				sm.totalResumed.Add(1)
				if sm.metrics != nil {
					sm.metrics.SessionResumed()
				}
			}
		}
	}

	if !resumed {
		// Mount with the query parameters of the page request that
		// minted the token, so the socket-side baseline matches the
		// HTML the client is already showing.
		params, err := url.ParseQuery(id.Query)
		if err != nil {
			params = nil
		}
		if err := s.mount(ctx, params); err != nil {
			sm.remove(s.ID)
			return nil, false, err
		}
	}

	if sm.metrics != nil {
		sm.metrics.SessionStarted()
	}
	sm.logger.Info("session attached",
		"session_id", s.ID,
		"view", s.View,
		"resumed", resumed,
		"active_sessions", sm.Count())
	return s, resumed, nil
}

// sessionExited runs on every session teardown: park the state when
// the resume window applies, then release and deregister.
func (sm *SessionManager) sessionExited(s *Session, park bool) {
	if park && sm.resumable(s.def) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if state, err := s.marshalState(); err != nil {
			s.logger.Warn("state serialization failed, not parking", "error", err)
		} else if err := sm.store.Save(ctx, s.ID, state, time.Now().Add(sm.resumeWindow)); err != nil {
			s.logger.Warn("parking failed", "error", err)
		} else {
			s.logger.Info("session parked", "resume_window", sm.resumeWindow)
			if sm.metrics != nil {
				sm.metrics.SessionDetached()
			}
		}
	}

	s.finish()
	sm.remove(s.ID)
	sm.totalClosed.Add(1)
	if sm.metrics != nil {
		sm.metrics.SessionClosed()
	}
	sm.logger.Info("session terminated", "session_id", s.ID, "seq", s.Seq())
}

// Get returns a live session by id.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Each calls fn for every live session, on a snapshot taken under the
// lock. The usual caller is a broadcast loop pushing server-initiated
// updates through Session.Dispatch.
func (sm *SessionManager) Each(fn func(*Session)) {
	sm.mu.RLock()
	snapshot := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		snapshot = append(snapshot, s)
	}
	sm.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Stats returns a snapshot of the registry's counters.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	active := len(sm.sessions)
	peak := sm.peak
	sm.mu.RUnlock()

	return ManagerStats{
		Active:       active,
		Peak:         peak,
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		TotalResumed: sm.totalResumed.Load(),
	}
}

func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

// removeLRULocked pops the least recently active session from the
// registry; the caller tears it down outside the lock.
func (sm *SessionManager) removeLRULocked() *Session {
	var victim *Session
	for _, s := range sm.sessions {
		if victim == nil || s.LastActive().Before(victim.LastActive()) {
			victim = s
		}
	}
	if victim != nil {
		delete(sm.sessions, victim.ID)
	}
	return victim
}

// cleanupLoop closes sessions idle past IdleTimeout.
func (sm *SessionManager) cleanupLoop(interval time.Duration) {
	defer close(sm.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.closeIdle()
		case <-sm.done:
			return
		}
	}
}

func (sm *SessionManager) closeIdle() {
	cutoff := time.Now().Add(-sm.config.IdleTimeout)

	sm.mu.RLock()
	var idle []*Session
	for _, s := range sm.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	sm.mu.RUnlock()

	for _, s := range idle {
		s.logger.Info("closing idle session", "last_active", s.LastActive())
		s.Close()
	}
}

// Shutdown refuses new attaches, then drains all sessions
// concurrently — parking resumable state so clients can come back
// after a restart — bounded by ctx.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.shuttingDown.Store(true)
	close(sm.done)
	<-sm.cleanupDone

	sm.mu.RLock()
	open := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		open = append(open, s)
	}
	sm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range open {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if data, err := protocol.EncodeDisconnect("server shutting down"); err == nil {
				s.send(data)
			}
			s.exit(websocket.CloseGoingAway, "server shutting down", true)
			// Parking happens on the session's event loop; wait for it
			// so state is durable before the process goes away.
			select {
			case <-s.finalized:
			case <-ctx.Done():
			}
		}(s)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
