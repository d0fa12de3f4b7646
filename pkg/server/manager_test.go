package server

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/session"
	"github.com/deltaview/deltaview/pkg/token"
)

func newTestManager(t *testing.T, maxSessions int, resumeWindow time.Duration, store session.Store) *SessionManager {
	t.Helper()
	sm := newSessionManager(DefaultSessionConfig(), maxSessions, resumeWindow, time.Minute, store, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sm.Shutdown(ctx)
	})
	return sm
}

func attach(t *testing.T, sm *SessionManager, id string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s, _, err := sm.Attach(context.Background(), conn, token.Identity{SessionID: id, View: "counter"}, counterDef(t))
	if err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}
	return s, conn
}

func TestManagerAttach(t *testing.T) {
	sm := newTestManager(t, 0, 0, nil)

	s, _ := attach(t, sm, "s1")
	if s.State() != StateActive {
		t.Fatalf("state = %v after attach, want Active", s.State())
	}
	if got := sm.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	got, err := sm.Get("s1")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := sm.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get(nope) = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerSupersede(t *testing.T) {
	sm := newTestManager(t, 0, 0, nil)

	first, firstConn := attach(t, sm, "dup")
	second, _ := attach(t, sm, "dup")

	expectClose(t, firstConn, 4409)
	waitForState(t, first, StateTerminated)

	if got := sm.Count(); got != 1 {
		t.Fatalf("count = %d after supersede, want 1", got)
	}
	if got, _ := sm.Get("dup"); got != second {
		t.Fatal("registry should hold the superseding session")
	}
}

func TestManagerMaxSessionsEvictsLRU(t *testing.T) {
	sm := newTestManager(t, 2, 0, nil)

	oldest, oldestConn := attach(t, sm, "s1")
	time.Sleep(5 * time.Millisecond)
	attach(t, sm, "s2")
	time.Sleep(5 * time.Millisecond)
	attach(t, sm, "s3")

	expectClose(t, oldestConn, websocket.CloseGoingAway)
	waitForState(t, oldest, StateTerminated)
	if got := sm.Count(); got != 2 {
		t.Fatalf("count = %d at the cap, want 2", got)
	}
	if _, err := sm.Get("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("evicted session still registered")
	}
}

func TestManagerResume(t *testing.T) {
	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	sm := newTestManager(t, 0, time.Minute, store)

	s, conn := attach(t, sm, "r1")
	s.start()
	if err := s.Dispatch(func(v live.View) { v.(*counterView).Count = 7 }); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	expectPatch(t, conn, 1)

	// Transport loss parks the state.
	conn.peerClose()
	waitForState(t, s, StateTerminated)
	if data, err := store.Load(context.Background(), "r1"); err != nil || data == nil {
		t.Fatalf("parked state = %v, %v", data, err)
	}

	resumedConn := newFakeConn()
	resumed, wasResumed, err := sm.Attach(context.Background(), resumedConn, token.Identity{SessionID: "r1", View: "counter"}, counterDef(t))
	if err != nil {
		t.Fatalf("resume attach: %v", err)
	}
	if !wasResumed {
		t.Fatal("attach inside the resume window should resume, not remount")
	}
	if got := resumed.view.(*counterView).Count; got != 7 {
		t.Fatalf("resumed count = %d, want 7", got)
	}

	// A parked session resumes at most once.
	if data, _ := store.Load(context.Background(), "r1"); data != nil {
		t.Fatal("parked state should be consumed by the resume")
	}
}

func TestManagerOrderlyCloseDoesNotPark(t *testing.T) {
	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	sm := newTestManager(t, 0, time.Minute, store)

	s, conn := attach(t, sm, "c1")
	s.start()

	conn.push([]byte(`{"disconnect":""}`))
	waitForState(t, s, StateTerminated)

	if data, _ := store.Load(context.Background(), "c1"); data != nil {
		t.Fatal("orderly disconnect must not park state")
	}
}

func TestManagerNoResumeWithoutRestore(t *testing.T) {
	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	sm := newTestManager(t, 0, time.Minute, store)

	def := counterDef(t)
	def.Restore = nil
	conn := newFakeConn()
	s, _, err := sm.Attach(context.Background(), conn, token.Identity{SessionID: "n1", View: "counter"}, def)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.start()

	conn.peerClose()
	waitForState(t, s, StateTerminated)
	if data, _ := store.Load(context.Background(), "n1"); data != nil {
		t.Fatal("a view without Restore must not park state")
	}
}

func TestManagerIdleCleanup(t *testing.T) {
	config := DefaultSessionConfig()
	config.IdleTimeout = 20 * time.Millisecond
	sm := newSessionManager(config, 0, 0, 10*time.Millisecond, nil, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sm.Shutdown(ctx)
	})

	conn := newFakeConn()
	s, _, err := sm.Attach(context.Background(), conn, token.Identity{SessionID: "idle", View: "counter"}, counterDef(t))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.start()

	waitForState(t, s, StateTerminated)
	deadline := time.Now().Add(2 * time.Second)
	for sm.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sm.Count(); got != 0 {
		t.Fatalf("count = %d after idle sweep, want 0", got)
	}
}

func TestManagerShutdown(t *testing.T) {
	sm := newSessionManager(DefaultSessionConfig(), 0, 0, time.Minute, nil, testLogger())

	s1, c1 := attach(t, sm, "s1")
	s2, _ := attach(t, sm, "s2")
	s1.start()
	s2.start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	waitForState(t, s1, StateTerminated)
	waitForState(t, s2, StateTerminated)
	if got := sm.Count(); got != 0 {
		t.Fatalf("count = %d after shutdown, want %d", got, 0)
	}
	expectClose(t, c1, websocket.CloseGoingAway)

	conn := newFakeConn()
	_, _, err := sm.Attach(context.Background(), conn, token.Identity{SessionID: "late", View: "counter"}, counterDef(t))
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("attach after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestManagerStats(t *testing.T) {
	sm := newTestManager(t, 0, 0, nil)

	s1, _ := attach(t, sm, "s1")
	attach(t, sm, "s2")
	s1.exit(0, "", false)
	waitForState(t, s1, StateTerminated)

	stats := sm.Stats()
	if stats.Active != 1 {
		t.Errorf("Active = %d, want 1", stats.Active)
	}
	if stats.Peak != 2 {
		t.Errorf("Peak = %d, want 2", stats.Peak)
	}
	if stats.TotalCreated != 2 {
		t.Errorf("TotalCreated = %d, want 2", stats.TotalCreated)
	}
	if stats.TotalClosed != 1 {
		t.Errorf("TotalClosed = %d, want 1", stats.TotalClosed)
	}
}

func TestManagerMountFailure(t *testing.T) {
	sm := newTestManager(t, 0, 0, nil)

	def := counterDef(t)
	def.Mount = func(context.Context, url.Values) (live.View, error) {
		return nil, errors.New("upstream unavailable")
	}
	conn := newFakeConn()
	_, _, err := sm.Attach(context.Background(), conn, token.Identity{SessionID: "m1", View: "counter"}, def)
	if err == nil {
		t.Fatal("attach should surface the mount failure")
	}
	var serr *SessionError
	if !errors.As(err, &serr) || serr.Op != "mount" {
		t.Fatalf("err = %v, want a mount SessionError", err)
	}
	if got := sm.Count(); got != 0 {
		t.Fatalf("count = %d after failed mount, want 0", got)
	}
}
