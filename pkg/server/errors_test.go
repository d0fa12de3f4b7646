package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/deltaview/deltaview/pkg/protocol"
)

func TestSessionErrorWrapping(t *testing.T) {
	inner := errors.New("boom")
	err := &SessionError{SessionID: "abc", Op: "mount", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("SessionError should unwrap to its cause")
	}
	for _, want := range []string{"abc", "mount", "boom"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error() = %q, missing %q", err.Error(), want)
		}
	}

	anon := &SessionError{Op: "attach", Err: inner}
	if strings.Contains(anon.Error(), "session ") {
		t.Errorf("Error() without an id should omit the session clause: %q", anon.Error())
	}
}

func TestHandlerErrorMessage(t *testing.T) {
	err := &HandlerError{SessionID: "abc", Event: "save", Panic: "nil map write"}
	for _, want := range []string{"abc", "save", "nil map write"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error() = %q, missing %q", err.Error(), want)
		}
	}
}

func TestProtocolErrorWrapping(t *testing.T) {
	err := &ProtocolError{Op: "handshake", Err: protocol.ErrMalformed}
	if !errors.Is(err, protocol.ErrMalformed) {
		t.Error("ProtocolError should unwrap to the protocol sentinel")
	}
}
