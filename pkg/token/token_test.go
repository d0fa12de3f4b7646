package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer(NewSecret())
	id := Identity{SessionID: "a1b2c3d4", View: "counter", Query: "start=5&theme=dark"}

	tok, err := iss.Issue(id)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	got, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.SessionID != id.SessionID {
		t.Errorf("SessionID = %q, want %q", got.SessionID, id.SessionID)
	}
	if got.View != id.View {
		t.Errorf("View = %q, want %q", got.View, id.View)
	}
	if got.Query != id.Query {
		t.Errorf("Query = %q, want %q", got.Query, id.Query)
	}
	if got.IssuedAt.IsZero() {
		t.Error("IssuedAt is zero")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	iss := NewIssuer(NewSecret())
	tok, err := iss.Issue(Identity{SessionID: "sid", View: "counter"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	tests := []struct {
		name string
		tok  string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"flipped payload", parts[0] + "." + flipByte(parts[1]) + "." + parts[2]},
		{"flipped signature", parts[0] + "." + parts[1] + "." + flipByte(parts[2])},
		{"dropped signature", parts[0] + "." + parts[1] + "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := iss.Verify(tt.tok); !errors.Is(err, ErrInvalid) {
				t.Errorf("Verify() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func flipByte(seg string) string {
	if seg == "" {
		return "x"
	}
	b := []byte(seg)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	tok, err := NewIssuer(NewSecret()).Issue(Identity{SessionID: "sid", View: "v"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := NewIssuer(NewSecret()).Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify() with different key error = %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsStaleToken(t *testing.T) {
	iss := NewIssuer(NewSecret(), WithMaxAge(time.Hour), WithLeeway(time.Minute))
	issued := time.Now().Add(-2 * time.Hour)

	tok, err := iss.issueAt(Identity{SessionID: "sid", View: "v"}, issued)
	if err != nil {
		t.Fatalf("issueAt() error = %v", err)
	}
	if _, err := iss.Verify(tok); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify() error = %v, want ErrExpired", err)
	}
}

func TestVerifyAgeBoundary(t *testing.T) {
	iss := NewIssuer(NewSecret(), WithMaxAge(time.Hour), WithLeeway(time.Minute))
	issued := time.Unix(1_700_000_000, 0)

	tok, err := iss.issueAt(Identity{SessionID: "sid", View: "v"}, issued)
	if err != nil {
		t.Fatalf("issueAt() error = %v", err)
	}

	tests := []struct {
		name    string
		at      time.Time
		expired bool
	}{
		{"fresh", issued.Add(time.Minute), false},
		{"at max age", issued.Add(time.Hour), false},
		{"inside leeway past max age", issued.Add(time.Hour + 30*time.Second), false},
		{"past max age and leeway", issued.Add(time.Hour + 2*time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.verifyAt(tok, tt.at)
			if tt.expired && !errors.Is(err, ErrExpired) {
				t.Errorf("verifyAt() error = %v, want ErrExpired", err)
			}
			if !tt.expired && err != nil {
				t.Errorf("verifyAt() error = %v, want nil", err)
			}
		})
	}
}

func TestVerifyRejectsEmptySessionID(t *testing.T) {
	iss := NewIssuer(NewSecret())
	tok, err := iss.Issue(Identity{View: "counter"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := iss.Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify() error = %v, want ErrInvalid", err)
	}
}

func TestNewIssuerPanicsOnEmptySecret(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic, got none")
		}
	}()
	NewIssuer(nil)
}

func TestNewSecretLengthAndUniqueness(t *testing.T) {
	a, b := NewSecret(), NewSecret()
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("secret lengths = %d, %d, want 32", len(a), len(b))
	}
	if string(a) == string(b) {
		t.Error("two secrets are identical")
	}
}
