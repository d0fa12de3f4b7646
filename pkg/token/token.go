// Package token signs and verifies the session identity binding an
// initial page render to its subsequent socket attach.
//
// Tokens are HS256 JWTs (a keyed HMAC-SHA256 over the claims) carrying
// the session id, the mounted view and an issuance timestamp. The
// signing key is process-wide configuration established once at
// startup; there is no rotation. Verification pins the algorithm,
// recomputes the MAC and rejects tokens older than the configured
// maximum age.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalid reports a token that failed verification: tampered
	// payload, wrong key, unexpected algorithm or missing claims.
	ErrInvalid = errors.New("token: invalid token")

	// ErrExpired reports a token whose age exceeds the issuer's
	// maximum.
	ErrExpired = errors.New("token: token too old")
)

// Verification defaults.
const (
	DefaultMaxAge = time.Hour
	DefaultLeeway = time.Minute
)

// Identity is the signed payload. Query is the raw query string of
// the page request that minted the token, so the socket attach can
// mount the view with the same parameters. IssuedAt round-trips with
// second precision.
type Identity struct {
	SessionID string
	View      string
	Query     string
	IssuedAt  time.Time
}

// Issuer signs and verifies identities with a symmetric key. An
// Issuer is immutable after construction and safe for concurrent use.
type Issuer struct {
	secret []byte
	maxAge time.Duration
	leeway time.Duration
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithMaxAge sets the maximum accepted token age.
func WithMaxAge(d time.Duration) Option {
	return func(i *Issuer) { i.maxAge = d }
}

// WithLeeway sets the clock-skew allowance applied when checking age.
func WithLeeway(d time.Duration) Option {
	return func(i *Issuer) { i.leeway = d }
}

// NewIssuer returns an Issuer signing with secret. An empty secret is
// a startup misconfiguration and panics.
func NewIssuer(secret []byte, opts ...Option) *Issuer {
	if len(secret) == 0 {
		panic("token: empty signing secret")
	}
	iss := &Issuer{
		secret: secret,
		maxAge: DefaultMaxAge,
		leeway: DefaultLeeway,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss
}

type claims struct {
	SID   string `json:"sid"`
	View  string `json:"view"`
	Query string `json:"q,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs id with the current time as issuance.
func (i *Issuer) Issue(id Identity) (string, error) {
	return i.issueAt(id, time.Now())
}

func (i *Issuer) issueAt(id Identity, at time.Time) (string, error) {
	c := claims{
		SID:   id.SessionID,
		View:  id.View,
		Query: id.Query,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(at),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm and age of tok and returns
// the identity it binds.
func (i *Issuer) Verify(tok string) (Identity, error) {
	return i.verifyAt(tok, time.Now())
}

func (i *Issuer) verifyAt(tok string, at time.Time) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tok, &c,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid || c.SID == "" || c.IssuedAt == nil {
		return Identity{}, ErrInvalid
	}
	if age := at.Sub(c.IssuedAt.Time); age-i.leeway > i.maxAge {
		return Identity{}, fmt.Errorf("%w: issued %s ago", ErrExpired, age.Round(time.Second))
	}
	return Identity{
		SessionID: c.SID,
		View:      c.View,
		Query:     c.Query,
		IssuedAt:  c.IssuedAt.Time,
	}, nil
}

// NewSecret mints a 32-byte random signing key. Entropy failure is
// unrecoverable and panics.
func NewSecret() []byte {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("token: failed to generate random secret: " + err.Error())
	}
	return secret
}
