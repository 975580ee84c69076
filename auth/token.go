// Package auth issues and verifies agent bearer tokens.
//
// Tokens are HS256 JWTs whose subject is an agent ID. The gateway binds a
// connection to the token subject, and the push package signs webhook
// requests so receiving agents can verify they came from the bus.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWeakSecret   = errors.New("secret must be at least 32 bytes")
	ErrNoSubject    = errors.New("token has no subject")
)

const (
	// DefaultIssuer is the iss claim of tokens issued by the bus.
	DefaultIssuer = "agentbus"

	// DefaultTTL is the lifetime of agent tokens.
	DefaultTTL = 24 * time.Hour

	// AudienceAgent marks tokens agents present to the gateway.
	AudienceAgent = "agentbus.gateway"

	// AudiencePush marks tokens the bus attaches to webhook pushes.
	AudiencePush = "agentbus.push"
)

// Claims are the JWT claims of an agent token.
type Claims struct {
	// Capabilities copies the agent's registry capabilities at issue time.
	Capabilities []string `json:"caps,omitempty"`

	jwt.RegisteredClaims
}

// AgentID returns the token subject.
func (c *Claims) AgentID() string {
	return c.Subject
}

// Signer issues and verifies tokens with one shared secret.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithIssuer overrides DefaultIssuer.
func WithIssuer(iss string) Option {
	return func(s *Signer) { s.issuer = iss }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a signer. The secret must be at least 32 bytes.
func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	s := &Signer{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue returns a gateway token for agentID.
func (s *Signer) Issue(agentID string, capabilities ...string) (string, error) {
	return s.sign(agentID, AudienceAgent, "", s.ttl, capabilities)
}

// IssuePush returns a short-lived token for one pushed message.
func (s *Signer) IssuePush(agentID, messageID string, ttl time.Duration) (string, error) {
	return s.sign(agentID, AudiencePush, messageID, ttl, nil)
}

func (s *Signer) sign(subject, audience, id string, ttl time.Duration, caps []string) (string, error) {
	if subject == "" {
		return "", ErrNoSubject
	}
	now := s.now()
	claims := Claims{
		Capabilities: caps,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        id,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify parses token and checks signature, issuer, audience and expiry.
func (s *Signer) Verify(token, audience string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return nil, ErrNoSubject
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
