// Package session supplies the identity of the signed-in user.
//
// Sign-in and token refresh happen elsewhere; the core only needs the user
// id. Static serves the headless daemon, which runs for one configured
// user. The HTTP API accepts HS256 bearer tokens whose subject is the user
// id and carries the resulting Provider in the request context.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenInvalid is returned when a bearer token fails validation.
	ErrTokenInvalid = errors.New("session: invalid token")

	// ErrNoSession is returned when no authenticated user is available.
	ErrNoSession = errors.New("session: not authenticated")
)

// DefaultTokenTTL is the lifetime of tokens from IssueToken when none is given.
const DefaultTokenTTL = 15 * time.Minute

// Provider reports the current user.
type Provider interface {
	UserID() string
	Authenticated() bool
}

// Static is a fixed identity.
type Static string

// UserID implements Provider.
func (s Static) UserID() string { return string(s) }

// Authenticated implements Provider.
func (s Static) Authenticated() bool { return s != "" }

// Claims are the JWT claims accepted by ParseToken.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID implements Provider.
func (c *Claims) UserID() string { return c.Subject }

// Authenticated implements Provider.
func (c *Claims) Authenticated() bool { return c != nil && c.Subject != "" }

// IssueToken signs an access token for userID. It is used by tooling and
// tests; production tokens come from the identity service.
func IssueToken(userID, secret string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrTokenInvalid)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken validates an HS256 bearer token and returns its claims.
// It checks the signature, expiry and subject.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p Provider) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the provider stored in ctx, or nil.
func FromContext(ctx context.Context) Provider {
	p, _ := ctx.Value(contextKey{}).(Provider)
	return p
}

// UserID returns the authenticated user id from ctx, or ErrNoSession.
func UserID(ctx context.Context) (string, error) {
	p := FromContext(ctx)
	if p == nil || !p.Authenticated() {
		return "", ErrNoSession
	}
	return p.UserID(), nil
}
