// Package auth checks bearer tokens locally and against the backend, and
// keeps the last confirmed user for offline use.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRejected  = errors.New("token rejected by server")
	ErrNoCachedUser   = errors.New("no cached user")
)

// Claims is the decoded, unverified payload of a token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       jwt.MapClaims
}

// Decode reads a token's payload without checking its signature. The
// signature is the backend's concern; locally only expiry matters. A token
// without an exp claim is malformed.
func Decode(token string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrTokenMalformed)
	}

	c := &Claims{ExpiresAt: exp.Time, Raw: claims}
	if sub, err := claims.GetSubject(); err == nil {
		c.Subject = sub
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c, nil
}

// Expired reports whether the token is no longer valid at now.
func (c *Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
