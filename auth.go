package chatsync

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials supplies the signed-in identity. It is owned by the auth
// collaborator; the sync core never refreshes tokens itself.
type Credentials interface {
	UserID() string
	Token() string
}

// StaticToken is a fixed user id and bearer token.
type StaticToken struct {
	User   string
	Bearer string
}

func (s StaticToken) UserID() string { return s.User }
func (s StaticToken) Token() string  { return s.Bearer }

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// ok is false when the token is not a JWT or carries no exp claim.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	date, err := parsed.Claims.GetExpirationTime()
	if err != nil || date == nil {
		return time.Time{}, false
	}
	return date.Time, true
}

// TokenSubject returns the sub claim of a JWT, which backends that issue
// JWTs use for the user id.
func TokenSubject(token string) (string, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// tokenExpired reports whether token is a JWT that expired before now.
// Opaque tokens are never considered expired locally.
func tokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && !now.Before(exp)
}
