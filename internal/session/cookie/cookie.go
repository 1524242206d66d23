// Package cookie centralizes session cookie behavior. The cookie carries a
// signed token wrapping the server-side session ID, so a tampered cookie
// resolves to an anonymous session instead of someone else's.
package cookie

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Name is the canonical session cookie name.
const Name = "atrium_session"

const issuer = "atrium"

// ErrInvalidToken indicates a session token that failed verification.
var ErrInvalidToken = errors.New("invalid session token")

// Codec signs and verifies session cookie tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewCodec creates a codec with the given signing secret and token TTL.
func NewCodec(secret []byte, ttl time.Duration) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &Codec{secret: secret, ttl: ttl, clock: time.Now}, nil
}

// Issue returns a signed token wrapping the session ID.
func (c *Codec) Issue(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	now := c.clock().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Verify returns the session ID wrapped by a signed token.
func (c *Codec) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return c.clock().UTC() }),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	sessionID := strings.TrimSpace(claims.Subject)
	if sessionID == "" {
		return "", ErrInvalidToken
	}
	return sessionID, nil
}

// Read returns the raw cookie token when present.
func Read(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	c, err := r.Cookie(Name)
	if err != nil || c == nil {
		return "", false
	}
	value := strings.TrimSpace(c.Value)
	if value == "" {
		return "", false
	}
	return value, true
}

// Write sets the session cookie.
func Write(w http.ResponseWriter, token string, secure bool) {
	if w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     Name,
		Value:    strings.TrimSpace(token),
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie.
func Clear(w http.ResponseWriter, secure bool) {
	if w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
