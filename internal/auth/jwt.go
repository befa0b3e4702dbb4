// Package auth verifies and issues the HS256 session tokens presented by
// realtime clients.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the cookie the session token is read from
const DefaultCookieName = "authtoken"

var (
	// ErrMissingToken is returned when the request carries no token
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken is returned for a token with a bad signature, algorithm or structure
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired is returned for a token past its expiry
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrMissingIdentity is returned for a valid token without an id claim
	ErrMissingIdentity = errors.New("auth: token has no identity")
	// ErrMissingSecret is returned when no signing secret is configured
	ErrMissingSecret = errors.New("auth: secret is required")
)

// FullName is the display name carried in the token
type FullName struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// Claims are the session token claims. ID is the identity used for
// realtime rooms.
type Claims struct {
	ID       string   `json:"id"`
	Email    string   `json:"email,omitempty"`
	Fullname FullName `json:"fullname"`
	Role     string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates and issues HS256 tokens with a shared secret
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTVerifier creates a verifier. ttl is the lifetime of issued tokens.
func NewJWTVerifier(secret string, ttl time.Duration) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &JWTVerifier{
		secret: []byte(secret),
		ttl:    ttl,
	}, nil
}

// Issue signs a token for claims, filling in the registered time claims
func (v *JWTVerifier) Issue(claims Claims) (string, error) {
	if claims.ID == "" {
		return "", ErrMissingIdentity
	}

	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(v.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of tokenString and returns its
// claims. Tokens signed with anything but HMAC are rejected.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" {
		return nil, ErrMissingIdentity
	}

	return claims, nil
}

// TokenFromRequest reads the token from cookieName, falling back to an
// Authorization bearer header.
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}

	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && strings.TrimSpace(token) != "" {
		return strings.TrimSpace(token), nil
	}

	return "", ErrMissingToken
}

// Reason maps a verification error onto a short label for metrics and logs
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	default:
		return "invalid"
	}
}
