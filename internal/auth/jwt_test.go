package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret, time.Hour)
	require.NoError(t, err)
	return v
}

func TestJWTVerifier(t *testing.T) {
	t.Run("requires a secret", func(t *testing.T) {
		_, err := NewJWTVerifier("", time.Hour)
		assert.ErrorIs(t, err, ErrMissingSecret)
	})

	t.Run("round trips issued claims", func(t *testing.T) {
		v := newVerifier(t)

		token, err := v.Issue(Claims{
			ID:       "alice",
			Email:    "alice@example.com",
			Fullname: FullName{Firstname: "Alice", Lastname: "Liddell"},
			Role:     "user",
		})
		require.NoError(t, err)

		claims, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.ID)
		assert.Equal(t, "alice@example.com", claims.Email)
		assert.Equal(t, "Alice", claims.Fullname.Firstname)
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
	})

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		other, err := NewJWTVerifier("a-completely-different-secret-value", time.Hour)
		require.NoError(t, err)
		token, err := other.Issue(Claims{ID: "alice"})
		require.NoError(t, err)

		_, err = newVerifier(t).Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.Equal(t, "invalid", Reason(err))
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		v := newVerifier(t)
		token, err := v.Issue(Claims{
			ID:               "alice",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		})
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
		assert.Equal(t, "expired", Reason(err))
	})

	t.Run("rejects the none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ID: "alice"})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = newVerifier(t).Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects garbage and empty tokens", func(t *testing.T) {
		v := newVerifier(t)

		_, err := v.Verify("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)

		_, err = v.Verify("")
		assert.ErrorIs(t, err, ErrMissingToken)
		assert.Equal(t, "missing", Reason(err))
	})

	t.Run("requires an identity claim", func(t *testing.T) {
		v := newVerifier(t)

		_, err := v.Issue(Claims{})
		assert.ErrorIs(t, err, ErrMissingIdentity)

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		})
		signed, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = v.Verify(signed)
		assert.ErrorIs(t, err, ErrMissingIdentity)
	})
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("reads the session cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "cookie-token"})
		r.Header.Set("Authorization", "Bearer header-token")

		token, err := TokenFromRequest(r, "")
		require.NoError(t, err)
		assert.Equal(t, "cookie-token", token)
	})

	t.Run("falls back to the bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer header-token")

		token, err := TokenFromRequest(r, "session")
		require.NoError(t, err)
		assert.Equal(t, "header-token", token)
	})

	t.Run("reports a missing token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

		_, err := TokenFromRequest(r, "")
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}
