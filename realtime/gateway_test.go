package realtime_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cadence/internal/auth"
	"github.com/glimte/cadence/realtime"
)

const secret = "gateway-test-secret-with-enough-entropy"

type gatewayFixture struct {
	gateway  *realtime.Gateway
	verifier *auth.JWTVerifier
	server   *httptest.Server
	url      string
}

func newGatewayFixture(t *testing.T, opts ...realtime.GatewayOption) *gatewayFixture {
	t.Helper()

	verifier, err := auth.NewJWTVerifier(secret, time.Hour)
	require.NoError(t, err)

	base := []realtime.GatewayOption{realtime.WithGatewayLogger(slog.New(slog.DiscardHandler))}
	gateway := realtime.NewGateway(verifier, append(base, opts...)...)
	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gateway.Shutdown(ctx)
		server.Close()
	})

	return &gatewayFixture{
		gateway:  gateway,
		verifier: verifier,
		server:   server,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *gatewayFixture) token(t *testing.T, identity string) string {
	t.Helper()
	token, err := f.verifier.Issue(auth.Claims{ID: identity, Email: identity + "@example.com"})
	require.NoError(t, err)
	return token
}

func (f *gatewayFixture) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Add("Cookie", auth.DefaultCookieName+"="+f.token(t, identity))

	conn, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *gatewayFixture) waitSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.gateway.SessionCount() == n }, time.Second, 5*time.Millisecond)
}

func readFrame(conn *websocket.Conn, wait time.Duration) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	_, frame, err := conn.ReadMessage()
	return string(frame), err
}

func TestGatewayHandshake(t *testing.T) {
	rejected := func(t *testing.T, f *gatewayFixture, header http.Header) int {
		t.Helper()
		_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("rejects a request without a token", func(t *testing.T) {
		f := newGatewayFixture(t)

		assert.Equal(t, http.StatusUnauthorized, rejected(t, f, nil))
		assert.Equal(t, 0, f.gateway.SessionCount())
		assert.Equal(t, 0, f.gateway.RoomCount())
	})

	t.Run("rejects a token with a bad signature", func(t *testing.T) {
		f := newGatewayFixture(t)
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{ID: "alice"}).SignedString([]byte("wrong-secret"))
		require.NoError(t, err)

		header := http.Header{}
		header.Set("Authorization", "Bearer "+forged)

		assert.Equal(t, http.StatusUnauthorized, rejected(t, f, header))
		assert.Equal(t, 0, f.gateway.SessionCount())
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		f := newGatewayFixture(t)
		expired, err := f.verifier.Issue(auth.Claims{
			ID:               "alice",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		})
		require.NoError(t, err)

		header := http.Header{}
		header.Add("Cookie", auth.DefaultCookieName+"="+expired)

		assert.Equal(t, http.StatusUnauthorized, rejected(t, f, header))
		assert.Equal(t, 0, f.gateway.RoomCount())
	})

	t.Run("rejects an origin that is not allowed", func(t *testing.T) {
		f := newGatewayFixture(t, realtime.WithAllowedOrigins("https://app.example.com"))

		header := http.Header{}
		header.Set("Origin", "https://evil.example.com")
		header.Add("Cookie", auth.DefaultCookieName+"="+f.token(t, "alice"))

		assert.Equal(t, http.StatusForbidden, rejected(t, f, header))
		assert.Equal(t, 0, f.gateway.SessionCount())
	})

	t.Run("accepts an allowed origin with a bearer token", func(t *testing.T) {
		f := newGatewayFixture(t, realtime.WithAllowedOrigins("https://app.example.com/"))

		header := http.Header{}
		header.Set("Origin", "https://app.example.com")
		header.Set("Authorization", "Bearer "+f.token(t, "alice"))

		conn, resp, err := websocket.DefaultDialer.Dial(f.url, header)
		require.NoError(t, err)
		defer conn.Close()
		defer resp.Body.Close()

		f.waitSessions(t, 1)
		assert.Equal(t, 1, f.gateway.RoomCount())
	})
}

func TestGatewayRelay(t *testing.T) {
	t.Run("play from one session reaches its sibling and nobody else", func(t *testing.T) {
		f := newGatewayFixture(t)
		a1 := f.dial(t, "alice")
		a2 := f.dial(t, "alice")
		b1 := f.dial(t, "bob")
		f.waitSessions(t, 3)
		assert.Equal(t, 2, f.gateway.RoomCount())

		require.NoError(t, a1.WriteMessage(websocket.TextMessage, []byte(`{"event":"play","data":{"musicId":"m-1"}}`)))

		frame, err := readFrame(a2, time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"play","data":{"musicId":"m-1"}}`, frame)

		_, err = readFrame(b1, 50*time.Millisecond)
		assert.Error(t, err)
		_, err = readFrame(a1, 50*time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("a malformed event is answered to the sender", func(t *testing.T) {
		f := newGatewayFixture(t)
		a1 := f.dial(t, "alice")
		a2 := f.dial(t, "alice")
		f.waitSessions(t, 2)

		require.NoError(t, a1.WriteMessage(websocket.TextMessage, []byte(`{"event":"play"}`)))

		frame, err := readFrame(a1, time.Second)
		require.NoError(t, err)
		assert.Contains(t, frame, `"event":"error"`)

		_, err = readFrame(a2, 50*time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("a binary frame is answered to the sender", func(t *testing.T) {
		f := newGatewayFixture(t)
		a1 := f.dial(t, "alice")
		a2 := f.dial(t, "alice")
		f.waitSessions(t, 2)

		require.NoError(t, a1.WriteMessage(websocket.BinaryMessage, []byte(`{"event":"play","data":{"musicId":"m-1"}}`)))

		frame, err := readFrame(a1, time.Second)
		require.NoError(t, err)
		assert.Contains(t, frame, `"event":"error"`)
		assert.Contains(t, frame, realtime.ErrUnsupportedFrame.Error())

		_, err = readFrame(a2, 50*time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("a closed session leaves its room", func(t *testing.T) {
		f := newGatewayFixture(t)
		a1 := f.dial(t, "alice")
		a2 := f.dial(t, "alice")
		f.waitSessions(t, 2)

		require.NoError(t, a2.Close())
		f.waitSessions(t, 1)

		require.NoError(t, a1.WriteMessage(websocket.TextMessage, []byte(`{"event":"pause"}`)))
		assert.Equal(t, 1, f.gateway.Rooms().Members("alice"))
	})

	t.Run("shutdown closes every session with going away", func(t *testing.T) {
		f := newGatewayFixture(t)
		a1 := f.dial(t, "alice")
		f.waitSessions(t, 1)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, f.gateway.Shutdown(ctx))

		_, err := readFrame(a1, time.Second)
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
		assert.Equal(t, 0, f.gateway.SessionCount())
		assert.ErrorIs(t, f.gateway.Shutdown(ctx), realtime.ErrGatewayClosed)

		_, resp, err := websocket.DefaultDialer.Dial(f.url, http.Header{"Cookie": {auth.DefaultCookieName + "=" + f.token(t, "alice")}})
		require.Error(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
