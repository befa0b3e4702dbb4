package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glimte/cadence/internal/auth"
	"github.com/glimte/cadence/internal/metrics"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultReadLimit  = 64 * 1024
	defaultSendBuffer = 64
)

// ErrGatewayClosed is returned by Shutdown when called twice
var ErrGatewayClosed = errors.New("realtime: gateway closed")

// TokenVerifier validates a session token and returns its claims
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Gateway upgrades authenticated HTTP requests to realtime sessions and
// places each session in the room of its identity
type Gateway struct {
	verifier       TokenVerifier
	rooms          *Rooms
	relay          *Relay
	upgrader       websocket.Upgrader
	cookieName     string
	allowedOrigins []string
	sendBuffer     int
	readLimit      int64
	writeWait      time.Duration
	pongWait       time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// GatewayOption configures the Gateway
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithAllowedOrigins sets the origins allowed to open sessions. "*" allows
// any origin, including requests without one.
func WithAllowedOrigins(origins ...string) GatewayOption {
	return func(g *Gateway) {
		g.allowedOrigins = origins
	}
}

// WithCookieName sets the cookie the session token is read from
func WithCookieName(name string) GatewayOption {
	return func(g *Gateway) {
		g.cookieName = name
	}
}

// WithSendBuffer sets the per-session outbound queue size
func WithSendBuffer(size int) GatewayOption {
	return func(g *Gateway) {
		g.sendBuffer = size
	}
}

// WithReadLimit sets the maximum inbound frame size
func WithReadLimit(limit int64) GatewayOption {
	return func(g *Gateway) {
		g.readLimit = limit
	}
}

// WithKeepalive sets how long a session may stay silent before it is
// dropped. Pings are sent at nine tenths of pongWait.
func WithKeepalive(pongWait, writeWait time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.pongWait = pongWait
		g.writeWait = writeWait
	}
}

// NewGateway creates a gateway verifying tokens with verifier
func NewGateway(verifier TokenVerifier, options ...GatewayOption) *Gateway {
	g := &Gateway{
		verifier:       verifier,
		rooms:          NewRooms(),
		cookieName:     auth.DefaultCookieName,
		allowedOrigins: []string{"*"},
		sendBuffer:     defaultSendBuffer,
		readLimit:      defaultReadLimit,
		writeWait:      defaultWriteWait,
		pongWait:       defaultPongWait,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(g)
	}

	g.relay = NewRelay(g.rooms, g.logger)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      g.checkOrigin,
	}

	return g
}

// Rooms returns the room registry
func (g *Gateway) Rooms() *Rooms {
	return g.rooms
}

// SessionCount returns the number of live sessions
func (g *Gateway) SessionCount() int {
	sessions, _ := g.rooms.Counts()
	return sessions
}

// RoomCount returns the number of identities with at least one session
func (g *Gateway) RoomCount() int {
	_, rooms := g.rooms.Counts()
	return rooms
}

// ServeHTTP authenticates the request and upgrades it. Unauthenticated
// requests get 401 and never join a room.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if !g.checkOrigin(r) {
		metrics.RecordHandshakeFailure("origin")
		g.logger.Warn("realtime handshake rejected", "reason", "origin", "origin", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	claims, err := g.authenticate(r)
	if err != nil {
		reason := auth.Reason(err)
		metrics.RecordHandshakeFailure(reason)
		g.logger.Warn("realtime handshake rejected", "reason", reason, "remoteAddr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "identity", claims.ID, "error", err)
		return
	}

	session := NewSession(conn, claims.ID, g.sendBuffer)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(g.writeWait))
		_ = conn.Close()
		return
	}
	g.rooms.Join(session)
	g.wg.Add(2)
	g.mu.Unlock()

	g.updateGauges()

	g.logger.Info("realtime session opened",
		"sessionId", session.ID,
		"identity", session.Identity,
		"members", g.rooms.Members(session.Identity))

	go g.writePump(session)
	go g.readPump(session)
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	token, err := auth.TokenFromRequest(r, g.cookieName)
	if err != nil {
		return nil, err
	}
	return g.verifier.Verify(token)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")

	for _, allowed := range g.allowedOrigins {
		if allowed == "*" {
			return true
		}
		if origin != "" && strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func (g *Gateway) readPump(s *Session) {
	defer g.wg.Done()
	defer func() {
		if g.rooms.Leave(s) {
			g.updateGauges()
			g.logger.Info("realtime session closed", "sessionId", s.ID, "identity", s.Identity)
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(g.readLimit)
	if err := s.conn.SetReadDeadline(time.Now().Add(g.pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(g.pongWait))
	})

	for {
		messageType, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("unexpected websocket close", "sessionId", s.ID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			g.relay.reject(s, "", ErrUnsupportedFrame)
			continue
		}

		_ = g.relay.Handle(s, frame)
	}
}

func (g *Gateway) writePump(s *Session) {
	ticker := time.NewTicker(g.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		g.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(g.writeWait)); err != nil {
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.logger.Debug("websocket write failed", "sessionId", s.ID, "error", err)
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(g.writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) updateGauges() {
	sessions, rooms := g.rooms.Counts()
	metrics.UpdateRealtimeGauges(sessions, rooms)
}

// Shutdown sends a going-away close frame to every session and waits for
// their pumps to exit or ctx to end. New upgrades are refused.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	g.closed = true
	g.mu.Unlock()

	sessions := g.rooms.All()
	g.logger.Info("closing realtime sessions", "sessions", len(sessions))

	closeFrame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, s := range sessions {
		_ = s.conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(g.writeWait))
		_ = s.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
