package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"github.com/glimte/cadence/internal/reliability"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultHeartbeat      = 10 * time.Second
)

// State is the lifecycle state of the broker connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single broker connection and its shared channel.
// Connection attempts are coalesced, and a lost transport is re-established
// on a timer driven by the retry policy.
type ConnectionManager struct {
	url            string
	dial           Dialer
	policy         reliability.RetryPolicy
	connectTimeout time.Duration
	heartbeat      time.Duration
	connectionName string
	logger         *slog.Logger

	group singleflight.Group

	mu             sync.RWMutex
	state          State
	conn           Connection
	channel        Channel
	attempts       int
	everConnected  bool
	retryTimer     *time.Timer
	ready          chan struct{}
	closed         bool
	done           chan struct{}

	// chMu serializes use of the shared channel
	chMu sync.Mutex

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer, mainly for tests
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithRetryPolicy sets the policy that schedules reconnection attempts
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithReconnectDelay retries forever with a fixed delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = reliability.NewFixedInterval(delay, 0)
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the connection_name client property shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager. No connection is made
// until Connect or EnsureConnected is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		policy:         reliability.NewFixedInterval(defaultReconnectDelay, 0),
		connectTimeout: defaultConnectTimeout,
		heartbeat:      defaultHeartbeat,
		logger:         slog.Default(),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.dial == nil {
		cm.dial = NewAMQPDialer(cm.connectTimeout, cm.heartbeat, cm.connectionName)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	_, err := cm.EnsureConnected(ctx)
	return err
}

// EnsureConnected returns the shared channel, connecting first if needed.
// Concurrent callers share a single connection attempt. A caller whose ctx
// ends stops waiting but does not cancel the attempt for the others.
func (cm *ConnectionManager) EnsureConnected(ctx context.Context) (Channel, error) {
	cm.mu.RLock()
	if cm.closed {
		cm.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	if cm.state == StateConnected && cm.channel != nil {
		ch := cm.channel
		cm.mu.RUnlock()
		return ch, nil
	}
	cm.mu.RUnlock()

	result := cm.group.DoChan("connect", func() (any, error) {
		return cm.connect()
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect performs one dial. It only runs inside the singleflight group.
func (cm *ConnectionManager) connect() (Channel, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if cm.state == StateConnected && cm.channel != nil {
		ch := cm.channel
		cm.mu.Unlock()
		return ch, nil
	}
	cm.state = StateConnecting
	attempt := cm.attempts + 1
	reconnecting := cm.everConnected || attempt > 1
	cm.mu.Unlock()

	if reconnecting {
		cm.logger.Info("attempting to reconnect", "attempt", attempt)
		cm.notifyReconnecting(attempt)
	}

	conn, err := cm.dial(cm.url)
	if err != nil {
		return nil, cm.connectFailed(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, cm.connectFailed(fmt.Errorf("%w: %v", ErrChannelCreationFailed, err))
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return nil, ErrManagerClosed
	}
	cm.conn = conn
	cm.channel = ch
	cm.state = StateConnected
	cm.attempts = 0
	cm.everConnected = true
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	close(cm.ready)
	cm.mu.Unlock()

	go cm.watch(conn, ch, connClosed, chClosed)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return ch, nil
}

func (cm *ConnectionManager) connectFailed(err error) error {
	cm.mu.Lock()
	cm.attempts++
	attempts := cm.attempts
	if !cm.closed {
		cm.state = StateDisconnected
	}
	cm.mu.Unlock()

	connErr := &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}

	cm.logger.Error("failed to connect to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempt", attempts,
		"error", err)

	cm.scheduleRetry(connErr)
	return connErr
}

// watch waits for the first close notification from the connection or its channel.
func (cm *ConnectionManager) watch(conn Connection, ch Channel, connClosed, chClosed chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
	case <-cm.done:
		return
	}

	var cause error = ErrChannelClosed
	if amqpErr != nil {
		cause = amqpErr
	}
	cm.discard(conn, ch, cause)
}

// Invalidate reports ch as dead. It is discarded only if it is still the
// current channel, so stale reports are ignored.
func (cm *ConnectionManager) Invalidate(ch Channel) {
	if ch == nil {
		return
	}

	cm.mu.RLock()
	conn := cm.conn
	current := cm.channel == ch
	cm.mu.RUnlock()

	if current {
		cm.discard(conn, ch, ErrChannelClosed)
	}
}

func (cm *ConnectionManager) discard(conn Connection, ch Channel, cause error) {
	cm.mu.Lock()
	if cm.closed || cm.conn != conn || cm.channel != ch {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.channel = nil
	cm.state = StateDisconnected
	cm.ready = make(chan struct{})
	cm.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}

	cm.logger.Warn("connection to RabbitMQ lost", "url", SanitizeURL(cm.url), "error", cause)
	cm.notifyDisconnected(cause)
	cm.scheduleRetry(cause)
}

// scheduleRetry arms the retry timer unless one is already pending.
func (cm *ConnectionManager) scheduleRetry(cause error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed || cm.retryTimer != nil || cm.state == StateConnected {
		return
	}

	retry, delay := cm.policy.ShouldRetry(max(cm.attempts, 1), cause)
	if !retry {
		cm.logger.Error("max reconnection attempts reached", "attempts", cm.attempts)
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  cm.attempts,
		})
		return
	}

	cm.logger.Debug("scheduling reconnect", "nextRetryIn", delay)
	cm.retryTimer = time.AfterFunc(delay, cm.retry)
}

func (cm *ConnectionManager) retry() {
	cm.mu.Lock()
	cm.retryTimer = nil
	closed := cm.closed
	cm.mu.Unlock()

	if closed {
		return
	}
	_, _ = cm.EnsureConnected(context.Background())
}

// Execute runs fn against the shared channel, connecting first if needed.
// Calls are serialized; a panic in fn is returned as an error.
func (cm *ConnectionManager) Execute(ctx context.Context, fn func(Channel) error) (err error) {
	ch, err := cm.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	cm.chMu.Lock()
	defer cm.chMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rabbitmq: channel operation panicked: %v", r)
		}
	}()

	return fn(ch)
}

// Connected returns a channel that is closed while the manager is connected.
// After a disconnect a fresh channel is handed out.
func (cm *ConnectionManager) Connected() <-chan struct{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.ready
}

// State returns the current connection state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Attempts returns the number of consecutive failed connection attempts
func (cm *ConnectionManager) Attempts() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.attempts
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Close stops reconnection and closes the connection. Further use of the
// manager fails with ErrManagerClosed.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	if cm.state != StateConnected {
		// wake anyone waiting for a connection so they observe the close
		close(cm.ready)
	}
	conn := cm.conn
	cm.conn = nil
	cm.channel = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.logger.Info("connection manager shutting down")

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
