package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/cadence/internal/rabbitmq"
)

// HTTPServer is the part of *http.Server the service drives
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server until the supervisor stops it
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps server
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}

// Shutdowner is a component that drains on shutdown
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownService holds a component open and shuts it down when the
// supervisor stops
type ShutdownService struct {
	component Shutdowner
	timeout   time.Duration
	name      string
}

// NewShutdownService wraps component under name
func NewShutdownService(name string, component Shutdowner, timeout time.Duration) *ShutdownService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ShutdownService{component: component, timeout: timeout, name: name}
}

// Serve implements suture.Service
func (s *ShutdownService) Serve(ctx context.Context) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.component.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *ShutdownService) String() string {
	return s.name
}

// Connector is a broker connection that retries on its own once started
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
}

// BrokerService starts the broker connection eagerly and closes it on stop.
// A failed first attempt is logged; the connector keeps retrying.
type BrokerService struct {
	connector Connector
	logger    *slog.Logger
}

// NewBrokerService wraps connector
func NewBrokerService(connector Connector, logger *slog.Logger) *BrokerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerService{connector: connector, logger: logger}
}

// Serve implements suture.Service
func (b *BrokerService) Serve(ctx context.Context) error {
	if err := b.connector.Connect(ctx); err != nil {
		b.logger.Warn("broker not reachable yet, retrying in background", "error", err)
	}

	<-ctx.Done()
	if err := b.connector.Close(); err != nil {
		return fmt.Errorf("broker close failed: %w", err)
	}
	return ctx.Err()
}

func (b *BrokerService) String() string {
	return "broker"
}

// SubscriptionService keeps a subscription registered while it runs
type SubscriptionService struct {
	name        string
	subscribe   func(ctx context.Context) error
	unsubscribe func() error
}

// NewSubscriptionService creates a service calling subscribe on start and
// unsubscribe on stop
func NewSubscriptionService(name string, subscribe func(ctx context.Context) error, unsubscribe func() error) *SubscriptionService {
	return &SubscriptionService{name: name, subscribe: subscribe, unsubscribe: unsubscribe}
}

// Serve implements suture.Service
func (s *SubscriptionService) Serve(ctx context.Context) error {
	if err := s.subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.name, err)
	}

	<-ctx.Done()
	// the consume loop may already have removed itself on cancellation
	if err := s.unsubscribe(); err != nil && !errors.Is(err, rabbitmq.ErrSubscriptionNotFound) {
		return fmt.Errorf("unsubscribe %s: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *SubscriptionService) String() string {
	return s.name
}
