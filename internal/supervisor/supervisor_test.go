package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cadence/internal/rabbitmq"
)

type fakeHTTPServer struct {
	stop     chan struct{}
	listen   error
	shutdown atomic.Bool
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listen != nil {
		return f.listen
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

type fakeConnector struct {
	connectErr error
	connects   atomic.Int32
	closes     atomic.Int32
}

func (f *fakeConnector) Connect(context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeConnector) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeShutdowner struct{ calls atomic.Int32 }

func (f *fakeShutdowner) Shutdown(context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestHTTPServerService(t *testing.T) {
	t.Run("shuts the server down when stopped", func(t *testing.T) {
		server := newFakeHTTPServer()
		svc := NewHTTPServerService(server, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		assert.True(t, server.shutdown.Load())
		assert.Equal(t, "http-server", svc.String())
	})

	t.Run("returns listen failures", func(t *testing.T) {
		server := newFakeHTTPServer()
		server.listen = errors.New("address in use")

		err := NewHTTPServerService(server, time.Second).Serve(context.Background())
		assert.ErrorContains(t, err, "address in use")
	})
}

func TestServices(t *testing.T) {
	t.Run("broker service connects eagerly and closes on stop", func(t *testing.T) {
		connector := &fakeConnector{connectErr: errors.New("refused")}
		svc := NewBrokerService(connector, slog.New(slog.DiscardHandler))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		require.Eventually(t, func() bool { return connector.connects.Load() == 1 }, time.Second, time.Millisecond)
		cancel()
		<-done
		assert.Equal(t, int32(1), connector.closes.Load())
	})

	t.Run("subscription service unsubscribes on stop", func(t *testing.T) {
		var subscribed, unsubscribed atomic.Bool
		svc := NewSubscriptionService("welcome",
			func(context.Context) error { subscribed.Store(true); return nil },
			func() error { unsubscribed.Store(true); return nil })

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		require.Eventually(t, subscribed.Load, time.Second, time.Millisecond)
		cancel()
		<-done
		assert.True(t, unsubscribed.Load())
	})

	t.Run("subscription service stops cleanly when the consumer is already gone", func(t *testing.T) {
		svc := NewSubscriptionService("welcome",
			func(context.Context) error { return nil },
			func() error {
				return &rabbitmq.ConsumerError{Queue: "welcome", Op: "unsubscribe", Err: rabbitmq.ErrSubscriptionNotFound}
			})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, svc.Serve(ctx), context.Canceled)
	})

	t.Run("unsubscribe failures are returned", func(t *testing.T) {
		svc := NewSubscriptionService("welcome",
			func(context.Context) error { return nil },
			func() error { return errors.New("channel closed") })

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorContains(t, svc.Serve(ctx), "channel closed")
	})

	t.Run("subscription failures are returned for a restart", func(t *testing.T) {
		svc := NewSubscriptionService("welcome",
			func(context.Context) error { return errors.New("bad topic") },
			func() error { return nil })

		assert.ErrorContains(t, svc.Serve(context.Background()), "bad topic")
	})
}

func TestTree(t *testing.T) {
	t.Run("runs and stops every service", func(t *testing.T) {
		tree := NewTree(slog.New(slog.DiscardHandler), TreeConfig{ShutdownTimeout: time.Second})

		connector := &fakeConnector{}
		server := newFakeHTTPServer()
		gateway := &fakeShutdowner{}

		tree.AddMessagingService(NewBrokerService(connector, slog.New(slog.DiscardHandler)))
		tree.AddAPIService(NewHTTPServerService(server, time.Second))
		tree.AddAPIService(NewShutdownService("realtime", gateway, time.Second))

		ctx, cancel := context.WithCancel(context.Background())
		errCh := tree.ServeBackground(ctx)

		require.Eventually(t, func() bool { return connector.connects.Load() == 1 }, time.Second, time.Millisecond)
		cancel()

		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("tree did not stop")
		}

		assert.True(t, server.shutdown.Load())
		assert.Equal(t, int32(1), gateway.calls.Load())
		assert.Equal(t, int32(1), connector.closes.Load())
	})
}
