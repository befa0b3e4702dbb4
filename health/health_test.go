package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cadence/internal/rabbitmq"
)

func staticChecker(name string, status Status) *CheckerFunc {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

type fakeBroker struct {
	state    rabbitmq.State
	attempts int
}

func (f fakeBroker) State() rabbitmq.State { return f.state }
func (f fakeBroker) Attempts() int         { return f.attempts }

type fakeOutbox int

func (f fakeOutbox) Buffered() int { return int(f) }

type fakeGateway struct{ sessions, rooms int }

func (f fakeGateway) SessionCount() int { return f.sessions }
func (f fakeGateway) RoomCount() int    { return f.rooms }

func TestRegistry(t *testing.T) {
	t.Run("reports healthy with no checks", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("takes the worst status", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusHealthy))
		registry.Register(staticChecker("b", StatusDegraded))

		assert.Equal(t, StatusDegraded, registry.Check(context.Background()).Status)

		registry.Register(staticChecker("c", StatusUnhealthy))
		health := registry.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Len(t, health.Checks, 3)
		assert.Equal(t, []string{"a", "b", "c"}, registry.Names())
	})

	t.Run("unregister removes a check", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusUnhealthy))
		registry.Unregister("a")

		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)
	})

	t.Run("marks slow checks unhealthy when the context ends", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})

	t.Run("includes metadata", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("version", "1.0.0")

		assert.Equal(t, "1.0.0", registry.Check(context.Background()).Metadata["version"])
	})
}

func TestHandlers(t *testing.T) {
	t.Run("serves the report as JSON", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("broker", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var health OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Contains(t, health.Checks, "broker")
	})

	t.Run("returns 503 when unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("broker", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		ReadinessHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())
	})

	t.Run("rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness is always alive", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}

func TestCheckers(t *testing.T) {
	t.Run("broker status follows the connection state", func(t *testing.T) {
		ctx := context.Background()

		assert.Equal(t, StatusHealthy, NewBrokerChecker(fakeBroker{state: rabbitmq.StateConnected}).Check(ctx).Status)
		assert.Equal(t, StatusDegraded, NewBrokerChecker(fakeBroker{state: rabbitmq.StateConnecting}).Check(ctx).Status)

		result := NewBrokerChecker(fakeBroker{state: rabbitmq.StateDisconnected, attempts: 3}).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, 3, result.Details["attempts"])
		assert.Equal(t, "disconnected", result.Details["state"])
	})

	t.Run("outbox degrades with a backlog", func(t *testing.T) {
		ctx := context.Background()

		assert.Equal(t, StatusHealthy, NewOutboxChecker(fakeOutbox(0), 10).Check(ctx).Status)
		assert.Equal(t, StatusDegraded, NewOutboxChecker(fakeOutbox(3), 10).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, NewOutboxChecker(fakeOutbox(10), 10).Check(ctx).Status)
		assert.Equal(t, StatusDegraded, NewOutboxChecker(fakeOutbox(1000), 0).Check(ctx).Status)
	})

	t.Run("gateway reports occupancy", func(t *testing.T) {
		result := NewGatewayChecker(fakeGateway{sessions: 3, rooms: 2}).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 3, result.Details["sessions"])
		assert.Equal(t, 2, result.Details["rooms"])
	})
}
