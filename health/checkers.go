package health

import (
	"context"
	"time"

	"github.com/glimte/cadence/internal/rabbitmq"
)

// BrokerState reports the broker connection state
type BrokerState interface {
	State() rabbitmq.State
	Attempts() int
}

// BrokerChecker checks the broker connection. Connecting counts as degraded
// so a process waiting for its first connection is still live.
type BrokerChecker struct {
	broker BrokerState
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(broker BrokerState) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.broker.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":    state.String(),
			"attempts": c.broker.Attempts(),
		},
	}

	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Connecting to broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Broker is not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// OutboxState reports how many messages wait for the broker
type OutboxState interface {
	Buffered() int
}

// OutboxChecker reports degraded while messages are buffered and unhealthy
// once the backlog reaches limit
type OutboxChecker struct {
	outbox OutboxState
	limit  int
}

// NewOutboxChecker creates a new outbox checker. A limit of 0 never reports
// unhealthy.
func NewOutboxChecker(outbox OutboxState, limit int) *OutboxChecker {
	return &OutboxChecker{outbox: outbox, limit: limit}
}

func (c *OutboxChecker) Name() string {
	return "outbox"
}

func (c *OutboxChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	buffered := c.outbox.Buffered()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Outbox is empty",
		Timestamp: start,
		Details:   map[string]any{"buffered": buffered},
	}

	switch {
	case c.limit > 0 && buffered >= c.limit:
		result.Status = StatusUnhealthy
		result.Message = "Outbox is full"
	case buffered > 0:
		result.Status = StatusDegraded
		result.Message = "Messages waiting for the broker"
	}

	result.Duration = time.Since(start)
	return result
}

// SessionCounter reports realtime gateway occupancy
type SessionCounter interface {
	SessionCount() int
	RoomCount() int
}

// GatewayChecker reports realtime session and room counts. It is always
// healthy while the process serves.
type GatewayChecker struct {
	gateway SessionCounter
}

// NewGatewayChecker creates a new gateway checker
func NewGatewayChecker(gateway SessionCounter) *GatewayChecker {
	return &GatewayChecker{gateway: gateway}
}

func (c *GatewayChecker) Name() string {
	return "realtime"
}

func (c *GatewayChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	return CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Gateway is serving",
		Timestamp: start,
		Duration:  time.Since(start),
		Details: map[string]any{
			"sessions": c.gateway.SessionCount(),
			"rooms":    c.gateway.RoomCount(),
		},
	}
}
