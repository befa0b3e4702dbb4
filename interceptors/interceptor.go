package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/cadence/contracts"
)

// Failure classes reported to MetricsCollector.IncrementErrorCount
const (
	ErrorTypeProcessing = "processing_error"
	ErrorTypeMalformed  = "malformed_payload"
)

// Interceptor processes a delivery before it reaches the final handler
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, delivery *contracts.Delivery, next contracts.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, delivery *contracts.Delivery, next contracts.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, delivery *contracts.Delivery, next contracts.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, delivery *contracts.Delivery, next contracts.Handler) error {
	return i.fn(ctx, delivery, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Wrap returns finalHandler wrapped by every interceptor in the chain
func (c *InterceptorChain) Wrap(finalHandler contracts.Handler) contracts.Handler {
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = contracts.HandlerFunc(func(ctx context.Context, delivery *contracts.Delivery) error {
			return interceptor.Intercept(ctx, delivery, next)
		})
	}
	return handler
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, delivery *contracts.Delivery, finalHandler contracts.Handler) error {
	return c.Wrap(finalHandler).Handle(ctx, delivery)
}

// RecoveryInterceptor converts a panic in the rest of the chain into an error
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, delivery *contracts.Delivery, next contracts.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				"topic", delivery.Topic,
				"messageId", delivery.MessageID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return next.Handle(ctx, delivery)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor. A failed delivery is logged at error
// level since the consumer discards it.
func (i *LoggingInterceptor) Intercept(ctx context.Context, delivery *contracts.Delivery, next contracts.Handler) error {
	start := time.Now()
	logger := i.logger.With("topic", delivery.Topic, "messageId", delivery.MessageID)

	logger.DebugContext(ctx, "delivery received", "redelivered", delivery.Redelivered)

	err := next.Handle(ctx, delivery)
	if err != nil {
		logger.ErrorContext(ctx, "delivery discarded", "duration", time.Since(start), "error", err)
		return err
	}

	logger.InfoContext(ctx, "delivery handled", "duration", time.Since(start))
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(topic string)
	RecordProcessingTime(topic string, duration time.Duration)
	IncrementErrorCount(topic string, errorType string)
}

// MetricsInterceptor counts deliveries and failures per topic and times
// the rest of the chain
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, delivery *contracts.Delivery, next contracts.Handler) error {
	start := time.Now()

	i.collector.IncrementMessageCount(delivery.Topic)

	err := next.Handle(ctx, delivery)

	i.collector.RecordProcessingTime(delivery.Topic, time.Since(start))
	switch {
	case err == nil:
	case errors.Is(err, contracts.ErrMalformedPayload):
		i.collector.IncrementErrorCount(delivery.Topic, ErrorTypeMalformed)
	default:
		i.collector.IncrementErrorCount(delivery.Topic, ErrorTypeProcessing)
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
