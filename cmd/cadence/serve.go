package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/cadence"
	"github.com/glimte/cadence/health"
	"github.com/glimte/cadence/internal/auth"
	"github.com/glimte/cadence/internal/supervisor"
	"github.com/glimte/cadence/realtime"
)

const healthTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	var withNotifier bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime gateway",
		Long:  "Serve realtime sessions on /ws together with health and metrics endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if err := a.cfg.RequireSecret(); err != nil {
				return err
			}
			return a.serve(cmd.Context(), withNotifier)
		},
	}

	cmd.Flags().BoolVar(&withNotifier, "notify", false, "Also send welcome emails for registrations")
	return cmd
}

func (a *app) serve(ctx context.Context, withNotifier bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := auth.NewJWTVerifier(a.cfg.Auth.Secret, a.cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	client, err := a.newClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("client close failed", "error", err)
		}
	}()

	gateway := a.newGateway(verifier)
	registry := newHealthRegistry(client, gateway, a.cfg.Outbox.Capacity)
	if withNotifier {
		registry.Register(subscriptionChecker("notifier", client, a.cfg.Topics.UserRegistered))
	}

	server := &http.Server{
		Addr:              a.cfg.Gateway.Addr,
		Handler:           newRouter(gateway, registry, a.cfg.Gateway.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(a.logger, supervisor.TreeConfig{ShutdownTimeout: a.cfg.Gateway.ShutdownTimeout})
	tree.AddMessagingService(supervisor.NewBrokerService(client, a.logger))
	if withNotifier {
		notifier, err := a.notifierService(client)
		if err != nil {
			return err
		}
		tree.AddMessagingService(notifier)
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, a.cfg.Gateway.ShutdownTimeout))
	tree.AddAPIService(supervisor.NewShutdownService("realtime", gateway, a.cfg.Gateway.ShutdownTimeout))

	a.logger.Info("cadence serving", "addr", a.cfg.Gateway.Addr, "notifier", withNotifier, "version", version)

	err = tree.Serve(ctx)
	a.reportUnstopped(tree)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	a.logger.Info("cadence stopped")
	return nil
}

func (a *app) newGateway(verifier realtime.TokenVerifier) *realtime.Gateway {
	cfg := a.cfg.Gateway
	return realtime.NewGateway(verifier,
		realtime.WithGatewayLogger(a.logger),
		realtime.WithAllowedOrigins(cfg.AllowedOrigins...),
		realtime.WithCookieName(a.cfg.Auth.CookieName),
		realtime.WithSendBuffer(cfg.SendBuffer),
		realtime.WithReadLimit(cfg.ReadLimit),
		realtime.WithKeepalive(cfg.PongWait, cfg.WriteWait),
	)
}

func newHealthRegistry(client *cadence.Client, gateway health.SessionCounter, outboxLimit int) *health.Registry {
	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker(client.Manager()))
	registry.Register(health.NewOutboxChecker(client.Publisher(), outboxLimit))
	registry.Register(health.NewGatewayChecker(gateway))
	registry.SetMetadata("version", version)
	return registry
}

// newRouter mounts the realtime endpoint and the operational endpoints
func newRouter(gateway http.Handler, registry *health.Registry, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/ws", gateway)
	r.Handle("/healthz", health.NewHandler(registry, healthTimeout))
	r.Get("/livez", health.LivenessHandler())
	r.Get("/readyz", health.ReadinessHandler(registry))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// subscriptionChecker is degraded until the consumer for topic is attached
func subscriptionChecker(name string, client *cadence.Client, topic string) health.Checker {
	return health.NewCheckerFunc(name, func(ctx context.Context) health.CheckResult {
		result := health.CheckResult{
			Name:      name,
			Status:    health.StatusHealthy,
			Message:   "Consuming " + topic,
			Timestamp: time.Now(),
			Details:   map[string]any{"topic": topic},
		}

		select {
		case <-client.Ready(topic):
		default:
			result.Status = health.StatusDegraded
			result.Message = "Waiting for the consumer on " + topic + " to attach"
		}
		return result
	})
}
