// Package server assembles the relay: ledger, engine, sink, task pool and
// the fiber app that exposes them.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"webhook-relay/internal/admin"
	"webhook-relay/internal/auth"
	"webhook-relay/internal/config"
	"webhook-relay/internal/engine"
	"webhook-relay/internal/instrument"
	"webhook-relay/internal/ledger"
	"webhook-relay/internal/sink"
	"webhook-relay/internal/store"
	"webhook-relay/internal/tasks"
)

// retryGrace is added to the delivery timeout for the retry endpoint's deadline.
const retryGrace = 5 * time.Second

// Server holds every long-lived component of a running relay.
type Server struct {
	Config  *config.Config
	Store   *store.Store
	Ledger  *ledger.Ledger
	Metrics *instrument.Metrics
	Pool    *tasks.Pool
	Sink    sink.Sink
	Router  *engine.Router
	Retries *engine.RetryController
	Monitor *engine.PendingMonitor
	App     *fiber.App

	logger zerolog.Logger
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	Sink    sink.Sink
	Metrics *instrument.Metrics
}

// New wires the relay on top of an open, migrated store.
func New(cfg *config.Config, s *store.Store, logger zerolog.Logger, opts Options) *Server {
	srv := &Server{Config: cfg, Store: s, logger: logger}

	srv.Metrics = opts.Metrics
	if srv.Metrics == nil {
		srv.Metrics = instrument.NewMetrics()
	}
	srv.Sink = opts.Sink
	if srv.Sink == nil {
		srv.Sink = sink.New(cfg.Sink, cfg.Delivery.Timeout())
	}

	srv.Ledger = ledger.New(s)
	srv.Pool = tasks.NewPool(cfg.Tasks.Workers, cfg.Tasks.QueueSize, logger)
	dispatcher := engine.NewDispatcher(cfg.Delivery.Timeout(), cfg.Delivery.UserAgent, logger)
	srv.Router = engine.NewRouter(engine.RouterConfig{
		Ledger:         srv.Ledger,
		Dispatcher:     dispatcher,
		Sink:           srv.Sink,
		Pool:           srv.Pool,
		Metrics:        srv.Metrics,
		Logger:         logger,
		MaxConcurrency: cfg.Delivery.MaxConcurrency,
	})
	srv.Retries = engine.NewRetryController(srv.Ledger, dispatcher, srv.Metrics, logger)
	srv.Monitor = engine.NewPendingMonitor(srv.Ledger, srv.Metrics, logger,
		time.Duration(cfg.Delivery.MonitorIntervalSeconds)*time.Second,
		time.Duration(cfg.Delivery.StalePendingMinutes)*time.Minute)

	srv.App = srv.buildApp()
	return srv
}

func (srv *Server) buildApp() *fiber.App {
	cfg := srv.Config
	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.NewErrorHandler(srv.logger),
		DisableStartupMessage: true,
	})
	app.Use(instrument.Middleware(srv.Metrics, srv.logger))
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := srv.Store.DB.PingContext(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", srv.Metrics.Handler())

	authHandler := auth.NewHandler(cfg.Auth)
	app.Post("/auth/token", authHandler.Token)

	adminHandler := admin.NewHandler(srv.Ledger, srv.Retries, cfg.Delivery.Timeout()+retryGrace)
	admin.RegisterAdminRoutes(app, adminHandler, auth.RequireAdmin(cfg.Auth.JWTSecret))

	eventHandler := engine.NewEventHandler(srv.Router, cfg.Delivery.Sync(), cfg.Events.BlogSecret, srv.logger)
	engine.RegisterEventRoutes(app, eventHandler, engine.NewRateLimiter(cfg.Events.RateLimit, cfg.Events.Burst))

	return app
}

// Start launches background work. Listening is left to the caller.
func (srv *Server) Start() {
	srv.Monitor.Start()
}

// Shutdown stops accepting requests, drains queued deliveries and stops
// background work, in that order.
func (srv *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := srv.App.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	srv.Monitor.Stop()
	return errors.Join(errs...)
}
