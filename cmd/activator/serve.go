package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/backend"
	"github.com/pitabwire/activator/internal/invoker"
	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/internal/openapi"
	"github.com/pitabwire/activator/internal/transport"
	"github.com/pitabwire/activator/internal/wizard"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the activation HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := c.cfg

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "activator", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return &exitError{code: 1}
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	oaIndex := openapi.NewIndex()
	if err := oaIndex.Load(buildSpecSources(cfg)); err != nil {
		logger.Error("OpenAPI index load failed", zap.Error(err))
		return &exitError{code: 1}
	}
	for _, src := range cfg.Specs.Sources {
		metrics.SetOpenAPIOperationsIndexed(src.ServiceID, float64(len(oaIndex.AllOperationIDs(src.ServiceID))))
	}

	sessions, closeSessions, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return &exitError{code: 1}
	}
	defer closeSessions.close()

	idem, closeIdem, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return &exitError{code: 1}
	}
	defer closeIdem.close()

	inv := invoker.NewHTTPInvoker(oaIndex, cfg.Services,
		invoker.WithLogger(logger),
		invoker.WithMetrics(metrics),
	)

	wz := wizard.New(
		sessions,
		backend.NewProfiles(inv),
		backend.NewBilling(inv),
		backend.NewProvisioning(inv),
		cfg.Wizard,
		wizard.WithLogger(logger),
		wizard.WithMetrics(metrics),
		wizard.WithIdempotencyStore(idem, cfg.Idempotency.TTL),
		wizard.WithSchema(oaIndex),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Service:      wz,
		Metrics:      metrics,
		Readiness: observability.ReadinessChecks{
			OpenAPILoaded:    oaIndex.Loaded,
			Store:            sessions,
			IdempotencyStore: idem,
			Backends:         inv.BreakerStates,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return &exitError{code: 1}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
