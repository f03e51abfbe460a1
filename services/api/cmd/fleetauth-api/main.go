package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetauth/pkg/config"
	"fleetauth/pkg/telemetry"
	"fleetauth/services/api"
	"fleetauth/services/app"
)

const serviceName = "fleetauth-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, traceMiddleware, logger, err := telemetry.Init(ctx, telemetry.Options{
		Service:   serviceName,
		Endpoint:  cfg.OTLPEndpoint,
		LogLevel:  cfg.LogLevel,
		LogFormat: cfg.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	a, err := app.Build(ctx, cfg, logger, app.Options{Migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Migrator.Run(ctx, false)
	if err != nil {
		return fmt.Errorf("encrypt stored secrets: %w", err)
	}
	if !report.Skipped {
		logger.Info().Int("encrypted", report.Total()).Msg("stored secrets encrypted")
	}

	if err := a.Status.Regenerate(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial status snapshot")
	}

	handlers, err := api.New(api.Deps{
		Hosts:     a.Hosts,
		Sync:      a.Sync,
		Canonical: a.Ledger,
		Settings:  a.Settings,
		Tokens:    a.Tokens,
		Limiter:   a.Limiter,
		Status:    a.Status,
		Audit:     auditLog(a),
		Ready:     a.Ready,
		Logger:    logger,
	}, api.Config{
		PublicBaseURL:  cfg.PublicBaseURL,
		AdminToken:     cfg.AdminToken,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Limits: api.Limits{
			Sync:     api.Rate(cfg.RateLimitSync),
			AuthFail: api.Rate(cfg.RateLimitAuthFailures),
			Admin:    api.Rate(cfg.RateLimitAdmin),
			Install:  api.Rate(cfg.RateLimitInstall),
		},
		InstallTokenTTL: cfg.InstallTokenTTL,
	})
	if err != nil {
		return err
	}
	router, err := handlers.Routes()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           traceMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.RunWorkers(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-workersDone
		return fmt.Errorf("serve: %w", err)
	}
	<-workersDone
	return nil
}

// auditLog avoids handing the API a typed nil when NATS is not configured.
func auditLog(a *app.App) api.AuditLog {
	if a.Audit == nil {
		return nil
	}
	return a.Audit
}
