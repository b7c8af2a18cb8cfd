package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/medrex/nuvora-ehr/internal/api"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.logger

	tracing, err := monitoring.NewTracingManager(&monitoring.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		JaegerEndpoint: cfg.Monitoring.TracingEndpoint,
		Environment:    cfg.Monitoring.Environment,
		SamplingRate:   cfg.Monitoring.SamplingRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	health := monitoring.NewHealthManager(serviceName, version)
	health.RegisterChecker("ledger", monitoring.NewProbeHealthChecker(a.ledger.Ping))
	health.RegisterChecker("content", monitoring.NewProbeHealthChecker(a.content.Ping))
	health.RegisterChecker("host", monitoring.NewHostHealthChecker(90, 90))
	if a.db != nil {
		health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(a.db.DB))
	}

	tokens, err := api.NewTokenIssuer(&cfg.Auth)
	if err != nil {
		return err
	}

	svc := api.NewServices(a.ledger, a.content, a.pairs, a.trail, log, a.metrics, cfg.Content.MaxUploadBytes)
	server := api.NewServer(cfg, svc, tokens, health, log, a.metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("API server failed")
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to shutdown server gracefully")
		return err
	}
	log.Info("Server stopped")
	return nil
}
