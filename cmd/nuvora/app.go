package main

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/internal/cache"
	"github.com/medrex/nuvora-ehr/internal/content"
	"github.com/medrex/nuvora-ehr/internal/ledger"
	"github.com/medrex/nuvora-ehr/pkg/config"
	"github.com/medrex/nuvora-ehr/pkg/database"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

const serviceName = "nuvora-ehr"

// app holds the process-wide collaborators shared by every command
type app struct {
	cfg     *config.Config
	logger  *logger.Logger
	metrics *monitoring.Metrics
	ledger  *ledger.Client
	content *content.Store
	db      *database.DB
	trail   *audit.Trail
	pairs   *cache.PairCache
	closers []func() error
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, logger.New(cfg.LogLevel), nil
}

// newApp opens the ledger, the content store and the audit sink
func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: monitoring.NewMetrics(serviceName, prometheus.DefaultRegisterer),
	}

	gw, err := openGateway(&cfg.Ledger)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger.NewClient(gw, cfg.Ledger.ChaincodeName, cfg.Timeouts.Ledger(), log, a.metrics)
	a.closers = append(a.closers, a.ledger.Close)

	a.content, err = content.Open(cfg, log, a.metrics)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}
	a.closers = append(a.closers, a.content.Close)

	recorder, err := a.openRecorder(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.trail = audit.NewTrail(recorder, log, a.metrics)
	a.pairs = cache.NewPairCache(cfg.Cache.Size, cfg.Cache.TTL(), a.metrics)

	log.WithFields(map[string]interface{}{
		"ledger_mode":  cfg.Ledger.Mode,
		"content_mode": cfg.Content.Mode,
		"audit_sink":   cfg.Audit.Sink,
	}).Info("Coordination layer initialised")
	return a, nil
}

func openGateway(cfg *config.LedgerConfig) (ledger.Gateway, error) {
	switch cfg.Mode {
	case config.LedgerModeEmbedded:
		return ledger.NewEmbeddedGateway(cfg.ChaincodeName)
	case config.LedgerModeFabric:
		return ledger.NewFabricGateway(cfg)
	default:
		return nil, fmt.Errorf("unknown ledger mode: %s", cfg.Mode)
	}
}

func (a *app) openRecorder(ctx context.Context) (interfaces.AuditRecorder, error) {
	switch a.cfg.Audit.Sink {
	case "", config.AuditSinkLog:
		return audit.NewLogRecorder(a.logger, a.cfg.Audit.BufferSize), nil
	case config.AuditSinkPostgres:
		db, err := a.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		return audit.NewPostgresRecorder(db, a.logger, a.metrics), nil
	default:
		return nil, fmt.Errorf("unknown audit sink: %s", a.cfg.Audit.Sink)
	}
}

func (a *app) openDatabase(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.NewConnection(ctx, &a.cfg.Database, a.logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// Close releases everything newApp opened, newest first
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(parent, d)
}
