// Package api exposes the coordination operations over HTTP. A bearer
// session token names the wallet; every request resolves it afresh.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/nuvora-ehr/internal/access"
	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/internal/cache"
	"github.com/medrex/nuvora-ehr/internal/conversation"
	"github.com/medrex/nuvora-ehr/internal/identity"
	"github.com/medrex/nuvora-ehr/internal/lab"
	"github.com/medrex/nuvora-ehr/internal/records"
	"github.com/medrex/nuvora-ehr/pkg/config"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
)

// Services are the coordination components served by the API
type Services struct {
	Resolver      *identity.Resolver
	Registrar     *identity.Registrar
	Directory     *identity.Directory
	Access        *access.Manager
	Records       *records.Coordinator
	Conversations *conversation.Assembler
	Lab           *lab.Machine
	Trail         *audit.Trail
}

// NewServices wires the coordination components over one ledger and one
// content store. Every component shares the pair cache and the audit trail.
func NewServices(ledger interfaces.Ledger, store interfaces.ContentStore, pairs *cache.PairCache, trail *audit.Trail, log *logger.Logger, metrics *monitoring.Metrics, maxUpload int64) *Services {
	resolver := identity.NewResolver(ledger, store, trail, log, metrics)
	acl := access.NewManager(ledger, resolver, pairs, trail, log)
	return &Services{
		Resolver:      resolver,
		Registrar:     identity.NewRegistrar(ledger, store, trail, log),
		Directory:     identity.NewDirectory(ledger, resolver),
		Access:        acl,
		Records:       records.NewCoordinator(ledger, store, acl, pairs, trail, log, metrics, maxUpload),
		Conversations: conversation.NewAssembler(ledger, store, acl, pairs, trail, log, metrics),
		Lab:           lab.NewMachine(ledger, store, acl, resolver, trail, log, metrics, maxUpload),
		Trail:         trail,
	}
}

// Server is the HTTP front of the coordination layer
type Server struct {
	router  *mux.Router
	server  *http.Server
	svc     *Services
	tokens  *TokenIssuer
	limiter *RateLimiter
	health  *monitoring.HealthManager
	metrics *monitoring.Metrics
	logger  *logger.Logger
	cfg     *config.Config
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, svc *Services, tokens *TokenIssuer, health *monitoring.HealthManager, log *logger.Logger, metrics *monitoring.Metrics) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		svc:     svc,
		tokens:  tokens,
		health:  health,
		metrics: metrics,
		logger:  log,
		cfg:     cfg,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMin, cfg.RateLimit.BurstSize)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.StartCleanup(ctx, 10*time.Minute)
	}
	s.logger.WithField("addr", s.server.Addr).Info("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	mm := monitoring.NewMonitoringMiddleware(s.metrics, s.logger)
	s.router.Use(mm.HTTPMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.securityHeadersMiddleware)

	healthPath, metricsPath := s.cfg.Monitoring.HealthPath, s.cfg.Monitoring.MetricsPath
	if healthPath == "" {
		healthPath = "/health"
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s.router.HandleFunc(healthPath, s.health.HTTPHandler()).Methods("GET")
	s.router.Handle(metricsPath, s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.rateLimitMiddleware)

	// Identity
	api.HandleFunc("/session", s.handleSession).Methods("GET")
	api.HandleFunc("/register/{role}", s.handleRegister).Methods("POST")
	api.HandleFunc("/profile", s.handleUpdateProfile).Methods("PUT")
	api.HandleFunc("/doctors", s.handleListDoctors).Methods("GET")
	api.HandleFunc("/labs", s.handleListLabs).Methods("GET")

	// Access
	api.HandleFunc("/grants", s.handleListGrants).Methods("GET")
	api.HandleFunc("/grants/{doctor}", s.handleGrant).Methods("POST")
	api.HandleFunc("/grants/{doctor}", s.handleRevoke).Methods("DELETE")
	api.HandleFunc("/patients", s.handleListPatients).Methods("GET")

	// Records
	api.HandleFunc("/patients/{patient}/records", s.handleAddRecord).Methods("POST")
	api.HandleFunc("/patients/{patient}/records", s.handleListRecords).Methods("GET")
	api.HandleFunc("/patients/{patient}/records/{index:[0-9]+}", s.handleFetchRecord).Methods("GET")

	// Conversations
	api.HandleFunc("/conversations/{counterpart}", s.handleLoadConversation).Methods("GET")
	api.HandleFunc("/conversations/{counterpart}", s.handleSendMessage).Methods("POST")

	// Lab requests
	api.HandleFunc("/lab/requests", s.handleRequestTest).Methods("POST")
	api.HandleFunc("/lab/requests", s.handleListLabRequests).Methods("GET")
	api.HandleFunc("/lab/requests/{index:[0-9]+}/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/lab/queue", s.handleLabQueue).Methods("GET")
	api.HandleFunc("/lab/queue/{patient}/{index:[0-9]+}/result", s.handleUploadResult).Methods("POST")

	// Audit
	api.HandleFunc("/audit", s.handleAudit).Methods("GET")
}
