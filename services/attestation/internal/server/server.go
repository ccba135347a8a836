// Package server wires the Attestation Service's HTTP surface:
// /verify-attestation, /settle-offline, /report-fraud, and the
// liveness/readiness/metrics trio.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/escrow"
	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/services/attestation/internal/cache"
	"github.com/meridianpay/offline-settle/services/attestation/internal/config"
	"github.com/meridianpay/offline-settle/services/attestation/internal/health"
	"github.com/meridianpay/offline-settle/services/attestation/internal/metrics"
	"github.com/meridianpay/offline-settle/services/attestation/internal/ratelimit"
)

// Version is the service version, set at build time.
var Version = "dev"

// AttestationVerifier is the server's view of the Attestation Service.
type AttestationVerifier interface {
	VerifyAttestation(ctx context.Context, req attestation.VerifyRequest) (*attestation.VerifyResult, error)
	ReportFraud(deviceID, bundleID, reason string)
}

// EscrowSettler is the server's view of the Escrow Program, exercised by
// the optional /settle-offline submission helper and /report-fraud.
type EscrowSettler interface {
	SettleOfflinePayment(req escrow.SettleRequest) (*escrow.SettleResult, error)
	ReportFraudulentBundle(owner ledger.PubKey, bundleHash, conflictingHash ledger.Hash32, reporter ledger.PubKey, reason escrow.FraudReason) error
}

// Server is the Attestation Service's HTTP server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	attestation AttestationVerifier
	settlement  EscrowSettler
	config      *config.Config
	metrics     *metrics.Metrics
	limiter     ratelimit.Limiter
	health      *health.Checker
}

// New constructs a Server. redisClient backs both the rate limiter and
// the readiness check's Redis dependency probe; with a nil client the
// rate limiter allows every request and the readiness check reports
// unhealthy (health.Checker.checkRedis). dbPinger is
// the escrow store's Postgres connection when one is configured, or nil
// for the in-memory store, in which case readiness skips that probe.
func New(attestationSvc AttestationVerifier, escrowProgram EscrowSettler, redisClient *cache.Client, dbPinger health.Pinger, cfg *config.Config) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	limiter := ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
	healthChecker := health.NewChecker(redisClient, dbPinger, Version)

	router := gin.New()

	s := &Server{
		router:      router,
		attestation: attestationSvc,
		settlement:  escrowProgram,
		config:      cfg,
		metrics:     m,
		limiter:     limiter,
		health:      healthChecker,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggingMiddleware())
	s.router.Use(CORSMiddleware())
	s.router.Use(s.metrics.Middleware())
	s.router.Use(RateLimitMiddleware(s.limiter))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.HealthHandler())
	s.router.GET("/ready", s.health.ReadyHandler())
	s.router.GET("/metrics", s.metrics.Handler())

	s.router.GET("/supported", s.handleSupported)
	s.router.POST("/verify-attestation", s.handleVerifyAttestation)
	s.router.POST("/settle-offline", s.handleSettleOffline)
	s.router.POST("/report-fraud", s.handleReportFraud)
}

// Start runs the HTTP server until an interrupt or termination signal
// arrives, then shuts it down gracefully.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting attestation service on port %d", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("attestation service failed to start: %v", err)
		}
	}()

	s.waitForShutdown()
}

func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down attestation service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("attestation service forced to shutdown: %v", err)
	}

	log.Println("attestation service stopped")
}
