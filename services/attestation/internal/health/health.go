// Package health implements the service's liveness and readiness
// endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/offline-settle/services/attestation/internal/cache"
)

// Status is a health check's outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check is one dependency's health result.
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the /health and /ready body.
type Response struct {
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks,omitempty"`
	Version string  `json:"version,omitempty"`
}

// Pinger is satisfied by the Postgres-backed escrow store; an in-memory
// store has nothing worth pinging and is simply omitted.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker runs dependency health checks.
type Checker struct {
	redis    *cache.Client
	postgres Pinger // nil when the escrow store is in-memory
	version  string
}

// NewChecker constructs a Checker. postgres may be nil when the escrow
// store has no backing database to probe.
func NewChecker(redis *cache.Client, postgres Pinger, version string) *Checker {
	return &Checker{redis: redis, postgres: postgres, version: version}
}

// HealthHandler answers the liveness probe unconditionally.
func (h *Checker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Response{Status: StatusHealthy, Version: h.version})
	}
}

// ReadyHandler answers the readiness probe, checking dependencies.
func (h *Checker) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := h.runChecks(ctx)
		overall := h.calculateOverallStatus(checks)

		status := http.StatusOK
		if overall != StatusHealthy {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, Response{Status: overall, Checks: checks, Version: h.version})
	}
}

func (h *Checker) runChecks(ctx context.Context) []Check {
	var wg sync.WaitGroup
	checksChan := make(chan Check, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		checksChan <- h.checkRedis(ctx)
	}()

	if h.postgres != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checksChan <- h.checkPostgres(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(checksChan)
	}()

	var checks []Check
	for check := range checksChan {
		checks = append(checks, check)
	}
	return checks
}

func (h *Checker) checkRedis(ctx context.Context) Check {
	check := Check{Name: "redis"}

	if h.redis == nil {
		check.Status = StatusUnhealthy
		check.Message = "redis client not configured"
		return check
	}
	if err := h.redis.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	check.Status = StatusHealthy
	return check
}

func (h *Checker) checkPostgres(ctx context.Context) Check {
	check := Check{Name: "postgres"}

	if err := h.postgres.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	check.Status = StatusHealthy
	return check
}

func (h *Checker) calculateOverallStatus(checks []Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
