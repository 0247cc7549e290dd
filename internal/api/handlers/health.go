package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-paper-trader/internal/services"
)

var startTime = time.Now()

// HealthChecker is satisfied by the Postgres and Redis connection wrappers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BreakerStatsProvider reports provider circuit breaker state.
type BreakerStatsProvider interface {
	AllStats() map[string]services.BreakerStats
}

type HealthHandler struct {
	checks   map[string]HealthChecker
	breakers BreakerStatsProvider
	timeout  time.Duration
}

type HealthResponse struct {
	Status    string                           `json:"status"`
	Timestamp time.Time                        `json:"timestamp"`
	Services  map[string]string                `json:"services"`
	Breakers  map[string]services.BreakerStats `json:"breakers,omitempty"`
	Uptime    string                           `json:"uptime"`
}

// NewHealthHandler creates a handler over named dependency checks. A nil
// checker is reported as not configured.
func NewHealthHandler(checks map[string]HealthChecker, breakers BreakerStatsProvider) *HealthHandler {
	return &HealthHandler{
		checks:   checks,
		breakers: breakers,
		timeout:  3 * time.Second,
	}
}

// HealthCheck reports dependency status. Any unhealthy dependency turns the
// response into a 503 so load balancers stop routing to the instance.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := "healthy"
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if check == nil {
			results[name] = "unhealthy: not configured"
			status = "degraded"
			continue
		}
		if err := check.HealthCheck(ctx); err != nil {
			results[name] = "unhealthy: " + err.Error()
			status = "degraded"
			continue
		}
		results[name] = "healthy"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  results,
		Uptime:    time.Since(startTime).String(),
	}
	if h.breakers != nil {
		response.Breakers = h.breakers.AllStats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}
