// Package health exposes the liveness, deep-health, and readiness
// endpoints the deployment's orchestrator polls.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pvandervelde/queue-keeper/internal/breaker"
	"github.com/pvandervelde/queue-keeper/internal/concurrency"
	"github.com/pvandervelde/queue-keeper/internal/provider"
)

// Checker reports process health by consulting the breaker registry
// and concurrency governor rather than pinging dependencies itself; the
// breakers already track dependency health from real traffic.
type Checker struct {
	Version    string
	StartTime  time.Time
	Breakers   *breaker.Registry
	Governor   *concurrency.Governor
	Providers  *provider.Registry
}

// NewChecker builds a Checker whose uptime is measured from now.
func NewChecker(version string, breakers *breaker.Registry, governor *concurrency.Governor, providers *provider.Registry) *Checker {
	return &Checker{
		Version:   version,
		StartTime: time.Now(),
		Breakers:  breakers,
		Governor:  governor,
		Providers: providers,
	}
}

// HealthCheck is the liveness probe: it reports 200 as long as the
// process is serving requests at all.
func (c *Checker) HealthCheck(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"service": "queue-keeper",
		"status":  "healthy",
		"version": c.Version,
		"uptime":  time.Since(c.StartTime).String(),
	})
}

// DeepHealthCheck reports every circuit breaker's state and current
// concurrency occupancy, for operator dashboards and alerting. It
// returns 503 when any dependency breaker is open, per the HTTP surface
// contract: a deep-health caller needs to know when ingress is degraded,
// not just that the process itself is alive.
func (c *Checker) DeepHealthCheck(ctx *gin.Context) {
	status := http.StatusOK
	if c.Breakers.AnyOpen() {
		status = http.StatusServiceUnavailable
	}

	ctx.JSON(status, gin.H{
		"service":   "queue-keeper",
		"version":   c.Version,
		"uptime":    time.Since(c.StartTime).String(),
		"breakers":  c.Breakers.Snapshots(),
		"providers": c.Providers.Len(),
		"concurrency": gin.H{
			"ingress_in_flight": c.Governor.IngressInFlight(),
			"publish_in_flight": c.Governor.PublishInFlight(),
		},
	})
}

// ReadinessCheck reports 503 once every dependency breaker is open,
// signalling the orchestrator should stop sending new traffic until at
// least one recovers.
func (c *Checker) ReadinessCheck(ctx *gin.Context) {
	ready := !allOpen(c.Breakers.Snapshots())

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	ctx.JSON(status, gin.H{
		"service": "queue-keeper",
		"ready":   ready,
	})
}

func allOpen(snapshots []breaker.Snapshot) bool {
	for _, s := range snapshots {
		if s.State != breaker.Open {
			return false
		}
	}
	return len(snapshots) > 0
}
