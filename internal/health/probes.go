package health

import (
	"context"
	"sync/atomic"
	"time"
)

// ProbeManager extends Manager with liveness, readiness and startup probes.
type ProbeManager struct {
	*Manager

	startTime   time.Time
	initialized atomic.Bool
	inShutdown  atomic.Bool
	version     string
}

// NewProbeManager creates a new health check manager with probe support.
func NewProbeManager(version string) *ProbeManager {
	return &ProbeManager{
		Manager:   NewManager(),
		startTime: time.Now(),
		version:   version,
	}
}

// MarkInitialized lets the startup probe pass.
func (pm *ProbeManager) MarkInitialized() { pm.initialized.Store(true) }

// MarkShutdown makes readiness fail so the instance leaves the load balancer.
func (pm *ProbeManager) MarkShutdown() { pm.inShutdown.Store(true) }

// IsInitialized returns whether the application is fully initialized.
func (pm *ProbeManager) IsInitialized() bool { return pm.initialized.Load() }

// IsShuttingDown returns whether the application is shutting down.
func (pm *ProbeManager) IsShuttingDown() bool { return pm.inShutdown.Load() }

// ProbeResult is the JSON body of every probe endpoint.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (pm *ProbeManager) result(status Status, checks map[string]*Result) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    time.Since(pm.startTime).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// CheckLiveness never runs dependency checks. It reports degraded while
// shutting down so the process is not restarted mid-drain.
func (pm *ProbeManager) CheckLiveness(ctx context.Context) *ProbeResult {
	if pm.IsShuttingDown() {
		return pm.result(StatusDegraded, nil)
	}
	return pm.result(StatusHealthy, nil)
}

// CheckReadiness aggregates every registered checker, or fails immediately
// while shutting down.
func (pm *ProbeManager) CheckReadiness(ctx context.Context) *ProbeResult {
	if pm.IsShuttingDown() {
		return pm.result(StatusUnhealthy, nil)
	}
	checks := pm.Manager.Check(ctx)
	return pm.result(pm.Manager.OverallStatus(checks), checks)
}

// CheckStartup passes once MarkInitialized has been called.
func (pm *ProbeManager) CheckStartup(ctx context.Context) *ProbeResult {
	if pm.IsInitialized() {
		return pm.result(StatusHealthy, nil)
	}
	return pm.result(StatusUnhealthy, nil)
}
