package health

import (
	"context"
	"sync"
	"time"
)

// Manager runs checks in parallel with a per-check timeout.
type Manager struct {
	checkers []Checker
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewManager creates a new health check manager with default 5-second timeout.
func NewManager() *Manager {
	return &Manager{timeout: 5 * time.Second}
}

// WithTimeout sets a custom timeout for health checks.
func (m *Manager) WithTimeout(timeout time.Duration) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	return m
}

// AddChecker registers a new health checker.
func (m *Manager) AddChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Check runs all registered health checks and returns results by name.
func (m *Manager) Check(ctx context.Context) map[string]*Result {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	timeout := m.timeout
	m.mu.RUnlock()

	results := make(map[string]*Result, len(checkers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			result := c.Check(checkCtx)
			if result.Latency == 0 {
				result.Latency = time.Since(start)
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// OverallStatus is unhealthy if any check is, else degraded if any check
// is, else healthy.
func (m *Manager) OverallStatus(results map[string]*Result) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
