package monitoring

import (
	"context"
	"sync"
	"time"

	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.checks {
		healthy, err := runCheck(ctx, check)
		if err != nil || !healthy {
			status.Status = "unhealthy"
			if err != nil {
				status.Checks[check.Name] = err.Error()
			} else {
				status.Checks[check.Name] = "check failed"
			}
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

func runCheck(ctx context.Context, check HealthCheck) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(ctx)
}

// IsReady reports whether every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}

// StartBackgroundChecks runs each check on its interval and logs the ones
// that fail until ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy, err := runCheck(ctx, check)
			if err != nil || !healthy {
				h.logger.Warnw("health check failed", "check", check.Name, "error", err)
			}
		}
	}
}

// AddRepositoryCheck fails when the presence directory cannot be listed.
func (h *HealthChecker) AddRepositoryCheck(repo ports.PresenceRepository, interval, timeout time.Duration) {
	h.AddCheck("presence", func(ctx context.Context) (bool, error) {
		if _, err := repo.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPingCheck wraps a ping function such as the repository factory's
// Redis health check.
func (h *HealthChecker) AddPingCheck(name string, ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if err := ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}
