// Package health probes the sub-services of running sessions and feeds
// observations back to the lifecycle manager.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/lifecycle"
	"github.com/labdev/labdev/internal/lab/profile"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// readyPollInterval is how often the prober re-checks readiness while
// waiting out the startup window.
var readyPollInterval = time.Second

// HTTPProber waits for the in-environment supervisor to report its
// required sub-services ready.
type HTTPProber struct {
	client *http.Client
}

var _ lifecycle.Prober = (*HTTPProber)(nil)

// NewProber creates a readiness prober with the given per-request timeout.
func NewProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
	}
}

// WaitReady polls the supervisor's readiness endpoint until it reports
// ready or the startup window elapses.
func (p *HTTPProber) WaitReady(ctx context.Context, supervisorURL string, _ *profile.Profile, window time.Duration) error {
	deadline := time.Now().Add(window)
	readyURL := supervisorURL + "/readyz"

	for {
		if ok, _ := p.probe(ctx, readyURL); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("readiness not reported within %s", window)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

func (p *HTTPProber) probe(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Monitor periodically probes the liveness of every sub-service of
// every running session. Observations go through the lifecycle
// manager, which tracks consecutive failures; the monitor only fails a
// session outright when a required sub-service is both unhealthy and
// reported permanently failed by the supervisor, meaning the in-
// environment restart budget is exhausted and recovery is impossible.
type Monitor struct {
	cfg     config.LabConfig
	manager *lifecycle.Manager
	client  *http.Client
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg config.LabConfig, manager *lifecycle.Manager, log *logger.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		manager: manager,
		client:  &http.Client{Timeout: cfg.HealthTimeoutDuration()},
		logger:  log.WithFields(zap.String("component", "health-monitor")),
	}
}

// Start launches the polling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("starting health monitor",
		zap.Duration("interval", m.cfg.HealthIntervalDuration()))

	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop stops the polling loop and waits for in-flight sweeps.
func (m *Monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep probes every running session once. Sessions are checked
// concurrently; sub-services within a session sequentially.
func (m *Monitor) sweep() {
	sessions := m.manager.RunningSessions()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *lifecycle.Session) {
			defer wg.Done()
			m.checkSession(sess)
		}(sess)
	}
	wg.Wait()
}

func (m *Monitor) checkSession(sess *lifecycle.Session) {
	supervisorURL := sess.SupervisorURL()
	if supervisorURL == "" {
		return
	}

	// The supervisor's own report carries the permanent-failure flags.
	// If it is unreachable the flags stay at their last recorded value
	// via the liveness probes alone.
	report, reportErr := m.supervisorStatus(supervisorURL)
	if reportErr != nil {
		m.logger.Debug("supervisor status unavailable",
			zap.String("session_id", sess.ID),
			zap.Error(reportErr))
	}

	for _, svc := range sess.Profile.Services {
		healthy := m.probeService(supervisorURL, svc)

		permanentlyFailed := false
		if report != nil {
			if proc, ok := report.Processes[svc.Name]; ok {
				permanentlyFailed = proc.PermanentlyFailed
			}
		}

		status, err := m.manager.RecordHealth(sess.ID, svc.Name, healthy, permanentlyFailed)
		if err != nil {
			// Session terminated mid-sweep.
			return
		}

		if svc.Required && status.Status == v1.ServiceUnhealthy && status.PermanentlyFailed {
			m.manager.FailSession(m.ctx, sess.ID,
				fmt.Sprintf("required service %q is unhealthy and cannot be restarted", svc.Name))
			return
		}

		if !healthy {
			m.logger.Debug("liveness probe failed",
				zap.String("session_id", sess.ID),
				zap.String("service", svc.Name),
				zap.Int("consecutive_failures", status.ConsecutiveFailures))
		}
	}
}

// probeService checks one sub-service's liveness through the
// supervisor. A single probe; consecutive-failure counting happens in
// the lifecycle manager.
func (m *Monitor) probeService(supervisorURL string, svc profile.ServiceSpec) bool {
	url := fmt.Sprintf("%s/livez/%s", supervisorURL, svc.Name)

	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (m *Monitor) supervisorStatus(supervisorURL string) (*v1.SupervisorStatus, error) {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, supervisorURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supervisor status returned %d", resp.StatusCode)
	}

	var status v1.SupervisorStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode supervisor status: %w", err)
	}
	return &status, nil
}
