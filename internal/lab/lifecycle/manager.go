// Package lifecycle owns the session table and the session state
// machine. It is the only component that mutates session state; the
// health monitor and idle reaper submit transition requests through it.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/errors"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/events"
	"github.com/labdev/labdev/internal/events/bus"
	"github.com/labdev/labdev/internal/lab/admission"
	"github.com/labdev/labdev/internal/lab/profile"
	"github.com/labdev/labdev/internal/lab/runtime"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// Backoff bases for retried runtime calls, capped by doubling per
// attempt. Package-level so tests can shorten them.
var (
	provisionBackoffBase = 500 * time.Millisecond
	teardownBackoffBase  = time.Second
)

// Prober waits for an environment's required sub-services to report
// ready within the startup window.
type Prober interface {
	WaitReady(ctx context.Context, supervisorURL string, p *profile.Profile, window time.Duration) error
}

// Archive records terminated sessions for diagnostic inspection.
type Archive interface {
	Record(ctx context.Context, session *v1.LabSession) error
}

// Manager owns session lifecycles: admission-gated creation,
// provisioning, supervision feedback, idle expiry, and exactly-once
// teardown.
type Manager struct {
	cfg       config.LabConfig
	profiles  *profile.Registry
	runtime   runtime.Runtime
	router    runtime.Router
	admission *admission.Controller
	prober    Prober
	eventBus  bus.EventBus
	archive   Archive
	logger    *logger.Logger

	sessions map[string]*Session
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a lifecycle manager. The archive may be nil.
func NewManager(
	cfg config.LabConfig,
	profiles *profile.Registry,
	rt runtime.Runtime,
	router runtime.Router,
	adm *admission.Controller,
	prober Prober,
	eventBus bus.EventBus,
	archive Archive,
	log *logger.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		profiles:  profiles,
		runtime:   rt,
		router:    router,
		admission: adm,
		prober:    prober,
		eventBus:  eventBus,
		archive:   archive,
		logger:    log.WithFields(zap.String("component", "lifecycle-manager")),
		sessions:  make(map[string]*Session),
	}
}

// Start launches the reconciliation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("starting lifecycle manager")

	m.wg.Add(1)
	go m.reconcileLoop()

	return nil
}

// Stop stops background work and waits for in-flight provisioning and
// teardown goroutines.
func (m *Manager) Stop() error {
	m.logger.Info("stopping lifecycle manager")
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// RequestSession admits and creates a session, then provisions it
// asynchronously. Returns the session snapshot in state REQUESTED, or
// InvalidProfile / AdmissionDenied.
func (m *Manager) RequestSession(ctx context.Context, ownerID, courseID, profileName string) (*v1.LabSession, error) {
	p, err := m.profiles.Get(profileName)
	if err != nil {
		return nil, errors.InvalidProfile(profileName)
	}

	sessionID := uuid.New().String()

	if err := m.admission.Acquire(ownerID, courseID, sessionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             sessionID,
		OwnerID:        ownerID,
		CourseID:       courseID,
		Profile:        p,
		state:          v1.SessionStateRequested,
		createdAt:      now,
		lastActivityAt: now,
		expiresAt:      now.Add(m.cfg.SessionTimeoutDuration()),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	m.logger.Info("session admitted",
		zap.String("session_id", sessionID),
		zap.String("owner_id", ownerID),
		zap.String("profile", profileName))
	m.publishState(sess, v1.SessionStateRequested)

	m.wg.Add(1)
	go m.provision(sess)

	return sess.Snapshot(), nil
}

// GetStatus returns the current snapshot of a session. Terminated
// sessions remain visible until the retention TTL purges them.
func (m *Manager) GetStatus(sessionID string) (*v1.LabSession, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	return sess.Snapshot(), nil
}

// ListSessions returns snapshots of every tracked session.
func (m *Manager) ListSessions() []*v1.LabSession {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	result := make([]*v1.LabSession, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess.Snapshot())
	}
	return result
}

// Touch refreshes a session's last-activity timestamp and extends its
// expiry. The expiry only moves forward, never back.
func (m *Manager) Touch(sessionID string) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return errors.NotFound("session", sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.state {
	case v1.SessionStateRequested, v1.SessionStateProvisioning, v1.SessionStateStarting, v1.SessionStateRunning:
		now := time.Now().UTC()
		sess.lastActivityAt = now
		if deadline := now.Add(m.cfg.SessionTimeoutDuration()); deadline.After(sess.expiresAt) {
			sess.expiresAt = deadline
		}
		return nil
	default:
		return errors.NotFound("session", sessionID)
	}
}

// StopSession initiates teardown. Idempotent: a second stop, or a stop
// after the reaper has already begun expiry, is a no-op. A stop issued
// while provisioning is recorded and honored once provisioning reaches
// its next safe point.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return errors.NotFound("session", sessionID)
	}

	sess.mu.Lock()
	state := sess.state
	switch state {
	case v1.SessionStateTerminated:
		sess.mu.Unlock()
		return errors.AlreadyTerminated(sessionID)
	case v1.SessionStateExpiring, v1.SessionStateTerminating, v1.SessionStateFailed:
		// Teardown already in flight.
		sess.mu.Unlock()
		return nil
	case v1.SessionStateRequested, v1.SessionStateProvisioning, v1.SessionStateStarting:
		sess.pendingStop = true
		sess.mu.Unlock()
		m.logger.Info("stop recorded for in-flight provisioning",
			zap.String("session_id", sessionID))
		return nil
	}
	sess.mu.Unlock()

	if !m.compareAndTransition(sess, v1.SessionStateExpiring, func(s *Session) bool {
		return s.state == v1.SessionStateRunning
	}) {
		// Lost the race to another stop or failure; both end in teardown.
		return nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.teardown(m.ctx, sess, "stopped by caller")
	}()
	return nil
}

// ExpireIfIdle transitions an idle session to EXPIRING and tears it
// down. The expiry check happens under the session lock immediately
// before transitioning, so a concurrent Touch wins.
func (m *Manager) ExpireIfIdle(ctx context.Context, sessionID string) bool {
	sess, ok := m.get(sessionID)
	if !ok {
		return false
	}

	if !m.compareAndTransition(sess, v1.SessionStateExpiring, func(s *Session) bool {
		return s.state == v1.SessionStateRunning && expired(time.Now().UTC(), s.expiresAt)
	}) {
		return false
	}

	m.logger.Info("session expired", zap.String("session_id", sessionID))
	m.teardown(ctx, sess, "idle timeout")
	return true
}

// expired reports whether the deadline has strictly passed. A session
// touched at its exact deadline survives.
func expired(now, deadline time.Time) bool {
	return now.After(deadline)
}

// RecordHealth updates the health snapshot for one sub-service and
// returns the updated entry. Consecutive failures reset on success;
// they are not latched at this layer.
func (m *Manager) RecordHealth(sessionID, service string, healthy, permanentlyFailed bool) (v1.HealthStatus, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return v1.HealthStatus{}, errors.NotFound("session", sessionID)
	}

	sess.mu.Lock()
	entry, ok := sess.health[service]
	if !ok {
		entry = &healthEntry{status: v1.ServiceUnknown}
		if sess.health == nil {
			sess.health = make(map[string]*healthEntry)
		}
		sess.health[service] = entry
	}

	previous := entry.status
	entry.lastChecked = time.Now().UTC()
	entry.permanentlyFailed = permanentlyFailed
	if healthy {
		entry.status = v1.ServiceHealthy
		entry.consecutiveFailures = 0
	} else {
		entry.consecutiveFailures++
		if entry.consecutiveFailures >= m.cfg.HealthRetries {
			entry.status = v1.ServiceUnhealthy
		}
	}
	status := v1.HealthStatus{
		Status:              entry.status,
		ConsecutiveFailures: entry.consecutiveFailures,
		PermanentlyFailed:   entry.permanentlyFailed,
	}
	sess.mu.Unlock()

	if status.Status != previous {
		m.publishEvent(events.SessionHealth, sess, map[string]interface{}{
			"service": service,
			"status":  string(status.Status),
		})
	}
	return status, nil
}

// FailSession moves a running session to FAILED and tears it down.
// Called by the health monitor once a required sub-service is both
// monitor-unhealthy and supervisor-permanently-failed.
func (m *Manager) FailSession(ctx context.Context, sessionID, reason string) bool {
	sess, ok := m.get(sessionID)
	if !ok {
		return false
	}

	if !m.compareAndTransition(sess, v1.SessionStateFailed, func(s *Session) bool {
		if s.state != v1.SessionStateRunning {
			return false
		}
		s.failureReason = reason
		return true
	}) {
		return false
	}

	m.logger.Warn("session failed",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	m.teardown(ctx, sess, reason)
	return true
}

// RunningSessions returns the sessions currently in RUNNING state, for
// the health monitor and idle reaper to observe.
func (m *Manager) RunningSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.State() == v1.SessionStateRunning {
			result = append(result, sess)
		}
	}
	return result
}

func (m *Manager) get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// provision drives a session from REQUESTED to RUNNING: materialize the
// environment, start it, wait for sub-service readiness, publish
// routes. Runtime calls execute outside the session lock.
func (m *Manager) provision(sess *Session) {
	defer m.wg.Done()
	ctx := m.ctx

	if !m.compareAndTransition(sess, v1.SessionStateProvisioning, func(s *Session) bool {
		return s.state == v1.SessionStateRequested
	}) {
		return
	}

	handle, err := m.createWithRetry(ctx, sess)
	if err != nil {
		m.fail(ctx, sess, errors.ProvisioningFailed("runtime could not materialize environment", err))
		return
	}

	sess.mu.Lock()
	sess.handle = handle
	stop := sess.pendingStop
	sess.mu.Unlock()
	if stop {
		m.teardown(ctx, sess, "stopped during provisioning")
		return
	}

	if !m.compareAndTransition(sess, v1.SessionStateStarting, func(s *Session) bool {
		return s.state == v1.SessionStateProvisioning
	}) {
		return
	}

	if err := m.runtime.Start(ctx, handle); err != nil {
		m.fail(ctx, sess, errors.ProvisioningFailed("environment failed to start", err))
		return
	}

	env, err := m.runtime.Inspect(ctx, handle)
	if err != nil || !env.Running {
		m.fail(ctx, sess, errors.ProvisioningFailed("environment not running after start", err))
		return
	}

	// The runtime reports a bare IP, or host:port when the supervisor
	// port is remapped.
	addr := env.Address
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		addr = fmt.Sprintf("%s:%d", addr, runtime.DefaultSupervisorPort)
	}
	supervisorURL := "http://" + addr
	sess.mu.Lock()
	sess.supervisorURL = supervisorURL
	sess.mu.Unlock()

	window := sess.Profile.StartupWindow
	if window <= 0 {
		window = m.cfg.StartupWindowDuration()
	}
	if err := m.prober.WaitReady(ctx, supervisorURL, sess.Profile, window); err != nil {
		m.fail(ctx, sess, errors.StartupTimeout(
			fmt.Sprintf("sub-services not ready within %s", window)))
		return
	}

	sess.mu.Lock()
	stop = sess.pendingStop
	sess.mu.Unlock()
	if stop {
		m.teardown(ctx, sess, "stopped during provisioning")
		return
	}

	endpoints := make(map[string]string, len(sess.Profile.Services))
	for _, svc := range sess.Profile.Services {
		target := fmt.Sprintf("http://%s:%d", env.Address, svc.Port)
		route, err := m.router.Register(sess.ID, svc.Name, target)
		if err != nil {
			m.fail(ctx, sess, errors.ProvisioningFailed(
				fmt.Sprintf("failed to publish route for %s", svc.Name), err))
			return
		}
		endpoints[svc.Name] = route
	}

	if !m.compareAndTransition(sess, v1.SessionStateRunning, func(s *Session) bool {
		if s.state != v1.SessionStateStarting || s.pendingStop {
			return false
		}
		now := time.Now().UTC()
		s.endpoints = endpoints
		s.lastActivityAt = now
		if deadline := now.Add(m.cfg.SessionTimeoutDuration()); deadline.After(s.expiresAt) {
			s.expiresAt = deadline
		}
		s.health = make(map[string]*healthEntry, len(s.Profile.Services))
		for _, svc := range s.Profile.Services {
			s.health[svc.Name] = &healthEntry{status: v1.ServiceUnknown}
		}
		return true
	}) {
		// A stop that landed after the last explicit check is replayed
		// here: the transition refuses to enter RUNNING while a stop is
		// pending, so the stop can never be lost.
		sess.mu.Lock()
		stop = sess.pendingStop
		sess.mu.Unlock()
		if stop {
			m.teardown(ctx, sess, "stopped during provisioning")
		}
		return
	}

	m.logger.Info("session running",
		zap.String("session_id", sess.ID),
		zap.Int("endpoints", len(endpoints)))
}

// createWithRetry issues the runtime creation intent with bounded
// retries and doubling backoff.
func (m *Manager) createWithRetry(ctx context.Context, sess *Session) (runtime.Handle, error) {
	var lastErr error
	backoff := provisionBackoffBase
	for attempt := 0; attempt < m.cfg.ProvisionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		handle, err := m.runtime.Create(ctx, sess.ID, sess.Profile)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		m.logger.Warn("environment creation attempt failed",
			zap.String("session_id", sess.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return "", lastErr
}

// fail records a failure and tears the session down.
func (m *Manager) fail(ctx context.Context, sess *Session, appErr *errors.AppError) {
	if !m.compareAndTransition(sess, v1.SessionStateFailed, func(s *Session) bool {
		switch s.state {
		case v1.SessionStateProvisioning, v1.SessionStateStarting, v1.SessionStateRunning:
			s.failureReason = appErr.Message
			return true
		}
		return false
	}) {
		return
	}

	m.logger.Error("session failed",
		zap.String("session_id", sess.ID),
		zap.String("code", appErr.Code),
		zap.Error(appErr))
	m.teardown(ctx, sess, appErr.Message)
}

// teardown releases runtime resources, unregisters routes, marks the
// session TERMINATED, and releases the admission slot. It executes
// exactly once per session; later invocations return immediately.
// Runtime release errors are retried a bounded number of times but
// never block the terminal transition: the reconcile loop re-attempts
// cleanup of unreleased handles.
func (m *Manager) teardown(ctx context.Context, sess *Session, reason string) {
	sess.mu.Lock()
	if sess.tearingDown || sess.state == v1.SessionStateTerminated {
		sess.mu.Unlock()
		return
	}
	sess.tearingDown = true
	handle := sess.handle
	sess.mu.Unlock()

	if !m.compareAndTransition(sess, v1.SessionStateTerminating, func(s *Session) bool {
		return transitionAllowed(s.state, v1.SessionStateTerminating)
	}) {
		return
	}

	released := handle == ""
	if !released {
		released = m.releaseRuntime(ctx, sess.ID, handle)
	}

	m.router.Unregister(sess.ID)

	m.compareAndTransition(sess, v1.SessionStateTerminated, func(s *Session) bool {
		now := time.Now().UTC()
		s.terminatedAt = &now
		s.handleReleased = released
		s.endpoints = nil
		return true
	})

	m.admission.Release(sess.OwnerID, sess.CourseID, sess.ID)

	if m.archive != nil {
		if err := m.archive.Record(ctx, sess.Snapshot()); err != nil {
			m.logger.Warn("failed to archive session",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}

	m.logger.Info("session terminated",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason),
		zap.Bool("runtime_released", released))
}

// releaseRuntime stops and removes the environment with bounded
// retries. Returns whether the release is confirmed.
func (m *Manager) releaseRuntime(ctx context.Context, sessionID string, handle runtime.Handle) bool {
	backoff := teardownBackoffBase
	for attempt := 0; attempt < m.cfg.TeardownRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := m.runtime.Stop(ctx, handle); err != nil {
			m.logger.Warn("environment stop failed",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		if err := m.runtime.Remove(ctx, handle); err != nil {
			m.logger.Warn("environment remove failed",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return true
	}
	return false
}

// compareAndTransition atomically checks cond and applies the
// transition under the session lock, then publishes the state event.
// cond may mutate the session; it runs only if the transition itself is
// allowed from the current state.
func (m *Manager) compareAndTransition(sess *Session, to v1.SessionState, cond func(*Session) bool) bool {
	sess.mu.Lock()
	if !transitionAllowed(sess.state, to) || !cond(sess) {
		sess.mu.Unlock()
		return false
	}
	from := sess.state
	sess.state = to
	sess.mu.Unlock()

	m.logger.Debug("session transition",
		zap.String("session_id", sess.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	m.publishState(sess, to)
	return true
}

// reconcileLoop periodically re-attempts runtime cleanup for terminated
// sessions whose resources are not confirmed released, and purges
// terminated sessions past the retention TTL.
func (m *Manager) reconcileLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconcileIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("reconcile loop stopped")
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

func (m *Manager) reconcile() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	now := time.Now().UTC()
	retention := m.cfg.RetentionTTLDuration()

	for _, sess := range sessions {
		sess.mu.Lock()
		terminated := sess.state == v1.SessionStateTerminated
		released := sess.handleReleased
		handle := sess.handle
		var terminatedAt time.Time
		if sess.terminatedAt != nil {
			terminatedAt = *sess.terminatedAt
		}
		sess.mu.Unlock()

		if !terminated {
			continue
		}

		if !released && handle != "" {
			if err := m.runtime.Remove(m.ctx, handle); err != nil {
				m.logger.Warn("reconcile: runtime release still failing",
					zap.String("session_id", sess.ID),
					zap.Error(err))
			} else {
				sess.mu.Lock()
				sess.handleReleased = true
				sess.mu.Unlock()
				m.logger.Info("reconcile: runtime resources released",
					zap.String("session_id", sess.ID))
			}
		}

		// Terminated sessions are retained for diagnostic inspection
		// until the TTL elapses, then purged from the table.
		if !terminatedAt.IsZero() && now.Sub(terminatedAt) > retention {
			m.mu.Lock()
			delete(m.sessions, sess.ID)
			m.mu.Unlock()
			m.logger.Debug("purged terminated session",
				zap.String("session_id", sess.ID))
		}
	}
}

func (m *Manager) publishState(sess *Session, state v1.SessionState) {
	subject, ok := stateSubjects[state]
	if !ok {
		return
	}
	m.publishEvent(subject, sess, nil)
}

var stateSubjects = map[v1.SessionState]string{
	v1.SessionStateRequested:    events.SessionRequested,
	v1.SessionStateProvisioning: events.SessionProvisioning,
	v1.SessionStateStarting:     events.SessionStarting,
	v1.SessionStateRunning:      events.SessionRunning,
	v1.SessionStateExpiring:     events.SessionExpiring,
	v1.SessionStateTerminating:  events.SessionTerminating,
	v1.SessionStateTerminated:   events.SessionTerminated,
	v1.SessionStateFailed:       events.SessionFailed,
}

func (m *Manager) publishEvent(subject string, sess *Session, extra map[string]interface{}) {
	if m.eventBus == nil {
		return
	}

	snap := sess.Snapshot()
	data := map[string]interface{}{
		"session_id": snap.ID,
		"owner_id":   snap.OwnerID,
		"course_id":  snap.CourseID,
		"profile":    snap.Profile,
		"state":      string(snap.State),
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(subject, "lab-orchestrator", data)
	if err := m.eventBus.Publish(context.Background(), subject, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}
