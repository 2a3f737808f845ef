package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/admission"
	"github.com/labdev/labdev/internal/lab/lifecycle"
	"github.com/labdev/labdev/internal/lab/profile"
	"github.com/labdev/labdev/internal/lab/runtime"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// nopRuntime satisfies runtime.Runtime without touching a daemon.
type nopRuntime struct{}

func (nopRuntime) Create(_ context.Context, sessionID string, _ *profile.Profile) (runtime.Handle, error) {
	return runtime.Handle("handle-" + sessionID), nil
}
func (nopRuntime) Start(context.Context, runtime.Handle) error  { return nil }
func (nopRuntime) Stop(context.Context, runtime.Handle) error   { return nil }
func (nopRuntime) Remove(context.Context, runtime.Handle) error { return nil }
func (nopRuntime) Inspect(context.Context, runtime.Handle) (*runtime.Environment, error) {
	return &runtime.Environment{Running: true, Address: "10.0.0.2"}, nil
}

type nopRouter struct{}

func (nopRouter) Register(sessionID, service, _ string) (string, error) {
	return fmt.Sprintf("http://labs.test/labs/%s/%s/", sessionID, service), nil
}
func (nopRouter) Unregister(string) {}

type readyProber struct{}

func (readyProber) WaitReady(context.Context, string, *profile.Profile, time.Duration) error {
	return nil
}

func TestReaper_ExpiresIdleSessions(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := config.LabConfig{
		MaxConcurrent:     10,
		SessionTimeout:    1,
		StartupWindow:     60,
		SweepInterval:     1,
		HealthRetries:     3,
		ProvisionRetries:  1,
		TeardownRetries:   1,
		RetentionTTL:      3600,
		ReconcileInterval: 60,
	}

	profiles := profile.NewRegistry(log)
	profiles.LoadDefaults()
	adm := admission.NewController(cfg.MaxConcurrent, log)

	manager := lifecycle.NewManager(cfg, profiles, nopRuntime{}, nopRouter{}, adm, readyProber{}, nil, nil, log)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { _ = manager.Stop() })

	r := NewReaper(cfg, manager, log)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })

	sess, err := manager.RequestSession(context.Background(), "alice", "go-101", "simple")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := manager.GetStatus(sess.ID)
		return err == nil && snap.State == v1.SessionStateRunning
	}, 3*time.Second, 10*time.Millisecond)

	// The session goes idle; within a couple of sweeps it is gone.
	require.Eventually(t, func() bool {
		snap, err := manager.GetStatus(sess.ID)
		return err == nil && snap.State == v1.SessionStateTerminated
	}, 5*time.Second, 50*time.Millisecond)
}
