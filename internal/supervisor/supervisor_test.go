package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/profile"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func fastRestarts(t *testing.T, budget int) {
	t.Helper()
	origBase, origMax, origBudget, origWindow := restartBackoffBase, restartBackoffMax, restartBudget, budgetWindow
	restartBackoffBase = time.Millisecond
	restartBackoffMax = 5 * time.Millisecond
	restartBudget = budget
	budgetWindow = time.Minute
	t.Cleanup(func() {
		restartBackoffBase = origBase
		restartBackoffMax = origMax
		restartBudget = origBudget
		budgetWindow = origWindow
	})
}

func TestSupervisor_LongRunningServiceIsReady(t *testing.T) {
	specs := []profile.ServiceSpec{
		{Name: "sleeper", Command: []string{"sleep", "60"}, Port: 8080, Required: true},
	}
	s := New("sess-1", specs, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, s.Ready, 2*time.Second, 10*time.Millisecond)

	status := s.Status()
	assert.True(t, status.Ready)
	proc := status.Processes["sleeper"]
	assert.Equal(t, v1.ProcessRunning, proc.State)
	assert.NotZero(t, proc.PID)
	assert.Zero(t, proc.Restarts)
}

func TestSupervisor_RestartsCrashingService(t *testing.T) {
	fastRestarts(t, 100)

	specs := []profile.ServiceSpec{
		{Name: "crasher", Command: []string{"sh", "-c", "exit 1"}, Port: 8080, Required: true},
	}
	s := New("sess-1", specs, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool {
		return s.Status().Processes["crasher"].Restarts >= 3
	}, 3*time.Second, 10*time.Millisecond, "crashing service should be restarted")

	assert.False(t, s.Status().Processes["crasher"].PermanentlyFailed)
}

func TestSupervisor_RestartBudgetExhausted(t *testing.T) {
	fastRestarts(t, 3)

	specs := []profile.ServiceSpec{
		{Name: "crasher", Command: []string{"sh", "-c", "exit 1"}, Port: 8080, Required: true},
	}
	s := New("sess-1", specs, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool {
		return s.Status().Processes["crasher"].PermanentlyFailed
	}, 3*time.Second, 10*time.Millisecond)

	status := s.Status()
	assert.False(t, status.Ready, "a permanently failed required service blocks readiness")
	assert.Equal(t, v1.ProcessPermanentlyFailed, status.Processes["crasher"].State)
	assert.GreaterOrEqual(t, status.Processes["crasher"].Restarts, 3)

	// The count must not keep climbing once the budget is spent.
	restarts := status.Processes["crasher"].Restarts
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, restarts, s.Status().Processes["crasher"].Restarts)
}

func TestSupervisor_OptionalServiceDoesNotBlockReadiness(t *testing.T) {
	fastRestarts(t, 2)

	specs := []profile.ServiceSpec{
		{Name: "sleeper", Command: []string{"sleep", "60"}, Port: 8080, Required: true},
		{Name: "crasher", Command: []string{"sh", "-c", "exit 1"}, Port: 8081, Required: false},
	}
	s := New("sess-1", specs, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool {
		return s.Status().Processes["crasher"].PermanentlyFailed
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, s.Ready(), "only required services gate readiness")
}

func TestSupervisor_ProbeLivenessViaHTTP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	// The probe targets 127.0.0.1:<port><path>; reuse the test server's
	// port so the supervisor's URL construction is exercised.
	addrPort := backend.Listener.Addr().(*net.TCPAddr).Port
	specs := []profile.ServiceSpec{
		{Name: "web", Command: []string{"sleep", "60"}, Port: addrPort, LivenessPath: "/healthz", Required: true},
	}
	s := New("sess-1", specs, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool {
		return s.ProbeLiveness("web")
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, s.ProbeLiveness("unknown"))
}

func TestSupervisorAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)

	specs := []profile.ServiceSpec{
		{Name: "sleeper", Command: []string{"sleep", "60"}, Port: 8080, Required: true},
	}
	s := New("sess-1", specs, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, s.Ready, 2*time.Second, 10*time.Millisecond)

	router := gin.New()
	SetupRoutes(router, s, newTestLogger(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez/sleeper", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status v1.SupervisorStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "sess-1", status.SessionID)
	assert.True(t, status.Ready)
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, restartBackoffBase, backoffFor(1))
	assert.Equal(t, 2*restartBackoffBase, backoffFor(2))
	assert.Equal(t, 4*restartBackoffBase, backoffFor(3))
	assert.Equal(t, restartBackoffMax, backoffFor(100), "backoff is capped")
}

func TestPruneWindow(t *testing.T) {
	now := time.Now()
	times := []time.Time{
		now.Add(-time.Hour),
		now.Add(-time.Minute),
		now.Add(-time.Second),
	}
	kept := pruneWindow(times, now.Add(-5*time.Minute))
	assert.Len(t, kept, 2)
}
