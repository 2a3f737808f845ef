package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/events/bus"
	"github.com/labdev/labdev/internal/lab/admission"
	"github.com/labdev/labdev/internal/lab/lifecycle"
	"github.com/labdev/labdev/internal/lab/profile"
	"github.com/labdev/labdev/internal/lab/runtime"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// stubRuntime satisfies runtime.Runtime without a container daemon.
type stubRuntime struct{}

func (stubRuntime) Create(_ context.Context, sessionID string, _ *profile.Profile) (runtime.Handle, error) {
	return runtime.Handle("handle-" + sessionID), nil
}
func (stubRuntime) Start(context.Context, runtime.Handle) error  { return nil }
func (stubRuntime) Stop(context.Context, runtime.Handle) error   { return nil }
func (stubRuntime) Remove(context.Context, runtime.Handle) error { return nil }
func (stubRuntime) Inspect(context.Context, runtime.Handle) (*runtime.Environment, error) {
	return &runtime.Environment{Running: true, Address: "10.0.0.2"}, nil
}

type stubRouter struct{}

func (stubRouter) Register(sessionID, service, _ string) (string, error) {
	return fmt.Sprintf("http://labs.test/labs/%s/%s/", sessionID, service), nil
}
func (stubRouter) Unregister(string) {}

type stubProber struct{}

func (stubProber) WaitReady(context.Context, string, *profile.Profile, time.Duration) error {
	return nil
}

func setupTestAPI(t *testing.T, maxConcurrent int) (*gin.Engine, *lifecycle.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := config.LabConfig{
		MaxConcurrent:     maxConcurrent,
		SessionTimeout:    3600,
		StartupWindow:     60,
		SweepInterval:     30,
		HealthRetries:     3,
		ProvisionRetries:  1,
		TeardownRetries:   1,
		RetentionTTL:      3600,
		ReconcileInterval: 60,
	}

	profiles := profile.NewRegistry(log)
	profiles.LoadDefaults()
	adm := admission.NewController(cfg.MaxConcurrent, log)
	eventBus := bus.NewMemoryEventBus(log)

	manager := lifecycle.NewManager(cfg, profiles, stubRuntime{}, stubRouter{}, adm, stubProber{}, eventBus, nil, log)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { _ = manager.Stop() })

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), manager, profiles, eventBus, log)
	return router, manager
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine, owner string) v1.LabSession {
	t.Helper()
	w := doJSON(router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		OwnerID:  owner,
		CourseID: "go-101",
		Profile:  "simple",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sess v1.LabSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return sess
}

func waitForAPIState(t *testing.T, router *gin.Engine, id string, want v1.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		w := doJSON(router, http.MethodGet, "/api/v1/sessions/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var sess v1.LabSession
		if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
			return false
		}
		return sess.State == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAPI_CreateSession(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	sess := createSession(t, router, "alice")
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "alice", sess.OwnerID)
	assert.Equal(t, v1.SessionStateRequested, sess.State)

	waitForAPIState(t, router, sess.ID, v1.SessionStateRunning)
}

func TestAPI_CreateSession_BadRequests(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing required fields
	w = doJSON(router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{OwnerID: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown profile
	w = doJSON(router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		OwnerID: "alice", CourseID: "go-101", Profile: "nope",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_CreateSession_AdmissionConflict(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	createSession(t, router, "alice")

	w := doJSON(router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		OwnerID: "alice", CourseID: "go-101", Profile: "simple",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_CreateSession_CapacityConflict(t *testing.T) {
	router, _ := setupTestAPI(t, 1)

	createSession(t, router, "alice")

	w := doJSON(router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		OwnerID: "bob", CourseID: "go-101", Profile: "simple",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_GetSession(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	sess := createSession(t, router, "alice")
	waitForAPIState(t, router, sess.ID, v1.SessionStateRunning)

	w := doJSON(router, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got v1.LabSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, v1.SessionStateRunning, got.State)
	assert.Len(t, got.Endpoints, 2)
	assert.Len(t, got.Health, 2)
}

func TestAPI_GetSession_NotFound(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	w := doJSON(router, http.MethodGet, "/api/v1/sessions/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_ListSessions(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	createSession(t, router, "alice")
	createSession(t, router, "bob")

	w := doJSON(router, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestAPI_TouchSession(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	sess := createSession(t, router, "alice")
	waitForAPIState(t, router, sess.ID, v1.SessionStateRunning)

	w := doJSON(router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/touch", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/sessions/no-such-id/touch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_DeleteSession(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	sess := createSession(t, router, "alice")
	waitForAPIState(t, router, sess.ID, v1.SessionStateRunning)

	w := doJSON(router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	waitForAPIState(t, router, sess.ID, v1.SessionStateTerminated)

	// Deleting an already-terminated session is benign.
	w = doJSON(router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestAPI_DeleteSession_NotFound(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	w := doJSON(router, http.MethodDelete, "/api/v1/sessions/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_ListProfiles(t *testing.T) {
	router, _ := setupTestAPI(t, 10)

	w := doJSON(router, http.MethodGet, "/api/v1/profiles", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ProfilesListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	names := make(map[string]bool)
	for _, p := range resp.Profiles {
		names[p.Name] = true
	}
	assert.True(t, names["simple"])
	assert.True(t, names["multi-ide"])
}
