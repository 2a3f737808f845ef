package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/errors"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/lifecycle"
	"github.com/labdev/labdev/internal/lab/profile"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// Handler contains HTTP handlers for the lab session API
type Handler struct {
	manager  *lifecycle.Manager
	profiles *profile.Registry
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(manager *lifecycle.Manager, profiles *profile.Registry, log *logger.Logger) *Handler {
	return &Handler{
		manager:  manager,
		profiles: profiles,
		logger:   log,
	}
}

// CreateSession requests a new lab session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.manager.RequestSession(c.Request.Context(), req.OwnerID, req.CourseID, req.Profile)
	if err != nil {
		if !errors.IsAdmissionDenied(err) && !errors.IsInvalidProfile(err) {
			h.logger.Error("failed to create session",
				zap.String("owner_id", req.OwnerID),
				zap.Error(err))
		}
		appErr := errors.Wrap(err, "failed to create session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// GetSession retrieves a session's current state, endpoints, and health
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		appErr := errors.BadRequest("sessionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.manager.GetStatus(sessionID)
	if err != nil {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, session)
}

// ListSessions returns all tracked sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.manager.ListSessions()

	c.JSON(http.StatusOK, SessionsListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// TouchSession records user activity and extends the idle deadline
// POST /api/v1/sessions/:sessionId/touch
func (h *Handler) TouchSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		appErr := errors.BadRequest("sessionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.Touch(sessionID); err != nil {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteSession initiates teardown of a session. Teardown is
// asynchronous; stopping an already-terminated session is benign.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		appErr := errors.BadRequest("sessionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	err := h.manager.StopSession(c.Request.Context(), sessionID)
	if err != nil && !errors.IsAlreadyTerminated(err) {
		if errors.IsNotFound(err) {
			appErr := errors.NotFound("session", sessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to stop session", zap.String("session_id", sessionID), zap.Error(err))
		appErr := errors.InternalError("failed to stop session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusAccepted)
}

// ListProfiles returns the environment templates available for sessions
// GET /api/v1/profiles
func (h *Handler) ListProfiles(c *gin.Context) {
	profiles := h.profiles.List()

	resp := ProfilesListResponse{
		Profiles: make([]*v1.LabProfile, len(profiles)),
		Total:    len(profiles),
	}
	for i, p := range profiles {
		resp.Profiles[i] = profileToResponse(p)
	}

	c.JSON(http.StatusOK, resp)
}

func profileToResponse(p *profile.Profile) *v1.LabProfile {
	services := make([]string, len(p.Services))
	for i, svc := range p.Services {
		services[i] = svc.Name
	}
	return &v1.LabProfile{
		Name:        p.Name,
		Description: p.Description,
		Image:       p.ImageRef(),
		Quota:       p.Quota,
		Services:    services,
		Enabled:     p.Enabled,
	}
}
