// Package api provides HTTP handlers for the lab session API.
package api

import (
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// CreateSessionRequest for requesting a new lab session
type CreateSessionRequest struct {
	OwnerID  string `json:"owner_id" binding:"required"`
	CourseID string `json:"course_id" binding:"required"`
	Profile  string `json:"profile" binding:"required"`
}

// SessionsListResponse for listing sessions
type SessionsListResponse struct {
	Sessions []*v1.LabSession `json:"sessions"`
	Total    int              `json:"total"`
}

// ProfilesListResponse for listing available profiles
type ProfilesListResponse struct {
	Profiles []*v1.LabProfile `json:"profiles"`
	Total    int              `json:"total"`
}
