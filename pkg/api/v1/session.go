package v1

import "time"

// SessionState represents the lifecycle state of a lab session
type SessionState string

const (
	SessionStateRequested    SessionState = "REQUESTED"
	SessionStateProvisioning SessionState = "PROVISIONING"
	SessionStateStarting     SessionState = "STARTING"
	SessionStateRunning      SessionState = "RUNNING"
	SessionStateExpiring     SessionState = "EXPIRING"
	SessionStateTerminating  SessionState = "TERMINATING"
	SessionStateTerminated   SessionState = "TERMINATED"
	SessionStateFailed       SessionState = "FAILED"
)

// Terminal reports whether the state is an end state from which no
// further transitions occur.
func (s SessionState) Terminal() bool {
	return s == SessionStateTerminated
}

// ServiceHealth represents the last observed health of a sub-service
type ServiceHealth string

const (
	ServiceHealthy   ServiceHealth = "healthy"
	ServiceUnhealthy ServiceHealth = "unhealthy"
	ServiceUnknown   ServiceHealth = "unknown"
)

// HealthStatus is the health snapshot entry for one sub-service
type HealthStatus struct {
	Status              ServiceHealth `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	PermanentlyFailed   bool          `json:"permanently_failed"`
	LastChecked         *time.Time    `json:"last_checked,omitempty"`
}

// LabSession represents a provisioned lab environment for one user
type LabSession struct {
	ID             string                  `json:"id"`
	OwnerID        string                  `json:"owner_id"`
	CourseID       string                  `json:"course_id"`
	Profile        string                  `json:"profile"`
	State          SessionState            `json:"state"`
	Endpoints      map[string]string       `json:"endpoints,omitempty"`
	Health         map[string]HealthStatus `json:"health,omitempty"`
	FailureReason  string                  `json:"failure_reason,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	LastActivityAt time.Time               `json:"last_activity_at"`
	ExpiresAt      time.Time               `json:"expires_at"`
	TerminatedAt   *time.Time              `json:"terminated_at,omitempty"`
}

// ResourceQuota defines the container resource quota for a profile
type ResourceQuota struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryMB int64   `json:"memory_mb"`
}

// LabProfile describes an environment template available for sessions
type LabProfile struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Image       string        `json:"image"`
	Quota       ResourceQuota `json:"quota"`
	Services    []string      `json:"services"`
	Enabled     bool          `json:"enabled"`
}
