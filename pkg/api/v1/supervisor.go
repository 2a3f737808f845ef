package v1

import "time"

// ProcessState represents the supervisor's view of one managed process
type ProcessState string

const (
	ProcessStarting          ProcessState = "starting"
	ProcessRunning           ProcessState = "running"
	ProcessBackingOff        ProcessState = "backing_off"
	ProcessPermanentlyFailed ProcessState = "permanently_failed"
	ProcessStopped           ProcessState = "stopped"
)

// ProcessStatus is the supervisor's report for one managed sub-service
type ProcessStatus struct {
	Name              string       `json:"name"`
	State             ProcessState `json:"state"`
	PID               int          `json:"pid,omitempty"`
	Restarts          int          `json:"restarts"`
	PermanentlyFailed bool         `json:"permanently_failed"`
	LastExit          *time.Time   `json:"last_exit,omitempty"`
}

// SupervisorStatus is the aggregate report served by the in-environment
// supervisor on /status
type SupervisorStatus struct {
	SessionID string                   `json:"session_id"`
	Ready     bool                     `json:"ready"`
	Uptime    float64                  `json:"uptime_seconds"`
	Processes map[string]ProcessStatus `json:"processes"`
}
