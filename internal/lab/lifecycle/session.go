package lifecycle

import (
	"sync"
	"time"

	"github.com/labdev/labdev/internal/lab/profile"
	"github.com/labdev/labdev/internal/lab/runtime"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// healthEntry is the last observed health of one sub-service.
type healthEntry struct {
	status              v1.ServiceHealth
	consecutiveFailures int
	permanentlyFailed   bool
	lastChecked         time.Time
}

// Session is the tracked state of one lab environment. All mutation
// happens under mu; transitions for the same session never execute
// concurrently. Long runtime calls run outside the lock with the
// session parked in an intermediate state.
type Session struct {
	ID       string
	OwnerID  string
	CourseID string
	Profile  *profile.Profile

	mu             sync.Mutex
	state          v1.SessionState
	handle         runtime.Handle
	handleReleased bool
	supervisorURL  string
	endpoints      map[string]string
	health         map[string]*healthEntry
	failureReason  string
	createdAt      time.Time
	lastActivityAt time.Time
	expiresAt      time.Time
	terminatedAt   *time.Time
	pendingStop    bool
	tearingDown    bool
}

// validTransitions is the session state machine. A transition not
// listed here is rejected.
var validTransitions = map[v1.SessionState][]v1.SessionState{
	v1.SessionStateRequested:    {v1.SessionStateProvisioning},
	v1.SessionStateProvisioning: {v1.SessionStateStarting, v1.SessionStateFailed, v1.SessionStateTerminating},
	v1.SessionStateStarting:     {v1.SessionStateRunning, v1.SessionStateFailed, v1.SessionStateTerminating},
	v1.SessionStateRunning:      {v1.SessionStateExpiring, v1.SessionStateFailed},
	v1.SessionStateExpiring:     {v1.SessionStateTerminating},
	v1.SessionStateFailed:       {v1.SessionStateTerminating},
	v1.SessionStateTerminating:  {v1.SessionStateTerminated},
	v1.SessionStateTerminated:   {},
}

func transitionAllowed(from, to v1.SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// State returns the current lifecycle state.
func (s *Session) State() v1.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// snapshotLocked builds the API view of the session. Caller holds s.mu.
func (s *Session) snapshotLocked() *v1.LabSession {
	snap := &v1.LabSession{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		CourseID:       s.CourseID,
		Profile:        s.Profile.Name,
		State:          s.state,
		FailureReason:  s.failureReason,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		ExpiresAt:      s.expiresAt,
	}
	if s.terminatedAt != nil {
		t := *s.terminatedAt
		snap.TerminatedAt = &t
	}
	if len(s.endpoints) > 0 {
		snap.Endpoints = make(map[string]string, len(s.endpoints))
		for name, route := range s.endpoints {
			snap.Endpoints[name] = route
		}
	}
	if len(s.health) > 0 {
		snap.Health = make(map[string]v1.HealthStatus, len(s.health))
		for name, entry := range s.health {
			hs := v1.HealthStatus{
				Status:              entry.status,
				ConsecutiveFailures: entry.consecutiveFailures,
				PermanentlyFailed:   entry.permanentlyFailed,
			}
			if !entry.lastChecked.IsZero() {
				t := entry.lastChecked
				hs.LastChecked = &t
			}
			snap.Health[name] = hs
		}
	}
	return snap
}

// Snapshot builds the API view of the session.
func (s *Session) Snapshot() *v1.LabSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SupervisorURL returns the in-environment supervisor's base URL, empty
// until the environment is materialized.
func (s *Session) SupervisorURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supervisorURL
}
