// Package events defines the event subjects published by the orchestrator.
package events

// Session lifecycle event subjects. One event is published for every
// state transition the lifecycle manager records.
const (
	SessionRequested    = "lab.session.requested"
	SessionProvisioning = "lab.session.provisioning"
	SessionStarting     = "lab.session.starting"
	SessionRunning      = "lab.session.running"
	SessionExpiring     = "lab.session.expiring"
	SessionTerminating  = "lab.session.terminating"
	SessionTerminated   = "lab.session.terminated"
	SessionFailed       = "lab.session.failed"

	// SessionHealth is published when the health monitor records a
	// change in a sub-service's observed health.
	SessionHealth = "lab.session.health"

	// SessionWildcard matches every session event subject.
	SessionWildcard = "lab.session.*"
)
