// Package runtime defines the container runtime adapter the lifecycle
// manager provisions lab environments through. The orchestrator issues
// idempotent intents; the adapter executes them.
package runtime

import (
	"context"

	"github.com/labdev/labdev/internal/lab/profile"
)

// DefaultSupervisorPort is the in-environment supervisor's control port.
const DefaultSupervisorPort = 7070

// Handle is an opaque reference to a materialized environment.
type Handle string

// Environment describes the observed state of a materialized environment.
type Environment struct {
	Running bool
	// Address is the network address the environment's sub-service and
	// supervisor ports are reachable at.
	Address string
}

// Runtime is the adapter over an external container runtime. All calls
// must be safe to retry: stopping or removing an environment that no
// longer exists is not an error.
type Runtime interface {
	// Create materializes an environment for a session with the
	// profile's image and resource quotas. The environment is created
	// stopped; Start launches it.
	Create(ctx context.Context, sessionID string, p *profile.Profile) (Handle, error)

	// Start launches a created environment.
	Start(ctx context.Context, handle Handle) error

	// Stop stops a running environment.
	Stop(ctx context.Context, handle Handle) error

	// Remove releases the environment's resources.
	Remove(ctx context.Context, handle Handle) error

	// Inspect reports whether the environment is running and where it
	// is reachable.
	Inspect(ctx context.Context, handle Handle) (*Environment, error)
}

// Router is the adapter over the routing layer that publishes
// externally reachable routes for a session's sub-services.
type Router interface {
	// Register maps a sub-service's in-environment target to an
	// external route and returns the route.
	Register(sessionID, service, target string) (string, error)

	// Unregister removes every route registered for a session. Safe to
	// call for a session with no routes.
	Unregister(sessionID string)
}
