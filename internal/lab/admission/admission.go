// Package admission enforces the global concurrent-session cap and the
// one-active-session-per-owner invariant before provisioning begins.
package admission

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/errors"
	"github.com/labdev/labdev/internal/common/logger"
)

type ownerKey struct {
	ownerID  string
	courseID string
}

// Controller grants and releases session slots. Grant and release are
// atomic with respect to concurrent requests: two simultaneous requests
// from the same owner cannot both succeed, and a request arriving at
// the cap is denied, never queued.
type Controller struct {
	mu      sync.Mutex
	max     int
	byOwner map[ownerKey]string // occupied slot -> session id
	total   int
	logger  *logger.Logger
}

// NewController creates an admission controller with the given cap.
func NewController(maxConcurrent int, log *logger.Logger) *Controller {
	return &Controller{
		max:     maxConcurrent,
		byOwner: make(map[ownerKey]string),
		logger:  log.WithFields(zap.String("component", "admission")),
	}
}

// Acquire claims a slot for a session. It fails with AdmissionDenied
// when the global cap is reached or the owner already holds a
// non-terminal session in the same course context.
func (c *Controller) Acquire(ownerID, courseID, sessionID string) error {
	key := ownerKey{ownerID: ownerID, courseID: courseID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byOwner[key]; ok {
		return errors.AdmissionDenied(fmt.Sprintf(
			"owner %q already has an active session (%s)", ownerID, existing))
	}
	if c.total >= c.max {
		return errors.AdmissionDenied(fmt.Sprintf(
			"concurrent session limit reached (%d)", c.max))
	}

	c.byOwner[key] = sessionID
	c.total++

	c.logger.Debug("slot acquired",
		zap.String("owner_id", ownerID),
		zap.String("session_id", sessionID),
		zap.Int("occupied", c.total))
	return nil
}

// Release frees the slot held by a session. Releasing a slot that is
// not held, or that has been re-acquired by a different session, is a
// no-op so teardown can be retried safely.
func (c *Controller) Release(ownerID, courseID, sessionID string) {
	key := ownerKey{ownerID: ownerID, courseID: courseID}

	c.mu.Lock()
	defer c.mu.Unlock()

	holder, ok := c.byOwner[key]
	if !ok || holder != sessionID {
		return
	}

	delete(c.byOwner, key)
	c.total--

	c.logger.Debug("slot released",
		zap.String("owner_id", ownerID),
		zap.String("session_id", sessionID),
		zap.Int("occupied", c.total))
}

// Occupied returns the number of currently held slots.
func (c *Controller) Occupied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
