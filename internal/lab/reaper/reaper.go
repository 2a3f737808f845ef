// Package reaper expires sessions that have been idle past their
// deadline.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/lifecycle"
)

// Reaper sweeps running sessions on an interval and asks the lifecycle
// manager to expire the idle ones. The expiry decision itself is made
// by the manager against a fresh deadline read, so a touch that lands
// between the sweep and the transition keeps the session alive.
type Reaper struct {
	cfg     config.LabConfig
	manager *lifecycle.Manager
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates an idle reaper.
func NewReaper(cfg config.LabConfig, manager *lifecycle.Manager, log *logger.Logger) *Reaper {
	return &Reaper{
		cfg:     cfg,
		manager: manager,
		logger:  log.WithFields(zap.String("component", "idle-reaper")),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("starting idle reaper",
		zap.Duration("interval", r.cfg.SweepIntervalDuration()))

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop stops the sweep loop and waits for an in-flight sweep.
func (r *Reaper) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("idle reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	expired := 0
	for _, sess := range r.manager.RunningSessions() {
		if r.ctx.Err() != nil {
			return
		}
		if r.manager.ExpireIfIdle(r.ctx, sess.ID) {
			expired++
		}
	}
	if expired > 0 {
		r.logger.Info("sweep complete", zap.Int("expired", expired))
	}
}
