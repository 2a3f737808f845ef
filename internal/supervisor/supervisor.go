// Package supervisor manages the sub-service processes inside a lab
// environment container: it launches them, restarts them with backoff
// when they exit, and reports per-process and aggregate health to the
// orchestrator over a small HTTP control plane.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/profile"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// Restart policy. A process that exits is restarted with doubling
// backoff up to restartBackoffMax. Once restartBudget restarts land
// inside budgetWindow the process is marked permanently failed and no
// further restarts are attempted.
var (
	restartBackoffBase = time.Second
	restartBackoffMax  = 30 * time.Second
	restartBudget      = 5
	budgetWindow       = 10 * time.Minute
)

const probeTimeout = 3 * time.Second

// process tracks one managed sub-service.
type process struct {
	spec profile.ServiceSpec

	mu           sync.Mutex
	state        v1.ProcessState
	cmd          *exec.Cmd
	restarts     int
	restartTimes []time.Time
	lastExit     *time.Time
}

// Supervisor launches and supervises the sub-services of one session.
type Supervisor struct {
	sessionID string
	processes map[string]*process
	order     []string
	client    *http.Client
	logger    *logger.Logger
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor for the given sub-service specs.
func New(sessionID string, specs []profile.ServiceSpec, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		sessionID: sessionID,
		processes: make(map[string]*process, len(specs)),
		client:    &http.Client{Timeout: probeTimeout},
		logger:    log.WithFields(zap.String("component", "supervisor")),
	}
	for _, spec := range specs {
		s.processes[spec.Name] = &process{
			spec:  spec,
			state: v1.ProcessStopped,
		}
		s.order = append(s.order, spec.Name)
	}
	return s
}

// Start launches every sub-service and begins supervising.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now().UTC()

	s.logger.Info("starting supervisor",
		zap.String("session_id", s.sessionID),
		zap.Int("services", len(s.processes)))

	for _, name := range s.order {
		proc := s.processes[name]
		s.wg.Add(1)
		go s.supervise(proc)
	}
	return nil
}

// Stop terminates all sub-services and waits for supervision loops.
func (s *Supervisor) Stop() error {
	s.logger.Info("stopping supervisor")
	if s.cancel != nil {
		s.cancel()
	}

	for _, proc := range s.processes {
		proc.mu.Lock()
		if proc.cmd != nil && proc.cmd.Process != nil {
			proc.cmd.Process.Kill()
		}
		proc.mu.Unlock()
	}

	s.wg.Wait()
	return nil
}

// supervise runs one process until the supervisor stops or the restart
// budget is exhausted.
func (s *Supervisor) supervise(proc *process) {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			s.setState(proc, v1.ProcessStopped)
			return
		}

		if err := s.runOnce(proc); err != nil {
			s.logger.Warn("service exited",
				zap.String("service", proc.spec.Name),
				zap.Error(err))
		} else {
			s.logger.Warn("service exited cleanly; restarting",
				zap.String("service", proc.spec.Name))
		}

		if s.ctx.Err() != nil {
			s.setState(proc, v1.ProcessStopped)
			return
		}

		now := time.Now().UTC()
		proc.mu.Lock()
		proc.lastExit = &now
		proc.restarts++
		proc.restartTimes = append(proc.restartTimes, now)
		proc.restartTimes = pruneWindow(proc.restartTimes, now.Add(-budgetWindow))
		budgetSpent := len(proc.restartTimes) >= restartBudget
		consecutive := len(proc.restartTimes)
		proc.mu.Unlock()

		if budgetSpent {
			s.setState(proc, v1.ProcessPermanentlyFailed)
			s.logger.Error("restart budget exhausted; service permanently failed",
				zap.String("service", proc.spec.Name),
				zap.Int("restarts", restartBudget),
				zap.Duration("window", budgetWindow))
			return
		}

		backoff := backoffFor(consecutive)
		s.setState(proc, v1.ProcessBackingOff)
		s.logger.Info("restarting service",
			zap.String("service", proc.spec.Name),
			zap.Duration("backoff", backoff))

		select {
		case <-s.ctx.Done():
			s.setState(proc, v1.ProcessStopped)
			return
		case <-time.After(backoff):
		}
	}
}

// runOnce starts the process and blocks until it exits.
func (s *Supervisor) runOnce(proc *process) error {
	cmd := exec.CommandContext(s.ctx, proc.spec.Command[0], proc.spec.Command[1:]...)

	proc.mu.Lock()
	proc.cmd = cmd
	proc.mu.Unlock()

	s.setState(proc, v1.ProcessStarting)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", proc.spec.Name, err)
	}

	s.logger.Info("service started",
		zap.String("service", proc.spec.Name),
		zap.Int("pid", cmd.Process.Pid))
	s.setState(proc, v1.ProcessRunning)

	return cmd.Wait()
}

func (s *Supervisor) setState(proc *process, state v1.ProcessState) {
	proc.mu.Lock()
	proc.state = state
	proc.mu.Unlock()
}

// Ready reports aggregate readiness: every required sub-service is
// running and answers its liveness probe.
func (s *Supervisor) Ready() bool {
	for _, proc := range s.processes {
		if !proc.spec.Required {
			continue
		}

		proc.mu.Lock()
		running := proc.state == v1.ProcessRunning
		proc.mu.Unlock()

		if !running || !s.ProbeLiveness(proc.spec.Name) {
			return false
		}
	}
	return true
}

// ProbeLiveness checks one sub-service's liveness endpoint. A service
// with no liveness path counts as live while its process runs.
func (s *Supervisor) ProbeLiveness(name string) bool {
	proc, ok := s.processes[name]
	if !ok {
		return false
	}

	proc.mu.Lock()
	running := proc.state == v1.ProcessRunning
	proc.mu.Unlock()
	if !running {
		return false
	}
	if proc.spec.LivenessPath == "" {
		return true
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", proc.spec.Port, proc.spec.LivenessPath)
	resp, err := s.client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// Status builds the aggregate report served on the control plane.
func (s *Supervisor) Status() *v1.SupervisorStatus {
	status := &v1.SupervisorStatus{
		SessionID: s.sessionID,
		Ready:     s.Ready(),
		Uptime:    time.Since(s.startedAt).Seconds(),
		Processes: make(map[string]v1.ProcessStatus, len(s.processes)),
	}

	for name, proc := range s.processes {
		proc.mu.Lock()
		ps := v1.ProcessStatus{
			Name:              name,
			State:             proc.state,
			Restarts:          proc.restarts,
			PermanentlyFailed: proc.state == v1.ProcessPermanentlyFailed,
		}
		if proc.cmd != nil && proc.cmd.Process != nil && proc.state == v1.ProcessRunning {
			ps.PID = proc.cmd.Process.Pid
		}
		if proc.lastExit != nil {
			t := *proc.lastExit
			ps.LastExit = &t
		}
		proc.mu.Unlock()
		status.Processes[name] = ps
	}
	return status
}

// HasService reports whether the supervisor manages the named service.
func (s *Supervisor) HasService(name string) bool {
	_, ok := s.processes[name]
	return ok
}

func backoffFor(consecutive int) time.Duration {
	backoff := restartBackoffBase
	for i := 1; i < consecutive; i++ {
		backoff *= 2
		if backoff >= restartBackoffMax {
			return restartBackoffMax
		}
	}
	return backoff
}

func pruneWindow(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
