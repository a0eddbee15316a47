// Package api is the Operator interface of spec §6: a small embeddable
// Service wrapping the Job Queue and Manager with the lifecycle surface a
// hosting process drives (initialize/start/stop/status/submitJob/health),
// plus an HTTP façade around it. Grounded on the teacher's
// internal/infrastructure/http server/handler split, generalized from a
// single-domain REST API to this process-lifecycle shape.
package api

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// Submitter is the narrow slice of the Job Queue the Service depends on.
type Submitter interface {
	Submit(ctx context.Context, spec domain.JobSpec) (string, error)
}

// Fleet is the narrow slice of the Manager the Service depends on.
type Fleet interface {
	Run(ctx context.Context) error
	Stop()
	WorkerCount() int
	WorkerIDs() []string
}

// Status is the shape returned by Service.Status.
type Status struct {
	Initialized bool     `json:"initialized"`
	Running     bool     `json:"running"`
	WorkerCount int      `json:"workerCount"`
	WorkerIDs   []string `json:"workerIds"`
}

// ComponentHealth reports whether each managed subsystem is believed alive.
type ComponentHealth struct {
	Manager bool `json:"manager"`
	Retry   bool `json:"retry"`
	Monitor bool `json:"monitor"`
}

// Health is the shape returned by Service.Health.
type Health struct {
	Healthy    bool            `json:"healthy"`
	Components ComponentHealth `json:"components"`
	Issues     []string        `json:"issues"`
}

// Service is the process-lifecycle wrapper spec §6 names. Retry Controller
// and Monitor are supervised internally by Fleet (the Manager), so their
// health is reported as a function of the Manager's own run state: the
// Manager's Run starts and stops them together with its own loop.
type Service struct {
	queue Submitter
	fleet Fleet

	mu          sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	runDone     chan struct{}
	runErr      error

	running atomic.Bool
}

// New builds a Service around an already-constructed Queue and Manager. The
// Manager's own Worker/Monitor/Retry Controller wiring happens at its
// construction, before this point; Initialize only flips the lifecycle flag
// a caller polls via Status.
func New(queue Submitter, fleet Fleet) *Service {
	return &Service{queue: queue, fleet: fleet}
}

// Initialize marks the Service ready to Start. It performs no I/O itself;
// config has already been applied to the Queue and Manager at construction.
func (s *Service) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

// Start launches the Manager's Run loop in the background and returns
// immediately; Stop or the parent ctx's cancellation ends it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return fmt.Errorf("service not initialized")
	}
	if s.cancel != nil {
		return fmt.Errorf("service already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runDone = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.runDone)
		defer s.running.Store(false)
		if err := s.fleet.Run(runCtx); err != nil {
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}
	}()
	return nil
}

// Stop signals the Manager to run its graceful shutdown sequence and blocks
// until it completes.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.runDone
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.fleet.Stop()
	cancel()
	<-done
}

// SubmitJob validates and persists spec, returning the new Job's ID.
func (s *Service) SubmitJob(ctx context.Context, spec domain.JobSpec) (string, error) {
	return s.queue.Submit(ctx, spec)
}

// StatusSnapshot reports the Service's current lifecycle state.
func (s *Service) StatusSnapshot() Status {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()

	return Status{
		Initialized: initialized,
		Running:     s.running.Load(),
		WorkerCount: s.fleet.WorkerCount(),
		WorkerIDs:   s.fleet.WorkerIDs(),
	}
}

// HealthSnapshot reports whether the Service and its supervised subsystems
// are healthy. All three components track the Manager's single run loop, so
// they rise and fall together; a distinct per-subsystem signal would need
// the Manager to expose one, which it does not today.
func (s *Service) HealthSnapshot() Health {
	running := s.running.Load()
	var issues []string
	if !running {
		issues = append(issues, "manager is not running")
	}
	s.mu.Lock()
	runErr := s.runErr
	s.mu.Unlock()
	if runErr != nil {
		issues = append(issues, runErr.Error())
	}

	return Health{
		Healthy: running && len(issues) == 0,
		Components: ComponentHealth{
			Manager: running,
			Retry:   running,
			Monitor: running,
		},
		Issues: issues,
	}
}
