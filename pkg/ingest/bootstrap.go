package ingest

import (
	"context"
	"sync"
)

// RunState is the coarse lifecycle state a Supervisor reports.
type RunState string

const (
	RunStateNotInitialized RunState = "not_initialized"
	RunStateRunning        RunState = "running"
	RunStateStopped        RunState = "stopped"
	RunStateError          RunState = "error"
)

// Status is the Supervisor's answer to "how is the service doing".
// Connectivity is reported separately from the run state: a running
// service may momentarily be disconnected while the transport reconnects.
type Status struct {
	State     RunState `json:"status"`
	Connected bool     `json:"connected"`
}

// Supervisor guarantees the ingestion service is constructed and started
// at most once per process. Construction is lazy: the build function runs
// on the first Start call, so configuration errors surface there rather
// than at program init.
//
// One Supervisor is created at process startup and handed to whatever
// needs to start, stop, or query the service.
type Supervisor struct {
	mu    sync.Mutex
	build func(context.Context) (*Service, error)
	svc   *Service
	err   error
}

// NewSupervisor returns a Supervisor that constructs the service with
// build on first Start.
func NewSupervisor(build func(context.Context) (*Service, error)) *Supervisor {
	return &Supervisor{build: build}
}

// Start constructs the service if needed and starts it. Repeated calls
// while the service runs are no-ops (the service's own Start is
// idempotent). A failed build or start is recorded and reported by Status
// until a later Start succeeds.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.svc == nil {
		svc, err := s.build(ctx)
		if err != nil {
			s.err = err
			return err
		}
		s.svc = svc
	}

	if err := s.svc.Start(ctx); err != nil {
		s.err = err
		return err
	}
	s.err = nil
	return nil
}

// Stop stops the service if it was ever constructed.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	svc := s.svc
	s.mu.Unlock()

	if svc != nil {
		svc.Stop()
	}
}

// Service returns the managed service, or nil before the first Start.
func (s *Supervisor) Service() *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

// Status reports the tri-state run status and broker connectivity.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		st := Status{State: RunStateError}
		if s.svc != nil {
			st.Connected = s.svc.Connected()
		}
		return st
	}
	if s.svc == nil {
		return Status{State: RunStateNotInitialized}
	}

	st := Status{Connected: s.svc.Connected()}
	switch s.svc.State() {
	case StateRunning:
		st.State = RunStateRunning
	case StateStopped:
		st.State = RunStateStopped
	default:
		st.State = RunStateNotInitialized
	}
	return st
}
