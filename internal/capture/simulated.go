package capture

import (
	"context"
	"sync"
	"sync/atomic"
)

// SimulatedTap is a tap for tests. It never touches real input devices;
// events are injected by the test and the filter's verdict is returned to
// the caller so suppression can be asserted.
type SimulatedTap struct {
	mu      sync.Mutex
	running bool
	filter  Filter

	available   bool
	reason      string
	startErr    error
	enableCalls atomic.Int64
	startCalls  atomic.Int64
	stopCalls   atomic.Int64
}

// NewSimulated creates a tap that reports itself available.
func NewSimulated() *SimulatedTap {
	return &SimulatedTap{available: true, reason: "simulated tap (for testing)"}
}

// SetAvailable overrides the availability report.
func (s *SimulatedTap) SetAvailable(ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = ok
	s.reason = reason
}

// FailNextStart makes the next Start return err, simulating the platform
// refusing to create the interception handle.
func (s *SimulatedTap) FailNextStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

func (s *SimulatedTap) Available() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available, s.reason
}

func (s *SimulatedTap) Start(ctx context.Context, f Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startErr != nil {
		err := s.startErr
		s.startErr = nil
		return err
	}
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.filter = f
	s.startCalls.Add(1)
	return nil
}

func (s *SimulatedTap) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	// Disable delivery before dropping the registration.
	s.running = false
	s.filter = nil
	s.stopCalls.Add(1)
	return nil
}

func (s *SimulatedTap) Enable() {
	s.enableCalls.Add(1)
}

// Inject delivers an event to the installed filter and returns its
// verdict. Events injected while the tap is stopped are passed, matching
// a platform that has no active registration.
func (s *SimulatedTap) Inject(ev Event) Action {
	s.mu.Lock()
	f := s.filter
	running := s.running
	s.mu.Unlock()

	if !running || f == nil {
		return Pass
	}
	return f.HandleEvent(ev)
}

// Running reports whether the tap is currently started.
func (s *SimulatedTap) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// EnableCalls returns how many times Enable was invoked.
func (s *SimulatedTap) EnableCalls() int64 { return s.enableCalls.Load() }

// StartCalls returns how many times Start succeeded.
func (s *SimulatedTap) StartCalls() int64 { return s.startCalls.Load() }

// StopCalls returns how many times Stop tore down a running tap.
func (s *SimulatedTap) StopCalls() int64 { return s.stopCalls.Load() }
