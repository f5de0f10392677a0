// Package scheduler runs the device monitors.
//
// # Design
//
// The scheduler runs one goroutine per device. Devices never share a loop,
// so a modem that hangs until its fetch timeout, or a reconnect that takes
// two minutes, never delays another device.
//
// # Graceful Handling
//
//   - A monitor that returns early (it should not) is logged and not restarted
//   - Context cancellation stops all loops; Wait bounds how long shutdown
//     waits for them
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner is a device loop.
type Runner interface {
	DeviceID() string
	Run(ctx context.Context) error
}

// Scheduler manages device loops.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	runners []Runner
	running map[string]bool

	wg sync.WaitGroup
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		running: make(map[string]bool),
	}
}

// Add registers a runner. Runners added after Start are not started.
func (s *Scheduler) Add(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners = append(s.runners, r)
}

// Start launches every runner in its own goroutine and returns.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	runners := append([]Runner(nil), s.runners...)
	s.mu.Unlock()

	for _, r := range runners {
		s.setRunning(r.DeviceID(), true)
		s.wg.Add(1)
		go func(r Runner) {
			defer s.wg.Done()
			defer s.setRunning(r.DeviceID(), false)

			err := r.Run(ctx)
			if ctx.Err() == nil {
				s.logger.Error("device loop exited early", "device", r.DeviceID(), "error", err)
			}
		}(r)
	}

	s.logger.Info("started device loops", "count", len(runners))
}

// Wait blocks until every runner has returned or timeout passes. It reports
// whether all runners finished.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.mu.Lock()
		var pending []string
		for id, running := range s.running {
			if running {
				pending = append(pending, id)
			}
		}
		s.mu.Unlock()
		s.logger.Warn("device loops did not stop in time", "timeout", timeout, "pending", pending)
		return false
	}
}

func (s *Scheduler) setRunning(id string, running bool) {
	s.mu.Lock()
	s.running[id] = running
	s.mu.Unlock()
}

// Stats returns current scheduler statistics.
type Stats struct {
	Devices int `json:"devices"`
	Running int `json:"running"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := 0
	for _, r := range s.running {
		if r {
			running++
		}
	}
	return Stats{
		Devices: len(s.runners),
		Running: running,
	}
}
