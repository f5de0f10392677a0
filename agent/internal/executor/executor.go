// Package executor runs reconnect strategies against a modem.
//
// # Design Principles
//
// 1. One strategy per reconnect method, looked up in a Registry
// 2. A started reconnect always finishes: strategies run detached from
//    shutdown, bounded only by Config.Timeout
// 3. Failures are reported in the Outcome, never as panics
//
// # Adding New Strategies
//
// To add a new reconnect method:
//
//  1. Add the method name to pkg/types
//  2. Implement Strategy in its own file
//  3. Register it in NewExecutor
//
// Example:
//
//	type airplaneStrategy struct{}
//	func (airplaneStrategy) Method() types.ReconnectMethod { return "airplane" }
//	func (airplaneStrategy) Reconnect(ctx context.Context, run *Run) error { /* ... */ }
//
//	reg.Register(airplaneStrategy{})
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/agent/internal/prefix"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// Strategy is one way of forcing the modem onto a new WAN IP.
type Strategy interface {
	// Method returns the configured name, e.g. "data".
	Method() types.ReconnectMethod

	// Reconnect performs the procedure. Progress goes to run.Logf; a
	// non-nil error marks the outcome failed.
	Reconnect(ctx context.Context, run *Run) error
}

// Run carries one reconnect attempt through a strategy.
type Run struct {
	Client  modem.Client
	Targets prefix.Set

	// IP is set by strategies that observe the resulting address.
	IP string

	settle time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	output []string
}

// Logf appends one line to the run output.
func (r *Run) Logf(format string, args ...any) {
	r.output = append(r.output, fmt.Sprintf(format, args...))
}

// Settle waits for the modem to apply the previous step.
func (r *Run) Settle(ctx context.Context) error {
	return r.sleep(ctx, r.settle)
}

// Outcome is the result of one Execute call.
type Outcome struct {
	ID       string                `json:"id"`
	Method   types.ReconnectMethod `json:"method"`
	Success  bool                  `json:"success"`
	IP       string                `json:"ip,omitempty"` // Only when observed
	Output   []string              `json:"output"`
	Error    string                `json:"error,omitempty"`
	Duration time.Duration         `json:"duration"`
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available strategies.
type Registry struct {
	strategies map[types.ReconnectMethod]Strategy
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[types.ReconnectMethod]Strategy),
	}
}

// Register adds a strategy. Registering a method twice is an error.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := s.Method()
	if _, exists := r.strategies[m]; exists {
		return fmt.Errorf("strategy already registered: %s", m)
	}
	r.strategies[m] = s
	return nil
}

// Get returns the strategy for a method.
func (r *Registry) Get(m types.ReconnectMethod) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[m]
	return s, ok
}

// List returns the registered methods, sorted.
func (r *Registry) List() []types.ReconnectMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]types.ReconnectMethod, 0, len(r.strategies))
	for m := range r.strategies {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Config configures an Executor.
type Config struct {
	Settle  time.Duration // Wait between steps (default: 10s)
	Timeout time.Duration // Upper bound for one reconnect (default: 120s)
	Logger  *slog.Logger

	// Sleep replaces the settle wait; tests use it to avoid real waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs reconnect strategies.
type Executor struct {
	registry *Registry
	settle   time.Duration
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger

	mu       sync.Mutex
	inflight int
	idle     chan struct{} // Closed when inflight drops to zero
}

// NewExecutor creates an executor with the data, netmode, reboot and
// profile strategies registered.
func NewExecutor(cfg Config) *Executor {
	if cfg.Settle <= 0 {
		cfg.Settle = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}

	reg := NewRegistry()
	for _, s := range []Strategy{dataStrategy{}, netModeStrategy{}, rebootStrategy{}, profileStrategy{}} {
		// Built-in methods are distinct.
		_ = reg.Register(s)
	}

	return &Executor{
		registry: reg,
		settle:   cfg.Settle,
		timeout:  cfg.Timeout,
		sleep:    cfg.Sleep,
		logger:   cfg.Logger.With("component", "executor"),
	}
}

// Registry exposes the strategy registry, e.g. to add a method.
func (e *Executor) Registry() *Registry { return e.registry }

// Timeout is the upper bound of one reconnect.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// InFlight returns the number of reconnects currently running.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight
}

// Wait blocks until no reconnect is running or timeout elapses. It reports
// whether the executor went idle. Shutdown calls it before closing modem
// clients so a half-done reconnect never leaves a modem offline.
func (e *Executor) Wait(timeout time.Duration) bool {
	e.mu.Lock()
	if e.inflight == 0 {
		e.mu.Unlock()
		return true
	}
	if e.idle == nil {
		e.idle = make(chan struct{})
	}
	idle := e.idle
	e.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-t.C:
		return false
	}
}

func (e *Executor) begin() {
	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()
}

func (e *Executor) end() {
	e.mu.Lock()
	e.inflight--
	if e.inflight == 0 && e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
	e.mu.Unlock()
}

// Execute runs the strategy for method. Cancelling ctx does not abort a
// reconnect that has started; only Config.Timeout bounds it.
func (e *Executor) Execute(ctx context.Context, method types.ReconnectMethod, client modem.Client, targets prefix.Set) (out Outcome) {
	e.begin()
	defer e.end()

	start := time.Now()
	out = Outcome{ID: uuid.New().String(), Method: method}

	run := &Run{
		Client:  client,
		Targets: targets,
		settle:  e.settle,
		sleep:   e.sleep,
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("reconnect panicked", "method", method, "panic", r)
			out.Success = false
			out.Error = fmt.Sprintf("panic: %v", r)
		}
		out.Output = run.output
		out.IP = run.IP
		out.Duration = time.Since(start)
	}()

	s, ok := e.registry.Get(method)
	if !ok {
		out.Error = fmt.Sprintf("unknown reconnect method %q", method)
		return out
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := s.Reconnect(rctx, run); err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = true
	return out
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
