// Package monitor runs the per-device IP loop.
//
// # Cycle
//
// Each cycle reads a dashboard snapshot from the modem, saves it for the UI
// and, for reconnect-enabled devices, compares the WAN IP against the target
// set:
//
//   - no IP: count consecutive misses, status "No IP (n)"
//   - match: record the target, status "Connected (Target)", notify when the
//     IP differs from the last one seen
//   - mismatch: count a reconnect, status "Reconnecting...", run the
//     configured reconnect strategy and wait for the modem to stabilize
//
// Monitoring-only devices just report the IP.
//
// # Cadence
//
// A normal cycle is followed by poll_interval minus the time the cycle took.
// A reconnect is followed by stabilization_base + poll_interval no matter
// how it went. A failed fetch retries after fetch_retry_delay.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
	"github.com/pilot-net/huawei-manager/agent/internal/executor"
	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/agent/internal/notify"
	"github.com/pilot-net/huawei-manager/agent/internal/prefix"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// MetricsRecorder records reconnects and target hits.
type MetricsRecorder interface {
	RecordReconnect(deviceID string) error
	RecordTargetFound(deviceID, ip string) error
}

// StatusWriter persists what the UI shows.
type StatusWriter interface {
	Update(deviceID string, status types.DeviceStatus) error
	SaveDashboard(deviceID string, data any) error
}

// Reconnector runs a reconnect strategy.
type Reconnector interface {
	Execute(ctx context.Context, method types.ReconnectMethod, client modem.Client, targets prefix.Set) executor.Outcome
}

// Notifier queues notifications.
type Notifier interface {
	Enqueue(req notify.Request) bool
}

// Config configures a Monitor.
type Config struct {
	Device      config.Device
	Client      modem.Client
	Metrics     MetricsRecorder
	Status      StatusWriter
	Reconnector Reconnector
	Notifier    Notifier          // Optional
	Recipient   *notify.Recipient // nil disables notifications

	FetchTimeout      time.Duration // Default: 30s
	FetchRetryDelay   time.Duration // Default: 5s
	StabilizationBase time.Duration // Default: 20s
	PanicDelay        time.Duration // Default: 5s
	NotifyDelay       time.Duration // Initial delay of notifications (default: 5s)

	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Monitor watches one device. Run and Cycle must not be called concurrently.
type Monitor struct {
	device      config.Device
	client      modem.Client
	metrics     MetricsRecorder
	status      StatusWriter
	reconnector Reconnector
	notifier    Notifier
	recipient   *notify.Recipient

	fetchTimeout      time.Duration
	fetchRetryDelay   time.Duration
	stabilizationBase time.Duration
	panicDelay        time.Duration
	notifyDelay       time.Duration

	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	// Loop state
	lastIP     string
	noIPCount  int
	state      string
	reconnects int
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.FetchRetryDelay <= 0 {
		cfg.FetchRetryDelay = 5 * time.Second
	}
	if cfg.StabilizationBase <= 0 {
		cfg.StabilizationBase = 20 * time.Second
	}
	if cfg.PanicDelay <= 0 {
		cfg.PanicDelay = 5 * time.Second
	}
	if cfg.NotifyDelay <= 0 {
		cfg.NotifyDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = executor.SleepContext
	}

	return &Monitor{
		device:            cfg.Device,
		client:            cfg.Client,
		metrics:           cfg.Metrics,
		status:            cfg.Status,
		reconnector:       cfg.Reconnector,
		notifier:          cfg.Notifier,
		recipient:         cfg.Recipient,
		fetchTimeout:      cfg.FetchTimeout,
		fetchRetryDelay:   cfg.FetchRetryDelay,
		stabilizationBase: cfg.StabilizationBase,
		panicDelay:        cfg.PanicDelay,
		notifyDelay:       cfg.NotifyDelay,
		logger:            cfg.Logger.With("component", "monitor", "device", cfg.Device.ID),
		now:               cfg.Now,
		sleep:             cfg.Sleep,
	}
}

// State returns the last status label written.
func (m *Monitor) State() string {
	return m.state
}

// DeviceID identifies the monitored device.
func (m *Monitor) DeviceID() string {
	return m.device.ID
}

// Run loops until ctx is cancelled, then writes the Stopped status. It
// always returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("starting monitor",
		"name", m.device.Name,
		"reconnect", m.device.ReconnectEnabled,
		"method", m.device.Method,
		"interval", m.device.PollInterval)

	m.publish(types.StatusStarting, "")

	for ctx.Err() == nil {
		wait := m.Cycle(ctx)
		if wait <= 0 {
			continue
		}
		if err := m.sleep(ctx, wait); err != nil {
			break
		}
	}

	m.publish(types.StatusStopped, m.lastIP)
	m.logger.Info("monitor stopped", "reconnects", m.reconnects)
	return ctx.Err()
}

// Cycle runs one iteration and returns how long to wait before the next.
// A panic is recovered and turned into a PanicDelay wait.
func (m *Monitor) Cycle(ctx context.Context) (wait time.Duration) {
	start := m.now()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("unexpected error in monitor cycle", "panic", r)
			wait = m.panicDelay
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	dash, err := modem.FetchDashboard(fctx, m.client)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		m.logger.Warn("failed to get dashboard data", "error", err)
		return m.fetchRetryDelay
	}

	// Errors are logged by the store.
	_ = m.status.SaveDashboard(m.device.ID, dash)

	ip, ok := modem.ExtractWANIP(dash)

	if !m.device.ReconnectEnabled {
		shown := ip
		if !ok {
			shown = "Unknown"
		}
		m.publish(types.StatusMonitoring, shown)
		return m.remaining(start)
	}

	if !ok {
		m.noIPCount++
		m.logger.Debug("no WAN IP", "consecutive", m.noIPCount)
		m.publish(types.NoIPStatus(m.noIPCount), "")
		return m.remaining(start)
	}
	m.noIPCount = 0

	if rule, match := m.device.Targets.MatchRule(ip); match {
		m.onTarget(ctx, ip, rule)
		return m.remaining(start)
	}

	return m.reconnect(ctx, ip)
}

func (m *Monitor) onTarget(ctx context.Context, ip string, rule prefix.Rule) {
	if err := m.metrics.RecordTargetFound(m.device.ID, ip); err != nil {
		m.logger.Debug("failed to record target", "error", err)
	}
	m.publish(types.StatusConnected, ip)

	if ip != m.lastIP {
		m.logger.Info("target IP found", "ip", ip, "rule", rule.String(), "previous", m.lastIP)
		if ctx.Err() == nil {
			m.notifyTarget(ip, m.lastIP)
		}
	}
	m.lastIP = ip
}

func (m *Monitor) reconnect(ctx context.Context, ip string) time.Duration {
	m.lastIP = ip
	if ctx.Err() != nil {
		return 0
	}

	m.logger.Info("IP mismatch, reconnecting", "ip", ip, "method", m.device.Method)
	if err := m.metrics.RecordReconnect(m.device.ID); err != nil {
		m.logger.Debug("failed to record reconnect", "error", err)
	}
	m.reconnects++
	m.publish(types.StatusReconnecting, ip)

	out := m.reconnector.Execute(ctx, m.device.Method, m.client, m.device.Targets)
	for _, line := range out.Output {
		m.logger.Debug("reconnect output", "id", out.ID, "line", line)
	}
	if !out.Success {
		m.logger.Warn("reconnect failed",
			"id", out.ID,
			"method", out.Method,
			"error", out.Error,
			"duration", out.Duration)
	} else {
		m.logger.Info("reconnect completed",
			"id", out.ID,
			"method", out.Method,
			"ip", out.IP,
			"duration", out.Duration)
	}

	wait := m.stabilizationBase + m.device.PollInterval
	m.logger.Debug("waiting for modem to stabilize", "wait", wait)
	return wait
}

func (m *Monitor) notifyTarget(ip, previous string) {
	if m.notifier == nil || m.recipient == nil {
		return
	}
	req := notify.Request{
		Recipient:    *m.recipient,
		Body:         notify.TargetFoundMessage(m.device.Name, ip, previous),
		InitialDelay: m.notifyDelay,
	}
	if !m.notifier.Enqueue(req) {
		m.logger.Warn("notification dropped", "ip", ip)
	}
}

func (m *Monitor) publish(state, ip string) {
	m.state = state
	st := types.DeviceStatus{
		Name:      m.device.Name,
		Status:    state,
		CurrentIP: ip,
		Config:    types.StatusConfig{TargetPrefixes: m.device.TargetsDescription()},
	}
	if err := m.status.Update(m.device.ID, st); err != nil {
		m.logger.Debug("failed to update status", "state", state, "error", err)
	}
}

func (m *Monitor) remaining(start time.Time) time.Duration {
	elapsed := m.now().Sub(start)
	if wait := m.device.PollInterval - elapsed; wait > 0 {
		return wait
	}
	return 0
}

// String describes the monitor for logs.
func (m *Monitor) String() string {
	return fmt.Sprintf("%s (%s)", m.device.Name, m.device.ID)
}
