// Package agent provides the huawei-manager daemon.
//
// # Agent Lifecycle
//
//  1. Load device definitions from the configuration store
//  2. Apply globals (log level) and load persisted metrics
//  3. Resolve credentials and build one modem client per device
//  4. Start one monitor per configured device
//  5. Start the notification worker, health loop and config watcher
//  6. Run until shutdown signal or configuration change
//  7. Wait for monitors (bounded), then persist metrics
//
// A configuration change makes Run return ErrConfigChanged; the caller
// builds a new Agent from the fresh configuration. Configuration is never
// mutated under a running agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pilot-net/huawei-manager/agent/internal/cache"
	"github.com/pilot-net/huawei-manager/agent/internal/config"
	"github.com/pilot-net/huawei-manager/agent/internal/configsource"
	"github.com/pilot-net/huawei-manager/agent/internal/executor"
	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/agent/internal/monitor"
	"github.com/pilot-net/huawei-manager/agent/internal/notify"
	"github.com/pilot-net/huawei-manager/agent/internal/scheduler"
	"github.com/pilot-net/huawei-manager/agent/internal/secrets"
	"github.com/pilot-net/huawei-manager/agent/internal/store"
	"github.com/pilot-net/huawei-manager/agent/internal/sysinfo"
	"github.com/pilot-net/huawei-manager/agent/internal/watch"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// ErrConfigChanged is returned by Run when the device configuration file
// changed and the agent should be rebuilt.
var ErrConfigChanged = watch.ErrChanged

// ClientFactory builds the modem client for a device. password is already
// resolved.
type ClientFactory func(dev config.Device, password string) (modem.Client, error)

// Option customizes an Agent.
type Option func(*Agent)

// WithSource replaces the configuration store selected by cfg.Source.
func WithSource(src configsource.Source) Option {
	return func(a *Agent) { a.source = src }
}

// WithClientFactory replaces the modem client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(a *Agent) { a.newClient = f }
}

// WithLevelSetter lets globals.log_level change the log level.
func WithLevelSetter(f func(level string) error) Option {
	return func(a *Agent) { a.setLevel = f }
}

func withWatchDebounce(d time.Duration) Option {
	return func(a *Agent) { a.watchDebounce = d }
}

func withExecutorConfig(cfg executor.Config) Option {
	return func(a *Agent) { a.executorCfg = cfg }
}

// Agent supervises the device monitors.
type Agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	setLevel  func(level string) error
	newClient ClientFactory

	source    configsource.Source
	secrets   *secrets.Resolver
	executor  *executor.Executor
	notifier  *notify.Dispatcher
	metrics   *store.MetricsStore
	status    *store.StatusStore
	mirror    *cache.Cache // nil when Redis is disabled
	sysinfo   *sysinfo.Collector
	scheduler *scheduler.Scheduler

	watchDebounce time.Duration
	executorCfg   executor.Config
	clients       []modem.Client
	startTime     time.Time
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.newClient == nil {
		a.newClient = a.buildClient
	}

	if a.source == nil {
		src, err := configsource.New(cfg.Source)
		if err != nil {
			return nil, err
		}
		a.source = src
	}

	if cfg.Redis.URL != "" {
		c, err := cache.New(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("status mirror disabled", "error", err)
		} else {
			a.mirror = c
			logger.Info("status mirror enabled")
		}
	}

	a.metrics = store.NewMetricsStore(store.MetricsConfig{
		Path:   cfg.Paths.MetricsFile,
		Logger: logger,
	})
	statusCfg := store.StatusConfig{
		Path:    cfg.Paths.StatusFile,
		Dir:     cfg.Paths.StatusDir,
		Metrics: a.metrics,
		Logger:  logger,
	}
	if a.mirror != nil {
		statusCfg.Mirror = a.mirror
	}
	a.status = store.NewStatusStore(statusCfg)

	a.secrets = secrets.NewResolver(secrets.Config{
		OnePasswordHost:  cfg.Secrets.OnePasswordHost,
		OnePasswordToken: cfg.Secrets.OnePasswordToken,
		Logger:           logger,
	})
	execCfg := a.executorCfg
	execCfg.Logger = logger
	a.executor = executor.NewExecutor(execCfg)
	a.notifier = notify.NewDispatcher(notify.Config{
		APIBase:           cfg.Notify.APIBase,
		MaxAttempts:       cfg.Notify.MaxAttempts,
		Timeout:           cfg.Notify.Timeout,
		ConnectivityCheck: cfg.Notify.ConnectivityCheck,
		QueueSize:         cfg.Notify.QueueSize,
		RatePerMinute:     cfg.Notify.RatePerMinute,
		Logger:            logger,
	})
	a.sysinfo = sysinfo.NewCollector(Version)
	a.scheduler = scheduler.NewScheduler(logger)

	logger.Info("reconnect methods ready", "methods", a.executor.Registry().List())
	return a, nil
}

// Run starts the agent and blocks until ctx is cancelled or the
// configuration changes.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting huawei-manager",
		"version", Version,
		"source", a.cfg.Source.Type,
		"backend", a.cfg.Modem.Backend)

	if err := a.metrics.Load(); err != nil {
		a.logger.Warn("failed to load metrics, starting empty", "error", err)
	}

	if err := a.source.Load(ctx); err != nil {
		a.logger.Warn("failed to read device configuration", "error", err)
	} else {
		a.setupDevices(ctx)
	}

	if a.scheduler.Stats().Devices == 0 {
		a.logger.Warn("no devices to monitor, idling")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 3)

	go func() {
		errCh <- a.notifier.Run(runCtx)
	}()

	go func() {
		errCh <- a.runHealth(runCtx)
	}()

	if a.cfg.WatchConfig {
		if path := a.source.Path(); path != "" {
			w, err := watch.New(path, a.watchDebounce, a.logger)
			if err != nil {
				a.logger.Warn("configuration watch disabled", "error", err)
			} else {
				go func() {
					errCh <- w.Run(runCtx)
				}()
			}
		}
	}

	a.scheduler.Start(runCtx)

	// Wait for a config change or context cancellation
	var result error
	for result == nil {
		select {
		case err := <-errCh:
			if errors.Is(err, ErrConfigChanged) {
				result = err
			} else if err != nil && runCtx.Err() == nil {
				a.logger.Warn("background loop stopped", "error", err)
			}
		case <-ctx.Done():
			result = ctx.Err()
		}
	}

	a.shutdown(cancelRun)
	return result
}

// setupDevices reads the device list and registers one monitor per
// configured device.
func (a *Agent) setupDevices(ctx context.Context) {
	devices, globals := config.LoadDevices(a.source, a.logger)

	if globals.LogLevel != "" && a.setLevel != nil {
		if err := a.setLevel(globals.LogLevel); err != nil {
			a.logger.Warn("invalid globals.log_level", "value", globals.LogLevel, "error", err)
		} else {
			a.logger.Info("log level set from globals", "level", globals.LogLevel)
		}
	}

	for _, dev := range devices {
		logger := a.logger.With("device", dev.ID)

		if !dev.Configured() {
			logger.Warn("device has no modem_url, not started")
			a.notConfigured(dev)
			continue
		}

		a.metrics.Init(dev.ID, dev.Name)

		m, err := a.newMonitor(ctx, dev)
		if err != nil {
			logger.Error("device setup failed, not started", "error", err)
			a.notConfigured(dev)
			continue
		}
		if a.mirror != nil {
			a.mirror.SetPollInterval(dev.ID, dev.PollInterval)
		}
		a.scheduler.Add(m)
	}

	a.logger.Info("devices loaded",
		"total", len(devices),
		"monitored", a.scheduler.Stats().Devices)
}

func (a *Agent) newMonitor(ctx context.Context, dev config.Device) (*monitor.Monitor, error) {
	password, err := a.secrets.Resolve(ctx, dev.Password)
	if err != nil {
		return nil, fmt.Errorf("modem password: %w", err)
	}

	var recipient *notify.Recipient
	if dev.Notify.Ready() {
		token, err := a.secrets.Resolve(ctx, dev.Notify.BotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram bot token: %w", err)
		}
		recipient = &notify.Recipient{BotToken: token, ChatID: dev.Notify.ChatID}
	}

	client, err := a.newClient(dev, password)
	if err != nil {
		return nil, fmt.Errorf("modem client: %w", err)
	}
	a.clients = append(a.clients, client)

	return monitor.New(monitor.Config{
		Device:            dev,
		Client:            client,
		Metrics:           a.metrics,
		Status:            a.status,
		Reconnector:       a.executor,
		Notifier:          a.notifier,
		Recipient:         recipient,
		FetchTimeout:      a.cfg.Monitor.FetchTimeout,
		FetchRetryDelay:   a.cfg.Monitor.FetchRetryDelay,
		StabilizationBase: a.cfg.Monitor.StabilizationBase,
		NotifyDelay:       a.cfg.Notify.InitialDelay,
		Logger:            a.logger,
	}), nil
}

func (a *Agent) buildClient(dev config.Device, password string) (modem.Client, error) {
	ep, err := modem.ParseEndpoint(dev.ModemURL, dev.Username, password)
	if err != nil {
		return nil, err
	}

	switch a.cfg.Modem.Backend {
	case config.BackendExec:
		return modem.NewExec(modem.ExecConfig{
			Path:     a.cfg.Modem.CLIPath,
			Endpoint: ep,
			Timeout:  a.cfg.Modem.RequestTimeout,
			Logger:   a.logger,
		}), nil
	default:
		return modem.NewHiLink(modem.HiLinkConfig{
			URL:       ep.URL,
			Username:  ep.Username,
			Password:  ep.Password,
			LoginMode: dev.LoginMode,
			Timeout:   a.cfg.Modem.RequestTimeout,
			Logger:    a.logger,
		})
	}
}

func (a *Agent) notConfigured(dev config.Device) {
	// Errors are logged by the store.
	_ = a.status.Update(dev.ID, types.DeviceStatus{
		Name:   dev.Name,
		Status: types.StatusNotConfigured,
		Config: types.StatusConfig{TargetPrefixes: types.TargetsNA},
	})
}

// runHealth records daemon health in the status file.
func (a *Agent) runHealth(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()

	a.recordHealth()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.recordHealth()
		}
	}
}

func (a *Agent) recordHealth() {
	info := a.sysinfo.Collect(a.scheduler.Stats().Running)
	if sysinfo.Degraded(info) {
		a.logger.Warn("daemon resource usage high",
			"cpu_percent", info.CPUPercent,
			"memory_percent", info.MemoryPercent)
	}
	if err := a.status.SetDaemon(info); err != nil {
		a.logger.Debug("failed to record daemon health", "error", err)
	}
}

// shutdown stops the monitors, waits up to the shutdown timeout (longer
// while a reconnect is in flight) and persists metrics.
func (a *Agent) shutdown(cancel context.CancelFunc) {
	cancel()

	// A monitor inside a reconnect ignores cancellation until the strategy
	// is done. Closing its client early could leave mobile data switched off.
	stopped := a.scheduler.Wait(a.cfg.ShutdownTimeout)
	if !stopped && a.executor.InFlight() > 0 {
		a.logger.Info("waiting for reconnects to finish",
			"count", a.executor.InFlight(),
			"timeout", a.executor.Timeout())
		if !a.executor.Wait(a.executor.Timeout()) {
			a.logger.Warn("reconnect still running after timeout")
		}
		stopped = a.scheduler.Wait(a.cfg.ShutdownTimeout)
	}
	if !stopped {
		a.logger.Warn("shutting down with monitors still running")
	}

	if err := a.metrics.PersistAll(); err != nil {
		a.logger.Error("failed to persist metrics", "error", err)
	}

	for _, c := range a.clients {
		if err := c.Close(); err != nil {
			a.logger.Debug("closing modem client", "error", err)
		}
	}
	if a.mirror != nil {
		a.mirror.Close()
	}

	a.logger.Info("agent stopped", "uptime", time.Since(a.startTime).Round(time.Second))
}
