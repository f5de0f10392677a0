package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
	"github.com/pilot-net/huawei-manager/agent/internal/executor"
	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/agent/internal/testutil"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

const devicesINI = `[globals]
log_level = debug

[office]
name = Office
modem_url = http://192.168.8.1/
modem_password = env:HM_AGENT_TEST_PASSWORD
ipagent_enabled = 1
check_interval = 1
target_prefixes = 10.130-10.159

[spare]
name = Spare
`

type factory struct {
	mu        sync.Mutex
	passwords map[string]string
	modems    map[string]*testutil.FakeModem
	ip        string
}

func newFactory(ip string) *factory {
	return &factory{
		passwords: map[string]string{},
		modems:    map[string]*testutil.FakeModem{},
		ip:        ip,
	}
}

func (f *factory) build(dev config.Device, password string) (modem.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := testutil.NewFakeModem(f.ip)
	f.passwords[dev.ID] = password
	f.modems[dev.ID] = m
	return m, nil
}

func (f *factory) modem(id string) *testutil.FakeModem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modems[id]
}

func testConfig(t *testing.T, ini string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Source = config.SourceConfig{Type: config.SourceINI, Path: filepath.Join(dir, "devices.ini")}
	cfg.Paths = config.PathsConfig{
		StatusFile:  filepath.Join(dir, "huawei-manager.status"),
		StatusDir:   dir,
		MetricsFile: filepath.Join(dir, "huawei-manager.metrics"),
	}
	cfg.Notify.ConnectivityCheck = false
	cfg.HealthInterval = time.Hour
	cfg.ShutdownTimeout = 5 * time.Second
	if ini != "" {
		require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(ini), 0o644))
	}
	return cfg
}

func startAgent(t *testing.T, a *Agent) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return cancel, done
}

func waitStatus(t *testing.T, a *Agent, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := a.status.Get(id)
		return ok && st.Status == want
	}, 5*time.Second, 10*time.Millisecond, "device %s never reached %q", id, want)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
		return nil
	}
}

func TestAgent_RunAndShutdown(t *testing.T) {
	t.Setenv("HM_AGENT_TEST_PASSWORD", "s3cret")
	cfg := testConfig(t, devicesINI)
	f := newFactory("10.130.5.5")

	var levelMu sync.Mutex
	var levels []string
	a, err := New(cfg, testutil.NewTestLogger(),
		WithClientFactory(f.build),
		WithLevelSetter(func(l string) error {
			levelMu.Lock()
			levels = append(levels, l)
			levelMu.Unlock()
			return nil
		}))
	require.NoError(t, err)

	cancel, done := startAgent(t, a)
	waitStatus(t, a, "office", types.StatusConnected)
	waitStatus(t, a, "spare", types.StatusNotConfigured)

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)

	st, _ := a.status.Get("office")
	assert.Equal(t, types.StatusStopped, st.Status)
	spare, _ := a.status.Get("spare")
	assert.Equal(t, types.TargetsNA, spare.Config.TargetPrefixes)

	assert.Equal(t, "s3cret", f.passwords["office"])
	assert.NotContains(t, f.passwords, "spare")
	assert.True(t, f.modem("office").Closed())

	levelMu.Lock()
	assert.Equal(t, []string{"debug"}, levels)
	levelMu.Unlock()

	// Metrics persisted on shutdown.
	data, err := os.ReadFile(cfg.Paths.MetricsFile)
	require.NoError(t, err)
	var metrics types.MetricsDocument
	require.NoError(t, json.Unmarshal(data, &metrics))
	assert.Equal(t, "10.130.5.5", metrics.Devices["office"].CurrentIP)

	// Daemon health is embedded in the status file.
	data, err = os.ReadFile(cfg.Paths.StatusFile)
	require.NoError(t, err)
	var status types.StatusDocument
	require.NoError(t, json.Unmarshal(data, &status))
	require.NotNil(t, status.Daemon)
	assert.Equal(t, os.Getpid(), status.Daemon.PID)
}

func TestAgent_ShutdownWaitsForReconnect(t *testing.T) {
	t.Setenv("HM_AGENT_TEST_PASSWORD", "s3cret")
	cfg := testConfig(t, devicesINI)
	cfg.ShutdownTimeout = 50 * time.Millisecond
	f := newFactory("10.1.1.1")

	// The settle between data off and on outlasts the shutdown timeout.
	settling := make(chan struct{})
	var once sync.Once
	settle := func(ctx context.Context, d time.Duration) error {
		once.Do(func() { close(settling) })
		time.Sleep(300 * time.Millisecond)
		return nil
	}

	a, err := New(cfg, testutil.NewTestLogger(),
		WithClientFactory(f.build),
		withExecutorConfig(executor.Config{Sleep: settle}))
	require.NoError(t, err)

	cancel, done := startAgent(t, a)
	select {
	case <-settling:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never started")
	}
	m := f.modem("office")
	require.Equal(t, []bool{false}, m.DataSwitches())

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)

	assert.Equal(t, []bool{false, true}, m.DataSwitches(), "data must be back on before the client closes")
	assert.True(t, m.Closed())
	assert.Equal(t, 0, a.executor.InFlight())
	st, _ := a.status.Get("office")
	assert.Equal(t, types.StatusStopped, st.Status)
}

func TestAgent_SecretFailureMarksNotConfigured(t *testing.T) {
	t.Setenv("HM_AGENT_TEST_PASSWORD", "")
	cfg := testConfig(t, devicesINI)
	f := newFactory("10.130.5.5")
	a, err := New(cfg, testutil.NewTestLogger(), WithClientFactory(f.build))
	require.NoError(t, err)

	cancel, done := startAgent(t, a)
	waitStatus(t, a, "office", types.StatusNotConfigured)
	assert.Nil(t, f.modem("office"))

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
}

func TestAgent_MissingConfigIdles(t *testing.T) {
	cfg := testConfig(t, "")
	a, err := New(cfg, testutil.NewTestLogger(), WithClientFactory(newFactory("").build))
	require.NoError(t, err)

	cancel, done := startAgent(t, a)
	select {
	case err := <-done:
		t.Fatalf("agent exited while idle: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
}

func TestAgent_ConfigChangeRestarts(t *testing.T) {
	t.Setenv("HM_AGENT_TEST_PASSWORD", "s3cret")
	cfg := testConfig(t, devicesINI)
	cfg.WatchConfig = true
	a, err := New(cfg, testutil.NewTestLogger(),
		WithClientFactory(newFactory("10.130.5.5").build),
		withWatchDebounce(20*time.Millisecond))
	require.NoError(t, err)

	_, done := startAgent(t, a)
	waitStatus(t, a, "office", types.StatusConnected)

	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(devicesINI+"\n[lab]\nname = Lab\n"), 0o644))

	assert.ErrorIs(t, waitDone(t, done), ErrConfigChanged)
	st, _ := a.status.Get("office")
	assert.Equal(t, types.StatusStopped, st.Status)
}

func TestBuildClient(t *testing.T) {
	cfg := testConfig(t, "")
	dev := testutil.FixtureDevice(func(d *config.Device) {
		d.ModemURL = "http://user:pw@192.168.8.1"
	})

	a, err := New(cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	c, err := a.buildClient(dev, "ignored")
	require.NoError(t, err)
	assert.IsType(t, &modem.HiLink{}, c)

	cfg.Modem.Backend = config.BackendExec
	c, err = a.buildClient(dev, "ignored")
	require.NoError(t, err)
	assert.IsType(t, &modem.Exec{}, c)

	dev.ModemURL = "http://"
	_, err = a.buildClient(dev, "")
	assert.Error(t, err)
}
