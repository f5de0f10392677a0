package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/huawei-manager/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)}
}

func newMetrics(t *testing.T, clock *fakeClock) (*MetricsStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "huawei-manager.metrics")
	return NewMetricsStore(MetricsConfig{Path: path, Logger: testLogger(), Now: clock.Now}), path
}

func readMetrics(t *testing.T, path string) types.MetricsDocument {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc types.MetricsDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestMetricsStore_ReconnectCounters(t *testing.T) {
	clock := newClock()
	s, path := newMetrics(t, clock)
	s.Init("modem1", "Office")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordReconnect("modem1"))
	}

	m, ok := s.Snapshot("modem1")
	require.True(t, ok)
	assert.Equal(t, 3, m.ReconnectsToday)
	assert.EqualValues(t, 3, m.ReconnectsTotal)
	assert.Equal(t, "2026-03-14", m.ReconnectsDate)

	// Next day: daily counter restarts at 1, lifetime keeps counting.
	clock.Advance(24 * time.Hour)
	require.NoError(t, s.RecordReconnect("modem1"))

	m, _ = s.Snapshot("modem1")
	assert.Equal(t, 1, m.ReconnectsToday)
	assert.EqualValues(t, 4, m.ReconnectsTotal)
	assert.Equal(t, "2026-03-15", m.ReconnectsDate)

	doc := readMetrics(t, path)
	assert.Equal(t, 1, doc.Devices["modem1"].ReconnectsToday)
	assert.Equal(t, clock.Now().Unix(), doc.LastSave)
}

func TestMetricsStore_TargetFoundAt(t *testing.T) {
	clock := newClock()
	s, _ := newMetrics(t, clock)
	s.Init("modem1", "Office")

	require.NoError(t, s.RecordTargetFound("modem1", "10.130.1.1"))
	first := clock.Now().Unix()

	clock.Advance(time.Minute)
	require.NoError(t, s.RecordTargetFound("modem1", "10.130.1.1"))

	m, _ := s.Snapshot("modem1")
	require.NotNil(t, m.TargetFoundAt)
	assert.Equal(t, first, *m.TargetFoundAt, "target_found_at is only set on the first match")

	require.NoError(t, s.RecordReconnect("modem1"))
	m, _ = s.Snapshot("modem1")
	assert.Nil(t, m.TargetFoundAt, "reconnect clears target_found_at")

	clock.Advance(time.Minute)
	require.NoError(t, s.RecordTargetFound("modem1", "10.130.1.1"))
	m, _ = s.Snapshot("modem1")
	require.NotNil(t, m.TargetFoundAt)
	assert.Equal(t, clock.Now().Unix(), *m.TargetFoundAt)
}

func TestMetricsStore_IPHistory(t *testing.T) {
	clock := newClock()
	s, _ := newMetrics(t, clock)
	s.Init("modem1", "Office")

	start := clock.Now().Unix()
	require.NoError(t, s.RecordTargetFound("modem1", "10.130.0.1"))
	m, _ := s.Snapshot("modem1")
	assert.Empty(t, m.IPHistory, "first IP opens an interval but closes none")

	clock.Advance(90 * time.Second)
	require.NoError(t, s.RecordTargetFound("modem1", "10.130.0.2"))

	m, _ = s.Snapshot("modem1")
	want := []types.IPHistoryEntry{{IP: "10.130.0.1", Start: start, End: start + 90, Duration: 90}}
	if diff := cmp.Diff(want, m.IPHistory); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "10.130.0.2", m.CurrentIP)

	// Same IP again appends nothing.
	require.NoError(t, s.RecordTargetFound("modem1", "10.130.0.2"))
	m, _ = s.Snapshot("modem1")
	assert.Len(t, m.IPHistory, 1)

	// 21 further changes leave exactly the newest 20 entries.
	for i := 3; i <= 23; i++ {
		clock.Advance(time.Second)
		require.NoError(t, s.RecordTargetFound("modem1", fmt.Sprintf("10.130.0.%d", i)))
	}
	m, _ = s.Snapshot("modem1")
	require.Len(t, m.IPHistory, types.MaxIPHistory)
	assert.Equal(t, "10.130.0.3", m.IPHistory[0].IP)
	assert.Equal(t, "10.130.0.22", m.IPHistory[len(m.IPHistory)-1].IP)
}

func TestMetricsStore_SnapshotIsCopy(t *testing.T) {
	clock := newClock()
	s, _ := newMetrics(t, clock)
	s.Init("modem1", "Office")
	require.NoError(t, s.RecordTargetFound("modem1", "10.0.0.1"))
	clock.Advance(time.Second)
	require.NoError(t, s.RecordTargetFound("modem1", "10.0.0.2"))

	m, _ := s.Snapshot("modem1")
	m.IPHistory[0].IP = "mutated"
	*m.CurrentIPSince = 0

	again, _ := s.Snapshot("modem1")
	assert.Equal(t, "10.0.0.1", again.IPHistory[0].IP)
	assert.NotZero(t, *again.CurrentIPSince)
}

func TestMetricsStore_UnknownDevice(t *testing.T) {
	s, path := newMetrics(t, newClock())
	assert.NoError(t, s.RecordReconnect("ghost"))
	assert.NoError(t, s.RecordTargetFound("ghost", "10.0.0.1"))

	_, ok := s.Snapshot("ghost")
	assert.False(t, ok)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "ignored updates must not write")
}

func TestMetricsStore_LoadRoundTrip(t *testing.T) {
	clock := newClock()
	s, path := newMetrics(t, clock)
	s.Init("modem1", "Office")
	require.NoError(t, s.RecordReconnect("modem1"))
	require.NoError(t, s.RecordTargetFound("modem1", "10.0.0.9"))

	reloaded := NewMetricsStore(MetricsConfig{Path: path, Logger: testLogger(), Now: clock.Now})
	require.NoError(t, reloaded.Load())

	want, _ := s.Snapshot("modem1")
	got, ok := reloaded.Snapshot("modem1")
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reloaded metrics mismatch (-want +got):\n%s", diff)
	}

	// Init on a later day rolls the stale counter and refreshes the name.
	clock.Advance(48 * time.Hour)
	reloaded.Init("modem1", "Renamed")
	got, _ = reloaded.Snapshot("modem1")
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, 0, got.ReconnectsToday)
	assert.EqualValues(t, 1, got.ReconnectsTotal)
}

func TestMetricsStore_LoadCorrupt(t *testing.T) {
	clock := newClock()
	s, path := newMetrics(t, clock)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	err := s.Load()
	assert.Error(t, err)

	// Store still works from empty.
	s.Init("modem1", "Office")
	require.NoError(t, s.RecordReconnect("modem1"))
	assert.Equal(t, 1, readMetrics(t, path).Devices["modem1"].ReconnectsToday)
}

func TestMetricsStore_LoadMissing(t *testing.T) {
	s, _ := newMetrics(t, newClock())
	assert.NoError(t, s.Load())
}

func TestFileWriter_CrashBeforeRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huawei-manager.metrics")

	w := NewFileWriter()
	require.NoError(t, w.Write(path, []byte(`{"version":1}`)))

	w.rename = func(oldpath, newpath string) error {
		return errors.New("simulated crash")
	}
	err := w.Write(path, []byte(`{"version":2,"padding":"xxxxxxxxxxxxxxxx"}`))
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(data), "previous complete file must survive")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")

	w.rename = os.Rename
	require.NoError(t, w.Write(path, []byte(`{"version":3}`)))
	data, _ = os.ReadFile(path)
	assert.JSONEq(t, `{"version":3}`, string(data))
}

func TestMetricsStore_WriteFailureKeepsMemory(t *testing.T) {
	clock := newClock()
	s, path := newMetrics(t, clock)
	s.Init("modem1", "Office")
	require.NoError(t, s.PersistAll())

	s.writer.rename = func(string, string) error { return errors.New("disk full") }
	assert.Error(t, s.RecordReconnect("modem1"))

	m, _ := s.Snapshot("modem1")
	assert.Equal(t, 1, m.ReconnectsToday)
	assert.Equal(t, 0, readMetrics(t, path).Devices["modem1"].ReconnectsToday)

	s.writer.rename = os.Rename
	require.NoError(t, s.RecordReconnect("modem1"))
	assert.Equal(t, 2, readMetrics(t, path).Devices["modem1"].ReconnectsToday)
}

// recordingMirror captures published statuses.
type recordingMirror struct {
	got map[string]types.DeviceStatus
	err error
}

func (m *recordingMirror) PublishStatus(_ context.Context, id string, st types.DeviceStatus) error {
	if m.got == nil {
		m.got = make(map[string]types.DeviceStatus)
	}
	m.got[id] = st
	return m.err
}

func TestStatusStore_Update(t *testing.T) {
	clock := newClock()
	metrics, _ := newMetrics(t, clock)
	metrics.Init("modem1", "Office")
	require.NoError(t, metrics.RecordReconnect("modem1"))

	dir := t.TempDir()
	mirror := &recordingMirror{}
	s := NewStatusStore(StatusConfig{
		Path:    filepath.Join(dir, "huawei-manager.status"),
		Metrics: metrics,
		Mirror:  mirror,
		Logger:  testLogger(),
		Now:     clock.Now,
	})

	require.NoError(t, s.Update("modem1", types.DeviceStatus{
		Name:      "Office",
		Status:    types.StatusReconnecting,
		CurrentIP: "192.168.90.1",
		Config:    types.StatusConfig{TargetPrefixes: "192.168.100-192.168.150"},
	}))
	require.NoError(t, s.Update("modem2", types.DeviceStatus{
		Name:   "Lab",
		Status: types.StatusNotConfigured,
		Config: types.StatusConfig{TargetPrefixes: types.TargetsNA},
	}))

	data, err := os.ReadFile(filepath.Join(dir, "huawei-manager.status"))
	require.NoError(t, err)
	var doc types.StatusDocument
	require.NoError(t, json.Unmarshal(data, &doc))

	require.Len(t, doc.Devices, 2)
	st := doc.Devices["modem1"]
	assert.Equal(t, types.StatusReconnecting, st.Status)
	assert.Equal(t, clock.Now().Unix(), st.LastUpdate)
	require.NotNil(t, st.Metrics)
	assert.Equal(t, 1, st.Metrics.ReconnectsToday)
	assert.Nil(t, doc.Devices["modem2"].Metrics)

	assert.Equal(t, types.StatusReconnecting, mirror.got["modem1"].Status)

	got, ok := s.Get("modem1")
	require.True(t, ok)
	assert.Equal(t, "192.168.90.1", got.CurrentIP)
}

func TestStatusStore_MirrorFailureIgnored(t *testing.T) {
	s := NewStatusStore(StatusConfig{
		Path:   filepath.Join(t.TempDir(), "status.json"),
		Mirror: &recordingMirror{err: errors.New("redis down")},
		Logger: testLogger(),
	})
	assert.NoError(t, s.Update("modem1", types.DeviceStatus{Status: types.StatusMonitoring}))
}

func TestStatusStore_SaveDashboard(t *testing.T) {
	clock := newClock()
	dir := t.TempDir()
	s := NewStatusStore(StatusConfig{
		Path:   filepath.Join(dir, "huawei-manager.status"),
		Dir:    dir,
		Logger: testLogger(),
		Now:    clock.Now,
	})

	require.NoError(t, s.SaveDashboard("modem1", map[string]any{"signal": map[string]any{"rsrp": "-95dBm"}}))

	path := filepath.Join(dir, "huawei-manager-status_modem1.json")
	assert.Equal(t, path, s.DashboardPath("modem1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, true, doc["success"])
	assert.Equal(t, true, doc["cached"])
	assert.InDelta(t, float64(clock.Now().Unix()), doc["timestamp"], 1)
	assert.Equal(t, "-95dBm", doc["data"].(map[string]any)["signal"].(map[string]any)["rsrp"])
}

func TestStatusStore_DashboardPath(t *testing.T) {
	s := NewStatusStore(StatusConfig{Path: "/tmp/x/status", Dir: "/tmp/x"})
	tests := []struct {
		id   string
		want string
	}{
		{"modem1", "/tmp/x/huawei-manager-status_modem1.json"},
		{"@device[0]", "/tmp/x/huawei-manager-status_@device[0].json"},
		{"cfg01a2b3", "/tmp/x/huawei-manager-status_cfg01a2b3.json"},
		{"../etc", "/tmp/x/huawei-manager-status_.._etc.json"},
		{`a\b`, "/tmp/x/huawei-manager-status_a_b.json"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := s.DashboardPath(tt.id)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "/tmp/x", filepath.Dir(got))
		})
	}
}

func TestStatusStore_SetDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	s := NewStatusStore(StatusConfig{Path: path, Logger: testLogger()})
	require.NoError(t, s.SetDaemon(types.DaemonInfo{PID: 42, Devices: 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc types.StatusDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	require.NotNil(t, doc.Daemon)
	assert.Equal(t, 42, doc.Daemon.PID)
	assert.Empty(t, doc.Devices)
}

func TestStores_ConcurrentDevices(t *testing.T) {
	const (
		devices = 4
		rounds  = 25
	)
	clock := newClock()
	metrics, metricsPath := newMetrics(t, clock)
	dir := t.TempDir()
	status := NewStatusStore(StatusConfig{
		Path:    filepath.Join(dir, "huawei-manager.status"),
		Dir:     dir,
		Metrics: metrics,
		Logger:  testLogger(),
		Now:     clock.Now,
	})

	ids := make([]string, devices)
	for d := range ids {
		ids[d] = fmt.Sprintf("modem%d", d)
		metrics.Init(ids[d], "Device "+ids[d])
	}

	var wg sync.WaitGroup
	for d, id := range ids {
		d, id := d, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				ip := fmt.Sprintf("10.130.%d.%d", d, r)
				assert.NoError(t, metrics.RecordReconnect(id))
				assert.NoError(t, metrics.RecordTargetFound(id, ip))
				assert.NoError(t, status.Update(id, types.DeviceStatus{
					Name:      "Device " + id,
					Status:    types.StatusConnected,
					CurrentIP: ip,
				}))
				assert.NoError(t, status.SaveDashboard(id, map[string]any{"round": r}))
			}
		}()
	}
	wg.Wait()

	doc := readMetrics(t, metricsPath)
	require.Len(t, doc.Devices, devices)
	for d, id := range ids {
		m := doc.Devices[id]
		assert.EqualValues(t, rounds, m.ReconnectsTotal, id)
		assert.Equal(t, rounds, m.ReconnectsToday, id)
		assert.Len(t, m.IPHistory, types.MaxIPHistory, id)
		assert.Equal(t, fmt.Sprintf("10.130.%d.%d", d, rounds-1), m.CurrentIP, id)
		assert.FileExists(t, status.DashboardPath(id))
	}

	data, err := os.ReadFile(filepath.Join(dir, "huawei-manager.status"))
	require.NoError(t, err)
	var st types.StatusDocument
	require.NoError(t, json.Unmarshal(data, &st))
	require.Len(t, st.Devices, devices)
	for _, id := range ids {
		require.NotNil(t, st.Devices[id].Metrics, id)
		assert.EqualValues(t, rounds, st.Devices[id].Metrics.ReconnectsTotal, id)
	}
}
