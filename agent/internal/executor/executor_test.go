package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/agent/internal/prefix"
	"github.com/pilot-net/huawei-manager/agent/internal/testutil"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// MockStrategy is a test strategy for unit tests.
type MockStrategy struct {
	Name          types.ReconnectMethod
	ReconnectFunc func(ctx context.Context, run *Run) error
}

func (m *MockStrategy) Method() types.ReconnectMethod { return m.Name }

func (m *MockStrategy) Reconnect(ctx context.Context, run *Run) error {
	if m.ReconnectFunc != nil {
		return m.ReconnectFunc(ctx, run)
	}
	return nil
}

// recordingSleep records requested waits instead of sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	waits  []time.Duration
	during func()
}

func (s *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	during := s.during
	s.mu.Unlock()
	if during != nil {
		during()
	}
	return nil
}

func newTestExecutor(s *recordingSleep) *Executor {
	return NewExecutor(Config{Logger: testutil.NewTestLogger(), Sleep: s.sleep})
}

var targets = prefix.Parse([]string{"192.168.100-192.168.150"})

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	s := &MockStrategy{Name: "airplane"}

	// First registration should succeed
	if err := r.Register(s); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Duplicate registration should fail
	if err := r.Register(s); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&MockStrategy{Name: "airplane"})

	found, ok := r.Get("airplane")
	if !ok {
		t.Fatal("expected to find strategy")
	}
	if found.Method() != "airplane" {
		t.Fatalf("wrong strategy: %s", found.Method())
	}

	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("should not find nonexistent strategy")
	}
}

func TestNewExecutor_Builtins(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	want := []types.ReconnectMethod{types.MethodData, types.MethodNetMode, types.MethodProfile, types.MethodReboot}
	if diff := cmp.Diff(want, e.Registry().List()); diff != "" {
		t.Errorf("methods mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_Data(t *testing.T) {
	s := &recordingSleep{}
	e := newTestExecutor(s)
	fake := testutil.NewFakeModem("192.168.90.1")

	out := e.Execute(context.Background(), types.MethodData, fake, targets)

	assert.True(t, out.Success, out.Error)
	assert.Equal(t, types.MethodData, out.Method)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, []bool{false, true}, fake.DataSwitches())
	assert.Equal(t, []time.Duration{10 * time.Second}, s.waits)
	assert.Contains(t, out.Output, "Mobile data enabled")
}

func TestExecute_DataDisableFails(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	fake := testutil.NewFakeModem("192.168.90.1")
	fake.Errs["SetMobileDataSwitch"] = errors.New("busy")

	out := e.Execute(context.Background(), types.MethodData, fake, targets)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "busy")
	// Both calls were attempted.
	assert.Equal(t, []string{"SetMobileDataSwitch", "SetMobileDataSwitch"}, fake.Calls())
}

func TestExecute_NetMode(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	fake := testutil.NewFakeModem("192.168.90.1")

	out := e.Execute(context.Background(), types.MethodNetMode, fake, targets)

	assert.True(t, out.Success, out.Error)
	assert.Equal(t, []string{modem.NetMode3GOnly, modem.NetMode4GOnly}, fake.NetModes())
}

func TestExecute_NetModeRevertsToAuto(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	fake := testutil.NewFakeModem("192.168.90.1")
	fake.Errs["SetNetMode:"+modem.NetMode4GOnly] = errors.New("not supported")

	out := e.Execute(context.Background(), types.MethodNetMode, fake, targets)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "not supported")
	assert.Equal(t, []string{modem.NetMode3GOnly, modem.NetModeAuto}, fake.NetModes())
}

func TestExecute_Reboot(t *testing.T) {
	s := &recordingSleep{}
	e := newTestExecutor(s)
	fake := testutil.NewFakeModem("192.168.90.1")

	out := e.Execute(context.Background(), types.MethodReboot, fake, targets)
	assert.True(t, out.Success)
	assert.True(t, fake.Rebooted())
	assert.Empty(t, s.waits)

	fake = testutil.NewFakeModem("192.168.90.1")
	fake.Errs["Reboot"] = errors.New("refused")
	out = e.Execute(context.Background(), types.MethodReboot, fake, targets)
	assert.False(t, out.Success)
}

func twoProfiles(fake *testutil.FakeModem) {
	fake.Profiles = []modem.APNProfile{
		{Index: "1", Name: "internet", APN: "internet"},
		{Index: "2", Name: "static", APN: "static.apn"},
	}
	fake.Current = "1"
}

func TestExecute_ProfileKeepsTarget(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	fake := testutil.NewFakeModem("192.168.90.1")
	twoProfiles(fake)
	fake.OnSetDefaultProfile = func(f *testutil.FakeModem, index string) {
		if index == "2" {
			f.SetWANIPLocked("192.168.120.7")
		}
	}

	out := e.Execute(context.Background(), types.MethodProfile, fake, targets)

	assert.True(t, out.Success, out.Error)
	assert.Equal(t, "192.168.120.7", out.IP)
	assert.Equal(t, []string{"2"}, fake.DefaultSets())
}

func TestExecute_ProfileReverts(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	fake := testutil.NewFakeModem("192.168.90.1")
	twoProfiles(fake)

	out := e.Execute(context.Background(), types.MethodProfile, fake, targets)

	assert.False(t, out.Success)
	assert.Empty(t, out.IP)
	assert.Equal(t, []string{"2", "1"}, fake.DefaultSets())
	assert.Contains(t, out.Output, "Profile reverted")
}

func TestExecute_ProfileNeedsTwo(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	fake := testutil.NewFakeModem("192.168.90.1")
	fake.Profiles = []modem.APNProfile{{Index: "1", Name: "internet"}}

	out := e.Execute(context.Background(), types.MethodProfile, fake, targets)

	assert.False(t, out.Success)
	assert.Empty(t, fake.DefaultSets())
	assert.Contains(t, out.Output, "Need at least 2 profiles to switch")
}

func TestExecute_UnknownMethod(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	fake := testutil.NewFakeModem("192.168.90.1")

	out := e.Execute(context.Background(), "airplane", fake, targets)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unknown reconnect method")
	assert.Empty(t, fake.Calls())
}

func TestExecute_RecoversPanic(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	require.NoError(t, e.Registry().Register(&MockStrategy{
		Name: "boom",
		ReconnectFunc: func(ctx context.Context, run *Run) error {
			run.Logf("about to fail")
			panic("nil map")
		},
	}))

	out := e.Execute(context.Background(), "boom", testutil.NewFakeModem(""), targets)

	assert.False(t, out.Success)
	assert.Equal(t, "panic: nil map", out.Error)
	assert.Equal(t, []string{"about to fail"}, out.Output)
}

func TestExecute_SurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &recordingSleep{during: cancel}
	e := newTestExecutor(s)
	fake := testutil.NewFakeModem("192.168.90.1")

	out := e.Execute(ctx, types.MethodData, fake, targets)

	// Shutdown arrived mid-way; data still came back on.
	require.Error(t, ctx.Err())
	assert.True(t, out.Success, out.Error)
	assert.Equal(t, []bool{false, true}, fake.DataSwitches())
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
}

func TestExecutor_WaitForInFlight(t *testing.T) {
	e := newTestExecutor(&recordingSleep{})
	assert.True(t, e.Wait(time.Millisecond), "idle executor")

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, e.Registry().Register(&MockStrategy{
		Name: "slow",
		ReconnectFunc: func(ctx context.Context, run *Run) error {
			close(entered)
			<-release
			return nil
		},
	}))

	done := make(chan Outcome, 1)
	go func() {
		done <- e.Execute(context.Background(), "slow", testutil.NewFakeModem(""), targets)
	}()
	<-entered

	assert.Equal(t, 1, e.InFlight())
	assert.False(t, e.Wait(20*time.Millisecond), "reconnect still running")

	waited := make(chan bool, 1)
	go func() { waited <- e.Wait(5 * time.Second) }()
	close(release)

	assert.True(t, <-waited)
	assert.True(t, (<-done).Success)
	assert.Equal(t, 0, e.InFlight())
}
