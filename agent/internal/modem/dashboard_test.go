package modem_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/agent/internal/testutil"
)

func TestFetchDashboard_PartialFailure(t *testing.T) {
	fake := testutil.NewFakeModem("10.130.5.5")
	fake.Errs["MonitoringStatus"] = errors.New("timeout")

	d, err := modem.FetchDashboard(context.Background(), fake)
	require.NoError(t, err)
	assert.Nil(t, d.Status)
	assert.NotNil(t, d.Device)

	ip, ok := modem.ExtractWANIP(d)
	assert.True(t, ok)
	assert.Equal(t, "10.130.5.5", ip)
}

func TestFetchDashboard_AllFail(t *testing.T) {
	fake := testutil.NewFakeModem("10.130.5.5")
	for _, m := range []string{"DeviceInfo", "Signal", "TrafficStats", "MonitoringStatus",
		"NetMode", "CurrentOperator", "MonthStats", "DialupConnection"} {
		fake.Errs[m] = errors.New("connection refused")
	}

	_, err := modem.FetchDashboard(context.Background(), fake)
	require.Error(t, err)
	assert.ErrorIs(t, err, modem.ErrNoData)
	assert.ErrorContains(t, err, "connection refused")
}

func TestFetchDashboard_Canceled(t *testing.T) {
	fake := testutil.NewFakeModem("10.130.5.5")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := modem.FetchDashboard(ctx, fake)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fake.Calls())
}
