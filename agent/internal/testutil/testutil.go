// Package testutil provides testing utilities and fixtures for the agent.
//
// This package contains:
//   - Test loggers
//   - Fixture factories for device configuration
//   - FakeModem, a stateful in-memory modem.Client
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	dev := testutil.FixtureDevice()
//	dev := testutil.FixtureDevice(func(d *config.Device) {
//		d.Method = types.MethodProfile
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
	"github.com/pilot-net/huawei-manager/agent/internal/prefix"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixtureDevice creates a reconnect-enabled device targeting
// 192.168.100-192.168.150 with the data method.
func FixtureDevice(overrides ...func(*config.Device)) config.Device {
	id := "modem_" + uuid.New().String()[:8]
	d := config.Device{
		ID:               id,
		Name:             "Test " + id,
		ModemURL:         "http://192.168.8.1/",
		Username:         "admin",
		Password:         "admin",
		LoginMode:        "auto",
		PollInterval:     10 * time.Second,
		Method:           types.MethodData,
		Targets:          prefix.Parse([]string{"192.168.100-192.168.150"}),
		ReconnectEnabled: true,
	}
	for _, o := range overrides {
		o(&d)
	}
	return d
}
