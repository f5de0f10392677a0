// Package types defines the persisted documents shared between the daemon and
// the UI that reads them.
//
// # Design Principles
//
// 1. Compatibility: JSON keys match the files the web UI already consumes
// 2. Flat files: every document is a single JSON object rewritten atomically
// 3. Copies: values handed out by the stores are deep copies, never live state
//
// Timestamps are Unix seconds. Nullable timestamps are pointers so they
// serialize as null rather than 0.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// RECONNECT METHOD
// =============================================================================

// ReconnectMethod selects the strategy used to force a new WAN IP.
type ReconnectMethod string

const (
	// MethodData toggles the mobile data switch off and on.
	MethodData ReconnectMethod = "data"
	// MethodNetMode forces 3G-only then 4G-only.
	MethodNetMode ReconnectMethod = "netmode"
	// MethodReboot reboots the modem.
	MethodReboot ReconnectMethod = "reboot"
	// MethodProfile switches the default APN profile.
	MethodProfile ReconnectMethod = "profile"
)

// DefaultReconnectMethod is used when a device leaves the method unset or
// configures an unknown one.
const DefaultReconnectMethod = MethodData

// ReconnectMethods lists every supported method in display order.
func ReconnectMethods() []ReconnectMethod {
	return []ReconnectMethod{MethodData, MethodNetMode, MethodReboot, MethodProfile}
}

// ParseReconnectMethod validates a configured method name.
func ParseReconnectMethod(s string) (ReconnectMethod, error) {
	for _, m := range ReconnectMethods() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown reconnect method: %q", s)
}

// =============================================================================
// METRICS
// =============================================================================

// MaxIPHistory bounds DeviceMetrics.IPHistory. The oldest entry is evicted first.
const MaxIPHistory = 20

// IPHistoryEntry is one closed interval during which the device held an IP.
type IPHistoryEntry struct {
	IP       string `json:"ip"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Duration int64  `json:"duration"`
}

// DeviceMetrics are the durable per-device counters.
//
// ReconnectsToday is only meaningful together with ReconnectsDate; a stale
// date means the counter is rolled over on the next write.
type DeviceMetrics struct {
	Name            string           `json:"name"`
	ReconnectsToday int              `json:"reconnects_today"`
	ReconnectsDate  string           `json:"reconnects_date"` // YYYY-MM-DD, local time
	ReconnectsTotal int64            `json:"total_reconnects"`
	TargetFoundAt   *int64           `json:"target_found_at"`
	CurrentIP       string           `json:"current_ip,omitempty"`
	CurrentIPSince  *int64           `json:"current_ip_since"`
	IPHistory       []IPHistoryEntry `json:"ip_history"`
}

// Clone returns a deep copy.
func (m DeviceMetrics) Clone() DeviceMetrics {
	out := m
	if m.TargetFoundAt != nil {
		v := *m.TargetFoundAt
		out.TargetFoundAt = &v
	}
	if m.CurrentIPSince != nil {
		v := *m.CurrentIPSince
		out.CurrentIPSince = &v
	}
	out.IPHistory = make([]IPHistoryEntry, len(m.IPHistory))
	copy(out.IPHistory, m.IPHistory)
	return out
}

// MetricsDocument is the aggregate metrics file.
type MetricsDocument struct {
	Devices  map[string]DeviceMetrics `json:"devices"`
	LastSave int64                    `json:"last_save"`
}

// =============================================================================
// STATUS
// =============================================================================

// Status labels shown by the UI. NoIP is rendered with the consecutive
// failure count, see NoIPStatus.
const (
	StatusStarting      = "Starting"
	StatusMonitoring    = "Monitoring"
	StatusConnected     = "Connected (Target)"
	StatusReconnecting  = "Reconnecting..."
	StatusStopped       = "Stopped"
	StatusNotConfigured = "Not Configured"
)

// NoIPStatus renders the label for n consecutive cycles without a WAN IP.
func NoIPStatus(n int) string {
	return fmt.Sprintf("No IP (%d)", n)
}

// Target descriptions used instead of a prefix list.
const (
	TargetsDisabled = "Disabled"
	TargetsNA       = "N/A"
)

// StatusConfig is the slice of device configuration echoed to the UI.
type StatusConfig struct {
	TargetPrefixes string `json:"target_prefixes"`
}

// DeviceStatus is the latest known state of one device.
type DeviceStatus struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	CurrentIP  string         `json:"current_ip"`
	LastUpdate int64          `json:"last_update"`
	Metrics    *DeviceMetrics `json:"metrics,omitempty"`
	Config     StatusConfig   `json:"config"`
}

// Clone returns a deep copy.
func (s DeviceStatus) Clone() DeviceStatus {
	out := s
	if s.Metrics != nil {
		m := s.Metrics.Clone()
		out.Metrics = &m
	}
	return out
}

// DaemonInfo describes the daemon process itself.
type DaemonInfo struct {
	PID           int     `json:"pid"`
	Version       string  `json:"version"`
	StartedAt     int64   `json:"started_at"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	Devices       int     `json:"devices"`
	UpdatedAt     int64   `json:"updated_at"`
}

// StatusDocument is the aggregate status file.
type StatusDocument struct {
	Devices map[string]DeviceStatus `json:"devices"`
	Daemon  *DaemonInfo             `json:"daemon,omitempty"`
}

// DashboardDocument is the per-device file holding the last modem snapshot.
type DashboardDocument struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Cached    bool    `json:"cached"`
	Timestamp float64 `json:"timestamp"`
}

// UnixPtr returns t as a Unix timestamp pointer.
func UnixPtr(t time.Time) *int64 {
	v := t.Unix()
	return &v
}
