package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/huawei-manager/agent/internal/prefix"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// DefaultPollInterval is used when check_interval is missing or invalid.
const DefaultPollInterval = 10 * time.Second

// GlobalsSection holds daemon-wide options in the device store.
const GlobalsSection = "globals"

// Source is the key/value view of the device configuration store.
// Values are raw strings; typing happens in LoadDevices.
type Source interface {
	// Sections lists device section ids in configuration order.
	Sections() []string
	Get(section, option string) (string, bool)
	GetList(section, option string) []string
}

// NotifySettings are a device's notification options.
type NotifySettings struct {
	Enabled  bool
	BotToken string
	ChatID   string
}

// Ready reports whether notifications can be sent.
func (n NotifySettings) Ready() bool {
	return n.Enabled && n.BotToken != "" && n.ChatID != ""
}

// Device is one validated device definition. It is immutable for the life
// of the process.
type Device struct {
	ID           string
	Name         string
	ModemURL     string
	Username     string
	Password     string // May be a secret reference, see secrets.Resolver
	LoginMode    string
	PollInterval time.Duration
	Method       types.ReconnectMethod
	Targets      prefix.Set

	// ReconnectEnabled is false for monitoring-only devices.
	ReconnectEnabled bool

	Notify NotifySettings
}

// Configured reports whether the device has a modem to talk to.
func (d Device) Configured() bool {
	return d.ModemURL != ""
}

// TargetsDescription is the target summary shown in the status file.
func (d Device) TargetsDescription() string {
	switch {
	case !d.Configured():
		return types.TargetsNA
	case !d.ReconnectEnabled:
		return types.TargetsDisabled
	default:
		return d.Targets.String()
	}
}

// Globals are daemon-wide options stored next to the devices.
type Globals struct {
	LogLevel string
}

// LoadDevices turns every section of src into a Device. Invalid values are
// defaulted with a warning; nothing here is fatal.
func LoadDevices(src Source, logger *slog.Logger) ([]Device, Globals) {
	if logger == nil {
		logger = slog.Default()
	}

	var globals Globals
	globals.LogLevel, _ = src.Get(GlobalsSection, "log_level")

	var devices []Device
	for _, id := range src.Sections() {
		if id == GlobalsSection {
			continue
		}
		devices = append(devices, loadDevice(src, id, logger.With("device", id)))
	}
	return devices, globals
}

func loadDevice(src Source, id string, logger *slog.Logger) Device {
	get := func(opt string) string {
		v, _ := src.Get(id, opt)
		return strings.TrimSpace(v)
	}

	d := Device{
		ID:        id,
		Name:      get("name"),
		ModemURL:  get("modem_url"),
		Username:  get("modem_username"),
		Password:  get("modem_password"),
		LoginMode: strings.ToLower(get("login_mode")),
		Notify: NotifySettings{
			Enabled:  ParseBool(get("telegram_enabled")),
			BotToken: get("telegram_bot_token"),
			ChatID:   get("telegram_chat_id"),
		},
	}
	if d.Name == "" {
		d.Name = id
	}
	if d.Username == "" {
		d.Username = "admin"
	}
	switch d.LoginMode {
	case "", "auto":
		d.LoginMode = "auto"
	case "scram":
	default:
		logger.Warn("unknown login_mode, using auto", "value", d.LoginMode)
		d.LoginMode = "auto"
	}

	d.PollInterval = DefaultPollInterval
	if raw := get("check_interval"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			logger.Warn("invalid check_interval, using default",
				"value", raw, "default", DefaultPollInterval)
		} else {
			d.PollInterval = time.Duration(n) * time.Second
		}
	}

	d.Method = types.DefaultReconnectMethod
	if raw := get("reconnect_method"); raw != "" {
		m, err := types.ParseReconnectMethod(strings.ToLower(raw))
		if err != nil {
			logger.Warn("invalid reconnect_method, using default",
				"value", raw, "default", types.DefaultReconnectMethod)
		} else {
			d.Method = m
		}
	}

	d.Targets = prefix.Parse(src.GetList(id, "target_prefixes"))
	for _, inv := range d.Targets.Invalid {
		logger.Warn("skipping invalid target prefix", "prefix", inv.Raw, "reason", inv.Reason)
	}

	d.ReconnectEnabled = ParseBool(get("ipagent_enabled"))
	if d.ReconnectEnabled && d.Targets.Empty() {
		// Without targets every IP would mismatch and trigger a reconnect.
		logger.Warn("reconnect enabled without valid target prefixes, monitoring only")
		d.ReconnectEnabled = false
	}

	if d.Notify.Enabled && !d.Notify.Ready() {
		logger.Warn("notifications enabled without bot token or chat id")
	}

	return d
}

// ParseBool accepts the truthy spellings used in UCI files.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}
