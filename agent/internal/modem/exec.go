package modem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// PasswordEnv passes the modem password to the modem-api command without
// exposing it in the process list.
const PasswordEnv = "MODEM_API_PASSWORD"

// CLIResult is the single JSON object printed by modem-api.
type CLIResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Parameters for modem-api actions that take --data.
type (
	NetModeParams struct {
		NetworkMode string `json:"network_mode"`
		NetworkBand string `json:"network_band,omitempty"`
		LTEBand     string `json:"lte_band,omitempty"`
	}
	DataSwitchParams struct {
		Enable bool `json:"enable"`
	}
	IndexParams struct {
		Index string `json:"index"`
	}
	SMSListParams struct {
		Page  int `json:"page,omitempty"`
		Count int `json:"count,omitempty"`
		Box   int `json:"box,omitempty"`
	}
	SMSSendParams struct {
		Phones  []string `json:"phones"`
		Content string   `json:"content"`
	}
)

// ExecConfig configures an Exec client.
type ExecConfig struct {
	Path     string        // modem-api binary
	Endpoint Endpoint      // Modem address and credentials
	Timeout  time.Duration // Per call (default: 30s)
	Logger   *slog.Logger
}

// Exec runs one modem-api process per call.
type Exec struct {
	path     string
	endpoint Endpoint
	timeout  time.Duration
	logger   *slog.Logger

	// command is swapped in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewExec creates an Exec client.
func NewExec(cfg ExecConfig) *Exec {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exec{
		path:     cfg.Path,
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "modem_exec"),
		command:  exec.CommandContext,
	}
}

// Action runs one modem-api action and returns its data payload.
func (e *Exec) Action(ctx context.Context, action string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{e.endpoint.URL, "--action", action}
	if e.endpoint.Username != "" {
		args = append(args, "--username", e.endpoint.Username)
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", action, err)
		}
		args = append(args, "--data", string(data))
	}

	cmd := e.command(ctx, e.path, args...)
	cmd.Env = append(os.Environ(), PasswordEnv+"="+e.endpoint.Password)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("modem-api %s: %w", action, ctx.Err())
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		e.logger.Debug("modem-api stderr", "action", action, "output", s)
	}

	var res CLIResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("modem-api %s: %w", action, runErr)
		}
		return nil, fmt.Errorf("modem-api %s: invalid output: %w", action, err)
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "unknown error"
		}
		return nil, fmt.Errorf("modem-api %s: %s", action, res.Error)
	}
	return res.Data, nil
}

func (e *Exec) response(ctx context.Context, action string, params any) (Response, error) {
	data, err := e.Action(ctx, action, params)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return Response{}, nil
	}
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding %s data: %w", action, err)
	}
	return r, nil
}

func (e *Exec) do(ctx context.Context, action string, params any) error {
	_, err := e.Action(ctx, action, params)
	return err
}

// Dashboard loads every section with a single "info" call.
func (e *Exec) Dashboard(ctx context.Context) (Dashboard, error) {
	data, err := e.Action(ctx, "info", nil)
	if err != nil {
		return Dashboard{}, err
	}
	var d Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		return Dashboard{}, fmt.Errorf("decoding info data: %w", err)
	}
	return d, nil
}

func (e *Exec) DeviceInfo(ctx context.Context) (Response, error) {
	return e.response(ctx, "device", nil)
}

func (e *Exec) Signal(ctx context.Context) (Response, error) {
	return e.response(ctx, "signal", nil)
}

func (e *Exec) TrafficStats(ctx context.Context) (Response, error) {
	return e.response(ctx, "traffic", nil)
}

func (e *Exec) MonitoringStatus(ctx context.Context) (Response, error) {
	return e.response(ctx, "status", nil)
}

func (e *Exec) NetMode(ctx context.Context) (Response, error) {
	return e.response(ctx, "net_mode", nil)
}

func (e *Exec) SetNetMode(ctx context.Context, lteBand, networkBand, mode string) error {
	return e.do(ctx, "bands", NetModeParams{NetworkMode: mode, NetworkBand: networkBand, LTEBand: lteBand})
}

func (e *Exec) NetModeList(ctx context.Context) (Response, error) {
	return e.response(ctx, "bands_list", nil)
}

func (e *Exec) CurrentOperator(ctx context.Context) (Response, error) {
	return e.response(ctx, "plmn", nil)
}

func (e *Exec) MonthStats(ctx context.Context) (Response, error) {
	return e.response(ctx, "month_stats", nil)
}

func (e *Exec) DialupConnection(ctx context.Context) (Response, error) {
	return e.response(ctx, "dialup", nil)
}

func (e *Exec) SetMobileDataSwitch(ctx context.Context, enabled bool) error {
	return e.do(ctx, "toggle_data", DataSwitchParams{Enable: enabled})
}

func (e *Exec) Reboot(ctx context.Context) error {
	return e.do(ctx, "reboot", nil)
}

func (e *Exec) APNProfiles(ctx context.Context) (Response, error) {
	return e.response(ctx, "apn_list", nil)
}

func (e *Exec) CreateAPNProfile(ctx context.Context, p APNProfile) error {
	return e.do(ctx, "apn_create", p)
}

func (e *Exec) DeleteAPNProfile(ctx context.Context, index string) error {
	return e.do(ctx, "apn_delete", IndexParams{Index: index})
}

func (e *Exec) SetDefaultAPNProfile(ctx context.Context, index string) error {
	return e.do(ctx, "apn_default", IndexParams{Index: index})
}

func (e *Exec) ListSMS(ctx context.Context, q SMSQuery) (Response, error) {
	return e.response(ctx, "sms_list", SMSListParams{Page: q.Page, Count: q.Count, Box: q.Box})
}

func (e *Exec) SendSMS(ctx context.Context, phones []string, content string) error {
	if len(phones) == 0 {
		return errors.New("no recipients")
	}
	return e.do(ctx, "sms_send", SMSSendParams{Phones: phones, Content: content})
}

func (e *Exec) DeleteSMS(ctx context.Context, index string) error {
	return e.do(ctx, "sms_delete", IndexParams{Index: index})
}

func (e *Exec) MarkSMSRead(ctx context.Context, index string) error {
	return e.do(ctx, "sms_read", IndexParams{Index: index})
}

func (e *Exec) SMSCount(ctx context.Context) (Response, error) {
	return e.response(ctx, "sms_count", nil)
}

// Close is a no-op; every call runs in its own process.
func (e *Exec) Close() error {
	return nil
}
