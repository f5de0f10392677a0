// Package modemapi implements the modem-api command: one modem action per
// process, answered with a single JSON object on stdout.
//
//	modem-api <url> --username U --password P --action A --data JSON
//
// The password may also come from MODEM_API_PASSWORD. Output is always
// {"success": bool, "data": ..., "error": "..."} and the exit status is 0 on
// success, 1 otherwise. The daemon's exec backend (modem.Exec) is the main
// caller.
package modemapi

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pilot-net/huawei-manager/agent/internal/executor"
	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/agent/internal/prefix"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// ClientFactory opens a modem client.
type ClientFactory func(ep modem.Endpoint, loginMode string, timeout time.Duration, logger *slog.Logger) (modem.Client, error)

// Options wires the command to its environment.
type Options struct {
	Stdout    io.Writer
	Stderr    io.Writer
	Getenv    func(string) string
	NewClient ClientFactory
	Executor  executor.Config // Logger is filled in
}

// ReconnectParams is the --data payload of the reconnect action.
type ReconnectParams struct {
	Method   types.ReconnectMethod `json:"method"`
	Prefixes []string              `json:"prefixes"`
}

type session struct {
	client   modem.Client
	executor *executor.Executor
}

type handler func(ctx context.Context, s *session, data json.RawMessage) (any, error)

var handlers = map[string]handler{
	"info": func(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
		d, err := modem.FetchDashboard(ctx, s.client)
		if err != nil {
			return nil, err
		}
		return d, nil
	},
	"device":      read(modem.Client.DeviceInfo),
	"signal":      read(modem.Client.Signal),
	"traffic":     read(modem.Client.TrafficStats),
	"status":      read(modem.Client.MonitoringStatus),
	"net_mode":    read(modem.Client.NetMode),
	"bands_list":  read(modem.Client.NetModeList),
	"plmn":        read(modem.Client.CurrentOperator),
	"month_stats": read(modem.Client.MonthStats),
	"dialup":      read(modem.Client.DialupConnection),
	"apn_list":    read(modem.Client.APNProfiles),
	"sms_count":   read(modem.Client.SMSCount),

	"reboot": func(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
		return nil, s.client.Reboot(ctx)
	},
	"toggle_data": func(ctx context.Context, s *session, data json.RawMessage) (any, error) {
		var p modem.DataSwitchParams
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, s.client.SetMobileDataSwitch(ctx, p.Enable)
	},
	"bands": func(ctx context.Context, s *session, data json.RawMessage) (any, error) {
		var p modem.NetModeParams
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		if p.NetworkMode == "" {
			return nil, errors.New("network_mode is required")
		}
		if p.LTEBand == "" {
			p.LTEBand = modem.AllLTEBands
		}
		if p.NetworkBand == "" {
			p.NetworkBand = modem.AllNetworkBands
		}
		return nil, s.client.SetNetMode(ctx, p.LTEBand, p.NetworkBand, p.NetworkMode)
	},
	"apn_create": func(ctx context.Context, s *session, data json.RawMessage) (any, error) {
		var p modem.APNProfile
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		if p.Name == "" || p.APN == "" {
			return nil, errors.New("name and apn are required")
		}
		return nil, s.client.CreateAPNProfile(ctx, p)
	},
	"apn_delete":  withIndex(modem.Client.DeleteAPNProfile),
	"apn_default": withIndex(modem.Client.SetDefaultAPNProfile),
	"sms_list": func(ctx context.Context, s *session, data json.RawMessage) (any, error) {
		var p modem.SMSListParams
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return s.client.ListSMS(ctx, modem.SMSQuery{Page: p.Page, Count: p.Count, Box: p.Box})
	},
	"sms_send": func(ctx context.Context, s *session, data json.RawMessage) (any, error) {
		var p modem.SMSSendParams
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, s.client.SendSMS(ctx, p.Phones, p.Content)
	},
	"sms_delete": withIndex(modem.Client.DeleteSMS),
	"sms_read":   withIndex(modem.Client.MarkSMSRead),
	"reconnect":  reconnect,
}

// Actions lists the supported actions, sorted.
func Actions() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func read(fn func(modem.Client, context.Context) (modem.Response, error)) handler {
	return func(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
		r, err := fn(s.client, ctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func withIndex(fn func(modem.Client, context.Context, string) error) handler {
	return func(ctx context.Context, s *session, data json.RawMessage) (any, error) {
		var p modem.IndexParams
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		if p.Index == "" {
			return nil, errors.New("index is required")
		}
		return nil, fn(s.client, ctx, p.Index)
	}
}

func reconnect(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p ReconnectParams
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.Method == "" {
		p.Method = types.DefaultReconnectMethod
	}
	out := s.executor.Execute(ctx, p.Method, s.client, prefix.Parse(p.Prefixes))
	if !out.Success {
		return out, errors.New(out.Error)
	}
	return out, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid --data: %w", err)
	}
	return nil
}

// Main runs the command with args (without the program name) and returns
// the exit status.
func Main(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.NewClient == nil {
		opts.NewClient = newHiLink
	}

	data, err := run(ctx, args, opts)
	res := modem.CLIResult{Success: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	if data != nil {
		if raw, merr := json.Marshal(data); merr == nil {
			res.Data = raw
		} else if err == nil {
			res.Success = false
			res.Error = fmt.Sprintf("encoding result: %v", merr)
		}
	}

	enc := json.NewEncoder(opts.Stdout)
	if encErr := enc.Encode(res); encErr != nil {
		fmt.Fprintln(opts.Stderr, "writing result:", encErr)
		return 1
	}
	if !res.Success {
		return 1
	}
	return 0
}

func run(ctx context.Context, args []string, opts Options) (any, error) {
	fs := flag.NewFlagSet("modem-api", flag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	var (
		username  = fs.String("username", "admin", "Modem username")
		password  = fs.String("password", "", "Modem password (default $"+modem.PasswordEnv+")")
		action    = fs.String("action", "info", "Action: "+strings.Join(Actions(), ", "))
		data      = fs.String("data", "", "JSON parameters for the action")
		loginMode = fs.String("login-mode", modem.LoginAuto, "Login mode: auto or scram")
		timeout   = fs.Duration("timeout", 30*time.Second, "Per-request timeout")
		debug     = fs.Bool("debug", false, "Enable debug logging on stderr")
	)

	var target string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		target, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if target == "" && fs.NArg() > 0 {
		target = fs.Arg(0)
	}
	if target == "" {
		return nil, errors.New("modem URL is required")
	}

	h, ok := handlers[*action]
	if !ok {
		return nil, fmt.Errorf("unknown action: %q", *action)
	}
	if *data != "" && !json.Valid([]byte(*data)) {
		return nil, errors.New("invalid --data: not JSON")
	}

	pw := *password
	if pw == "" {
		pw = opts.Getenv(modem.PasswordEnv)
	}
	ep, err := modem.ParseEndpoint(target, *username, pw)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := opts.NewClient(ep, *loginMode, *timeout, logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	execCfg := opts.Executor
	execCfg.Logger = logger
	s := &session{client: client, executor: executor.NewExecutor(execCfg)}

	return h(ctx, s, json.RawMessage(*data))
}

func newHiLink(ep modem.Endpoint, loginMode string, timeout time.Duration, logger *slog.Logger) (modem.Client, error) {
	if loginMode != modem.LoginAuto && loginMode != modem.LoginSCRAM {
		return nil, fmt.Errorf("unknown login mode: %q", loginMode)
	}
	return modem.NewHiLink(modem.HiLinkConfig{
		URL:       ep.URL,
		Username:  ep.Username,
		Password:  ep.Password,
		LoginMode: loginMode,
		Timeout:   timeout,
		Logger:    logger,
	})
}
