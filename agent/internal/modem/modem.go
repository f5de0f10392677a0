// Package modem talks to Huawei HiLink cellular modems.
//
// # Clients
//
//   - HiLink: in-process HTTP/XML client with session and CSRF token handling
//   - Exec: runs the modem-api command per call and parses its JSON output,
//     for deployments that want each modem call isolated in a process
//
// Both implement Client. Every call can fail on its own and every field in a
// Response is optional, so callers use the Response helpers rather than
// indexing directly.
package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Response is one decoded modem API response. Leaf values are strings,
// nested elements are Responses, repeated elements are []any.
type Response map[string]any

// String returns the string value at key, or "".
func (r Response) String(key string) string {
	if r == nil {
		return ""
	}
	s, _ := r[key].(string)
	return strings.TrimSpace(s)
}

// Map returns the nested response at key, or nil.
func (r Response) Map(key string) Response {
	if r == nil {
		return nil
	}
	switch v := r[key].(type) {
	case Response:
		return v
	case map[string]any:
		return Response(v)
	default:
		return nil
	}
}

// List returns the elements at key as responses. A single element is
// returned as a one-item list.
func (r Response) List(key string) []Response {
	if r == nil {
		return nil
	}
	return asList(r[key])
}

func asList(v any) []Response {
	switch v := v.(type) {
	case Response:
		return []Response{v}
	case map[string]any:
		return []Response{Response(v)}
	case []any:
		out := make([]Response, 0, len(v))
		for _, item := range v {
			out = append(out, asList(item)...)
		}
		return out
	default:
		return nil
	}
}

// APIError is an <error> document returned by the modem.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("modem error %s: %s", e.Code, e.Message)
	}
	if msg, ok := errorMessages[e.Code]; ok {
		return fmt.Sprintf("modem error %s: %s", e.Code, msg)
	}
	return fmt.Sprintf("modem error %s", e.Code)
}

var errorMessages = map[string]string{
	"100002": "not supported",
	"100003": "no rights (needs login)",
	"100004": "system busy",
	"108001": "wrong username",
	"108002": "wrong password",
	"108003": "already logged in",
	"108006": "wrong username or password",
	"108007": "login attempts exceeded",
	"125001": "wrong token",
	"125002": "wrong session",
	"125003": "wrong session token",
}

// IsSessionError reports whether err means the session or token expired
// and a fresh login may help.
func IsSessionError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case "100003", "125002", "125003":
		return true
	}
	return false
}

// Client is the full modem capability.
type Client interface {
	DeviceInfo(ctx context.Context) (Response, error)
	Signal(ctx context.Context) (Response, error)
	TrafficStats(ctx context.Context) (Response, error)
	MonitoringStatus(ctx context.Context) (Response, error)
	NetMode(ctx context.Context) (Response, error)
	SetNetMode(ctx context.Context, lteBand, networkBand, mode string) error
	NetModeList(ctx context.Context) (Response, error)
	CurrentOperator(ctx context.Context) (Response, error)
	MonthStats(ctx context.Context) (Response, error)
	DialupConnection(ctx context.Context) (Response, error)
	SetMobileDataSwitch(ctx context.Context, enabled bool) error
	Reboot(ctx context.Context) error

	APNProfiles(ctx context.Context) (Response, error)
	CreateAPNProfile(ctx context.Context, p APNProfile) error
	DeleteAPNProfile(ctx context.Context, index string) error
	SetDefaultAPNProfile(ctx context.Context, index string) error

	ListSMS(ctx context.Context, q SMSQuery) (Response, error)
	SendSMS(ctx context.Context, phones []string, content string) error
	DeleteSMS(ctx context.Context, index string) error
	MarkSMSRead(ctx context.Context, index string) error
	SMSCount(ctx context.Context) (Response, error)

	Close() error
}

// Network modes accepted by SetNetMode.
const (
	NetModeAuto   = "00"
	NetMode2GOnly = "01"
	NetMode3GOnly = "02"
	NetMode4GOnly = "03"

	// AllLTEBands and AllNetworkBands leave band selection unrestricted.
	AllLTEBands     = "7FFFFFFFFFFFFFFF"
	AllNetworkBands = "3FFFFFFF"
)

// SMSQuery selects a page of messages.
type SMSQuery struct {
	Page  int // 1-based
	Count int // Messages per page (default: 20)
	Box   int // 1 inbox, 2 outbox
}

// =============================================================================
// DASHBOARD
// =============================================================================

// Dashboard is one full snapshot of a modem. Sections that failed to load
// are nil.
type Dashboard struct {
	Device     Response `json:"device"`
	Signal     Response `json:"signal"`
	Traffic    Response `json:"traffic"`
	Status     Response `json:"status"`
	NetMode    Response `json:"net_mode"`
	Operator   Response `json:"plmn"`
	MonthStats Response `json:"month_stats"`
	Dialup     Response `json:"dialup"`
}

// Empty reports whether no section loaded.
func (d Dashboard) Empty() bool {
	return d.Device == nil && d.Signal == nil && d.Traffic == nil && d.Status == nil &&
		d.NetMode == nil && d.Operator == nil && d.MonthStats == nil && d.Dialup == nil
}

// DashboardFetcher is implemented by clients that can load a whole
// Dashboard in one call.
type DashboardFetcher interface {
	Dashboard(ctx context.Context) (Dashboard, error)
}

// ErrNoData is returned when every dashboard section failed.
var ErrNoData = errors.New("modem returned no data")

// FetchDashboard loads every section, tolerating individual failures.
func FetchDashboard(ctx context.Context, c Client) (Dashboard, error) {
	if f, ok := c.(DashboardFetcher); ok {
		d, err := f.Dashboard(ctx)
		if err != nil {
			return Dashboard{}, err
		}
		if d.Empty() {
			return Dashboard{}, ErrNoData
		}
		return d, nil
	}

	var (
		d       Dashboard
		lastErr error
	)
	load := func(dst *Response, fn func(context.Context) (Response, error)) {
		if ctx.Err() != nil {
			return
		}
		r, err := fn(ctx)
		if err != nil {
			lastErr = err
			return
		}
		*dst = r
	}

	load(&d.Device, c.DeviceInfo)
	load(&d.Signal, c.Signal)
	load(&d.Traffic, c.TrafficStats)
	load(&d.Status, c.MonitoringStatus)
	load(&d.NetMode, c.NetMode)
	load(&d.Operator, c.CurrentOperator)
	load(&d.MonthStats, c.MonthStats)
	load(&d.Dialup, c.DialupConnection)

	if d.Empty() {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		if lastErr == nil {
			return Dashboard{}, ErrNoData
		}
		return Dashboard{}, fmt.Errorf("%w: %w", ErrNoData, lastErr)
	}
	return d, nil
}

// ExtractWANIP finds the WAN IP in a dashboard. Sources are tried in order:
// monitoring status, device information, dialup connection. Addresses
// starting with 0.0.0 mean "no address" and are skipped.
func ExtractWANIP(d Dashboard) (string, bool) {
	candidates := []string{
		d.Status.String("WanIPAddress"),
		d.Status.String("WanIpAddress"),
		d.Status.String("wan_ip_address"),
		d.Device.String("WanIPAddress"),
		d.Dialup.String("IPv4IPAddress"),
	}
	for _, ip := range candidates {
		if validIP(ip) {
			return ip, true
		}
	}
	return "", false
}

func validIP(ip string) bool {
	return ip != "" && !strings.HasPrefix(ip, "0.0.0")
}

// =============================================================================
// APN PROFILES
// =============================================================================

// APNProfile is one dial-up profile.
type APNProfile struct {
	Index    string `json:"index" xml:"Index"`
	Name     string `json:"name" xml:"Name"`
	APN      string `json:"apn" xml:"ApnName"`
	Username string `json:"username" xml:"Username"`
	Password string `json:"password" xml:"Password"`
	AuthMode string `json:"auth_mode" xml:"AuthMode"`
	IPType   string `json:"ip_type" xml:"iptype"`
	Default  bool   `json:"default" xml:"-"`
	ReadOnly bool   `json:"read_only" xml:"-"`
}

// ParseProfiles reads the profile list and the index of the current
// default. When the modem does not report CurrentProfile, the profile
// flagged Default is used, then the first one.
func ParseProfiles(r Response) ([]APNProfile, string) {
	current := r.String("CurrentProfile")

	var profiles []APNProfile
	for _, p := range r.Map("Profiles").List("Profile") {
		profiles = append(profiles, APNProfile{
			Index:    p.String("Index"),
			Name:     p.String("Name"),
			APN:      p.String("ApnName"),
			Username: p.String("Username"),
			Password: p.String("Password"),
			AuthMode: p.String("AuthMode"),
			IPType:   p.String("iptype"),
			Default:  p.String("Default") == "1",
			ReadOnly: p.String("ReadOnly") == "1",
		})
	}

	if current == "" || current == "0" {
		current = ""
		for _, p := range profiles {
			if p.Default {
				current = p.Index
				break
			}
		}
		if current == "" && len(profiles) > 0 {
			current = profiles[0].Index
		}
	}
	for i := range profiles {
		profiles[i].Default = profiles[i].Index == current
	}
	return profiles, current
}
