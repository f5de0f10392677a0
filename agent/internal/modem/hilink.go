package modem

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Login modes.
const (
	LoginAuto  = "auto"  // password_type from /api/user/state-login
	LoginSCRAM = "scram" // challenge_login / authentication_login
)

// HiLinkConfig configures a HiLink client.
type HiLinkConfig struct {
	URL        string        // Base URL, e.g. http://192.168.8.1/
	Username   string        // Empty skips login
	Password   string
	LoginMode  string        // LoginAuto (default) or LoginSCRAM
	Timeout    time.Duration // Per request (default: 30s)
	HTTPClient *http.Client  // Optional
	Logger     *slog.Logger  // Optional
}

// HiLink is an HTTP client for the HiLink XML API.
type HiLink struct {
	baseURL   *url.URL
	username  string
	password  string
	loginMode string
	http      *http.Client
	logger    *slog.Logger

	// mu serializes requests so CSRF tokens are consumed in order.
	mu       sync.Mutex
	tokens   []string
	ready    bool
	loggedIn bool
}

// NewHiLink creates a client. No request is made until the first call.
func NewHiLink(cfg HiLinkConfig) (*HiLink, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid modem URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid modem URL scheme: %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoginMode == "" {
		cfg.LoginMode = LoginAuto
	}
	if cfg.HTTPClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		cfg.HTTPClient = &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
			Transport: &http.Transport{
				// Modems ship self-signed certificates.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	return &HiLink{
		baseURL:   base,
		username:  cfg.Username,
		password:  cfg.Password,
		loginMode: cfg.LoginMode,
		http:      cfg.HTTPClient,
		logger:    cfg.Logger.With("component", "hilink", "host", base.Host),
	}, nil
}

// =============================================================================
// SESSION
// =============================================================================

// ensureSession bootstraps cookies and tokens and logs in. Caller holds mu.
func (c *HiLink) ensureSession(ctx context.Context) error {
	if !c.ready {
		if err := c.initSession(ctx); err != nil {
			return err
		}
		c.ready = true
	}
	if !c.loggedIn && c.username != "" {
		if err := c.login(ctx); err != nil {
			return err
		}
		c.loggedIn = true
	}
	return nil
}

func (c *HiLink) initSession(ctx context.Context) error {
	r, err := c.rawGet(ctx, "api/webserver/SesTokInfo")
	if err == nil {
		if ses := r.String("SesInfo"); ses != "" {
			c.setSessionCookie(ses)
		}
		if tok := r.String("TokInfo"); tok != "" {
			c.tokens = append(c.tokens, tok)
		}
		return nil
	}

	c.logger.Debug("SesTokInfo unavailable, falling back to token endpoint", "error", err)
	r, err = c.rawGet(ctx, "api/webserver/token")
	if err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	tok := r.String("token")
	if len(tok) > 32 {
		tok = tok[32:]
	}
	if tok != "" {
		c.tokens = append(c.tokens, tok)
	}
	return nil
}

func (c *HiLink) setSessionCookie(ses string) {
	if c.http.Jar == nil {
		return
	}
	name, value, ok := strings.Cut(ses, "=")
	if !ok {
		return
	}
	c.http.Jar.SetCookies(c.baseURL, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

type loginRequest struct {
	XMLName      xml.Name `xml:"request"`
	Username     string   `xml:"Username"`
	Password     string   `xml:"Password"`
	PasswordType string   `xml:"password_type"`
}

type challengeRequest struct {
	XMLName    xml.Name `xml:"request"`
	Username   string   `xml:"username"`
	FirstNonce string   `xml:"firstnonce"`
	Mode       int      `xml:"mode"`
}

type authenticationRequest struct {
	XMLName     xml.Name `xml:"request"`
	ClientProof string   `xml:"clientproof"`
	FinalNonce  string   `xml:"finalnonce"`
}

func (c *HiLink) login(ctx context.Context) error {
	if c.loginMode == LoginSCRAM {
		return c.loginSCRAM(ctx)
	}

	state, err := c.rawGet(ctx, "api/user/state-login")
	if err != nil {
		return fmt.Errorf("reading login state: %w", err)
	}
	if state.String("State") == "0" {
		return nil
	}

	pwType := state.String("password_type")
	if pwType == "" {
		pwType = passwordTypeBase64
	}
	req := loginRequest{
		Username:     c.username,
		Password:     encodePassword(pwType, c.username, c.password, c.peekToken()),
		PasswordType: pwType,
	}
	if _, err := c.rawPost(ctx, "api/user/login", req); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.logger.Debug("logged in", "password_type", pwType)
	return nil
}

func (c *HiLink) loginSCRAM(ctx context.Context) error {
	nonce, err := newClientNonce()
	if err != nil {
		return err
	}
	r, err := c.rawPost(ctx, "api/user/challenge_login", challengeRequest{
		Username:   c.username,
		FirstNonce: nonce,
		Mode:       1,
	})
	if err != nil {
		return fmt.Errorf("scram challenge: %w", err)
	}

	iterations, _ := strconv.Atoi(r.String("iterations"))
	proof, err := scramClientProof(c.password, nonce, scramChallenge{
		Salt:        r.String("salt"),
		ServerNonce: r.String("servernonce"),
		Iterations:  iterations,
	})
	if err != nil {
		return fmt.Errorf("scram proof: %w", err)
	}

	if _, err := c.rawPost(ctx, "api/user/authentication_login", authenticationRequest{
		ClientProof: proof,
		FinalNonce:  r.String("servernonce"),
	}); err != nil {
		return fmt.Errorf("scram authentication: %w", err)
	}
	c.logger.Debug("logged in", "mode", LoginSCRAM)
	return nil
}

// resetSession forgets tokens and login state so the next call starts over.
func (c *HiLink) resetSession() {
	c.tokens = nil
	c.ready = false
	c.loggedIn = false
}

func (c *HiLink) peekToken() string {
	if len(c.tokens) == 0 {
		return ""
	}
	return c.tokens[0]
}

func (c *HiLink) popToken() string {
	if len(c.tokens) == 0 {
		return ""
	}
	tok := c.tokens[0]
	// Keep the last token around; some firmwares reuse one token forever.
	if len(c.tokens) > 1 {
		c.tokens = c.tokens[1:]
	}
	return tok
}

// harvestTokens collects fresh CSRF tokens from response headers.
func (c *HiLink) harvestTokens(h http.Header) {
	var fresh []string
	for _, name := range []string{"__RequestVerificationTokenone", "__RequestVerificationTokentwo", "__RequestVerificationToken"} {
		for _, v := range h.Values(name) {
			for _, tok := range strings.Split(v, "#") {
				if tok = strings.TrimSpace(tok); tok != "" {
					fresh = append(fresh, tok)
				}
			}
		}
	}
	if len(fresh) > 0 {
		c.tokens = fresh
	}
}

// =============================================================================
// TRANSPORT
// =============================================================================

// get performs an authenticated GET, re-logging in once on session errors.
func (c *HiLink) get(ctx context.Context, path string) (Response, error) {
	return c.call(ctx, func() (Response, error) { return c.rawGet(ctx, path) })
}

// post performs an authenticated POST, re-logging in once on session errors.
func (c *HiLink) post(ctx context.Context, path string, req any) (Response, error) {
	return c.call(ctx, func() (Response, error) { return c.rawPost(ctx, path, req) })
}

func (c *HiLink) call(ctx context.Context, fn func() (Response, error)) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	r, err := fn()
	if err == nil || !IsSessionError(err) {
		return r, err
	}

	c.logger.Debug("session expired, logging in again", "error", err)
	c.resetSession()
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	return fn()
}

func (c *HiLink) rawGet(ctx context.Context, path string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if tok := c.peekToken(); tok != "" {
		req.Header.Set("__RequestVerificationToken", tok)
	}
	return c.do(req)
}

func (c *HiLink) rawPost(ctx context.Context, path string, body any) (Response, error) {
	data, err := encodeRequest(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	if tok := c.popToken(); tok != "" {
		req.Header.Set("__RequestVerificationToken", tok)
	}
	return c.do(req)
}

func (c *HiLink) do(req *http.Request) (Response, error) {
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	c.harvestTokens(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}
	return decodeXML(body)
}

func (c *HiLink) resolve(path string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: path}).String()
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (c *HiLink) DeviceInfo(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/device/information")
}

func (c *HiLink) Signal(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/device/signal")
}

func (c *HiLink) TrafficStats(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/monitoring/traffic-statistics")
}

func (c *HiLink) MonitoringStatus(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/monitoring/status")
}

func (c *HiLink) NetMode(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/net/net-mode")
}

type netModeRequest struct {
	XMLName     xml.Name `xml:"request"`
	NetworkMode string   `xml:"NetworkMode"`
	NetworkBand string   `xml:"NetworkBand"`
	LTEBand     string   `xml:"LTEBand"`
}

func (c *HiLink) SetNetMode(ctx context.Context, lteBand, networkBand, mode string) error {
	_, err := c.post(ctx, "api/net/net-mode", netModeRequest{
		NetworkMode: mode,
		NetworkBand: networkBand,
		LTEBand:     lteBand,
	})
	return err
}

func (c *HiLink) NetModeList(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/net/net-mode-list")
}

func (c *HiLink) CurrentOperator(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/net/current-plmn")
}

func (c *HiLink) MonthStats(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/monitoring/month_statistics")
}

func (c *HiLink) DialupConnection(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/dialup/connection")
}

type dataSwitchRequest struct {
	XMLName    xml.Name `xml:"request"`
	DataSwitch int      `xml:"dataswitch"`
}

func (c *HiLink) SetMobileDataSwitch(ctx context.Context, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := c.post(ctx, "api/dialup/mobile-dataswitch", dataSwitchRequest{DataSwitch: v})
	return err
}

type controlRequest struct {
	XMLName xml.Name `xml:"request"`
	Control int      `xml:"Control"`
}

func (c *HiLink) Reboot(ctx context.Context) error {
	_, err := c.post(ctx, "api/device/control", controlRequest{Control: 1})
	return err
}

func (c *HiLink) APNProfiles(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/dialup/profiles")
}

type profileBody struct {
	Index       string `xml:"Index"`
	IsValid     int    `xml:"IsValid"`
	Name        string `xml:"Name"`
	ApnIsStatic int    `xml:"ApnIsStatic"`
	ApnName     string `xml:"ApnName"`
	DialupNum   string `xml:"DialupNum"`
	Username    string `xml:"Username"`
	Password    string `xml:"Password"`
	AuthMode    string `xml:"AuthMode"`
	IPIsStatic  string `xml:"IpIsStatic"`
	IPAddress   string `xml:"IpAddress"`
	DNSIsStatic string `xml:"DnsIsStatic"`
	PrimaryDNS  string `xml:"PrimaryDns"`
	SecondDNS   string `xml:"SecondaryDns"`
	ReadOnly    int    `xml:"ReadOnly"`
	IPType      string `xml:"iptype"`
}

type profilesRequest struct {
	XMLName    xml.Name     `xml:"request"`
	Delete     string       `xml:"Delete"`
	SetDefault string       `xml:"SetDefault"`
	Modify     int          `xml:"Modify"`
	Profile    *profileBody `xml:"Profile,omitempty"`
}

func (c *HiLink) CreateAPNProfile(ctx context.Context, p APNProfile) error {
	if p.AuthMode == "" {
		p.AuthMode = "0"
	}
	if p.IPType == "" {
		p.IPType = "2"
	}
	current, err := c.currentProfile(ctx)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, "api/dialup/profiles", profilesRequest{
		Delete:     "0",
		SetDefault: current,
		Modify:     1,
		Profile: &profileBody{
			IsValid:     1,
			Name:        p.Name,
			ApnIsStatic: 1,
			ApnName:     p.APN,
			DialupNum:   "*99#",
			Username:    p.Username,
			Password:    p.Password,
			AuthMode:    p.AuthMode,
			IPType:      p.IPType,
		},
	})
	return err
}

func (c *HiLink) DeleteAPNProfile(ctx context.Context, index string) error {
	current, err := c.currentProfile(ctx)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, "api/dialup/profiles", profilesRequest{
		Delete:     index,
		SetDefault: current,
		Modify:     0,
	})
	return err
}

func (c *HiLink) SetDefaultAPNProfile(ctx context.Context, index string) error {
	_, err := c.post(ctx, "api/dialup/profiles", profilesRequest{
		Delete:     "0",
		SetDefault: index,
		Modify:     0,
	})
	return err
}

func (c *HiLink) currentProfile(ctx context.Context) (string, error) {
	r, err := c.APNProfiles(ctx)
	if err != nil {
		return "", fmt.Errorf("reading profiles: %w", err)
	}
	_, current := ParseProfiles(r)
	if current == "" {
		current = "0"
	}
	return current, nil
}

type smsListRequest struct {
	XMLName         xml.Name `xml:"request"`
	PageIndex       int      `xml:"PageIndex"`
	ReadCount       int      `xml:"ReadCount"`
	BoxType         int      `xml:"BoxType"`
	SortType        int      `xml:"SortType"`
	Ascending       int      `xml:"Ascending"`
	UnreadPreferred int      `xml:"UnreadPreferred"`
}

func (c *HiLink) ListSMS(ctx context.Context, q SMSQuery) (Response, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Count <= 0 {
		q.Count = 20
	}
	if q.Box <= 0 {
		q.Box = 1
	}
	return c.post(ctx, "api/sms/sms-list", smsListRequest{
		PageIndex: q.Page,
		ReadCount: q.Count,
		BoxType:   q.Box,
	})
}

type sendSMSRequest struct {
	XMLName  xml.Name `xml:"request"`
	Index    int      `xml:"Index"`
	Phones   []string `xml:"Phones>Phone"`
	Sca      string   `xml:"Sca"`
	Content  string   `xml:"Content"`
	Length   int      `xml:"Length"`
	Reserved int      `xml:"Reserved"`
	Date     string   `xml:"Date"`
}

func (c *HiLink) SendSMS(ctx context.Context, phones []string, content string) error {
	if len(phones) == 0 {
		return fmt.Errorf("no recipients")
	}
	_, err := c.post(ctx, "api/sms/send-sms", sendSMSRequest{
		Index:    -1,
		Phones:   phones,
		Content:  content,
		Length:   utf8.RuneCountInString(content),
		Reserved: 1,
		Date:     time.Now().Format("2006-01-02 15:04:05"),
	})
	return err
}

type smsIndexRequest struct {
	XMLName xml.Name `xml:"request"`
	Index   string   `xml:"Index"`
}

func (c *HiLink) DeleteSMS(ctx context.Context, index string) error {
	_, err := c.post(ctx, "api/sms/delete-sms", smsIndexRequest{Index: index})
	return err
}

func (c *HiLink) MarkSMSRead(ctx context.Context, index string) error {
	_, err := c.post(ctx, "api/sms/set-read", smsIndexRequest{Index: index})
	return err
}

func (c *HiLink) SMSCount(ctx context.Context) (Response, error) {
	return c.get(ctx, "api/sms/sms-count")
}

type logoutRequest struct {
	XMLName xml.Name `xml:"request"`
	Logout  int      `xml:"Logout"`
}

// Close logs out when a session was established.
func (c *HiLink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loggedIn {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.rawPost(ctx, "api/user/logout", logoutRequest{Logout: 1})
	c.resetSession()
	return err
}
