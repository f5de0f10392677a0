// Package notify delivers Telegram notifications.
//
// # Design
//
// Monitors never send directly. They Enqueue a Request and a single worker
// (Run) drains the queue, so a slow or unreachable bot API never delays a
// monitoring cycle. The queue is bounded; when it is full new requests are
// dropped with a warning, and whatever is still queued at shutdown is
// dropped too.
//
// # Resilience
//
// Each request is retried up to MaxAttempts times:
//
//   - 200: delivered
//   - 429: wait Retry-After seconds exactly (30 if absent); the backoff
//     step is not advanced
//   - 5xx: min(2^step + jitter, 45s)
//   - other 4xx: permanent failure, no retry
//   - connection refused: min(5 + 3^step, 60s)
//   - DNS failure: min(3^step + jitter, 45s)
//   - timeouts, TLS and other transport errors: same as 5xx
//
// Sends are paced by a token bucket to stay inside the bot API limits.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pilot-net/huawei-manager/agent/internal/executor"
)

// Recipient is a bot and the chat it posts to.
type Recipient struct {
	BotToken string
	ChatID   string
}

// Request is one notification.
type Request struct {
	ID           string // Generated when empty
	Recipient    Recipient
	Body         string        // HTML
	InitialDelay time.Duration // Wait before the first attempt
	Timeout      time.Duration // Per attempt (default: Config.Timeout)
	MaxAttempts  int           // Default: Config.MaxAttempts
}

// Config for the dispatcher.
type Config struct {
	APIBase           string        // Default: https://api.telegram.org
	MaxAttempts       int           // Default: 8
	Timeout           time.Duration // Per attempt (default: 20s)
	ConnectivityCheck bool          // Probe ProbeAddrs before the first attempt
	ProbeAddrs        []string      // Default: public DNS servers on port 53
	QueueSize         int           // Default: 64
	RatePerMinute     int           // Default: 20
	Client            *http.Client  // Optional
	Logger            *slog.Logger  // Optional

	// Hooks replaced in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64 // In [0, 1)
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultProbeAddrs are dialed to decide whether the internet is reachable.
var DefaultProbeAddrs = []string{"8.8.8.8:53", "1.1.1.1:53", "208.67.222.222:53"}

const (
	probeTimeout       = 3 * time.Second
	probeRounds        = 3
	probeRoundInterval = 5 * time.Second
	defaultRetryAfter  = 30 * time.Second
)

// Dispatcher queues and sends notifications.
type Dispatcher struct {
	apiBase           string
	maxAttempts       int
	timeout           time.Duration
	connectivityCheck bool
	probeAddrs        []string
	client            *http.Client
	limiter           *rate.Limiter
	logger            *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)

	queue chan Request

	// Metrics
	sent      int64
	failed    int64
	dropped   int64
	metricsMu sync.Mutex
}

// NewDispatcher creates a dispatcher. Call Run to start delivering queued
// requests.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if len(cfg.ProbeAddrs) == 0 {
		cfg.ProbeAddrs = DefaultProbeAddrs
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 20
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = executor.SleepContext
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}

	return &Dispatcher{
		apiBase:           strings.TrimRight(cfg.APIBase, "/"),
		maxAttempts:       cfg.MaxAttempts,
		timeout:           cfg.Timeout,
		connectivityCheck: cfg.ConnectivityCheck,
		probeAddrs:        cfg.ProbeAddrs,
		client:            cfg.Client,
		limiter:           rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 3),
		logger:            cfg.Logger.With("component", "notify"),
		sleep:             cfg.Sleep,
		jitter:            cfg.Jitter,
		dial:              cfg.Dial,
		queue:             make(chan Request, cfg.QueueSize),
	}
}

// Enqueue schedules req for delivery. It never blocks; false means the
// queue was full and req was dropped.
func (d *Dispatcher) Enqueue(req Request) bool {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	select {
	case d.queue <- req:
		return true
	default:
		d.metricsMu.Lock()
		d.dropped++
		d.metricsMu.Unlock()
		d.logger.Warn("notification queue full, dropping", "request_id", req.ID)
		return false
	}
}

// Run delivers queued requests one at a time. Blocks until ctx is
// cancelled; requests still queued then are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.metricsMu.Lock()
				d.dropped += int64(n)
				d.metricsMu.Unlock()
				d.logger.Info("dropping pending notifications on shutdown", "count", n)
			}
			return ctx.Err()
		case req := <-d.queue:
			d.Send(ctx, req)
		}
	}
}

// Send delivers req synchronously and reports whether it arrived.
func (d *Dispatcher) Send(ctx context.Context, req Request) (ok bool) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	logger := d.logger.With("request_id", req.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification panicked", "panic", r)
			ok = false
		}
		d.metricsMu.Lock()
		if ok {
			d.sent++
		} else {
			d.failed++
		}
		d.metricsMu.Unlock()
	}()

	if req.Recipient.BotToken == "" || req.Recipient.ChatID == "" {
		logger.Warn("notification missing bot token or chat id")
		return false
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = d.maxAttempts
	}
	if req.Timeout <= 0 {
		req.Timeout = d.timeout
	}

	if req.InitialDelay > 0 {
		logger.Debug("waiting before first attempt", "delay", req.InitialDelay)
		if err := d.sleep(ctx, req.InitialDelay); err != nil {
			return false
		}
	}

	if d.connectivityCheck && !d.waitForConnectivity(ctx, logger) {
		// The retry loop below still gets its chance.
		logger.Error("internet connectivity not available after retries")
	}

	step := 0
	for attempt := 1; attempt <= req.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return false
		}

		status, retryAfter, err := d.post(ctx, req)
		wait, advance, permanent := d.classify(status, retryAfter, err, step)
		if err == nil && status == http.StatusOK {
			if attempt > 1 {
				logger.Info("notification sent", "attempts", attempt)
			} else {
				logger.Debug("notification sent")
			}
			return true
		}
		if permanent {
			logger.Error("notification rejected", "status", status)
			return false
		}
		if ctx.Err() != nil {
			return false
		}

		if advance {
			step++
		}
		if attempt == req.MaxAttempts {
			break
		}

		logger.Warn("notification attempt failed",
			"attempt", attempt,
			"max_attempts", req.MaxAttempts,
			"status", status,
			"error", err,
			"retry_in", wait)
		if err := d.sleep(ctx, wait); err != nil {
			return false
		}
	}

	logger.Error("notification failed", "attempts", req.MaxAttempts)
	return false
}

// post performs one sendMessage call.
func (d *Dispatcher) post(ctx context.Context, req Request) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	form := url.Values{
		"chat_id":    {req.Recipient.ChatID},
		"text":       {req.Body},
		"parse_mode": {"HTML"},
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", d.apiBase, req.Recipient.BotToken)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, resp.Header.Get("Retry-After"), nil
}

// classify decides how long to wait after a failed attempt, whether the
// backoff step advances, and whether retrying is pointless.
func (d *Dispatcher) classify(status int, retryAfter string, err error, step int) (wait time.Duration, advance, permanent bool) {
	if err != nil {
		var dnsErr *net.DNSError
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			return capped(5+math.Pow(3, float64(step)), 60), true, false
		case errors.As(err, &dnsErr):
			return capped(math.Pow(3, float64(step))+2*d.jitter(), 45), true, false
		default:
			return d.backoff(step), true, false
		}
	}

	switch {
	case status == http.StatusOK:
		return 0, false, false
	case status == http.StatusTooManyRequests:
		return parseRetryAfter(retryAfter), false, false
	case status >= 500:
		return d.backoff(step), true, false
	default:
		return 0, false, true
	}
}

// backoff is min(2^step + jitter[0,2), 45s).
func (d *Dispatcher) backoff(step int) time.Duration {
	return capped(math.Pow(2, float64(step))+2*d.jitter(), 45)
}

func capped(seconds, maxSeconds float64) time.Duration {
	return time.Duration(math.Min(seconds, maxSeconds) * float64(time.Second))
}

func parseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return defaultRetryAfter
	}
	return time.Duration(n) * time.Second
}

// waitForConnectivity dials the probe addresses, up to probeRounds rounds.
func (d *Dispatcher) waitForConnectivity(ctx context.Context, logger *slog.Logger) bool {
	for round := 1; round <= probeRounds; round++ {
		if d.online(ctx) {
			return true
		}
		if round == probeRounds {
			break
		}
		logger.Warn("no internet connectivity, waiting", "round", round, "rounds", probeRounds)
		if err := d.sleep(ctx, probeRoundInterval); err != nil {
			return false
		}
	}
	return false
}

func (d *Dispatcher) online(ctx context.Context) bool {
	for _, addr := range d.probeAddrs {
		dctx, cancel := context.WithTimeout(ctx, probeTimeout)
		conn, err := d.dial(dctx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// Stats returns dispatcher statistics.
type Stats struct {
	Queued  int   `json:"queued"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

func (d *Dispatcher) Stats() Stats {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return Stats{
		Queued:  len(d.queue),
		Sent:    d.sent,
		Failed:  d.failed,
		Dropped: d.dropped,
	}
}
