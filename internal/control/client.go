package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/compresr/llm-meter/internal/monitoring"
)

// FailMode selects the fallback when the oracle is unavailable.
type FailMode string

const (
	FailOpen   FailMode = "open"   // allow the call
	FailClosed FailMode = "closed" // block with UnavailableReason
)

// Defaults for the control client.
const (
	DefaultDecideTimeout = 500 * time.Millisecond
	DefaultReportTimeout = 5 * time.Second
	DefaultReportRate    = 50 // reports per second
	DefaultReportBurst   = 100
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	FailMode      FailMode      `yaml:"fail_mode"`
	ReportTimeout time.Duration `yaml:"report_timeout"`
	ReportRate    float64       `yaml:"report_rate"` // reports per second, 0 = default
	ReportBurst   int           `yaml:"report_burst"`
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	switch c.FailMode {
	case FailOpen, FailClosed, "":
	default:
		return fmt.Errorf("control.fail_mode must be open or closed, got %q", c.FailMode)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("control.timeout must be >= 0, got %s", c.Timeout)
	}
	if c.ReportTimeout < 0 {
		return fmt.Errorf("control.report_timeout must be >= 0, got %s", c.ReportTimeout)
	}
	if c.ReportRate < 0 || c.ReportBurst < 0 {
		return fmt.Errorf("control.report_rate and report_burst must be >= 0")
	}
	return nil
}

// AlertHandler receives alerts attached to decisions. Handlers run on the
// caller's path and must not block.
type AlertHandler func(ctx context.Context, req Request, alert Alert)

// Client asks an Oracle for decisions with bounded latency and reports
// applied actions without blocking the caller.
type Client struct {
	oracle   Oracle
	reporter Reporter
	cfg      ClientConfig
	limiter  *rate.Limiter

	mu       sync.RWMutex
	handlers []AlertHandler

	inflight sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithFailMode sets the unavailability fallback.
func WithFailMode(mode FailMode) ClientOption {
	return func(c *Client) {
		c.cfg.FailMode = mode
	}
}

// WithDecideTimeout bounds each Decide round trip.
func WithDecideTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.cfg.Timeout = d
	}
}

// WithReporter sets where events and rejected-call metrics go. By default
// the oracle is used when it implements Reporter.
func WithReporter(r Reporter) ClientOption {
	return func(c *Client) {
		c.reporter = r
	}
}

// WithReportLimit caps report throughput.
func WithReportLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		c.cfg.ReportRate = perSecond
		c.cfg.ReportBurst = burst
	}
}

// WithAlertHandler registers an alert handler.
func WithAlertHandler(h AlertHandler) ClientOption {
	return func(c *Client) {
		c.handlers = append(c.handlers, h)
	}
}

// WithClientConfig applies a loaded config.
func WithClientConfig(cfg ClientConfig) ClientOption {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// NewClient wraps oracle. A nil oracle allows every call.
func NewClient(oracle Oracle, opts ...ClientOption) *Client {
	c := &Client{oracle: oracle}
	if r, ok := oracle.(Reporter); ok {
		c.reporter = r
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Timeout == 0 {
		c.cfg.Timeout = DefaultDecideTimeout
	}
	if c.cfg.FailMode == "" {
		c.cfg.FailMode = FailOpen
	}
	if c.cfg.ReportTimeout == 0 {
		c.cfg.ReportTimeout = DefaultReportTimeout
	}
	if c.cfg.ReportRate == 0 {
		c.cfg.ReportRate = DefaultReportRate
	}
	if c.cfg.ReportBurst == 0 {
		c.cfg.ReportBurst = DefaultReportBurst
	}
	c.limiter = rate.NewLimiter(rate.Limit(c.cfg.ReportRate), c.cfg.ReportBurst)
	return c
}

// OnAlert registers an alert handler after construction.
func (c *Client) OnAlert(h AlertHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// FailMode returns the configured fallback.
func (c *Client) FailMode() FailMode {
	return c.cfg.FailMode
}

// =============================================================================
// DECIDE
// =============================================================================

type decideResult struct {
	decision Decision
	err      error
}

// Decide returns the oracle's decision for req. It always returns within
// the configured timeout: an oracle error, timeout, panic or malformed
// answer resolves to the fail-mode fallback.
func (c *Client) Decide(ctx context.Context, req Request) Decision {
	if c == nil || c.oracle == nil {
		return Allow()
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Buffered so the oracle goroutine never leaks on timeout.
	ch := make(chan decideResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- decideResult{err: fmt.Errorf("oracle panic: %v", r)}
			}
		}()
		d, err := c.oracle.Decide(dctx, req)
		ch <- decideResult{decision: d, err: err}
	}()

	var res decideResult
	select {
	case res = <-ch:
	case <-dctx.Done():
		res = decideResult{err: fmt.Errorf("oracle timeout: %w", dctx.Err())}
		c.releaseLate(ctx, req, ch)
	}

	if res.err == nil {
		res.err = res.decision.Validate()
	}
	if res.err != nil {
		return c.unavailable(req, res.err)
	}

	c.dispatchAlerts(ctx, req, res.decision.Alerts)
	return res.decision
}

// releaseLate waits for the answer of a timed-out oracle in the background
// and hands back whatever a proceeding answer reserved, since the caller
// has already acted on the fallback.
func (c *Client) releaseLate(ctx context.Context, req Request, ch <-chan decideResult) {
	r, ok := c.oracle.(Releaser)
	if !ok {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		res := <-ch
		if res.err != nil || res.decision.Validate() != nil || !res.decision.Proceeds() {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReportTimeout)
		defer cancel()
		if err := r.Release(rctx, req); err != nil {
			log.Warn().Err(err).Str("context_id", req.ContextID).Msg("control: failed to release late decision")
		}
	}()
}

func (c *Client) unavailable(req Request, err error) Decision {
	log.Warn().
		Err(err).
		Str("context_id", req.ContextID).
		Str("provider", string(req.Provider)).
		Str("model", req.Model).
		Str("fail_mode", string(c.cfg.FailMode)).
		Msg("control: oracle unavailable")

	if c.cfg.FailMode == FailClosed {
		return Block(UnavailableReason)
	}
	return Allow()
}

func (c *Client) dispatchAlerts(ctx context.Context, req Request, alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	for _, a := range alerts {
		log.Warn().
			Str("rule", a.Rule).
			Str("context_id", a.ContextID).
			Float64("percent", a.Percent).
			Msg("control: " + a.Message)
		for _, h := range handlers {
			callAlertHandler(ctx, h, req, a)
		}
	}
}

func callAlertHandler(ctx context.Context, h AlertHandler, req Request, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("rule", a.Rule).Msg("control: alert handler panicked")
		}
	}()
	h(ctx, req, a)
}

// =============================================================================
// REPORTING
// =============================================================================

// ReportEvent sends ev to the reporter in the background.
func (c *Client) ReportEvent(ctx context.Context, ev Event) {
	if c == nil || c.reporter == nil {
		return
	}
	c.report(ctx, "event", func(rctx context.Context) error {
		return c.reporter.ReportEvent(rctx, ev)
	})
}

// ReportMetric sends rec to the reporter in the background.
func (c *Client) ReportMetric(ctx context.Context, rec *monitoring.MetricRecord) {
	if c == nil || c.reporter == nil || rec == nil {
		return
	}
	c.report(ctx, "metric", func(rctx context.Context) error {
		return c.reporter.ReportMetric(rctx, rec)
	})
}

func (c *Client) report(ctx context.Context, kind string, send func(context.Context) error) {
	if !c.limiter.Allow() {
		log.Debug().Str("kind", kind).Msg("control: report dropped by rate limit")
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("kind", kind).Msg("control: reporter panicked")
			}
		}()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReportTimeout)
		defer cancel()
		if err := send(rctx); err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("control: report failed")
		}
	}()
}

// Wait blocks until in-flight reports and releases finish or ctx ends.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
