package meter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/llm-meter/internal/adapters"
	"github.com/compresr/llm-meter/internal/config"
	"github.com/compresr/llm-meter/internal/monitoring"
)

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport is an http.RoundTripper that meters requests to known LLM
// provider endpoints. Other requests pass through untouched.
type Transport struct {
	base            http.RoundTripper
	meter           *Meter
	registry        *adapters.Registry
	maxRequestSize  int64
	maxResponseSize int64
}

var _ http.RoundTripper = (*Transport)(nil)

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithBase sets the wrapped RoundTripper. Defaults to http.DefaultTransport
// as it was when the Transport was created.
func WithBase(rt http.RoundTripper) TransportOption {
	return func(t *Transport) {
		t.base = rt
	}
}

// WithRegistry sets the adapter registry.
func WithRegistry(r *adapters.Registry) TransportOption {
	return func(t *Transport) {
		t.registry = r
	}
}

// WithMaxRequestSize bounds request bodies inspected. Larger requests are
// forwarded unmetered.
func WithMaxRequestSize(n int64) TransportOption {
	return func(t *Transport) {
		t.maxRequestSize = n
	}
}

// WithMaxResponseSize bounds non-streaming response bodies inspected for
// usage. Larger bodies are returned intact and recorded without usage.
func WithMaxResponseSize(n int64) TransportOption {
	return func(t *Transport) {
		t.maxResponseSize = n
	}
}

// NewTransport creates a metering RoundTripper.
func NewTransport(m *Meter, opts ...TransportOption) *Transport {
	t := &Transport{
		meter:           m,
		maxRequestSize:  config.MaxRequestBodySize,
		maxResponseSize: config.MaxResponseSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	if t.registry == nil {
		t.registry = adapters.NewRegistry()
	}
	if t.meter == nil {
		t.meter = New()
	}
	return t
}

// Client returns an http.Client using the transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip meters one request. Rejected requests return a *RejectionError
// without reaching the network.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	provider, adapter := adapters.IdentifyAndGetAdapter(t.registry, req)
	if adapter == nil || req.Body == nil || req.Method != http.MethodPost {
		return t.base.RoundTrip(req)
	}

	body, err := readBounded(req.Body, t.maxRequestSize)
	if err != nil {
		req.Body.Close()
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(body)) > t.maxRequestSize {
		log.Debug().Int64("limit", t.maxRequestSize).Msg("meter: request too large to meter, forwarding")
		passthrough := req.Clone(req.Context())
		passthrough.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), req.Body), Closer: req.Body}
		return t.base.RoundTrip(passthrough)
	}
	req.Body.Close()

	ctx := req.Context()
	out := req.Clone(ctx)
	info := callInfo{
		provider:  provider,
		model:     adapter.ExtractModel(out.URL.Path, body),
		stream:    adapter.IsStreaming(out.URL.Path, body),
		params:    req,
		prompt:    func() string { return adapter.ExtractPrompt(body) },
		maxOutput: func() int { return adapter.ExtractMaxOutputTokens(body) },
		setModel: func(model string) error {
			path, updated, err := adapter.WithModel(out.URL.Path, body, model)
			if err != nil {
				return err
			}
			if path != out.URL.Path {
				out.URL.Path = path
				out.URL.RawPath = ""
			}
			body = updated
			return nil
		},
	}

	pc, err := t.meter.begin(ctx, info)
	if err != nil {
		return nil, err
	}
	out = withBody(out, body)

	settled := false
	defer func() {
		if !settled {
			pc.finish(ctx, callResult{outcome: failureOutcome(pc), err: "round trip panicked"})
		}
	}()

	pc.markDispatched()
	resp, err := t.base.RoundTrip(out)
	settled = true
	if err != nil {
		pc.finish(ctx, callResult{outcome: failureOutcome(pc), err: err.Error()})
		return resp, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		t.recordHTTPError(ctx, pc, adapter, resp)
		return resp, nil
	}

	if format, ok := streamFormatFor(resp.Header.Get("Content-Type")); ok {
		pc.Stream = true
		resp.Body = newMeteredBody(ctx, resp.Body, pc, adapter, format, resp.Header)
		return resp, nil
	}

	t.recordResponse(ctx, pc, adapter, resp)
	return resp, nil
}

func (t *Transport) recordResponse(ctx context.Context, pc *PendingCall, adapter adapters.Adapter, resp *http.Response) {
	data, err := readBounded(resp.Body, t.maxResponseSize)
	if err != nil {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), &errReader{err: err}), Closer: resp.Body}
		pc.finish(ctx, callResult{outcome: monitoring.OutcomeError, err: err.Error()})
		return
	}
	if int64(len(data)) > t.maxResponseSize {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), Closer: resp.Body}
		pc.finish(ctx, callResult{
			outcome:   monitoring.OutcomeSuccess,
			requestID: adapter.ExtractRequestID(resp.Header, nil),
		})
		return
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))

	pc.finish(ctx, callResult{
		outcome:   monitoring.OutcomeSuccess,
		usage:     adapter.ExtractUsage(data),
		requestID: adapter.ExtractRequestID(resp.Header, data),
		toolCalls: adapter.ExtractToolCalls(data),
	})
}

// recordHTTPError records a provider error response. The response is
// returned to the caller unchanged.
func (t *Transport) recordHTTPError(ctx context.Context, pc *PendingCall, adapter adapters.Adapter, resp *http.Response) {
	data, err := readBounded(resp.Body, config.MaxErrorBodyLogLen*8)
	if err == nil {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), Closer: resp.Body}
	} else {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), &errReader{err: err}), Closer: resp.Body}
	}

	pc.finish(ctx, callResult{
		outcome:   failureOutcome(pc),
		err:       httpErrorMessage(resp.StatusCode, data),
		requestID: adapter.ExtractRequestID(resp.Header, nil),
	})
}

func httpErrorMessage(status int, body []byte) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.String() != "" {
			return fmt.Sprintf("HTTP %d: %s", status, r.String())
		}
	}
	msg := bytes.TrimSpace(body)
	if len(msg) > config.MaxErrorBodyLogLen {
		msg = msg[:config.MaxErrorBodyLogLen]
	}
	if len(msg) == 0 {
		return fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	}
	return fmt.Sprintf("HTTP %d: %s", status, msg)
}

func failureOutcome(pc *PendingCall) monitoring.Outcome {
	if pc.Stream {
		return monitoring.OutcomeFailed
	}
	return monitoring.OutcomeError
}

// readBounded reads up to limit+1 bytes so callers can detect overflow.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit+1))
}

func withBody(req *http.Request, body []byte) *http.Request {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if req.Header.Get("Content-Length") != "" {
		req.Header.Del("Content-Length")
	}
	return req
}

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) {
	return 0, r.err
}

// =============================================================================
// METERED STREAM BODY
// =============================================================================

// meteredBody feeds a streamed response through the event parser as the
// caller reads it. EOF completes the call, a read error fails it and Close
// before EOF aborts it.
type meteredBody struct {
	body    io.ReadCloser
	ctx     context.Context
	obs     *streamObserver
	adapter adapters.Adapter
	parser  *eventParser

	mu   sync.Mutex
	done bool
}

func newMeteredBody(ctx context.Context, body io.ReadCloser, pc *PendingCall, adapter adapters.Adapter, format streamFormat, header http.Header) *meteredBody {
	b := &meteredBody{
		body:    body,
		ctx:     ctx,
		obs:     newStreamObserver(pc),
		adapter: adapter,
	}
	b.obs.requestID = adapter.ExtractRequestID(header, nil)
	b.parser = newEventParser(format, func(data []byte) {
		b.obs.observe(adapter.InspectEvent(data))
	}, nil)
	return b
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return n, err
	}
	if n > 0 {
		b.parser.Feed(p[:n])
	}
	switch {
	case err == io.EOF:
		b.parser.Flush()
		b.done = true
		b.obs.complete(b.ctx)
	case err != nil:
		b.done = true
		b.obs.end(b.ctx, err)
	}
	return n, err
}

func (b *meteredBody) Close() error {
	b.mu.Lock()
	if !b.done {
		b.done = true
		b.obs.abort(b.ctx)
	}
	b.mu.Unlock()
	return b.body.Close()
}
