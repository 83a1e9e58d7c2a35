package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/compresr/llm-meter/internal/monitoring"
)

// API paths served by a control server.
const (
	PathDecide  = "/v1/decide"
	PathEvents  = "/v1/events"
	PathMetrics = "/v1/metrics"
	PathRelease = "/v1/release"
)

// maxDecisionSize bounds an oracle answer.
const maxDecisionSize = 1 << 20

// =============================================================================
// RemoteOracle
// =============================================================================

// RemoteOracle asks a control server over HTTP.
type RemoteOracle struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var (
	_ Oracle   = (*RemoteOracle)(nil)
	_ Reporter = (*RemoteOracle)(nil)
	_ Releaser = (*RemoteOracle)(nil)
)

// RemoteOption configures the RemoteOracle.
type RemoteOption func(*RemoteOracle)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(o *RemoteOracle) {
		o.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) RemoteOption {
	return func(o *RemoteOracle) {
		o.httpClient.Timeout = timeout
	}
}

// WithAPIKey sets the bearer token sent to the server.
func WithAPIKey(key string) RemoteOption {
	return func(o *RemoteOracle) {
		o.apiKey = key
	}
}

// NewRemoteOracle creates a client for the control server at baseURL.
// It reads LLM_METER_CONTROL_API_KEY from the environment when no key is set.
func NewRemoteOracle(baseURL string, opts ...RemoteOption) *RemoteOracle {
	o := &RemoteOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  os.Getenv("LLM_METER_CONTROL_API_KEY"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Decide posts req to /v1/decide. Transport failures, non-200 answers and
// bodies that are not a valid decision are errors.
func (o *RemoteOracle) Decide(ctx context.Context, req Request) (Decision, error) {
	body, err := o.post(ctx, PathDecide, req)
	if err != nil {
		return Decision{}, err
	}
	var d Decision
	if err := json.Unmarshal(body, &d); err != nil {
		if !errors.Is(err, ErrMalformedDecision) {
			err = fmt.Errorf("%w: %v", ErrMalformedDecision, err)
		}
		return Decision{}, err
	}
	return d, nil
}

// Release posts req to /v1/release.
func (o *RemoteOracle) Release(ctx context.Context, req Request) error {
	_, err := o.post(ctx, PathRelease, req)
	return err
}

// ReportEvent posts ev to /v1/events.
func (o *RemoteOracle) ReportEvent(ctx context.Context, ev Event) error {
	_, err := o.post(ctx, PathEvents, ev)
	return err
}

// ReportMetric posts rec to /v1/metrics.
func (o *RemoteOracle) ReportMetric(ctx context.Context, rec *monitoring.MetricRecord) error {
	_, err := o.post(ctx, PathMetrics, rec)
	return err
}

func (o *RemoteOracle) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "llm-meter/1.0")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDecisionSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
