// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultServerAddr is where the control server listens.
const DefaultServerAddr = ":8787"

// DefaultServerReadTimeout bounds reading a control request.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for HTTP server (safe for long-lived websocket streams).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownTimeout bounds graceful shutdown of the control server.
const DefaultShutdownTimeout = 10 * time.Second

// MaxRequestBodySize is the largest request body the transport inspects (50MB).
// Larger bodies are forwarded unmetered.
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxResponseSize is the largest non-streaming response body the transport
// buffers for usage extraction (50MB).
const MaxResponseSize = 50 * 1024 * 1024

// MaxControlBodySize limits bodies accepted by the control server.
const MaxControlBodySize = 1 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// DefaultWebSocketWriteTimeout bounds one websocket record write.
const DefaultWebSocketWriteTimeout = 5 * time.Second

// =============================================================================
// LOGGING AND TELEMETRY
// =============================================================================

// DefaultLogLevel, DefaultLogFormat and DefaultLogOutput configure zerolog.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
	DefaultLogOutput = "stderr"
)

// DefaultTelemetryPath is the JSONL metric log used when telemetry is
// enabled without a path.
const DefaultTelemetryPath = "logs/metrics.jsonl"

// DefaultMetricsNamespace prefixes Prometheus metric names.
const DefaultMetricsNamespace = "llm_meter"

// DefaultTracerName names the OpenTelemetry tracer of the OTel sink.
const DefaultTracerName = "github.com/compresr/llm-meter"

// =============================================================================
// COST CONTROL
// =============================================================================

// DefaultCostSessionTTL is how long cost sessions are tracked.
const DefaultCostSessionTTL = 24 * time.Hour
