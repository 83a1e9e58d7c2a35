// Package monitoring - telemetry.go records metric records to JSONL files.
//
// DESIGN: JSONLEmitter writes one MetricRecord per line and appends to the
// file immediately after each record for real-time logging. The file can be
// summarized later with `llm-meter report`.
package monitoring

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// JSONLEmitter appends metric records to a JSONL file.
type JSONLEmitter struct {
	config  TelemetryConfig
	logPath string
	count   int
	mu      sync.Mutex
}

// NewJSONLEmitter creates the log directory and an empty file if needed.
func NewJSONLEmitter(cfg TelemetryConfig) (*JSONLEmitter, error) {
	e := &JSONLEmitter{config: cfg}

	if !cfg.Enabled || cfg.LogPath == "" {
		return e, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	e.logPath = cfg.LogPath
	// Create empty file if it doesn't exist
	if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
		if f, err := os.Create(cfg.LogPath); err == nil {
			_ = f.Close()
		}
	}
	return e, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// Emit appends the record.
func (e *JSONLEmitter) Emit(_ context.Context, record *MetricRecord) error {
	if !e.config.Enabled {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.LogToStdout {
		spanID := record.SpanID
		if len(spanID) > 8 {
			spanID = spanID[:8]
		}
		log.Info().
			Str("span_id", spanID).
			Str("model", record.Model).
			Str("outcome", string(record.Outcome)).
			Int("tokens", record.TotalTokens()).
			Msg("telemetry")
	}

	if e.logPath == "" {
		return nil
	}
	if err := appendJSONL(e.logPath, record); err != nil {
		return fmt.Errorf("write %s: %w", e.logPath, err)
	}
	e.count++
	return nil
}

// Count returns the number of records written.
func (e *JSONLEmitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Close logs a session summary.
func (e *JSONLEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.logPath != "" && e.count > 0 {
		log.Info().
			Str("path", e.logPath).
			Int("records", e.count).
			Msg("telemetry: session complete")
	}
	return nil
}

// ReadJSONL loads every record from a JSONL file. Malformed lines are skipped
// and counted.
func ReadJSONL(path string) ([]*MetricRecord, int, error) {
	f, err := os.Open(path) // #nosec G304 -- path supplied by the operator
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var (
		records []*MetricRecord
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r MetricRecord
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		records = append(records, &r)
	}
	return records, skipped, scanner.Err()
}
