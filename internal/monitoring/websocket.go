package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// StreamMessage is the envelope pushed over the live record stream.
type StreamMessage struct {
	Type   string        `json:"type"` // "metric"
	Record *MetricRecord `json:"record,omitempty"`
}

// WebSocketEmitter pushes records to a live collector over an outbound
// WebSocket. The connection is dialed on first use and redialed after a
// write failure.
type WebSocketEmitter struct {
	url          string
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketEmitter creates an emitter for a collector base URL such as
// "http://localhost:8790". Records go to <url>/ws/metrics.
func NewWebSocketEmitter(collectorURL string, writeTimeout time.Duration) *WebSocketEmitter {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WebSocketEmitter{
		url:          toWebSocketURL(strings.TrimSuffix(collectorURL, "/")) + "/ws/metrics",
		writeTimeout: writeTimeout,
	}
}

// Emit writes the record as one JSON message.
func (w *WebSocketEmitter) Emit(ctx context.Context, r *MetricRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()

	if w.conn == nil {
		conn, resp, err := websocket.Dial(ctx, w.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("connect to collector: %w", err)
		}
		w.conn = conn
	}

	if err := wsjson.Write(ctx, w.conn, StreamMessage{Type: "metric", Record: r}); err != nil {
		_ = w.conn.Close(websocket.StatusInternalError, "write failed")
		w.conn = nil
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection.
func (w *WebSocketEmitter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close(websocket.StatusNormalClosure, "done")
		w.conn = nil
		return err
	}
	return nil
}

// ReadStream reads records from an accepted collector connection until the
// peer closes it or ctx ends, passing each record to fn.
func ReadStream(ctx context.Context, conn *websocket.Conn, fn func(*MetricRecord)) error {
	for {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if msg.Type == "metric" && msg.Record != nil {
			fn(msg.Record)
		}
	}
}

// toWebSocketURL converts an HTTP(S) URL to a WS(S) URL.
func toWebSocketURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	if strings.HasPrefix(httpURL, "http://") {
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	// Already a ws:// or wss:// URL
	return httpURL
}
