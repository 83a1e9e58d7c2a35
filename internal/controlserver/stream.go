package controlserver

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/compresr/llm-meter/internal/monitoring"
)

// handleMetricStream accepts a WebSocketEmitter connection and fans every
// record it sends out to the sinks until the peer disconnects.
func (s *Server) handleMetricStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("metric stream: accept failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxStreamMessageSize)

	ctx := r.Context()
	n := 0
	err = monitoring.ReadStream(ctx, conn, func(rec *monitoring.MetricRecord) {
		if rec.SpanID == "" {
			return
		}
		n++
		s.rt.Gateway.Emit(ctx, rec)
	})
	if err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Int("records", n).Msg("metric stream closed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// maxStreamMessageSize bounds one streamed record.
const maxStreamMessageSize = 1 << 20
