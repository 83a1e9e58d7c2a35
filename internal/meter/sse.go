package meter

import (
	"bytes"
	"mime"
	"strings"
)

const (
	// initialEventBuffer sizes the parser buffer.
	initialEventBuffer = 32 * 1024

	// maxEventSize bounds one buffered event. Larger events are dropped so a
	// stream without delimiters cannot grow the buffer without limit.
	maxEventSize = 4 * 1024 * 1024
)

// streamFormat is the framing of a streamed response body.
type streamFormat int

const (
	formatSSE    streamFormat = iota // text/event-stream
	formatNDJSON                     // application/x-ndjson (Ollama)
	formatOpaque                     // binary framing, passed through unparsed
)

// streamFormatFor picks the framing from a Content-Type header.
// The second result is false for bodies that are not streamed events.
func streamFormatFor(contentType string) (streamFormat, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "text/event-stream":
		return formatSSE, true
	case "application/x-ndjson", "application/jsonl", "application/json-seq":
		return formatNDJSON, true
	case "application/vnd.amazon.eventstream":
		// Bedrock binary event stream: metered for timing and outcome only.
		return formatOpaque, true
	}
	return formatSSE, false
}

// eventParser splits a streamed body into event payloads incrementally.
// Only structured payloads reach onEvent: SSE "data:" lines joined per
// event, or one NDJSON line. "[DONE]" sentinels are reported as done.
type eventParser struct {
	format  streamFormat
	buffer  []byte
	onEvent func(data []byte)
	onDone  func()
}

func newEventParser(format streamFormat, onEvent func(data []byte), onDone func()) *eventParser {
	return &eventParser{
		format:  format,
		buffer:  make([]byte, 0, initialEventBuffer),
		onEvent: onEvent,
		onDone:  onDone,
	}
}

// Feed appends a chunk and parses every complete event in the buffer.
func (p *eventParser) Feed(chunk []byte) {
	if p.format == formatOpaque {
		return
	}
	p.buffer = append(p.buffer, chunk...)
	p.parse(false)
	if len(p.buffer) > maxEventSize {
		p.buffer = p.buffer[:0]
	}
}

// Flush parses a trailing event that was not terminated by a delimiter.
func (p *eventParser) Flush() {
	if p.format == formatOpaque {
		return
	}
	p.parse(true)
}

func (p *eventParser) parse(flush bool) {
	for {
		var (
			event []byte
			rest  []byte
			ok    bool
		)
		if p.format == formatNDJSON {
			event, rest, ok = nextLine(p.buffer, flush)
		} else {
			event, rest, ok = nextSSEEvent(p.buffer, flush)
		}
		if !ok {
			return
		}
		p.buffer = rest
		if p.format == formatNDJSON {
			p.emit(bytes.TrimSpace(event))
		} else {
			p.parseSSEEvent(event)
		}
	}
}

var sseDelimiters = [][]byte{[]byte("\r\n\r\n"), []byte("\n\r\n"), []byte("\n\n")}

// nextSSEEvent splits at the earliest blank line, whatever line endings
// surround it.
func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	at, size := -1, 0
	for _, d := range sseDelimiters {
		if idx := bytes.Index(buf, d); idx >= 0 && (at < 0 || idx < at) {
			at, size = idx, len(d)
		}
	}
	if at >= 0 {
		return buf[:at], buf[at+size:], true
	}
	return flushRemainder(buf, flush)
}

func nextLine(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
		return buf[:idx], buf[idx+1:], true
	}
	return flushRemainder(buf, flush)
}

func flushRemainder(buf []byte, flush bool) ([]byte, []byte, bool) {
	if flush {
		if trimmed := bytes.TrimSpace(buf); len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *eventParser) parseSSEEvent(event []byte) {
	dataLines := make([][]byte, 0, 2)
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 {
			continue
		}
		dataLines = append(dataLines, payload)
	}
	if len(dataLines) == 0 {
		return
	}
	p.emit(bytes.Join(dataLines, []byte("\n")))
}

func (p *eventParser) emit(data []byte) {
	if len(data) == 0 {
		return
	}
	if bytes.Equal(data, []byte("[DONE]")) {
		if p.onDone != nil {
			p.onDone()
		}
		return
	}
	// Payloads that are not JSON objects carry nothing an adapter reads.
	if data[0] != '{' {
		return
	}
	p.onEvent(data)
}
