package tracecontext

import (
	"context"
	"runtime"
	"strings"
)

// AgentHinter suggests an agent label for a call made with an empty agent
// stack. Hints are enrichment only; trace and span linking never use them.
type AgentHinter interface {
	AgentHint(ctx context.Context) (string, bool)
}

// AgentHinterFunc adapts a function to AgentHinter.
type AgentHinterFunc func(ctx context.Context) (string, bool)

// AgentHint calls f.
func (f AgentHinterFunc) AgentHint(ctx context.Context) (string, bool) {
	return f(ctx)
}

// CallerHinter names the agent after the first calling function whose
// qualified name contains one of Patterns (case-insensitive).
type CallerHinter struct {
	Patterns []string
	// MaxDepth bounds the frames inspected. Defaults to 32.
	MaxDepth int
}

// AgentHint walks the caller's stack.
func (h CallerHinter) AgentHint(_ context.Context) (string, bool) {
	depth := h.MaxDepth
	if depth <= 0 {
		depth = 32
	}
	pcs := make([]uintptr, depth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if name := matchFrame(frame.Function, h.Patterns); name != "" {
			return name, true
		}
		if !more {
			return "", false
		}
	}
}

// matchFrame returns the short function name when fn matches a pattern.
// "github.com/acme/app/agents.(*Planner).Run" yields "Planner.Run".
func matchFrame(fn string, patterns []string) string {
	if fn == "" || strings.Contains(fn, "/internal/tracecontext.") {
		return ""
	}
	lower := strings.ToLower(fn)
	for _, p := range patterns {
		if p == "" || !strings.Contains(lower, strings.ToLower(p)) {
			continue
		}
		short := fn[strings.LastIndex(fn, "/")+1:]
		if dot := strings.Index(short, "."); dot >= 0 {
			short = short[dot+1:]
		}
		short = strings.NewReplacer("(*", "", ")", "").Replace(short)
		return short
	}
	return ""
}
