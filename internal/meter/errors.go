package meter

import (
	"errors"
	"fmt"

	"github.com/compresr/llm-meter/internal/monitoring"
)

// Sentinel errors. Rejections are returned as *RejectionError, which
// matches ErrCancelled or ErrBlocked with errors.Is.
var (
	ErrCancelled      = errors.New("meter: call cancelled before dispatch")
	ErrBlocked        = errors.New("meter: call blocked by policy")
	ErrStreamConsumed = errors.New("meter: stream already consumed")
)

// RejectionError is returned when a call is refused before dispatch.
// No provider request was made.
type RejectionError struct {
	Outcome monitoring.Outcome // OutcomeCancelled or OutcomeBlocked
	Reason  string
	SpanID  string
}

func (e *RejectionError) Error() string {
	if e.Outcome == monitoring.OutcomeCancelled {
		return fmt.Sprintf("llm call cancelled: %s", e.Reason)
	}
	return fmt.Sprintf("llm call blocked: %s", e.Reason)
}

// Is matches ErrCancelled and ErrBlocked.
func (e *RejectionError) Is(target error) bool {
	switch target {
	case ErrCancelled:
		return e.Outcome == monitoring.OutcomeCancelled
	case ErrBlocked:
		return e.Outcome == monitoring.OutcomeBlocked
	}
	return false
}

// AsRejection unwraps err to a *RejectionError.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
