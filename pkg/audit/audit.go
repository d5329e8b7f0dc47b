// Package audit emits the structured events that compliance tracking
// hangs off: job submission, completion and cancellation, lockouts and
// circuit breaker transitions. Every event type has a required field
// set; violating it is a programming error and panics rather than
// letting a malformed event slip into the audit trail.
package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Audit event types.
const (
	JobSubmitted    = "job.submitted"
	JobCompleted    = "job.completed"
	JobCancelled    = "job.cancelled"
	DeviceLockedOut = "device.locked_out"
	CircuitOpened   = "circuit.opened"
	CircuitClosed   = "circuit.closed"
)

// schemas lists the fields each event must carry. Events may carry
// extra fields beyond these.
//
//nolint:gochecknoglobals
var schemas = map[string][]string{
	JobSubmitted:    {"ip", "platform", "port", "command_count", "user_hash", "request_id"},
	JobCompleted:    {"request_id", "status", "duration_ms"},
	JobCancelled:    {"request_id", "cancelled_by_hash"},
	DeviceLockedOut: {"ip", "failure_count"},
	CircuitOpened:   {"ip"},
	CircuitClosed:   {"ip"},
}

// Fields holds the fields of a single audit event.
type Fields map[string]any

// Emit logs a structured audit event at INFO level with the message
// "Audit event". It panics when the event type is unknown or a required
// field is missing.
func Emit(ctx context.Context, event string, fields Fields) {
	required, ok := schemas[event]
	if !ok {
		panic(fmt.Sprintf("unknown audit event type: %s", event))
	}

	for _, name := range required {
		if _, ok := fields[name]; !ok {
			panic(fmt.Sprintf("missing required field %q for audit event %s", name, event))
		}
	}

	zerolog.Ctx(ctx).Info().
		Str("event_type", event).
		Fields(map[string]any(fields)).
		Msg("Audit event")
}
