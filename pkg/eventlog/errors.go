package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when the append queue is full. Producers should
	// back off and retry; the writer never blocks on a slow producer.
	ErrBusy = errors.New("append queue is full")

	// ErrClosed is returned for operations on a closed log.
	ErrClosed = errors.New("event log is closed")

	// ErrUnknownType is returned when an event type is outside the closed set.
	ErrUnknownType = errors.New("unknown event type")

	// ErrStorageFull is returned when the log refuses writes because the
	// configured storage budget is exhausted.
	ErrStorageFull = errors.New("log storage budget exhausted")

	// ErrIntegrity is returned when the hash chain or frame structure is
	// violated in committed data.
	ErrIntegrity = errors.New("log integrity violation")
)

// SchemaError reports a payload that failed validation for its event type.
// The whole producer batch carrying the event is rejected.
type SchemaError struct {
	Type   Type
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %s", e.Type, e.Reason)
}

// NewSchemaError creates a payload validation error.
func NewSchemaError(typ Type, reason string) error {
	return &SchemaError{Type: typ, Reason: reason}
}

// IsSchemaError checks whether err is a payload validation error.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
