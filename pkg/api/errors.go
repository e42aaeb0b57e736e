package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// ErrorBody is the typed error every failure response carries. Kind is a
// stable identifier for programmatic handling; Message is human-oriented and
// never contains secrets, nonces, or token material.
type ErrorBody struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// ErrorEnvelope wraps ErrorBody in the response shape callers parse.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// busyRetryAfter is the retry hint attached to writer backpressure, which
// carries no hint of its own.
const busyRetryAfter = time.Second

func kindStatus(kind bridgeerr.Kind) int {
	switch kind {
	case bridgeerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case bridgeerr.KindForbidden:
		return http.StatusForbidden
	case bridgeerr.KindRateLimited:
		return http.StatusTooManyRequests
	case bridgeerr.KindNotFound:
		return http.StatusNotFound
	case bridgeerr.KindSchemaViolation:
		return http.StatusBadRequest
	case bridgeerr.KindReplay, bridgeerr.KindTerminal:
		return http.StatusConflict
	case bridgeerr.KindExpired:
		return http.StatusGone
	case bridgeerr.KindBusy, bridgeerr.KindDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// mapError classifies a service-layer error into a status code and envelope
// body. Unclassified errors are logged and reported as internal without
// echoing their text to the caller.
func mapError(err error) (int, ErrorBody) {
	var be *bridgeerr.Error
	if errors.As(err, &be) {
		body := ErrorBody{Kind: string(be.Kind), Message: be.Message}
		if be.RetryAfter > 0 {
			body.RetryAfterMS = be.RetryAfter.Milliseconds()
		}
		return kindStatus(be.Kind), body
	}

	var se *eventlog.SchemaError
	if errors.As(err, &se) {
		return http.StatusBadRequest, ErrorBody{Kind: string(bridgeerr.KindSchemaViolation), Message: se.Error()}
	}
	switch {
	case errors.Is(err, eventlog.ErrUnknownType):
		return http.StatusBadRequest, ErrorBody{Kind: string(bridgeerr.KindSchemaViolation), Message: err.Error()}
	case errors.Is(err, eventlog.ErrBusy):
		return http.StatusServiceUnavailable, ErrorBody{
			Kind:         string(bridgeerr.KindBusy),
			Message:      "append queue is full",
			RetryAfterMS: busyRetryAfter.Milliseconds(),
		}
	case errors.Is(err, eventlog.ErrStorageFull):
		return http.StatusServiceUnavailable, ErrorBody{Kind: string(bridgeerr.KindDegraded), Message: "log storage budget exhausted"}
	case errors.Is(err, eventlog.ErrClosed):
		return http.StatusServiceUnavailable, ErrorBody{Kind: string(bridgeerr.KindDegraded), Message: "event log is unavailable"}
	}

	slog.Error("Unexpected handler error", "error", err)
	return http.StatusInternalServerError, ErrorBody{Kind: string(bridgeerr.KindInternal), Message: "internal error"}
}

// writeError renders err as the typed envelope. Retry hints also surface as
// a Retry-After header, rounded up to whole seconds.
func writeError(c *echo.Context, err error) error {
	status, body := mapError(err)
	if body.RetryAfterMS > 0 {
		secs := (body.RetryAfterMS + 999) / 1000
		c.Response().Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	return c.JSON(status, ErrorEnvelope{Error: body})
}
