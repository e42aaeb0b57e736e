package api

import (
	"encoding/json"
	"time"

	"github.com/agentbridge/bridge/pkg/degrade"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/projection"
)

// AppendEventResponse is returned by POST /api/v1/events.
type AppendEventResponse struct {
	EventID  eventlog.ID `json:"event_id"`
	StreamID string      `json:"stream_id"`
	Type     string      `json:"type"`
}

// AppendBatchResponse is returned by POST /api/v1/events/batch. First/Last
// bound the contiguous id range the writer assigned to the batch.
type AppendBatchResponse struct {
	First eventlog.ID `json:"first"`
	Last  eventlog.ID `json:"last"`
	Count int         `json:"count"`
}

// AppendAsyncResponse is returned by POST /api/v1/events/async. The caller
// gets the correlation id back immediately and can query for the committed
// event with it.
type AppendAsyncResponse struct {
	Correlation string `json:"correlation"`
	Accepted    int    `json:"accepted"`
}

// EventsResponse is returned by GET /api/v1/events and POST
// /api/v1/events/query. Next, when set, is the id to pass as ?since for the
// following page.
type EventsResponse struct {
	Events []eventlog.Event `json:"events"`
	Next   string           `json:"next,omitempty"`
}

// ElicitationView is the caller-facing shape of an elicitation. The nonce
// and the key fingerprint never leave the kernel.
type ElicitationView struct {
	ID             string          `json:"id"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Kind           string          `json:"kind"`
	Prompt         json.RawMessage `json:"prompt,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Status         string          `json:"status"`
	Responder      string          `json:"responder,omitempty"`
	ResponseType   string          `json:"response_type,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	RespondedAt    *time.Time      `json:"responded_at,omitempty"`
}

func elicitationView(rec projection.ElicitationRecord) ElicitationView {
	v := ElicitationView{
		ID:             rec.ID,
		From:           rec.From,
		To:             rec.To,
		Kind:           rec.Kind,
		Prompt:         rec.Prompt,
		ResponseSchema: rec.ResponseSchema,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		Status:         rec.Status,
		Responder:      rec.Responder,
		ResponseType:   rec.ResponseType,
		Response:       rec.Response,
	}
	if !rec.RespondedAt.IsZero() {
		t := rec.RespondedAt
		v.RespondedAt = &t
	}
	return v
}

// CreateElicitationResponse is returned by POST /api/v1/elicitations.
type CreateElicitationResponse struct {
	ElicitationID string      `json:"elicitation_id"`
	EventID       eventlog.ID `json:"event_id"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

// RespondElicitationResponse is returned by POST /api/v1/elicitations/:id/respond.
type RespondElicitationResponse struct {
	ElicitationID string      `json:"elicitation_id"`
	EventID       eventlog.ID `json:"event_id"`
	Status        string      `json:"status"`
}

// ResponseKeyResponse is returned by POST /api/v1/elicitations/:id/key. The
// key appears here and nowhere else; the log holds only its fingerprint.
type ResponseKeyResponse struct {
	ElicitationID string `json:"elicitation_id"`
	ResponseKey   string `json:"response_key"` // hex
}

// PendingElicitationsResponse is returned by GET /api/v1/elicitations/pending/:agent.
type PendingElicitationsResponse struct {
	Agent        string            `json:"agent"`
	Elicitations []ElicitationView `json:"elicitations"`
}

// RegisterAgentResponse is returned by POST /api/v1/agents. The token is
// shown exactly once; afterwards only its fingerprint exists.
type RegisterAgentResponse struct {
	AgentID          string      `json:"agent_id"`
	Token            string      `json:"token"`
	TokenFingerprint string      `json:"token_fingerprint"`
	Scopes           []string    `json:"scopes"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	EventID          eventlog.ID `json:"event_id"`
}

// RevokeAgentResponse is returned by POST /api/v1/agents/:id/revoke.
type RevokeAgentResponse struct {
	AgentID string      `json:"agent_id"`
	EventID eventlog.ID `json:"event_id"`
}

// StateResponse is returned by GET /api/v1/state.
type StateResponse struct {
	State      string          `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	By         string          `json:"by,omitempty"`
	ChangedAt  *time.Time      `json:"changed_at,omitempty"`
	DrainUntil *time.Time      `json:"drain_until,omitempty"`
	Checks     []degrade.Check `json:"checks"`
	Log        eventlog.Stats  `json:"log"`
	Applied    eventlog.ID     `json:"applied"`
}

// TransitionResponse is returned by the operator state transitions.
type TransitionResponse struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	By     string `json:"by"`
}

// ReportHealthResponse is returned by POST /api/v1/state/health. State
// reflects any transition the report forced.
type ReportHealthResponse struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	State     string `json:"state"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string          `json:"status"` // ok or degraded
	State   string          `json:"state"`
	Version string          `json:"version"`
	Head    eventlog.ID     `json:"head"`
	Checks  []degrade.Check `json:"checks"`
}
