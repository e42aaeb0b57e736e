package api

import (
	"encoding/json"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// AppendEventRequest is the HTTP request body for POST /api/v1/events and
// one element of a batch append. The writer assigns the id; correlation
// comes from the X-Correlation-Id header, the agent from the bearer token.
type AppendEventRequest struct {
	StreamID string          `json:"stream_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Parents  []string        `json:"parents,omitempty"`
	Session  string          `json:"session,omitempty"`
}

// AppendBatchRequest is the HTTP request body for POST /api/v1/events/batch.
// The batch commits atomically: one rejected event rejects them all.
type AppendBatchRequest struct {
	Events []AppendEventRequest `json:"events"`
}

// QueryEventsRequest is the HTTP request body for POST /api/v1/events/query.
type QueryEventsRequest struct {
	Since       string               `json:"since,omitempty"` // inclusive id lower bound
	Until       string               `json:"until,omitempty"` // exclusive id upper bound
	Streams     []string             `json:"streams,omitempty"`
	Types       []string             `json:"types,omitempty"`
	Correlation string               `json:"correlation,omitempty"`
	Session     string               `json:"session,omitempty"`
	Where       []eventlog.Predicate `json:"where,omitempty"`
	Order       string               `json:"order,omitempty"` // asc (default) or desc
	Limit       int                  `json:"limit,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
}

// CreateElicitationRequest is the HTTP request body for POST
// /api/v1/elicitations. From is always the authenticated caller.
type CreateElicitationRequest struct {
	To             string          `json:"to"`
	Kind           string          `json:"kind"` // question, approval, review, validation
	Prompt         json.RawMessage `json:"prompt,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	TimeoutMS      int64           `json:"timeout_ms,omitempty"` // 0 applies the default
	Session        string          `json:"session,omitempty"`
}

// RespondElicitationRequest is the HTTP request body for POST
// /api/v1/elicitations/:id/respond. The signature is the hex HMAC-SHA256
// computed with the key from the :id/key operation.
type RespondElicitationRequest struct {
	ResponseType string          `json:"response_type"` // accept or decline
	Response     json.RawMessage `json:"response,omitempty"`
	Signature    string          `json:"signature"`
	Session      string          `json:"session,omitempty"`
}

// CheckValidationRequest is the HTTP request body for POST /api/v1/validations.
// The caller submits its own intended tool call; the agent dimension of the
// fingerprint is the authenticated identity.
type CheckValidationRequest struct {
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args,omitempty"`
	Session string          `json:"session,omitempty"`
}

// RegisterAgentRequest is the HTTP request body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Scopes       []string `json:"scopes"`
	TokenTTLMS   int64    `json:"token_ttl_ms,omitempty"` // 0 = token does not expire
}

// RevokeAgentRequest is the HTTP request body for POST /api/v1/agents/:id/revoke.
type RevokeAgentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TransitionRequest is the HTTP request body for the operator transitions
// POST /api/v1/state/degrade and /state/recover. Restore takes no body.
type TransitionRequest struct {
	Reason string `json:"reason"`
}

// ReportHealthRequest is the HTTP request body for POST /api/v1/state/health,
// the explicit health path for external collaborators.
type ReportHealthRequest struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
}
