package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Elicitation response types (ElicitationRespondedPayload.ResponseType).
const (
	ResponseAccept  = "accept"
	ResponseDecline = "decline"
)

// Validation decisions (ValidationDecidedPayload.Decision).
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

// Validation tiers, in escalation order.
const (
	TierMemory  = "memory"
	TierPolicy  = "policy"
	TierPattern = "pattern"
	TierExpert  = "expert"
)

// Denial reasons used when no tier produced an authoritative decision.
const (
	ReasonExpertTimeout = "expert_timeout"
	ReasonUnavailable   = "unavailable"
)

// Security event kinds (SecurityEventPayload.Kind).
const (
	SecurityReplayAttempt        = "replay_attempt"
	SecurityUnauthorizedResponse = "unauthorized_response"
	SecurityRateLimit            = "rate_limit"
	SecurityBadSignature         = "bad_signature"
)

// AgentRegisteredPayload is the payload for agent.registered events.
type AgentRegisteredPayload struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	RegisteredBy string   `json:"registered_by,omitempty"`
}

func (p *AgentRegisteredPayload) Validate() error {
	if p.AgentID == "" {
		return errors.New("agent_id is required")
	}
	return nil
}

// AgentRevokedPayload is the payload for agent.revoked events. Revocation
// invalidates every token and capability the agent holds.
type AgentRevokedPayload struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

func (p *AgentRevokedPayload) Validate() error {
	if p.AgentID == "" {
		return errors.New("agent_id is required")
	}
	return nil
}

// TokenIssuedPayload is the payload for token.issued events. Only the token
// fingerprint reaches the log; the opaque token travels out of band.
type TokenIssuedPayload struct {
	AgentID          string    `json:"agent_id"`
	TokenFingerprint string    `json:"token_fingerprint"` // hex SHA-256 of the token
	Scopes           []string  `json:"scopes"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"` // zero = no expiry
}

func (p *TokenIssuedPayload) Validate() error {
	if p.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if len(p.TokenFingerprint) != 64 {
		return errors.New("token_fingerprint must be a hex SHA-256")
	}
	if len(p.Scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	return nil
}

// TokenRevokedPayload is the payload for token.revoked events.
type TokenRevokedPayload struct {
	AgentID          string `json:"agent_id"`
	TokenFingerprint string `json:"token_fingerprint"`
	Reason           string `json:"reason,omitempty"`
}

func (p *TokenRevokedPayload) Validate() error {
	if p.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if len(p.TokenFingerprint) != 64 {
		return errors.New("token_fingerprint must be a hex SHA-256")
	}
	return nil
}

// CapabilityGrantedPayload is the payload for capability.granted events.
type CapabilityGrantedPayload struct {
	AgentID    string `json:"agent_id"`
	Capability string `json:"capability"`
	GrantedBy  string `json:"granted_by,omitempty"`
}

func (p *CapabilityGrantedPayload) Validate() error {
	if p.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if p.Capability == "" {
		return errors.New("capability is required")
	}
	return nil
}

// ElicitationCreatedPayload is the payload for elicitation.created events.
// The response key is derived, never stored — only its fingerprint is logged.
type ElicitationCreatedPayload struct {
	ElicitationID  string          `json:"elicitation_id"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Kind           string          `json:"kind"` // question, approval, review, validation
	Prompt         json.RawMessage `json:"prompt,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"` // JSON Schema applied to accept responses
	Nonce          string          `json:"nonce"`                     // hex, single use
	KeyFingerprint string          `json:"key_fingerprint"`           // hex SHA-256 of the response key
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

func (p *ElicitationCreatedPayload) Validate() error {
	switch {
	case p.ElicitationID == "":
		return errors.New("elicitation_id is required")
	case p.From == "":
		return errors.New("from is required")
	case p.To == "":
		return errors.New("to is required")
	case p.Kind == "":
		return errors.New("kind is required")
	case p.Nonce == "":
		return errors.New("nonce is required")
	case len(p.KeyFingerprint) != 64:
		return errors.New("key_fingerprint must be a hex SHA-256")
	case !p.ExpiresAt.After(p.CreatedAt):
		return errors.New("expires_at must be after created_at")
	}
	return nil
}

// ElicitationRespondedPayload is the payload for elicitation.responded
// events — the terminal event for an answered elicitation.
type ElicitationRespondedPayload struct {
	ElicitationID string          `json:"elicitation_id"`
	Responder     string          `json:"responder"`
	ResponseType  string          `json:"response_type"` // accept or decline
	Response      json.RawMessage `json:"response,omitempty"`
	Signature     string          `json:"signature"` // hex HMAC-SHA256 over the canonical response binding
	RespondedAt   time.Time       `json:"responded_at"`
}

func (p *ElicitationRespondedPayload) Validate() error {
	switch {
	case p.ElicitationID == "":
		return errors.New("elicitation_id is required")
	case p.Responder == "":
		return errors.New("responder is required")
	case p.ResponseType != ResponseAccept && p.ResponseType != ResponseDecline:
		return fmt.Errorf("response_type must be %q or %q", ResponseAccept, ResponseDecline)
	case p.Signature == "":
		return errors.New("signature is required")
	}
	return nil
}

// ElicitationExpiredPayload is the payload for elicitation.expired events —
// the terminal event for an unanswered elicitation.
type ElicitationExpiredPayload struct {
	ElicitationID string    `json:"elicitation_id"`
	ExpiredAt     time.Time `json:"expired_at"`
}

func (p *ElicitationExpiredPayload) Validate() error {
	if p.ElicitationID == "" {
		return errors.New("elicitation_id is required")
	}
	return nil
}

// ValidationRequestedPayload is the payload for validation.requested events.
type ValidationRequestedPayload struct {
	RequestID   string          `json:"request_id"`
	AgentID     string          `json:"agent_id"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args,omitempty"`
	Fingerprint string          `json:"fingerprint"` // canonical SHA-256 of (agent, tool, args)
}

func (p *ValidationRequestedPayload) Validate() error {
	switch {
	case p.RequestID == "":
		return errors.New("request_id is required")
	case p.AgentID == "":
		return errors.New("agent_id is required")
	case p.Tool == "":
		return errors.New("tool is required")
	case len(p.Fingerprint) != 64:
		return errors.New("fingerprint must be a hex SHA-256")
	}
	return nil
}

// TierResult records one tier's contribution to a validation decision.
type TierResult struct {
	Tier      string `json:"tier"`    // memory, policy, pattern, expert
	Outcome   string `json:"outcome"` // hit, miss, matched, no_match, low_confidence, decided, declined, timeout, unavailable, error
	ElapsedUS int64  `json:"elapsed_us"`
}

// ValidationDecidedPayload is the payload for validation.decided events.
// The tier trace makes every decision auditable after the fact.
type ValidationDecidedPayload struct {
	RequestID   string       `json:"request_id"`
	Fingerprint string       `json:"fingerprint"`
	AgentID     string       `json:"agent_id"`
	Decision    string       `json:"decision"`       // approved or denied
	Risk        string       `json:"risk,omitempty"` // low, medium, high
	Reason      string       `json:"reason,omitempty"`
	Tier        string       `json:"tier"` // tier that produced the decision
	TierTrace   []TierResult `json:"tier_trace,omitempty"`
}

func (p *ValidationDecidedPayload) Validate() error {
	switch {
	case p.RequestID == "":
		return errors.New("request_id is required")
	case len(p.Fingerprint) != 64:
		return errors.New("fingerprint must be a hex SHA-256")
	case p.Decision != DecisionApproved && p.Decision != DecisionDenied:
		return fmt.Errorf("decision must be %q or %q", DecisionApproved, DecisionDenied)
	case p.Tier == "":
		return errors.New("tier is required")
	}
	return nil
}

// PolicyUpdatedPayload is the payload for policy.updated events. Rules are a
// full replacement set, not a delta, so replaying the latest event alone
// reproduces the active policy.
type PolicyUpdatedPayload struct {
	Version   int             `json:"version"`
	Rules     json.RawMessage `json:"rules"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

func (p *PolicyUpdatedPayload) Validate() error {
	if p.Version <= 0 {
		return errors.New("version must be positive")
	}
	if len(p.Rules) == 0 {
		return errors.New("rules are required")
	}
	return nil
}

// CacheInvalidatedPayload is the payload for cache.invalidated events.
type CacheInvalidatedPayload struct {
	Scope   string `json:"scope"`             // all, tool, agent
	Pattern string `json:"pattern,omitempty"` // tool glob or agent id, per scope
	Reason  string `json:"reason,omitempty"`
}

func (p *CacheInvalidatedPayload) Validate() error {
	switch p.Scope {
	case "all":
		return nil
	case "tool", "agent":
		if p.Pattern == "" {
			return fmt.Errorf("pattern is required for scope %q", p.Scope)
		}
		return nil
	default:
		return fmt.Errorf("unknown invalidation scope %q", p.Scope)
	}
}

// SystemDegradedPayload is the payload for system.degraded events.
type SystemDegradedPayload struct {
	Reason string `json:"reason"`
	By     string `json:"by,omitempty"` // operator id, or the subsystem that forced the transition
}

func (p *SystemDegradedPayload) Validate() error {
	if p.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

// SystemRecoveringPayload is the payload for system.recovering events.
type SystemRecoveringPayload struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

func (p *SystemRecoveringPayload) Validate() error {
	if p.By == "" {
		return errors.New("by is required")
	}
	return nil
}

// SystemRecoveredPayload is the payload for system.recovered events.
type SystemRecoveredPayload struct {
	By string `json:"by,omitempty"` // empty when the drain window completed on its own
}

func (p *SystemRecoveredPayload) Validate() error { return nil }

// IntegrityAlertPayload is the payload for integrity.alert events.
type IntegrityAlertPayload struct {
	Source string `json:"source"` // segment, index, snapshot
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

func (p *IntegrityAlertPayload) Validate() error {
	if p.Source == "" {
		return errors.New("source is required")
	}
	if p.Detail == "" {
		return errors.New("detail is required")
	}
	return nil
}

// SecurityEventPayload is the payload for security.event events. High-volume
// kinds (rate limiting) are sampled; Suppressed counts the occurrences
// dropped since the last logged sample.
type SecurityEventPayload struct {
	Kind       string `json:"kind"` // replay_attempt, unauthorized_response, rate_limit, bad_signature
	AgentID    string `json:"agent_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Suppressed int    `json:"suppressed,omitempty"`
}

func (p *SecurityEventPayload) Validate() error {
	if p.Kind == "" {
		return errors.New("kind is required")
	}
	return nil
}

// FileMutatedPayload is the payload for file.mutated events, ingested from
// the external virtual-filesystem collaborator.
type FileMutatedPayload struct {
	Path  string `json:"path"`
	Op    string `json:"op"` // create, write, delete, rename
	Actor string `json:"actor,omitempty"`
	Size  int64  `json:"size,omitempty"`
	Hash  string `json:"hash,omitempty"` // content SHA-256 after the mutation
}

func (p *FileMutatedPayload) Validate() error {
	if p.Path == "" {
		return errors.New("path is required")
	}
	switch p.Op {
	case "create", "write", "delete", "rename":
		return nil
	default:
		return fmt.Errorf("unknown file op %q", p.Op)
	}
}

// SnapshotTakenPayload is the payload for snapshot.taken events.
type SnapshotTakenPayload struct {
	Kind string `json:"kind"`  // projection kind
	UpTo ID     `json:"up_to"` // last event folded into the snapshot
	Path string `json:"path"`
	Hash string `json:"hash"` // SHA-256 of the snapshot bytes
}

func (p *SnapshotTakenPayload) Validate() error {
	if p.Kind == "" {
		return errors.New("kind is required")
	}
	if p.UpTo.IsZero() {
		return errors.New("up_to is required")
	}
	return nil
}

// payload is implemented by every event payload struct.
type payload interface {
	Validate() error
}

var payloadRegistry = map[Type]func() payload{
	TypeAgentRegistered:      func() payload { return &AgentRegisteredPayload{} },
	TypeAgentRevoked:         func() payload { return &AgentRevokedPayload{} },
	TypeTokenIssued:          func() payload { return &TokenIssuedPayload{} },
	TypeTokenRevoked:         func() payload { return &TokenRevokedPayload{} },
	TypeCapabilityGranted:    func() payload { return &CapabilityGrantedPayload{} },
	TypeElicitationCreated:   func() payload { return &ElicitationCreatedPayload{} },
	TypeElicitationResponded: func() payload { return &ElicitationRespondedPayload{} },
	TypeElicitationExpired:   func() payload { return &ElicitationExpiredPayload{} },
	TypeValidationRequested:  func() payload { return &ValidationRequestedPayload{} },
	TypeValidationDecided:    func() payload { return &ValidationDecidedPayload{} },
	TypePolicyUpdated:        func() payload { return &PolicyUpdatedPayload{} },
	TypeCacheInvalidated:     func() payload { return &CacheInvalidatedPayload{} },
	TypeSystemDegraded:       func() payload { return &SystemDegradedPayload{} },
	TypeSystemRecovering:     func() payload { return &SystemRecoveringPayload{} },
	TypeSystemRecovered:      func() payload { return &SystemRecoveredPayload{} },
	TypeIntegrityAlert:       func() payload { return &IntegrityAlertPayload{} },
	TypeSecurityEvent:        func() payload { return &SecurityEventPayload{} },
	TypeFileMutated:          func() payload { return &FileMutatedPayload{} },
	TypeSnapshotTaken:        func() payload { return &SnapshotTakenPayload{} },
}

// KnownType reports whether typ belongs to the closed event type set.
func KnownType(typ Type) bool {
	_, ok := payloadRegistry[typ]
	return ok
}

// ValidatePayload checks raw against the payload schema for typ. An unknown
// type is ErrUnknownType; a known type with an invalid payload is a
// SchemaError.
func ValidatePayload(typ Type, raw []byte) error {
	mk, ok := payloadRegistry[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	p := mk()
	if err := json.Unmarshal(raw, p); err != nil {
		return NewSchemaError(typ, err.Error())
	}
	if err := p.Validate(); err != nil {
		return NewSchemaError(typ, err.Error())
	}
	return nil
}

// DecodePayload unmarshals raw into the payload struct for typ. Used by
// projections, which must fail hard on types outside their fold.
func DecodePayload(typ Type, raw []byte) (any, error) {
	mk, ok := payloadRegistry[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	p := mk()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, NewSchemaError(typ, err.Error())
	}
	return p, nil
}
