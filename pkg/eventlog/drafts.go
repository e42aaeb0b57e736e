package eventlog

import (
	"encoding/json"
	"fmt"
)

// Typed draft constructors. Each marshals a specific payload struct, picks
// the stream the type belongs on, and validates eagerly so malformed
// payloads fail at the call site instead of inside the writer.

func newDraft(typ Type, stream string, p payload) (Draft, error) {
	if err := p.Validate(); err != nil {
		return Draft{}, NewSchemaError(typ, err.Error())
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Draft{StreamID: stream, Type: typ, Payload: raw}, nil
}

// NewAgentRegistered builds an agent.registered draft on the agent's stream.
func NewAgentRegistered(p AgentRegisteredPayload) (Draft, error) {
	return newDraft(TypeAgentRegistered, AgentStream(p.AgentID), &p)
}

// NewAgentRevoked builds an agent.revoked draft on the agent's stream.
func NewAgentRevoked(p AgentRevokedPayload) (Draft, error) {
	return newDraft(TypeAgentRevoked, AgentStream(p.AgentID), &p)
}

// NewTokenIssued builds a token.issued draft on the agent's stream.
func NewTokenIssued(p TokenIssuedPayload) (Draft, error) {
	return newDraft(TypeTokenIssued, AgentStream(p.AgentID), &p)
}

// NewTokenRevoked builds a token.revoked draft on the agent's stream.
func NewTokenRevoked(p TokenRevokedPayload) (Draft, error) {
	return newDraft(TypeTokenRevoked, AgentStream(p.AgentID), &p)
}

// NewCapabilityGranted builds a capability.granted draft on the agent's stream.
func NewCapabilityGranted(p CapabilityGrantedPayload) (Draft, error) {
	return newDraft(TypeCapabilityGranted, AgentStream(p.AgentID), &p)
}

// NewElicitationCreated builds an elicitation.created draft on the
// elicitation's stream.
func NewElicitationCreated(p ElicitationCreatedPayload) (Draft, error) {
	return newDraft(TypeElicitationCreated, ElicitationStream(p.ElicitationID), &p)
}

// NewElicitationResponded builds an elicitation.responded draft on the
// elicitation's stream.
func NewElicitationResponded(p ElicitationRespondedPayload) (Draft, error) {
	return newDraft(TypeElicitationResponded, ElicitationStream(p.ElicitationID), &p)
}

// NewElicitationExpired builds an elicitation.expired draft on the
// elicitation's stream.
func NewElicitationExpired(p ElicitationExpiredPayload) (Draft, error) {
	return newDraft(TypeElicitationExpired, ElicitationStream(p.ElicitationID), &p)
}

// NewValidationRequested builds a validation.requested draft on the
// request's stream.
func NewValidationRequested(p ValidationRequestedPayload) (Draft, error) {
	return newDraft(TypeValidationRequested, ValidationStream(p.RequestID), &p)
}

// NewValidationDecided builds a validation.decided draft on the request's
// stream.
func NewValidationDecided(p ValidationDecidedPayload) (Draft, error) {
	return newDraft(TypeValidationDecided, ValidationStream(p.RequestID), &p)
}

// NewPolicyUpdated builds a policy.updated draft on the policy stream.
func NewPolicyUpdated(p PolicyUpdatedPayload) (Draft, error) {
	return newDraft(TypePolicyUpdated, PolicyStream, &p)
}

// NewCacheInvalidated builds a cache.invalidated draft on the policy stream.
func NewCacheInvalidated(p CacheInvalidatedPayload) (Draft, error) {
	return newDraft(TypeCacheInvalidated, PolicyStream, &p)
}

// NewSystemDegraded builds a system.degraded draft on the system stream.
func NewSystemDegraded(p SystemDegradedPayload) (Draft, error) {
	return newDraft(TypeSystemDegraded, SystemStream, &p)
}

// NewSystemRecovering builds a system.recovering draft on the system stream.
func NewSystemRecovering(p SystemRecoveringPayload) (Draft, error) {
	return newDraft(TypeSystemRecovering, SystemStream, &p)
}

// NewSystemRecovered builds a system.recovered draft on the system stream.
func NewSystemRecovered(p SystemRecoveredPayload) (Draft, error) {
	return newDraft(TypeSystemRecovered, SystemStream, &p)
}

// NewIntegrityAlert builds an integrity.alert draft on the system stream.
func NewIntegrityAlert(p IntegrityAlertPayload) (Draft, error) {
	return newDraft(TypeIntegrityAlert, SystemStream, &p)
}

// NewSecurityEvent builds a security.event draft on the security stream.
func NewSecurityEvent(p SecurityEventPayload) (Draft, error) {
	return newDraft(TypeSecurityEvent, SecurityStream, &p)
}

// NewFileMutated builds a file.mutated draft on the files stream.
func NewFileMutated(p FileMutatedPayload) (Draft, error) {
	return newDraft(TypeFileMutated, FilesStream, &p)
}

// NewSnapshotTaken builds a snapshot.taken draft on the system stream.
func NewSnapshotTaken(p SnapshotTakenPayload) (Draft, error) {
	return newDraft(TypeSnapshotTaken, SystemStream, &p)
}
