// Package eventlog implements the append-only event log that is the single
// source of truth for the coordination kernel.
//
// ════════════════════════════════════════════════════════════════
// Ordering and durability model
// ════════════════════════════════════════════════════════════════
//
// All appends funnel through one writer goroutine. Producers submit drafts
// over a bounded queue (overflow returns ErrBusy) and block until the writer
// acknowledges durability. The writer drains up to its batch limit or waits
// out the batch window, assigns ids, chains hashes, writes the batch as
// contiguous frames, and fsyncs once before acking every producer in the
// batch. An acked append is durable; an errored append left nothing behind
// that recovery will keep.
//
// Ids are (wall_ns, seq, node) triples. wall_ns is forced monotonic — the
// writer never assigns an ns at or below the previous batch, even if the
// wall clock steps backwards — so id order, append order, and file order
// are the same order.
//
// Each event records the SHA-256 of the previous event's hash concatenated
// with its own canonical encoding. Recovery re-walks the tail segment,
// truncates any torn suffix from an interrupted batch, and refuses to start
// on a broken chain.
//
// Segments rotate at a size threshold. Sealed segments are immutable and get
// a sidecar id→offset index; the active segment is indexed in memory.
// ════════════════════════════════════════════════════════════════
package eventlog

// Type is an event type from the closed kernel set. Appending or replaying a
// type outside this set is a hard error, never a silent skip.
type Type string

// Agent and credential lifecycle.
const (
	TypeAgentRegistered   Type = "agent.registered"
	TypeAgentRevoked      Type = "agent.revoked"
	TypeTokenIssued       Type = "token.issued"
	TypeTokenRevoked      Type = "token.revoked"
	TypeCapabilityGranted Type = "capability.granted"
)

// Elicitation lifecycle — exactly one terminal event (responded or expired)
// per elicitation.
const (
	TypeElicitationCreated   Type = "elicitation.created"
	TypeElicitationResponded Type = "elicitation.responded"
	TypeElicitationExpired   Type = "elicitation.expired"
)

// Validation pipeline.
const (
	TypeValidationRequested Type = "validation.requested"
	TypeValidationDecided   Type = "validation.decided"
	TypePolicyUpdated       Type = "policy.updated"
	TypeCacheInvalidated    Type = "cache.invalidated"
)

// System health and degradation.
const (
	TypeSystemDegraded   Type = "system.degraded"
	TypeSystemRecovering Type = "system.recovering"
	TypeSystemRecovered  Type = "system.recovered"
)

// Integrity, security, and external collaborators.
const (
	TypeIntegrityAlert Type = "integrity.alert"
	TypeSecurityEvent  Type = "security.event"
	TypeFileMutated    Type = "file.mutated"
	TypeSnapshotTaken  Type = "snapshot.taken"
)

// Well-known stream ids. Streams group events for filtered reads and
// subscriptions; filters match on stream prefix.
const (
	SystemStream   = "system"
	PolicyStream   = "policy"
	SecurityStream = "security"
	FilesStream    = "files"
)

// AgentStream returns the stream id for a specific agent's lifecycle events.
// Format: "agent:{agent_id}"
func AgentStream(agentID string) string {
	return "agent:" + agentID
}

// ElicitationStream returns the stream id for a specific elicitation.
// Format: "elicitation:{elicitation_id}"
func ElicitationStream(elicitationID string) string {
	return "elicitation:" + elicitationID
}

// ValidationStream returns the stream id for a validation request.
// Format: "validation:{request_id}"
func ValidationStream(requestID string) string {
	return "validation:" + requestID
}
