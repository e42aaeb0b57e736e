package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentbridge/bridge/pkg/canonical"
)

// GenesisHash is the prev_hash of the first event in a log: 32 zero bytes,
// hex encoded.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one immutable record in the log. Everything the kernel knows is
// reconstructable from the ordered sequence of these.
type Event struct {
	ID        ID              `json:"id"`
	StreamID  string          `json:"stream_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Causality Causality       `json:"causality"`
	Meta      Meta            `json:"meta"`
	Integrity Integrity       `json:"integrity"`
}

// Causality links an event to what caused it.
type Causality struct {
	Parents     []ID   `json:"parents,omitempty"`     // ids this event is a direct consequence of
	Correlation string `json:"correlation,omitempty"` // groups events of one logical operation
	Session     string `json:"session,omitempty"`     // agent work session
}

// Meta is descriptive context recorded at append time. WallClock is
// informational only; ordering comes from the id.
type Meta struct {
	Agent     string    `json:"agent,omitempty"` // agent on whose behalf the event was appended
	Node      string    `json:"node"`
	WallClock time.Time `json:"wall_clock"`
}

// Integrity carries the hash chain. Hash covers the canonical encoding of
// the event with Integrity zeroed, prefixed by the raw bytes of PrevHash.
type Integrity struct {
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`
}

// Draft is the producer-side input to Append. The writer assigns the id,
// node, wall clock, and hash chain.
type Draft struct {
	StreamID    string
	Type        Type
	Payload     json.RawMessage
	Parents     []ID
	Correlation string
	Session     string
	Agent       string
}

// Validate checks draft fields and the payload against the type's schema.
func (d *Draft) Validate() error {
	if d.StreamID == "" {
		return NewSchemaError(d.Type, "stream_id is required")
	}
	return ValidatePayload(d.Type, d.Payload)
}

// ComputeHash returns the chain hash for an event: SHA-256 over the decoded
// prev hash bytes followed by the canonical encoding of the event with its
// Integrity field zeroed.
func ComputeHash(prevHex string, e Event) (string, error) {
	prev, err := hex.DecodeString(prevHex)
	if err != nil || len(prev) != sha256.Size {
		return "", fmt.Errorf("%w: malformed prev hash %q", ErrIntegrity, prevHex)
	}

	e.Integrity = Integrity{}
	body, err := canonical.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("hash event %s: %w", e.ID, err)
	}

	h := sha256.New()
	h.Write(prev)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyHash recomputes the event's chain hash and compares it to the stored
// one. prevHex is the hash of the preceding event (GenesisHash for the
// first).
func VerifyHash(prevHex string, e Event) error {
	if e.Integrity.PrevHash != prevHex {
		return fmt.Errorf("%w: event %s prev_hash mismatch", ErrIntegrity, e.ID)
	}
	want, err := ComputeHash(prevHex, e)
	if err != nil {
		return err
	}
	if e.Integrity.Hash != want {
		return fmt.Errorf("%w: event %s hash mismatch", ErrIntegrity, e.ID)
	}
	return nil
}
