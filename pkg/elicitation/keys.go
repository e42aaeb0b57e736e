package elicitation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/agentbridge/bridge/pkg/canonical"
)

// DeriveKey computes an elicitation's response key:
// SHA-256(id ∥ to ∥ nonce ∥ secret). The key never reaches the log — only
// its fingerprint does — and the coordinator hands it out solely to the
// addressee, so a valid signature proves the responder's identity.
func DeriveKey(id, to, nonce string, secret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte(to))
	h.Write([]byte(nonce))
	h.Write(secret)
	return h.Sum(nil)
}

// KeyFingerprint returns the hex SHA-256 of a response key. Fingerprints are
// safe to store and log; the key itself is not.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// responseBinding is the structure a response signature covers. Everything
// that gives the response its meaning is bound; canonical encoding makes the
// signed bytes independent of who serialized them.
type responseBinding struct {
	ElicitationID string          `json:"elicitation_id"`
	Agent         string          `json:"agent"`
	ResponseType  string          `json:"response_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func computeMAC(key []byte, id, agent, responseType string, payload json.RawMessage) ([]byte, error) {
	msg, err := canonical.Marshal(responseBinding{
		ElicitationID: id,
		Agent:         agent,
		ResponseType:  responseType,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode response binding: %w", err)
	}
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil), nil
}

// Sign computes the hex HMAC-SHA256 a responder attaches to its response.
// The MAC key is the response key; the message is the canonical encoding of
// the response binding.
func Sign(key []byte, id, agent, responseType string, payload json.RawMessage) (string, error) {
	mac, err := computeMAC(key, id, agent, responseType, payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// VerifySignature reports whether signature is the valid MAC for the given
// response binding. Comparison is constant time, and malformed input
// verifies as false rather than surfacing an error a caller might mishandle.
func VerifySignature(key []byte, id, agent, responseType string, payload json.RawMessage, signature string) bool {
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, err := computeMAC(key, id, agent, responseType, payload)
	if err != nil {
		return false
	}
	return hmac.Equal(given, want)
}

// newNonce returns a 128-bit random nonce in hex.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
