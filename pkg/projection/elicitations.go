package projection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// Elicitation lifecycle states.
const (
	ElicitationPending   = "pending"
	ElicitationResponded = "responded"
	ElicitationExpired   = "expired"
)

// ElicitationRecord is the folded state of one elicitation: the creation
// parameters plus, once terminal, the outcome.
type ElicitationRecord struct {
	ID             string          `json:"id"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Kind           string          `json:"kind"`
	Prompt         json.RawMessage `json:"prompt,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	Nonce          string          `json:"nonce"`
	KeyFingerprint string          `json:"key_fingerprint"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`

	Status       string          `json:"status"`
	Responder    string          `json:"responder,omitempty"`
	ResponseType string          `json:"response_type,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	RespondedAt  time.Time       `json:"responded_at,omitempty"`
}

// Terminal reports whether the elicitation has reached its single terminal
// state.
func (r ElicitationRecord) Terminal() bool {
	return r.Status != ElicitationPending
}

// Elicitations folds the elicitation lifecycle into a by-id table plus a
// pending index per recipient.
type Elicitations struct {
	mu      sync.RWMutex
	byID    map[string]*ElicitationRecord
	pending map[string]map[string]struct{} // to -> pending ids
}

func NewElicitations() *Elicitations {
	e := &Elicitations{}
	e.Reset()
	return e
}

func (e *Elicitations) Kind() string { return "elicitations" }

func (e *Elicitations) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID = make(map[string]*ElicitationRecord)
	e.pending = make(map[string]map[string]struct{})
}

func (e *Elicitations) Apply(ev eventlog.Event) error {
	switch ev.Type {
	case eventlog.TypeElicitationCreated, eventlog.TypeElicitationResponded,
		eventlog.TypeElicitationExpired:
	default:
		return nil
	}

	p, err := eventlog.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch p := p.(type) {
	case *eventlog.ElicitationCreatedPayload:
		rec := &ElicitationRecord{
			ID:             p.ElicitationID,
			From:           p.From,
			To:             p.To,
			Kind:           p.Kind,
			Prompt:         p.Prompt,
			ResponseSchema: p.ResponseSchema,
			Nonce:          p.Nonce,
			KeyFingerprint: p.KeyFingerprint,
			CreatedAt:      p.CreatedAt,
			ExpiresAt:      p.ExpiresAt,
			Status:         ElicitationPending,
		}
		e.byID[p.ElicitationID] = rec
		e.index(rec)

	case *eventlog.ElicitationRespondedPayload:
		rec, ok := e.byID[p.ElicitationID]
		if !ok {
			return fmt.Errorf("response for unknown elicitation %s", p.ElicitationID)
		}
		if rec.Terminal() {
			// The log writer serializes appends, so a second terminal event
			// is an upstream bug worth alerting on rather than folding over.
			return fmt.Errorf("elicitation %s already %s", rec.ID, rec.Status)
		}
		rec.Status = ElicitationResponded
		rec.Responder = p.Responder
		rec.ResponseType = p.ResponseType
		rec.Response = p.Response
		rec.Signature = p.Signature
		rec.RespondedAt = p.RespondedAt
		e.unindex(rec)

	case *eventlog.ElicitationExpiredPayload:
		rec, ok := e.byID[p.ElicitationID]
		if !ok {
			return fmt.Errorf("expiry for unknown elicitation %s", p.ElicitationID)
		}
		if rec.Terminal() {
			return fmt.Errorf("elicitation %s already %s", rec.ID, rec.Status)
		}
		rec.Status = ElicitationExpired
		rec.RespondedAt = p.ExpiredAt
		e.unindex(rec)
	}
	return nil
}

func (e *Elicitations) index(rec *ElicitationRecord) {
	set, ok := e.pending[rec.To]
	if !ok {
		set = make(map[string]struct{})
		e.pending[rec.To] = set
	}
	set[rec.ID] = struct{}{}
}

func (e *Elicitations) unindex(rec *ElicitationRecord) {
	if set, ok := e.pending[rec.To]; ok {
		delete(set, rec.ID)
		if len(set) == 0 {
			delete(e.pending, rec.To)
		}
	}
}

// Get returns a copy of the elicitation's record.
func (e *Elicitations) Get(id string) (ElicitationRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.byID[id]
	if !ok {
		return ElicitationRecord{}, false
	}
	return *rec, true
}

// PendingFor returns the pending elicitations addressed to an agent, oldest
// first.
func (e *Elicitations) PendingFor(to string) []ElicitationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ElicitationRecord, 0, len(e.pending[to]))
	for id := range e.pending[to] {
		out = append(out, *e.byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount returns how many elicitations await an agent. The dispatcher
// uses it to pick the least-loaded expert.
func (e *Elicitations) PendingCount(to string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending[to])
}

// ConsumedNonces returns the nonces of responded elicitations, for reseeding
// the replay window after a restart.
func (e *Elicitations) ConsumedNonces() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, rec := range e.byID {
		if rec.Status == ElicitationResponded {
			out = append(out, rec.Nonce)
		}
	}
	sort.Strings(out)
	return out
}

// Due returns ids of pending elicitations whose deadline has passed.
func (e *Elicitations) Due(now time.Time) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var due []string
	for _, set := range e.pending {
		for id := range set {
			if rec := e.byID[id]; !rec.ExpiresAt.After(now) {
				due = append(due, id)
			}
		}
	}
	sort.Strings(due)
	return due
}

func (e *Elicitations) MarshalSnapshot() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(struct {
		ByID map[string]*ElicitationRecord `json:"by_id"`
	}{ByID: e.byID})
}

func (e *Elicitations) UnmarshalSnapshot(data []byte) error {
	var snap struct {
		ByID map[string]*ElicitationRecord `json:"by_id"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("elicitations snapshot: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID = snap.ByID
	if e.byID == nil {
		e.byID = make(map[string]*ElicitationRecord)
	}
	e.pending = make(map[string]map[string]struct{})
	for _, rec := range e.byID {
		if rec.Status == ElicitationPending {
			e.index(rec)
		}
	}
	return nil
}
