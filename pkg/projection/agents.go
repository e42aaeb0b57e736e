package projection

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// TokenRecord is one issued credential. Only the fingerprint is ever known
// to the kernel; the opaque token lives with its agent.
type TokenRecord struct {
	AgentID     string    `json:"agent_id"`
	Fingerprint string    `json:"fingerprint"`
	Scopes      []string  `json:"scopes"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"` // zero = no expiry
	Revoked     bool      `json:"revoked,omitempty"`
}

// AgentRecord is the registry view of one agent.
type AgentRecord struct {
	AgentID       string                  `json:"agent_id"`
	Name          string                  `json:"name,omitempty"`
	Capabilities  []string                `json:"capabilities,omitempty"`
	Revoked       bool                    `json:"revoked,omitempty"`
	RevokedReason string                  `json:"revoked_reason,omitempty"`
	RegisteredAt  time.Time               `json:"registered_at,omitempty"`
	Tokens        map[string]*TokenRecord `json:"tokens,omitempty"` // keyed by fingerprint
}

// TokenAuth is the credential view handed to the authenticator: the token's
// scopes unioned with the agent's granted capabilities.
type TokenAuth struct {
	AgentID     string
	Fingerprint string
	Scopes      []string
	ExpiresAt   time.Time
}

// Agents folds agent and credential lifecycle events into the registry the
// authenticator and the expert picker read.
type Agents struct {
	mu      sync.RWMutex
	agents  map[string]*AgentRecord
	byToken map[string]*TokenRecord // fingerprint index across all agents
}

func NewAgents() *Agents {
	a := &Agents{}
	a.Reset()
	return a
}

func (a *Agents) Kind() string { return "agents" }

func (a *Agents) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents = make(map[string]*AgentRecord)
	a.byToken = make(map[string]*TokenRecord)
}

func (a *Agents) Apply(ev eventlog.Event) error {
	switch ev.Type {
	case eventlog.TypeAgentRegistered, eventlog.TypeAgentRevoked,
		eventlog.TypeTokenIssued, eventlog.TypeTokenRevoked,
		eventlog.TypeCapabilityGranted:
	default:
		return nil
	}

	p, err := eventlog.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch p := p.(type) {
	case *eventlog.AgentRegisteredPayload:
		// Re-registration replaces the declared shape and reactivates a
		// revoked agent; existing tokens stay revoked until reissued.
		rec := a.record(p.AgentID)
		rec.Name = p.Name
		rec.Capabilities = slices.Clone(p.Capabilities)
		rec.Revoked = false
		rec.RevokedReason = ""
		if rec.RegisteredAt.IsZero() {
			rec.RegisteredAt = ev.Meta.WallClock
		}

	case *eventlog.AgentRevokedPayload:
		rec := a.record(p.AgentID)
		rec.Revoked = true
		rec.RevokedReason = p.Reason
		for _, tok := range rec.Tokens {
			tok.Revoked = true
		}

	case *eventlog.TokenIssuedPayload:
		rec := a.record(p.AgentID)
		tok := &TokenRecord{
			AgentID:     p.AgentID,
			Fingerprint: p.TokenFingerprint,
			Scopes:      slices.Clone(p.Scopes),
			ExpiresAt:   p.ExpiresAt,
		}
		rec.Tokens[p.TokenFingerprint] = tok
		a.byToken[p.TokenFingerprint] = tok

	case *eventlog.TokenRevokedPayload:
		if tok, ok := a.byToken[p.TokenFingerprint]; ok {
			tok.Revoked = true
		}

	case *eventlog.CapabilityGrantedPayload:
		rec := a.record(p.AgentID)
		if !slices.Contains(rec.Capabilities, p.Capability) {
			rec.Capabilities = append(rec.Capabilities, p.Capability)
		}
	}
	return nil
}

// record returns the agent's record, creating a skeleton if lifecycle
// events arrive for an agent never explicitly registered.
func (a *Agents) record(agentID string) *AgentRecord {
	rec, ok := a.agents[agentID]
	if !ok {
		rec = &AgentRecord{AgentID: agentID, Tokens: make(map[string]*TokenRecord)}
		a.agents[agentID] = rec
	}
	return rec
}

// Get returns a copy of the agent's record.
func (a *Agents) Get(agentID string) (AgentRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return cloneAgent(rec), true
}

// Active reports whether the agent is registered and not revoked.
func (a *Agents) Active(agentID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.agents[agentID]
	return ok && !rec.Revoked
}

// Token resolves a token fingerprint to its credential view. It returns
// false for unknown or revoked tokens and for revoked agents; expiry is the
// caller's check since it needs a clock.
func (a *Agents) Token(fingerprint string) (TokenAuth, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tok, ok := a.byToken[fingerprint]
	if !ok || tok.Revoked {
		return TokenAuth{}, false
	}
	rec, ok := a.agents[tok.AgentID]
	if !ok || rec.Revoked {
		return TokenAuth{}, false
	}

	scopes := slices.Clone(tok.Scopes)
	for _, cap := range rec.Capabilities {
		if !slices.Contains(scopes, cap) {
			scopes = append(scopes, cap)
		}
	}
	return TokenAuth{
		AgentID:     tok.AgentID,
		Fingerprint: tok.Fingerprint,
		Scopes:      scopes,
		ExpiresAt:   tok.ExpiresAt,
	}, true
}

// WithCapability returns the ids of active agents holding cap, sorted.
func (a *Agents) WithCapability(cap string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var ids []string
	for id, rec := range a.agents {
		if rec.Revoked {
			continue
		}
		if slices.Contains(rec.Capabilities, cap) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// List returns copies of all agent records, sorted by id.
func (a *Agents) List() []AgentRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AgentRecord, 0, len(a.agents))
	for _, rec := range a.agents {
		out = append(out, cloneAgent(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (a *Agents) MarshalSnapshot() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return json.Marshal(struct {
		Agents map[string]*AgentRecord `json:"agents"`
	}{Agents: a.agents})
}

func (a *Agents) UnmarshalSnapshot(data []byte) error {
	var snap struct {
		Agents map[string]*AgentRecord `json:"agents"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("agents snapshot: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents = snap.Agents
	if a.agents == nil {
		a.agents = make(map[string]*AgentRecord)
	}
	a.byToken = make(map[string]*TokenRecord)
	for _, rec := range a.agents {
		if rec.Tokens == nil {
			rec.Tokens = make(map[string]*TokenRecord)
		}
		for fp, tok := range rec.Tokens {
			a.byToken[fp] = tok
		}
	}
	return nil
}

func cloneAgent(rec *AgentRecord) AgentRecord {
	out := *rec
	out.Capabilities = slices.Clone(rec.Capabilities)
	out.Tokens = make(map[string]*TokenRecord, len(rec.Tokens))
	for fp, tok := range rec.Tokens {
		t := *tok
		t.Scopes = slices.Clone(tok.Scopes)
		out.Tokens[fp] = &t
	}
	return out
}
