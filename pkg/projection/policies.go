package projection

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// PolicySet is the active rule set. Rules stay raw here; the dispatcher
// compiles them and owns their shape.
type PolicySet struct {
	Version   int             `json:"version"`
	Rules     json.RawMessage `json:"rules,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// Policies folds policy.updated events. Each event carries a full
// replacement set, so the fold is last-write-wins.
type Policies struct {
	mu  sync.RWMutex
	cur PolicySet
}

func NewPolicies() *Policies {
	return &Policies{}
}

func (p *Policies) Kind() string { return "policies" }

func (p *Policies) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = PolicySet{}
}

func (p *Policies) Apply(ev eventlog.Event) error {
	if ev.Type != eventlog.TypePolicyUpdated {
		return nil
	}
	decoded, err := eventlog.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}
	pay := decoded.(*eventlog.PolicyUpdatedPayload)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = PolicySet{
		Version:   pay.Version,
		Rules:     pay.Rules,
		UpdatedBy: pay.UpdatedBy,
		UpdatedAt: ev.Meta.WallClock,
	}
	return nil
}

// Current returns the active policy set; Version 0 means none was ever
// published.
func (p *Policies) Current() PolicySet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

func (p *Policies) MarshalSnapshot() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(p.cur)
}

func (p *Policies) UnmarshalSnapshot(data []byte) error {
	var cur PolicySet
	if err := json.Unmarshal(data, &cur); err != nil {
		return fmt.Errorf("policies snapshot: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = cur
	return nil
}
