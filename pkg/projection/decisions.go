package projection

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// DefaultDecisionWindow bounds how many decided validations the projection
// retains for pattern scoring.
const DefaultDecisionWindow = 2048

// DecisionRecord is one decided validation with the feature tokens the
// pattern tier scores against.
type DecisionRecord struct {
	RequestID   string    `json:"request_id"`
	Fingerprint string    `json:"fingerprint"`
	AgentID     string    `json:"agent_id"`
	Tool        string    `json:"tool,omitempty"`
	Decision    string    `json:"decision"`
	Risk        string    `json:"risk,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Tier        string    `json:"tier"`
	Features    []string  `json:"features,omitempty"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
}

type pendingRequest struct {
	RequestID string          `json:"request_id"`
	AgentID   string          `json:"agent_id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Decisions joins validation.requested with validation.decided and keeps a
// sliding window of decided records. It is the training data for the
// pattern tier and the audit view for recent decisions.
type Decisions struct {
	mu      sync.RWMutex
	window  int
	pending map[string]*pendingRequest
	order   []string // pending insertion order, for bounded eviction
	records []DecisionRecord
}

func NewDecisions(window int) *Decisions {
	if window <= 0 {
		window = DefaultDecisionWindow
	}
	d := &Decisions{window: window}
	d.Reset()
	return d
}

func (d *Decisions) Kind() string { return "decisions" }

func (d *Decisions) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = make(map[string]*pendingRequest)
	d.order = nil
	d.records = nil
}

func (d *Decisions) Apply(ev eventlog.Event) error {
	switch ev.Type {
	case eventlog.TypeValidationRequested, eventlog.TypeValidationDecided:
	default:
		return nil
	}

	p, err := eventlog.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch p := p.(type) {
	case *eventlog.ValidationRequestedPayload:
		if _, ok := d.pending[p.RequestID]; ok {
			return nil
		}
		d.pending[p.RequestID] = &pendingRequest{
			RequestID: p.RequestID,
			AgentID:   p.AgentID,
			Tool:      p.Tool,
			Args:      p.Args,
		}
		d.order = append(d.order, p.RequestID)
		// Coalesced duplicates never get their own decided event; cap the
		// join table so they cannot grow it without bound.
		for len(d.pending) > 4*d.window && len(d.order) > 0 {
			delete(d.pending, d.order[0])
			d.order = d.order[1:]
		}

	case *eventlog.ValidationDecidedPayload:
		rec := DecisionRecord{
			RequestID:   p.RequestID,
			Fingerprint: p.Fingerprint,
			AgentID:     p.AgentID,
			Decision:    p.Decision,
			Risk:        p.Risk,
			Reason:      p.Reason,
			Tier:        p.Tier,
			DecidedAt:   ev.Meta.WallClock,
		}
		if req, ok := d.pending[p.RequestID]; ok {
			rec.Tool = req.Tool
			rec.Features = FeatureTokens(req.Tool, req.Args)
			delete(d.pending, p.RequestID)
		}
		d.records = append(d.records, rec)
		if len(d.records) > d.window {
			d.records = append(d.records[:0:0], d.records[len(d.records)-d.window:]...)
		}
	}
	return nil
}

// Recent returns up to n decided records, newest last.
func (d *Decisions) Recent(n int) []DecisionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n <= 0 || n > len(d.records) {
		n = len(d.records)
	}
	out := make([]DecisionRecord, n)
	copy(out, d.records[len(d.records)-n:])
	return out
}

// ForTool returns the retained decisions for one tool, oldest first.
func (d *Decisions) ForTool(tool string) []DecisionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []DecisionRecord
	for _, rec := range d.records {
		if rec.Tool == tool {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns how many decided records are retained.
func (d *Decisions) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

func (d *Decisions) MarshalSnapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(struct {
		Pending map[string]*pendingRequest `json:"pending,omitempty"`
		Order   []string                   `json:"order,omitempty"`
		Records []DecisionRecord           `json:"records"`
	}{Pending: d.pending, Order: d.order, Records: d.records})
}

func (d *Decisions) UnmarshalSnapshot(data []byte) error {
	var snap struct {
		Pending map[string]*pendingRequest `json:"pending,omitempty"`
		Order   []string                   `json:"order,omitempty"`
		Records []DecisionRecord           `json:"records"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decisions snapshot: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = snap.Pending
	if d.pending == nil {
		d.pending = make(map[string]*pendingRequest)
	}
	d.order = snap.Order
	d.records = snap.Records
	return nil
}

// FeatureTokens flattens a validation request into a deterministic token
// set: "tool=<tool>" plus one "path=value" token per scalar argument, with
// array indexes collapsed so list order does not matter. The pattern tier
// compares these sets, so extraction must be identical for historical and
// incoming requests.
func FeatureTokens(tool string, args json.RawMessage) []string {
	set := map[string]struct{}{"tool=" + tool: {}}
	if len(args) > 0 {
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			featureWalk("", v, set)
		}
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

func featureWalk(path string, v any, set map[string]struct{}) {
	switch v := v.(type) {
	case map[string]any:
		if len(v) == 0 {
			set[path] = struct{}{}
			return
		}
		for k, child := range v {
			p := k
			if path != "" {
				p = path + "." + k
			}
			featureWalk(p, child, set)
		}
	case []any:
		if len(v) == 0 {
			set[path] = struct{}{}
			return
		}
		for _, child := range v {
			featureWalk(path, child, set)
		}
	default:
		set[path+"="+featureValue(v)] = struct{}{}
	}
}

// featureValue renders a scalar; long strings are hashed so one oversized
// argument cannot bloat every token set it appears in.
func featureValue(v any) string {
	var s string
	switch v := v.(type) {
	case string:
		s = v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	default:
		s = fmt.Sprint(v)
	}
	if len(s) > 64 {
		sum := sha256.Sum256([]byte(s))
		return "sha256:" + hex.EncodeToString(sum[:8])
	}
	return s
}
