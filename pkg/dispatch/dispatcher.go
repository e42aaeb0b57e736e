// Package dispatch answers validation requests through tiers of increasing
// cost: a decision cache, declarative policy rules, similarity scoring over
// decided history, and finally a human expert reached through an elicitation.
// Every request and every decision land on the event log with the full tier
// trace, so any decision can be audited after the fact.
//
// Identical in-flight requests coalesce onto one evaluation. The losing
// callers still append their own validation.requested event and then share
// the winner's decision.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/canonical"
	"github.com/agentbridge/bridge/pkg/elicitation"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
	"github.com/agentbridge/bridge/pkg/projection"
)

const (
	defaultCacheSize     = 4096
	defaultCacheTTL      = 5 * time.Minute
	defaultTheta         = 0.9
	defaultMinSamples    = 5
	defaultExpertTimeout = 30 * time.Second

	// evaluateGrace pads the detached evaluation context past the expert
	// timeout so the coordinator, not the context, decides the outcome.
	evaluateGrace = 10 * time.Second
)

// ExpertCapability marks agents eligible to receive escalated validations.
const ExpertCapability = "validation.expert"

// Config carries the dispatcher's dependencies and tuning.
type Config struct {
	Log *eventlog.Log
	Hub *hub.Hub

	Decisions    *projection.Decisions
	Policies     *projection.Policies
	Elicitations *projection.Elicitations
	Agents       *projection.Agents

	Coordinator *elicitation.Coordinator
	Limiter     *auth.RateLimiter

	CacheSize     int
	CacheTTL      time.Duration
	Theta         float64
	MinSamples    int
	ExpertTimeout time.Duration
}

// Dispatcher evaluates validation requests tier by tier and records the
// outcome. Unrecordable decisions are errors: a decision that cannot reach
// the log is never handed to the caller.
type Dispatcher struct {
	log         *eventlog.Log
	hub         *hub.Hub
	decisions   *projection.Decisions
	policies    *projection.Policies
	elics       *projection.Elicitations
	agents      *projection.Agents
	coordinator *elicitation.Coordinator
	limiter     *auth.RateLimiter

	memory  *memoryTier
	policy  *policyTier
	pattern *patternTier

	expertTimeout time.Duration
	group         singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Dispatcher from cfg, applying package defaults to unset
// tuning fields.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Theta <= 0 {
		cfg.Theta = defaultTheta
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	if cfg.ExpertTimeout <= 0 {
		cfg.ExpertTimeout = defaultExpertTimeout
	}
	memory, err := newMemoryTier(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		log:           cfg.Log,
		hub:           cfg.Hub,
		decisions:     cfg.Decisions,
		policies:      cfg.Policies,
		elics:         cfg.Elicitations,
		agents:        cfg.Agents,
		coordinator:   cfg.Coordinator,
		limiter:       cfg.Limiter,
		memory:        memory,
		policy:        newPolicyTier(),
		pattern:       newPatternTier(cfg.Decisions, cfg.Theta, cfg.MinSamples),
		expertTimeout: cfg.ExpertTimeout,
		stopCh:        make(chan struct{}),
	}, nil
}

// Request is one validation check.
type Request struct {
	AgentID     string
	Tool        string
	Args        json.RawMessage
	Correlation string
	Session     string
}

// Decision is the dispatcher's answer, mirroring the decided event.
type Decision struct {
	RequestID   string                `json:"request_id"`
	Fingerprint string                `json:"fingerprint"`
	Decision    string                `json:"decision"`
	Risk        string                `json:"risk,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Tier        string                `json:"tier"`
	TierTrace   []eventlog.TierResult `json:"tier_trace,omitempty"`
	EventID     eventlog.ID           `json:"event_id"`
}

// Approved reports whether the request may proceed.
func (d Decision) Approved() bool { return d.Decision == eventlog.DecisionApproved }

// request is the internal evaluation view, shared by every tier.
type request struct {
	requestID   string
	agentID     string
	tool        string
	args        json.RawMessage
	argDoc      any
	fingerprint string
	features    []string
	correlation string
	session     string
}

type verdict struct {
	decision string
	risk     string
	reason   string
}

// Check validates one tool call. It records the request, walks the tiers,
// records the decision, and returns it. Identical concurrent requests share
// one evaluation keyed by fingerprint.
func (d *Dispatcher) Check(ctx context.Context, in Request) (Decision, error) {
	if err := validateRequest(&in); err != nil {
		return Decision{}, err
	}
	if err := d.limiter.Allow(in.AgentID, auth.ClassValidationCheck); err != nil {
		return Decision{}, err
	}

	fp, err := requestFingerprint(in.AgentID, in.Tool, in.Args)
	if err != nil {
		return Decision{}, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "fingerprint request")
	}
	req := &request{
		requestID:   uuid.Must(uuid.NewV7()).String(),
		agentID:     in.AgentID,
		tool:        in.Tool,
		args:        in.Args,
		argDoc:      decodeArgs(in.Args),
		fingerprint: fp,
		features:    projection.FeatureTokens(in.Tool, in.Args),
		correlation: in.Correlation,
		session:     in.Session,
	}

	draft, err := eventlog.NewValidationRequested(eventlog.ValidationRequestedPayload{
		RequestID:   req.requestID,
		AgentID:     req.agentID,
		Tool:        req.tool,
		Args:        req.args,
		Fingerprint: req.fingerprint,
	})
	if err != nil {
		return Decision{}, err
	}
	draft.Agent = in.AgentID
	draft.Correlation = in.Correlation
	draft.Session = in.Session
	if _, err := d.log.AppendOne(ctx, draft); err != nil {
		return Decision{}, err
	}

	// The evaluation runs on a detached context: coalesced followers must
	// not lose their answer because the leading caller gave up.
	ch := d.group.DoChan(fp, func() (any, error) {
		evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.expertTimeout+evaluateGrace)
		defer cancel()
		return d.evaluate(evalCtx, req)
	})
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Decision{}, res.Err
		}
		if res.Shared {
			coalescedTotal.Inc()
		}
		return res.Val.(Decision), nil
	}
}

func validateRequest(in *Request) error {
	switch {
	case in.AgentID == "":
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "agent_id is required")
	case in.Tool == "":
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "tool is required")
	}
	if len(in.Args) > 0 && !json.Valid(in.Args) {
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "args must be valid JSON")
	}
	return nil
}

// requestFingerprint canonicalizes (agent, tool, args). The agent is part of
// the identity because agent-scoped rules can decide the same tool call
// differently per caller.
func requestFingerprint(agentID, tool string, args json.RawMessage) (string, error) {
	return canonical.Fingerprint(struct {
		Agent string          `json:"agent"`
		Tool  string          `json:"tool"`
		Args  json.RawMessage `json:"args,omitempty"`
	}{Agent: agentID, Tool: tool, Args: args})
}

func decodeArgs(args json.RawMessage) any {
	if len(args) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// evaluate walks the tiers in escalation order and records the decision.
func (d *Dispatcher) evaluate(ctx context.Context, req *request) (Decision, error) {
	var trace []eventlog.TierResult

	start := time.Now()
	if ent, ok := d.memory.get(req.fingerprint); ok {
		trace = append(trace, tierResult(eventlog.TierMemory, "hit", start))
		v := verdict{decision: ent.decision, risk: ent.risk, reason: ent.reason}
		return d.decide(ctx, req, v, eventlog.TierMemory, trace, false)
	}
	trace = append(trace, tierResult(eventlog.TierMemory, "miss", start))

	start = time.Now()
	if v, ok := d.policy.evaluate(req); ok {
		trace = append(trace, tierResult(eventlog.TierPolicy, "matched", start))
		return d.decide(ctx, req, v, eventlog.TierPolicy, trace, true)
	}
	trace = append(trace, tierResult(eventlog.TierPolicy, "no_match", start))

	start = time.Now()
	if v, _, _, ok := d.pattern.evaluate(req); ok {
		trace = append(trace, tierResult(eventlog.TierPattern, "decided", start))
		return d.decide(ctx, req, v, eventlog.TierPattern, trace, true)
	}
	trace = append(trace, tierResult(eventlog.TierPattern, "low_confidence", start))

	start = time.Now()
	v, outcome, cacheable := d.escalate(ctx, req)
	trace = append(trace, tierResult(eventlog.TierExpert, outcome, start))
	return d.decide(ctx, req, v, eventlog.TierExpert, trace, cacheable)
}

func tierResult(tier, outcome string, start time.Time) eventlog.TierResult {
	return eventlog.TierResult{Tier: tier, Outcome: outcome, ElapsedUS: time.Since(start).Microseconds()}
}

// decide appends the validation.decided event, optionally caches the
// verdict, and builds the caller-facing decision.
func (d *Dispatcher) decide(ctx context.Context, req *request, v verdict, tier string, trace []eventlog.TierResult, cache bool) (Decision, error) {
	draft, err := eventlog.NewValidationDecided(eventlog.ValidationDecidedPayload{
		RequestID:   req.requestID,
		Fingerprint: req.fingerprint,
		AgentID:     req.agentID,
		Decision:    v.decision,
		Risk:        v.risk,
		Reason:      v.reason,
		Tier:        tier,
		TierTrace:   trace,
	})
	if err != nil {
		return Decision{}, err
	}
	draft.Agent = req.agentID
	draft.Correlation = req.correlation
	draft.Session = req.session
	id, err := d.log.AppendOne(ctx, draft)
	if err != nil {
		return Decision{}, err
	}

	if cache {
		d.memory.put(req.fingerprint, cacheEntry{
			decision: v.decision,
			risk:     v.risk,
			reason:   v.reason,
			tier:     tier,
			agentID:  req.agentID,
			tool:     req.tool,
		})
	}
	checksTotal.WithLabelValues(tier).Inc()
	decisionsTotal.WithLabelValues(v.decision).Inc()
	slog.Info("Validation decided",
		"request_id", req.requestID,
		"agent_id", req.agentID,
		"tool", req.tool,
		"decision", v.decision,
		"tier", tier,
		"reason", v.reason)
	return Decision{
		RequestID:   req.requestID,
		Fingerprint: req.fingerprint,
		Decision:    v.decision,
		Risk:        v.risk,
		Reason:      v.reason,
		Tier:        tier,
		TierTrace:   trace,
		EventID:     id,
	}, nil
}

// expertPrompt is what the chosen expert sees as the elicitation prompt.
type expertPrompt struct {
	RequestID   string          `json:"request_id"`
	AgentID     string          `json:"agent_id"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args,omitempty"`
	Fingerprint string          `json:"fingerprint"`
}

type expertAnswer struct {
	Approved bool   `json:"approved"`
	Risk     string `json:"risk,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// expertResponseSchema constrains accept payloads so a malformed answer
// cannot reach the dispatcher as a decision.
const expertResponseSchema = `{
	"type": "object",
	"required": ["approved"],
	"properties": {
		"approved": {"type": "boolean"},
		"risk": {"type": "string", "enum": ["low", "medium", "high"]},
		"reason": {"type": "string"}
	},
	"additionalProperties": false
}`

// escalate routes the request to the least loaded expert and waits for the
// elicitation to settle. Denials produced here without an expert judgement
// (timeout, decline, nobody available) are never cacheable.
func (d *Dispatcher) escalate(ctx context.Context, req *request) (v verdict, outcome string, cacheable bool) {
	deny := verdict{decision: eventlog.DecisionDenied}

	expert, ok := d.pickExpert(req.agentID)
	if !ok {
		escalationsTotal.WithLabelValues("unavailable").Inc()
		deny.reason = eventlog.ReasonUnavailable
		return deny, "unavailable", false
	}

	prompt, err := json.Marshal(expertPrompt{
		RequestID:   req.requestID,
		AgentID:     req.agentID,
		Tool:        req.tool,
		Args:        req.args,
		Fingerprint: req.fingerprint,
	})
	if err != nil {
		deny.reason = eventlog.ReasonUnavailable
		return deny, "error", false
	}

	created, err := d.coordinator.Create(ctx, elicitation.CreateInput{
		From:           req.agentID,
		To:             expert,
		Kind:           elicitation.KindValidation,
		Prompt:         prompt,
		ResponseSchema: json.RawMessage(expertResponseSchema),
		Timeout:        d.expertTimeout,
		Correlation:    req.correlation,
		Session:        req.session,
		Internal:       true,
	})
	if err != nil {
		escalationsTotal.WithLabelValues("error").Inc()
		slog.Error("Expert escalation failed",
			"request_id", req.requestID, "expert", expert, "error", err)
		deny.reason = eventlog.ReasonUnavailable
		return deny, "error", false
	}

	rec, err := d.coordinator.Await(ctx, created.ID)
	if err != nil {
		// The sweeper expires the elicitation on its own schedule; the
		// request cannot wait for it.
		escalationsTotal.WithLabelValues("timeout").Inc()
		deny.reason = eventlog.ReasonExpertTimeout
		return deny, "timeout", false
	}

	switch {
	case rec.Status == projection.ElicitationExpired:
		escalationsTotal.WithLabelValues("timeout").Inc()
		deny.reason = eventlog.ReasonExpertTimeout
		return deny, "timeout", false

	case rec.ResponseType == eventlog.ResponseDecline:
		escalationsTotal.WithLabelValues("declined").Inc()
		deny.reason = eventlog.ReasonExpertTimeout
		return deny, "declined", false
	}

	var answer expertAnswer
	if err := json.Unmarshal(rec.Response, &answer); err != nil {
		escalationsTotal.WithLabelValues("error").Inc()
		slog.Error("Unreadable expert answer", "elicitation_id", rec.ID, "error", err)
		deny.reason = eventlog.ReasonUnavailable
		return deny, "error", false
	}
	escalationsTotal.WithLabelValues("decided").Inc()

	v = verdict{risk: answer.Risk, reason: answer.Reason}
	if answer.Approved {
		v.decision = eventlog.DecisionApproved
		if v.reason == "" {
			v.reason = "approved by " + rec.Responder
		}
	} else {
		v.decision = eventlog.DecisionDenied
		if v.reason == "" {
			v.reason = "denied by " + rec.Responder
		}
	}
	return v, "decided", true
}

// pickExpert returns the active expert with the fewest pending elicitations.
// The requesting agent never reviews its own call.
func (d *Dispatcher) pickExpert(requester string) (string, bool) {
	var best string
	var bestLoad int
	for _, id := range d.agents.WithCapability(ExpertCapability) {
		if id == requester {
			continue
		}
		load := d.elics.PendingCount(id)
		if best == "" || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	return best, best != ""
}

// CacheLen reports how many decisions the memory tier currently holds.
func (d *Dispatcher) CacheLen() int { return d.memory.len() }

// PolicyVersion reports the version of the active rule set, zero when none
// has loaded.
func (d *Dispatcher) PolicyVersion() int { return d.policy.version() }
