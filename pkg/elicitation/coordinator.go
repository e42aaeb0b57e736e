// Package elicitation coordinates the signed request/response exchange
// between agents. An elicitation is created by one agent, addressed to
// exactly one other, and reaches exactly one terminal state: responded or
// expired. Every transition is an event on the elicitation's stream, so a
// restarted coordinator rebuilds its pending set by projection and the
// requester receives the response through the regular subscription path.
package elicitation

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
	"github.com/agentbridge/bridge/pkg/projection"
)

// Elicitation kinds (the closed set ElicitationCreated events carry).
const (
	KindQuestion   = "question"
	KindApproval   = "approval"
	KindReview     = "review"
	KindValidation = "validation"
)

var validKinds = map[string]struct{}{
	KindQuestion:   {},
	KindApproval:   {},
	KindReview:     {},
	KindValidation: {},
}

// Defaults applied when Config leaves the corresponding field zero.
const (
	DefaultTimeout    = 30 * time.Second
	MaxTimeout        = 10 * time.Minute
	DefaultSweepEvery = time.Second
)

// sweepTimeout bounds one sweeper pass so a stalled append cannot wedge
// shutdown.
const sweepTimeout = 10 * time.Second

// gateShards sizes the per-id mutex table. Respond and expiry serialize per
// elicitation so the log sees at most one terminal event.
const gateShards = 64

// Config wires a Coordinator.
type Config struct {
	Log    *eventlog.Log
	Hub    *hub.Hub
	Engine *projection.Engine

	Elicitations *projection.Elicitations
	Agents       *projection.Agents

	Limiter  *auth.RateLimiter
	Nonces   *auth.NonceStore
	Security *auth.Recorder

	// Secret is the kernel signing secret response keys derive from.
	// Rotating it invalidates the keys of every pending elicitation.
	Secret []byte

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	SweepEvery     time.Duration
}

// Coordinator owns the elicitation lifecycle: create, respond, expire.
type Coordinator struct {
	log    *eventlog.Log
	hub    *hub.Hub
	engine *projection.Engine
	elics  *projection.Elicitations
	agents *projection.Agents

	limiter  *auth.RateLimiter
	nonces   *auth.NonceStore
	security *auth.Recorder

	secret         []byte
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	sweepEvery     time.Duration

	now func() time.Time

	gates [gateShards]sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Coordinator. The signing secret is required; everything else
// falls back to package defaults.
func New(cfg Config) (*Coordinator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("elicitation: signing secret is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = DefaultSweepEvery
	}
	return &Coordinator{
		log:            cfg.Log,
		hub:            cfg.Hub,
		engine:         cfg.Engine,
		elics:          cfg.Elicitations,
		agents:         cfg.Agents,
		limiter:        cfg.Limiter,
		nonces:         cfg.Nonces,
		security:       cfg.Security,
		secret:         cfg.Secret,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		sweepEvery:     cfg.SweepEvery,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}, nil
}

// CreateInput are the parameters for a new elicitation.
type CreateInput struct {
	From           string
	To             string
	Kind           string
	Prompt         json.RawMessage
	ResponseSchema json.RawMessage

	// Timeout bounds how long the elicitation stays answerable. Zero applies
	// the default; values above the maximum are clamped down to it.
	Timeout time.Duration

	Correlation string
	Session     string

	// Internal marks kernel-originated creates (dispatcher escalation).
	// They bypass the creator's rate bucket but nothing else.
	Internal bool
}

// Created describes a successfully created elicitation.
type Created struct {
	ID        string
	EventID   eventlog.ID
	ExpiresAt time.Time
}

// Create appends an ElicitationCreated event and returns once projections
// reflect it. The response key is derived but never returned here — the
// addressee obtains it through ResponseKey.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (Created, error) {
	if err := validateCreate(in); err != nil {
		return Created{}, err
	}
	if !c.agents.Active(in.To) {
		return Created{}, bridgeerr.Newf(bridgeerr.KindNotFound, "recipient %s is not a registered agent", in.To)
	}
	if !in.Internal {
		if err := c.limiter.Allow(in.From, auth.ClassElicitationCreate); err != nil {
			return Created{}, err
		}
	}
	// Malformed schemas fail here, not when the response finally arrives.
	if _, err := CompileSchema(in.ResponseSchema); err != nil {
		return Created{}, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "response_schema")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Created{}, fmt.Errorf("elicitation id: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return Created{}, fmt.Errorf("elicitation nonce: %w", err)
	}

	now := c.now()
	expiresAt := now.Add(c.clampTimeout(in.Timeout))
	key := DeriveKey(id.String(), in.To, nonce, c.secret)

	draft, err := eventlog.NewElicitationCreated(eventlog.ElicitationCreatedPayload{
		ElicitationID:  id.String(),
		From:           in.From,
		To:             in.To,
		Kind:           in.Kind,
		Prompt:         in.Prompt,
		ResponseSchema: in.ResponseSchema,
		Nonce:          nonce,
		KeyFingerprint: KeyFingerprint(key),
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		return Created{}, err
	}
	draft.Agent = in.From
	draft.Correlation = in.Correlation
	draft.Session = in.Session

	evID, err := c.log.AppendOne(ctx, draft)
	if err != nil {
		return Created{}, fmt.Errorf("append elicitation.created: %w", err)
	}
	if err := c.engine.WaitFor(ctx, evID); err != nil {
		return Created{}, err
	}

	createdTotal.Inc()
	slog.Info("Elicitation created",
		"elicitation_id", id.String(),
		"from", in.From,
		"to", in.To,
		"kind", in.Kind,
		"expires_at", expiresAt.Format(time.RFC3339))
	return Created{ID: id.String(), EventID: evID, ExpiresAt: expiresAt}, nil
}

func validateCreate(in CreateInput) error {
	switch {
	case in.From == "":
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "from is required")
	case in.To == "":
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "to is required")
	case in.From == in.To:
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "from and to must differ")
	case in.Timeout < 0:
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "timeout must not be negative")
	}
	if _, ok := validKinds[in.Kind]; !ok {
		return bridgeerr.Newf(bridgeerr.KindSchemaViolation, "unknown elicitation kind %q", in.Kind)
	}
	if len(in.Prompt) > 0 && !json.Valid(in.Prompt) {
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "prompt must be valid JSON")
	}
	return nil
}

func (c *Coordinator) clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.defaultTimeout
	}
	return min(d, c.maxTimeout)
}

// ResponseKey re-derives the response key for the addressee. Handing the key
// only to an authenticated caller whose identity equals the elicitation's
// `to` is what makes a later HMAC signature prove who responded.
func (c *Coordinator) ResponseKey(agentID, id string) (string, error) {
	rec, ok := c.elics.Get(id)
	if !ok {
		return "", bridgeerr.Newf(bridgeerr.KindNotFound, "unknown elicitation %s", id)
	}
	if agentID != rec.To {
		return "", bridgeerr.New(bridgeerr.KindForbidden, "response key is reserved for the addressee")
	}
	switch rec.Status {
	case projection.ElicitationExpired:
		return "", bridgeerr.Newf(bridgeerr.KindExpired, "elicitation %s expired", id)
	case projection.ElicitationResponded:
		return "", bridgeerr.Newf(bridgeerr.KindTerminal, "elicitation %s already responded", id)
	}
	if !rec.ExpiresAt.After(c.now()) {
		return "", bridgeerr.Newf(bridgeerr.KindExpired, "elicitation %s expired", id)
	}

	key := DeriveKey(id, rec.To, rec.Nonce, c.secret)
	if KeyFingerprint(key) != rec.KeyFingerprint {
		return "", bridgeerr.New(bridgeerr.KindIntegrity, "response key fingerprint mismatch; signing secret changed since creation")
	}
	return hex.EncodeToString(key), nil
}

// RespondInput are the parameters for answering an elicitation.
type RespondInput struct {
	ID           string
	Responder    string
	ResponseType string
	Response     json.RawMessage
	Signature    string

	Correlation string
	Session     string
}

// Respond verifies and records an elicitation response. Checks run in a
// fixed order — status, addressee, rate, signature, nonce, schema — and only
// a response that clears them all appends the terminal event. The per-id
// gate plus the projection wait make the terminal transition observable
// before the next caller's status check.
func (c *Coordinator) Respond(ctx context.Context, in RespondInput) (eventlog.ID, error) {
	if err := validateRespond(in); err != nil {
		return eventlog.ID{}, err
	}

	gate := c.gate(in.ID)
	gate.Lock()
	defer gate.Unlock()

	rec, ok := c.elics.Get(in.ID)
	if !ok {
		return eventlog.ID{}, bridgeerr.Newf(bridgeerr.KindNotFound, "unknown elicitation %s", in.ID)
	}

	switch rec.Status {
	case projection.ElicitationExpired:
		return eventlog.ID{}, bridgeerr.Newf(bridgeerr.KindExpired, "elicitation %s expired", in.ID)
	case projection.ElicitationResponded:
		if isExactReplay(rec, in) {
			c.security.Record(eventlog.SecurityReplayAttempt, in.Responder, "elicitation "+in.ID+" response replayed")
			rejectedTotal.WithLabelValues("replay").Inc()
			return eventlog.ID{}, bridgeerr.Newf(bridgeerr.KindReplay, "elicitation %s already answered with this response", in.ID)
		}
		return eventlog.ID{}, bridgeerr.Newf(bridgeerr.KindTerminal, "elicitation %s already responded", in.ID)
	}
	if !rec.ExpiresAt.After(c.now()) {
		// Overdue but not yet swept. Reject now; the sweeper owns the
		// terminal event.
		return eventlog.ID{}, bridgeerr.Newf(bridgeerr.KindExpired, "elicitation %s expired", in.ID)
	}

	if in.Responder != rec.To {
		c.security.Record(eventlog.SecurityUnauthorizedResponse, in.Responder, "elicitation "+in.ID+" is addressed to another agent")
		rejectedTotal.WithLabelValues("forbidden").Inc()
		return eventlog.ID{}, bridgeerr.New(bridgeerr.KindForbidden, "response not accepted from this agent")
	}
	if err := c.limiter.Allow(in.Responder, auth.ClassElicitationRespond); err != nil {
		return eventlog.ID{}, err
	}

	key := DeriveKey(in.ID, rec.To, rec.Nonce, c.secret)
	if KeyFingerprint(key) != rec.KeyFingerprint {
		return eventlog.ID{}, bridgeerr.New(bridgeerr.KindIntegrity, "response key fingerprint mismatch; signing secret changed since creation")
	}
	if !VerifySignature(key, in.ID, in.Responder, in.ResponseType, in.Response, in.Signature) {
		c.security.Record(eventlog.SecurityBadSignature, in.Responder, "elicitation "+in.ID+" signature rejected")
		rejectedTotal.WithLabelValues("bad_signature").Inc()
		return eventlog.ID{}, bridgeerr.New(bridgeerr.KindForbidden, "signature verification failed")
	}

	// The nonce burns on the first signed response, valid payload or not. A
	// later attempt with a fresh signature is indistinguishable from an
	// attacker replaying captured material, so it is refused the same way.
	if !c.nonces.Consume(rec.Nonce) {
		c.security.Record(eventlog.SecurityReplayAttempt, in.Responder, "elicitation "+in.ID+" nonce already consumed")
		rejectedTotal.WithLabelValues("replay").Inc()
		return eventlog.ID{}, bridgeerr.Newf(bridgeerr.KindReplay, "nonce for elicitation %s already consumed", in.ID)
	}

	if in.ResponseType == eventlog.ResponseAccept {
		sch, err := CompileSchema(rec.ResponseSchema)
		if err != nil {
			return eventlog.ID{}, bridgeerr.Wrap(bridgeerr.KindIntegrity, err, "stored response schema no longer compiles")
		}
		if err := ValidateResponse(sch, in.Response); err != nil {
			rejectedTotal.WithLabelValues("schema").Inc()
			return eventlog.ID{}, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "response payload")
		}
	}

	draft, err := eventlog.NewElicitationResponded(eventlog.ElicitationRespondedPayload{
		ElicitationID: in.ID,
		Responder:     in.Responder,
		ResponseType:  in.ResponseType,
		Response:      in.Response,
		Signature:     in.Signature,
		RespondedAt:   c.now(),
	})
	if err != nil {
		return eventlog.ID{}, err
	}
	draft.Agent = in.Responder
	draft.Correlation = in.Correlation
	draft.Session = in.Session

	evID, err := c.log.AppendOne(ctx, draft)
	if err != nil {
		return eventlog.ID{}, fmt.Errorf("append elicitation.responded: %w", err)
	}
	// Fold before releasing the gate so the next caller sees the terminal
	// state.
	if err := c.engine.WaitFor(ctx, evID); err != nil {
		return eventlog.ID{}, err
	}

	respondedTotal.WithLabelValues(in.ResponseType).Inc()
	slog.Info("Elicitation responded",
		"elicitation_id", in.ID,
		"responder", in.Responder,
		"response_type", in.ResponseType)
	return evID, nil
}

func validateRespond(in RespondInput) error {
	switch {
	case in.ID == "":
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "elicitation id is required")
	case in.Responder == "":
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "responder is required")
	case in.ResponseType != eventlog.ResponseAccept && in.ResponseType != eventlog.ResponseDecline:
		return bridgeerr.Newf(bridgeerr.KindSchemaViolation, "response_type must be %q or %q",
			eventlog.ResponseAccept, eventlog.ResponseDecline)
	case in.Signature == "":
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "signature is required")
	}
	if len(in.Response) > 0 && !json.Valid(in.Response) {
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "response must be valid JSON")
	}
	return nil
}

// isExactReplay reports whether the input is a byte-for-byte resubmission of
// the response already on the log.
func isExactReplay(rec projection.ElicitationRecord, in RespondInput) bool {
	return rec.Responder == in.Responder &&
		rec.ResponseType == in.ResponseType &&
		rec.Signature == in.Signature &&
		bytes.Equal(rec.Response, in.Response)
}

// Await blocks until the elicitation reaches its terminal state and returns
// the terminal record. It subscribes before checking the projection so a
// transition between the two is never missed.
func (c *Coordinator) Await(ctx context.Context, id string) (projection.ElicitationRecord, error) {
	for {
		sub := c.hub.Subscribe(eventlog.Filter{
			Streams: []string{eventlog.ElicitationStream(id)},
			Types:   []eventlog.Type{eventlog.TypeElicitationResponded, eventlog.TypeElicitationExpired},
		}, 4)

		// Catch up past anything committed before the subscription existed.
		if err := c.engine.WaitFor(ctx, c.log.Head()); err != nil {
			sub.Close()
			return projection.ElicitationRecord{}, err
		}
		rec, ok := c.elics.Get(id)
		if !ok {
			sub.Close()
			return projection.ElicitationRecord{}, bridgeerr.Newf(bridgeerr.KindNotFound, "unknown elicitation %s", id)
		}
		if rec.Terminal() {
			sub.Close()
			return rec, nil
		}

		select {
		case <-ctx.Done():
			sub.Close()
			return projection.ElicitationRecord{}, ctx.Err()
		case ev, open := <-sub.Events():
			sub.Close()
			if !open {
				// Parked for lag; re-check the projection and resubscribe.
				continue
			}
			if err := c.engine.WaitFor(ctx, ev.ID); err != nil {
				return projection.ElicitationRecord{}, err
			}
			rec, ok := c.elics.Get(id)
			if !ok {
				return projection.ElicitationRecord{}, bridgeerr.Newf(bridgeerr.KindNotFound, "unknown elicitation %s", id)
			}
			return rec, nil
		}
	}
}

// gate returns the mutex serializing terminal transitions for an id.
func (c *Coordinator) gate(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &c.gates[h.Sum32()%gateShards]
}

// SeedNonces reloads consumed nonces into the replay window. Called once at
// startup, after projections are caught up: without it, a response replayed
// across a restart would be caught only by the terminal-status check, and
// the nonce store is meant to be the independent backstop.
func (c *Coordinator) SeedNonces() int {
	n := 0
	for _, nonce := range c.elics.ConsumedNonces() {
		if c.nonces.Consume(nonce) {
			n++
		}
	}
	return n
}

// Start launches the expiry sweeper.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runSweeper()
	}()
	slog.Info("Elicitation coordinator started", "sweep_every", c.sweepEvery)
}

// Stop halts the sweeper and waits for an in-flight pass to finish. It is
// safe to call multiple times.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) runSweeper() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if n := c.Sweep(ctx); n > 0 {
				slog.Info("Expired overdue elicitations", "count", n)
			}
			cancel()
		}
	}
}

// Sweep expires every pending elicitation whose deadline has passed and
// returns how many terminal events it appended. Sweeps are idempotent:
// the per-id gate and the re-check under it make concurrent sweeps and
// respond races converge on a single terminal event.
func (c *Coordinator) Sweep(ctx context.Context) int {
	expired := 0
	for _, id := range c.elics.Due(c.now()) {
		appended, err := c.expire(ctx, id)
		if err != nil {
			slog.Error("Failed to expire elicitation", "elicitation_id", id, "error", err)
			continue
		}
		if appended {
			expired++
		}
	}
	return expired
}

func (c *Coordinator) expire(ctx context.Context, id string) (bool, error) {
	gate := c.gate(id)
	gate.Lock()
	defer gate.Unlock()

	rec, ok := c.elics.Get(id)
	if !ok || rec.Terminal() || rec.ExpiresAt.After(c.now()) {
		return false, nil
	}

	draft, err := eventlog.NewElicitationExpired(eventlog.ElicitationExpiredPayload{
		ElicitationID: id,
		ExpiredAt:     c.now(),
	})
	if err != nil {
		return false, err
	}
	evID, err := c.log.AppendOne(ctx, draft)
	if err != nil {
		return false, fmt.Errorf("append elicitation.expired: %w", err)
	}
	if err := c.engine.WaitFor(ctx, evID); err != nil {
		return false, err
	}
	expiredTotal.Inc()
	return true, nil
}
