package e2e

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/api"
	"github.com/agentbridge/bridge/pkg/dispatch"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// TestValidationEscalatesToExpert walks the full tier fallthrough: no cached
// decision, no policy rule, no decided history, so the request reaches a
// live expert agent as a validation elicitation. The expert's signed accept
// becomes the decision, and the identical follow-up is served from memory.
func TestValidationEscalatesToExpert(t *testing.T) {
	app := NewTestApp(t, WithExpertTimeout(5*time.Second))

	caller := app.RegisterAgent(t, "builder-1", "validation.check")
	expert := app.RegisterExpert(t, "reviewer-1", "elicitation.respond")

	args := json.RawMessage(`{"path":"/workspace/cache","recursive":true}`)

	// The check blocks until the expert answers; run it alongside.
	type checkResult struct {
		decision dispatch.Decision
		err      error
	}
	decCh := make(chan checkResult, 1)
	go func() {
		var res checkResult
		res.decision, res.err = app.checkValidation(caller, "fs.delete", args)
		decCh <- res
	}()

	// Play the expert: wait for the escalated elicitation, inspect the
	// prompt, accept with a judgement.
	var pending api.ElicitationView
	require.Eventually(t, func() bool {
		var queue api.PendingElicitationsResponse
		if !app.tryGet(expert, "/api/v1/elicitations/pending/reviewer-1", &queue) ||
			len(queue.Elicitations) == 0 {
			return false
		}
		pending = queue.Elicitations[0]
		return true
	}, 3*time.Second, 25*time.Millisecond, "escalation never reached the expert")

	assert.Equal(t, "validation", pending.Kind)
	assert.Equal(t, "builder-1", pending.From)
	var prompt struct {
		RequestID string          `json:"request_id"`
		AgentID   string          `json:"agent_id"`
		Tool      string          `json:"tool"`
		Args      json.RawMessage `json:"args"`
	}
	require.NoError(t, json.Unmarshal(pending.Prompt, &prompt))
	assert.Equal(t, "builder-1", prompt.AgentID)
	assert.Equal(t, "fs.delete", prompt.Tool)
	assert.JSONEq(t, string(args), string(prompt.Args))

	settled := app.AcceptElicitation(t, expert, pending.ID, "reviewer-1",
		json.RawMessage(`{"approved":true,"risk":"low","reason":"cache rebuild is safe"}`))
	assert.Equal(t, "responded", settled.Status)

	var res checkResult
	select {
	case res = <-decCh:
	case <-time.After(10 * time.Second):
		t.Fatal("validation check never returned")
	}
	require.NoError(t, res.err)
	first := res.decision
	assert.Equal(t, eventlog.DecisionApproved, first.Decision)
	assert.Equal(t, eventlog.TierExpert, first.Tier)
	assert.Equal(t, "low", first.Risk)
	assert.Equal(t, "cache rebuild is safe", first.Reason)

	// The trace shows every tier that was consulted on the way up.
	require.Len(t, first.TierTrace, 4)
	assert.Equal(t, eventlog.TierMemory, first.TierTrace[0].Tier)
	assert.Equal(t, "miss", first.TierTrace[0].Outcome)
	assert.Equal(t, eventlog.TierPolicy, first.TierTrace[1].Tier)
	assert.Equal(t, "no_match", first.TierTrace[1].Outcome)
	assert.Equal(t, eventlog.TierPattern, first.TierTrace[2].Tier)
	assert.Equal(t, "low_confidence", first.TierTrace[2].Outcome)
	assert.Equal(t, eventlog.TierExpert, first.TierTrace[3].Tier)
	assert.Equal(t, "decided", first.TierTrace[3].Outcome)

	// The identical request never leaves the memory tier.
	second := app.CheckValidation(t, caller, "fs.delete", args)
	assert.Equal(t, eventlog.DecisionApproved, second.Decision)
	assert.Equal(t, eventlog.TierMemory, second.Tier)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Len(t, second.TierTrace, 1)
	assert.Equal(t, "hit", second.TierTrace[0].Outcome)

	// Both checks left a full audit trail: two requests, two decisions.
	requested := app.ListEvents(t, bootstrapToken, "stream=validation:&type="+string(eventlog.TypeValidationRequested))
	assert.Len(t, requested.Events, 2)
	decided := app.ListEvents(t, bootstrapToken, "stream=validation:&type="+string(eventlog.TypeValidationDecided))
	assert.Len(t, decided.Events, 2)
}

// TestValidationPolicyTier seeds declarative rules and checks they decide
// without ever reaching an expert, in rule order, including the dotted
// argument-path conditions.
func TestValidationPolicyTier(t *testing.T) {
	app := NewTestApp(t, WithPolicyRules([]dispatch.Rule{
		{
			Name:     "block-prod-writes",
			Tool:     "fs.write",
			Where:    map[string]string{"path": "/prod/**"},
			Decision: eventlog.DecisionDenied,
			Risk:     "high",
			Reason:   "production paths are immutable",
		},
		{
			Name:     "allow-filesystem-reads",
			Tool:     "fs.read",
			Decision: eventlog.DecisionApproved,
			Risk:     "low",
		},
	}))

	caller := app.RegisterAgent(t, "builder-1", "validation.check")

	denied := app.CheckValidation(t, caller, "fs.write", json.RawMessage(`{"path":"/prod/db/users.parquet"}`))
	assert.Equal(t, eventlog.DecisionDenied, denied.Decision)
	assert.Equal(t, eventlog.TierPolicy, denied.Tier)
	assert.Equal(t, "high", denied.Risk)
	assert.Equal(t, "production paths are immutable", denied.Reason)

	// Same tool, different path: the condition does not fire and no other
	// rule matches fs.write, so the next tiers run. With no history and no
	// expert the check lands on a deny.
	offPath := app.CheckValidation(t, caller, "fs.write", json.RawMessage(`{"path":"/workspace/notes.md"}`))
	assert.Equal(t, eventlog.DecisionDenied, offPath.Decision)
	assert.Equal(t, eventlog.TierExpert, offPath.Tier)
	assert.Equal(t, eventlog.ReasonUnavailable, offPath.Reason)

	approved := app.CheckValidation(t, caller, "fs.read", json.RawMessage(`{"path":"/workspace/notes.md"}`))
	assert.Equal(t, eventlog.DecisionApproved, approved.Decision)
	assert.Equal(t, eventlog.TierPolicy, approved.Tier)

	// Policy decisions are cacheable: the repeat is a memory hit.
	repeat := app.CheckValidation(t, caller, "fs.read", json.RawMessage(`{"path":"/workspace/notes.md"}`))
	assert.Equal(t, eventlog.DecisionApproved, repeat.Decision)
	assert.Equal(t, eventlog.TierMemory, repeat.Tier)
}

// TestValidationExpertUnavailable checks the conservative default: when the
// fallthrough reaches the expert tier and nobody with the capability is
// registered, the request is denied and the denial is never cached.
func TestValidationExpertUnavailable(t *testing.T) {
	app := NewTestApp(t)

	caller := app.RegisterAgent(t, "builder-1", "validation.check")
	args := json.RawMessage(`{"target":"10.0.0.0/8"}`)

	first := app.CheckValidation(t, caller, "net.scan", args)
	assert.Equal(t, eventlog.DecisionDenied, first.Decision)
	assert.Equal(t, eventlog.TierExpert, first.Tier)
	assert.Equal(t, eventlog.ReasonUnavailable, first.Reason)
	require.NotEmpty(t, first.TierTrace)
	assert.Equal(t, "unavailable", first.TierTrace[len(first.TierTrace)-1].Outcome)

	// Unavailability is a circumstance, not a judgement: nothing was cached.
	second := app.CheckValidation(t, caller, "net.scan", args)
	assert.Equal(t, eventlog.TierExpert, second.Tier)
	assert.Equal(t, eventlog.DecisionDenied, second.Decision)
}
