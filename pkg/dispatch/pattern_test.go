package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/projection"
)

// foldDecision pushes one requested/decided pair through the projection, the
// same join the live engine performs.
func foldDecision(t *testing.T, dec *projection.Decisions, tool string, args json.RawMessage, decision, tier, reason string) {
	t.Helper()
	requestID := uuid.NewString()
	fp, err := requestFingerprint("worker", tool, args)
	require.NoError(t, err)

	reqRaw, err := json.Marshal(eventlog.ValidationRequestedPayload{
		RequestID: requestID, AgentID: "worker", Tool: tool, Args: args, Fingerprint: fp,
	})
	require.NoError(t, err)
	require.NoError(t, dec.Apply(eventlog.Event{
		Type: eventlog.TypeValidationRequested, Payload: reqRaw,
	}))

	decRaw, err := json.Marshal(eventlog.ValidationDecidedPayload{
		RequestID: requestID, Fingerprint: fp, AgentID: "worker",
		Decision: decision, Risk: "low", Reason: reason, Tier: tier,
	})
	require.NoError(t, err)
	require.NoError(t, dec.Apply(eventlog.Event{
		Type:    eventlog.TypeValidationDecided,
		Payload: decRaw,
		Meta:    eventlog.Meta{WallClock: time.Now()},
	}))
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"half", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 0.5},
		{"both empty", nil, nil, 1},
		{"one empty", []string{"a"}, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, jaccard(tc.a, tc.b), 1e-9)
		})
	}
}

func TestPatternTier(t *testing.T) {
	args := json.RawMessage(`{"path": "/srv/data", "recursive": true}`)

	t.Run("unanimous history decides", func(t *testing.T) {
		dec := projection.NewDecisions(0)
		for i := 0; i < 5; i++ {
			foldDecision(t, dec, "file.read", args, eventlog.DecisionApproved, eventlog.TierExpert, "")
		}
		tier := newPatternTier(dec, 0.9, 5)

		v, conf, samples, ok := tier.evaluate(makeRequest(t, "worker", "file.read", string(args)))
		require.True(t, ok)
		assert.Equal(t, eventlog.DecisionApproved, v.decision)
		assert.Equal(t, "low", v.risk)
		assert.InDelta(t, 1.0, conf, 1e-9)
		assert.Equal(t, 5, samples)
	})

	t.Run("too few samples", func(t *testing.T) {
		dec := projection.NewDecisions(0)
		for i := 0; i < 4; i++ {
			foldDecision(t, dec, "file.read", args, eventlog.DecisionApproved, eventlog.TierExpert, "")
		}
		tier := newPatternTier(dec, 0.9, 5)

		_, _, samples, ok := tier.evaluate(makeRequest(t, "worker", "file.read", string(args)))
		assert.False(t, ok)
		assert.Equal(t, 4, samples)
	})

	t.Run("split history stays undecided", func(t *testing.T) {
		dec := projection.NewDecisions(0)
		for i := 0; i < 3; i++ {
			foldDecision(t, dec, "file.read", args, eventlog.DecisionApproved, eventlog.TierExpert, "")
			foldDecision(t, dec, "file.read", args, eventlog.DecisionDenied, eventlog.TierExpert, "")
		}
		tier := newPatternTier(dec, 0.9, 5)

		_, conf, _, ok := tier.evaluate(makeRequest(t, "worker", "file.read", string(args)))
		assert.False(t, ok)
		assert.InDelta(t, 0.5, conf, 1e-9)
	})

	t.Run("only policy and expert decisions train", func(t *testing.T) {
		dec := projection.NewDecisions(0)
		for i := 0; i < 5; i++ {
			foldDecision(t, dec, "file.read", args, eventlog.DecisionApproved, eventlog.TierPattern, "")
		}
		for i := 0; i < 5; i++ {
			foldDecision(t, dec, "file.read", args, eventlog.DecisionApproved, eventlog.TierMemory, "")
		}
		tier := newPatternTier(dec, 0.9, 5)

		_, _, samples, ok := tier.evaluate(makeRequest(t, "worker", "file.read", string(args)))
		assert.False(t, ok)
		assert.Equal(t, 0, samples)
	})

	t.Run("default denials are not judgement", func(t *testing.T) {
		dec := projection.NewDecisions(0)
		for i := 0; i < 5; i++ {
			foldDecision(t, dec, "file.read", args, eventlog.DecisionDenied, eventlog.TierExpert, eventlog.ReasonExpertTimeout)
		}
		tier := newPatternTier(dec, 0.9, 5)

		_, _, samples, ok := tier.evaluate(makeRequest(t, "worker", "file.read", string(args)))
		assert.False(t, ok)
		assert.Equal(t, 0, samples)
	})

	t.Run("dissimilar requests do not vote", func(t *testing.T) {
		dec := projection.NewDecisions(0)
		for i := 0; i < 5; i++ {
			foldDecision(t, dec, "file.read", json.RawMessage(`{"bucket": "logs", "region": "eu", "fmt": "json"}`),
				eventlog.DecisionApproved, eventlog.TierExpert, "")
		}
		tier := newPatternTier(dec, 0.9, 5)

		_, _, samples, ok := tier.evaluate(makeRequest(t, "worker", "file.read", string(args)))
		assert.False(t, ok)
		assert.Equal(t, 0, samples, "below the similarity floor nothing contributes")
	})

	t.Run("near matches still decide", func(t *testing.T) {
		dec := projection.NewDecisions(0)
		// Same shape, one divergent scalar: high similarity, below identity.
		for i := 0; i < 6; i++ {
			hist := json.RawMessage(`{"path": "/srv/data", "recursive": false}`)
			foldDecision(t, dec, "file.read", hist, eventlog.DecisionDenied, eventlog.TierPolicy, "")
		}
		tier := newPatternTier(dec, 0.9, 5)

		v, _, samples, ok := tier.evaluate(makeRequest(t, "worker", "file.read", string(args)))
		require.True(t, ok, "unanimous near matches clear the threshold")
		assert.Equal(t, eventlog.DecisionDenied, v.decision)
		assert.Equal(t, 6, samples)
	})
}
