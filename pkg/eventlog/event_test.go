package eventlog

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id ID, prev string) Event {
	ev := Event{
		ID:       id,
		StreamID: AgentStream("researcher-1"),
		Type:     TypeAgentRegistered,
		Payload:  json.RawMessage(`{"agent_id":"researcher-1"}`),
		Meta:     Meta{Node: "local"},
	}
	ev.Integrity.PrevHash = prev
	return ev
}

func TestHashChain(t *testing.T) {
	t.Run("verifies a chain from genesis", func(t *testing.T) {
		first := testEvent(ID{WallNS: 1}, GenesisHash)
		hash, err := ComputeHash(GenesisHash, first)
		require.NoError(t, err)
		first.Integrity.Hash = hash

		second := testEvent(ID{WallNS: 2}, hash)
		hash2, err := ComputeHash(hash, second)
		require.NoError(t, err)
		second.Integrity.Hash = hash2

		require.NoError(t, VerifyHash(GenesisHash, first))
		require.NoError(t, VerifyHash(first.Integrity.Hash, second))
	})

	t.Run("hash is stable for identical events", func(t *testing.T) {
		ev := testEvent(ID{WallNS: 1}, GenesisHash)
		a, err := ComputeHash(GenesisHash, ev)
		require.NoError(t, err)
		b, err := ComputeHash(GenesisHash, ev)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("detects payload tampering", func(t *testing.T) {
		ev := testEvent(ID{WallNS: 1}, GenesisHash)
		hash, err := ComputeHash(GenesisHash, ev)
		require.NoError(t, err)
		ev.Integrity.Hash = hash

		ev.Payload = json.RawMessage(`{"agent_id":"impostor-9"}`)
		err = VerifyHash(GenesisHash, ev)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("detects prev hash mismatch", func(t *testing.T) {
		ev := testEvent(ID{WallNS: 1}, GenesisHash)
		hash, err := ComputeHash(GenesisHash, ev)
		require.NoError(t, err)
		ev.Integrity.Hash = hash

		other := strings.Repeat("ab", 32)
		err = VerifyHash(other, ev)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("rejects malformed prev hash", func(t *testing.T) {
		_, err := ComputeHash("not-hex", testEvent(ID{}, "not-hex"))
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("hash ignores the stored integrity fields", func(t *testing.T) {
		ev := testEvent(ID{WallNS: 1}, GenesisHash)
		a, err := ComputeHash(GenesisHash, ev)
		require.NoError(t, err)

		ev.Integrity.Hash = strings.Repeat("00", 32)
		b, err := ComputeHash(GenesisHash, ev)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestValidatePayload(t *testing.T) {
	t.Run("accepts a valid payload", func(t *testing.T) {
		err := ValidatePayload(TypeAgentRegistered, []byte(`{"agent_id":"a1","capabilities":["events.read:own"]}`))
		assert.NoError(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := ValidatePayload(Type("bogus.type"), []byte(`{}`))
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("known type with missing fields is a schema error", func(t *testing.T) {
		err := ValidatePayload(TypeAgentRegistered, []byte(`{"name":"nameless"}`))
		require.Error(t, err)
		assert.True(t, IsSchemaError(err))
	})

	t.Run("malformed JSON is a schema error", func(t *testing.T) {
		err := ValidatePayload(TypeAgentRegistered, []byte(`{"agent_id":`))
		require.Error(t, err)
		assert.True(t, IsSchemaError(err))
	})

	t.Run("decode returns the concrete payload struct", func(t *testing.T) {
		p, err := DecodePayload(TypeSystemDegraded, []byte(`{"reason":"storage high-water"}`))
		require.NoError(t, err)
		degraded, ok := p.(*SystemDegradedPayload)
		require.True(t, ok)
		assert.Equal(t, "storage high-water", degraded.Reason)
	})
}

func TestDraftConstructors(t *testing.T) {
	t.Run("routes events to their streams", func(t *testing.T) {
		d, err := NewAgentRegistered(AgentRegisteredPayload{AgentID: "researcher-1"})
		require.NoError(t, err)
		assert.Equal(t, "agent:researcher-1", d.StreamID)
		assert.Equal(t, TypeAgentRegistered, d.Type)

		d, err = NewElicitationExpired(ElicitationExpiredPayload{ElicitationID: "el-1"})
		require.NoError(t, err)
		assert.Equal(t, "elicitation:el-1", d.StreamID)

		d, err = NewSystemDegraded(SystemDegradedPayload{Reason: "operator"})
		require.NoError(t, err)
		assert.Equal(t, SystemStream, d.StreamID)

		d, err = NewSecurityEvent(SecurityEventPayload{Kind: SecurityReplayAttempt})
		require.NoError(t, err)
		assert.Equal(t, SecurityStream, d.StreamID)
	})

	t.Run("rejects invalid payloads at the call site", func(t *testing.T) {
		_, err := NewAgentRegistered(AgentRegisteredPayload{})
		require.Error(t, err)
		assert.True(t, IsSchemaError(err))

		_, err = NewCacheInvalidated(CacheInvalidatedPayload{Scope: "tool"})
		require.Error(t, err)
		assert.True(t, IsSchemaError(err))
	})

	t.Run("every registered type has a validating payload", func(t *testing.T) {
		for typ := range payloadRegistry {
			assert.True(t, KnownType(typ), "type %s", typ)
		}
		assert.False(t, KnownType(Type("nope")))
	})
}

func TestFilterMatch(t *testing.T) {
	ev := Event{
		StreamID: "agent:researcher-1",
		Type:     TypeTokenIssued,
		Causality: Causality{
			Correlation: "corr-1",
			Session:     "sess-1",
		},
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter matches", Filter{}, true},
		{"stream prefix", StreamFilter("agent:"), true},
		{"exact stream", StreamFilter("agent:researcher-1"), true},
		{"wrong stream", StreamFilter("elicitation:"), false},
		{"one of several streams", StreamFilter("system", "agent:"), true},
		{"type match", TypeFilter(TypeTokenIssued), true},
		{"type in set", TypeFilter(TypeAgentRegistered, TypeTokenIssued), true},
		{"type miss", TypeFilter(TypeAgentRevoked), false},
		{"correlation match", Filter{Correlation: "corr-1"}, true},
		{"correlation miss", Filter{Correlation: "corr-2"}, false},
		{"session match", Filter{Session: "sess-1"}, true},
		{"session miss", Filter{Session: "sess-2"}, false},
		{"dimensions AND together", Filter{Streams: []string{"agent:"}, Types: []Type{TypeAgentRevoked}}, false},
		{"all dimensions match", Filter{Streams: []string{"agent:"}, Types: []Type{TypeTokenIssued}, Correlation: "corr-1", Session: "sess-1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(ev))
		})
	}

	t.Run("is zero", func(t *testing.T) {
		assert.True(t, Filter{}.IsZero())
		assert.False(t, TypeFilter(TypeTokenIssued).IsZero())
	})
}
