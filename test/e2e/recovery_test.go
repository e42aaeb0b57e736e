package e2e

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/api"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// TestRecoveryAfterCrash runs three lives of the kernel over one data
// directory: a clean shutdown that leaves exit snapshots, an abrupt stop, and
// a reboot over a tail segment damaged mid-write. Every acknowledged event
// must come back afterwards, in order, with nothing extra.
func TestRecoveryAfterCrash(t *testing.T) {
	dir := t.TempDir()

	// First life: one agent, three acknowledged writes, clean shutdown.
	app1 := NewTestApp(t, WithDataDir(dir))
	token := app1.RegisterAgent(t, "scribe-1", "events.write:own", "events.read:own")

	var ids []eventlog.ID
	for _, name := range []string{"a", "b", "c"} {
		ids = append(ids, app1.AppendFileMutation(t, token,
			"agent:scribe-1", "/workspace/"+name+".txt", "create"))
	}
	app1.Shutdown()

	snaps, err := filepath.Glob(filepath.Join(dir, "snapshots", "agents", "*.snap"))
	require.NoError(t, err)
	assert.NotEmpty(t, snaps, "clean shutdown leaves exit snapshots")

	// Second life: projections come back from snapshot plus replay, the
	// first life's token still authenticates, and two more writes land.
	// Then the process dies without flushing anything.
	app2 := NewTestApp(t, WithDataDir(dir))
	for _, name := range []string{"d", "e"} {
		ids = append(ids, app2.AppendFileMutation(t, token,
			"agent:scribe-1", "/workspace/"+name+".txt", "create"))
	}
	last := ids[len(ids)-1]
	app2.Crash()

	// Damage the tail segment the way an interrupted append would: a torn
	// frame header past the last committed frame.
	segs, err := filepath.Glob(filepath.Join(dir, "log", "*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	sort.Strings(segs)
	tail := segs[len(segs)-1]

	intact, err := os.Stat(tail)
	require.NoError(t, err)
	f, err := os.OpenFile(tail, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Third life: recovery truncates the torn suffix, verifies the hash
	// chain, and replays the gap between the newest snapshot and the head.
	app3 := NewTestApp(t, WithDataDir(dir))

	repaired, err := os.Stat(tail)
	require.NoError(t, err)
	assert.Equal(t, intact.Size(), repaired.Size(), "torn suffix truncated on reopen")

	listed := app3.ListEvents(t, token, "stream=agent:scribe-1&type=file.mutated")
	require.Len(t, listed.Events, len(ids), "every acknowledged write survived")
	for i, ev := range listed.Events {
		assert.Equal(t, ids[i], ev.ID)
	}

	health := app3.Health(t)
	assert.False(t, health.Head.Less(last), "head covers the last acknowledged event")
	assert.Equal(t, "normal", health.State)

	// The log keeps moving: new ids sort after everything recovered.
	next := app3.AppendFileMutation(t, token, "agent:scribe-1", "/workspace/f.txt", "create")
	assert.True(t, last.Less(next))
}

// TestRestartResumesElicitations checks that in-flight exchanges survive a
// restart: an elicitation created in one life is answered in the next, with
// the response key derivation unchanged across the boundary.
func TestRestartResumesElicitations(t *testing.T) {
	dir := t.TempDir()

	app1 := NewTestApp(t, WithDataDir(dir))
	requester := app1.RegisterAgent(t, "planner-1",
		"elicitation.create", "events.read:elicitation:")
	responder := app1.RegisterAgent(t, "executor-1",
		"elicitation.respond", "events.read:elicitation:")

	created := app1.CreateElicitation(t, requester, api.CreateElicitationRequest{
		To:        "executor-1",
		Kind:      "question",
		Prompt:    json.RawMessage(`{"question": "is the rollout plan final?"}`),
		TimeoutMS: 60_000,
	})
	app1.Shutdown()

	app2 := NewTestApp(t, WithDataDir(dir))

	pending := app2.PendingElicitations(t, responder, "executor-1")
	require.Len(t, pending, 1, "pending exchange survives the restart")
	require.Equal(t, created.ElicitationID, pending[0].ID)

	app2.AcceptElicitation(t, responder, created.ElicitationID, "executor-1",
		json.RawMessage(`{"answer": "yes, ship it"}`))

	view := app2.GetElicitation(t, requester, created.ElicitationID)
	assert.Equal(t, "responded", view.Status)
	assert.Equal(t, "executor-1", view.Responder)
}

// TestSnapshotsBoundReplay floods one life with events, restarts, and checks
// the projections pick up from a snapshot instead of the log's beginning.
func TestSnapshotsBoundReplay(t *testing.T) {
	dir := t.TempDir()

	app1 := NewTestApp(t, WithDataDir(dir))
	token := app1.RegisterAgent(t, "scribe-2", "events.write:own", "events.read:own")
	for i := 0; i < 40; i++ {
		app1.AppendFileMutation(t, token,
			"agent:scribe-2", fmt.Sprintf("/workspace/%02d.txt", i), "create")
	}
	app1.Shutdown()

	app2 := NewTestApp(t, WithDataDir(dir))

	// Projections resumed from exit snapshots: the old token authenticates
	// and every prior write is visible.
	listed := app2.ListEvents(t, token, "stream=agent:scribe-2&type=file.mutated")
	assert.Len(t, listed.Events, 40)

	snaps, err := filepath.Glob(filepath.Join(dir, "snapshots", "*", "*.snap"))
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)
}
