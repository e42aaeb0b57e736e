package degrade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
	"github.com/agentbridge/bridge/pkg/projection"
)

// fakeClock lets drain and sustain tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// degradeEnv wires a controller over a real log, hub, and engine, the way
// the daemon assembles them.
type degradeEnv struct {
	log    *eventlog.Log
	hub    *hub.Hub
	engine *projection.Engine
	state  *projection.SysState
	ctrl   *Controller
}

func newDegradeEnv(t *testing.T, mutate func(*Config)) *degradeEnv {
	t.Helper()

	l, err := eventlog.Open(eventlog.Config{Dir: t.TempDir(), NodeName: "test-node", NodeID: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })

	h := hub.New()
	t.Cleanup(h.Close)
	l.SetCommitHook(h.Publish)

	state := projection.NewSysState()
	store, err := projection.NewSnapshotStore(t.TempDir(), 2)
	require.NoError(t, err)

	eng := projection.NewEngine(projection.Config{
		Log:              l,
		Hub:              h,
		Store:            store,
		Projections:      []projection.Projection{state},
		SnapshotInterval: time.Hour,
	})
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)

	cfg := Config{Log: l, Hub: h, Engine: eng, State: state}
	if mutate != nil {
		mutate(&cfg)
	}
	return &degradeEnv{log: l, hub: h, engine: eng, state: state, ctrl: New(cfg)}
}

func (env *degradeEnv) countEvents(t *testing.T, typ eventlog.Type) int {
	t.Helper()
	evs, err := env.log.Read(context.Background(), eventlog.ID{}, eventlog.TypeFilter(typ), 0)
	require.NoError(t, err)
	return len(evs)
}

func kindOf(t *testing.T, err error) bridgeerr.Kind {
	t.Helper()
	var be *bridgeerr.Error
	require.ErrorAs(t, err, &be)
	return be.Kind
}

func TestControllerGate(t *testing.T) {
	ctx := context.Background()
	allOps := []Op{OpRead, OpWrite, OpElicitationCreate, OpElicitationRespond, OpControl}

	t.Run("normal allows everything", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		for _, op := range allOps {
			assert.NoError(t, env.ctrl.Gate(op), "op %s", op)
		}
	})

	t.Run("emergency refuses writes but keeps reads and control", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "maintenance drill"))

		assert.NoError(t, env.ctrl.Gate(OpRead))
		assert.NoError(t, env.ctrl.Gate(OpControl))
		assert.Equal(t, bridgeerr.KindDegraded, kindOf(t, env.ctrl.Gate(OpWrite)))
		assert.Equal(t, bridgeerr.KindDegraded, kindOf(t, env.ctrl.Gate(OpElicitationCreate)))
	})

	t.Run("responses pass during the drain window and stop after", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		clock := &fakeClock{t: time.Now()}
		env.ctrl.now = clock.Now

		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "maintenance drill"))
		assert.NoError(t, env.ctrl.Gate(OpElicitationRespond))

		clock.Advance(defaultDrainWindow + time.Second)
		err := env.ctrl.Gate(OpElicitationRespond)
		require.Error(t, err)
		assert.Equal(t, bridgeerr.KindDegraded, kindOf(t, err))
		assert.Contains(t, err.Error(), "drain window elapsed")
	})

	t.Run("recovering keeps responses open but still refuses writes", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "maintenance drill"))
		require.NoError(t, env.ctrl.StartRecovery(ctx, "op-1", "root cause fixed"))

		assert.NoError(t, env.ctrl.Gate(OpRead))
		assert.NoError(t, env.ctrl.Gate(OpControl))
		assert.NoError(t, env.ctrl.Gate(OpElicitationRespond))
		assert.Equal(t, bridgeerr.KindDegraded, kindOf(t, env.ctrl.Gate(OpWrite)))
		assert.Equal(t, bridgeerr.KindDegraded, kindOf(t, env.ctrl.Gate(OpElicitationCreate)))
	})
}

func TestControllerOperatorTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("degrade requires a reason", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		err := env.ctrl.Degrade(ctx, "op-1", "")
		assert.Equal(t, bridgeerr.KindSchemaViolation, kindOf(t, err))
	})

	t.Run("degrade records the transition on the log", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "suspicious activity"))

		st := env.ctrl.Status()
		assert.Equal(t, projection.StateEmergency, st.State)
		assert.Equal(t, "suspicious activity", st.Reason)
		assert.Equal(t, "op-1", st.By)
		assert.False(t, st.DrainUntil.IsZero())

		// Degrade waits for the fold, so the projection agrees already.
		assert.Equal(t, projection.StateEmergency, env.state.Current().State)
		assert.Equal(t, 1, env.countEvents(t, eventlog.TypeSystemDegraded))
	})

	t.Run("degrading twice is terminal", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "drill"))
		err := env.ctrl.Degrade(ctx, "op-2", "drill again")
		assert.Equal(t, bridgeerr.KindTerminal, kindOf(t, err))
		assert.Equal(t, 1, env.countEvents(t, eventlog.TypeSystemDegraded))
	})

	t.Run("recovery only starts from emergency", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		err := env.ctrl.StartRecovery(ctx, "op-1", "nothing happened")
		assert.Equal(t, bridgeerr.KindTerminal, kindOf(t, err))
	})

	t.Run("completion only happens from recovering", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "drill"))
		err := env.ctrl.CompleteRecovery(ctx, "op-1")
		assert.Equal(t, bridgeerr.KindTerminal, kindOf(t, err))
	})

	t.Run("operator identity is required", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		assert.Equal(t, bridgeerr.KindSchemaViolation, kindOf(t, env.ctrl.StartRecovery(ctx, "", "fixed")))
		assert.Equal(t, bridgeerr.KindSchemaViolation, kindOf(t, env.ctrl.CompleteRecovery(ctx, "")))
	})

	t.Run("full cycle returns to normal", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "drill"))
		require.NoError(t, env.ctrl.StartRecovery(ctx, "op-1", "root cause fixed"))

		st := env.ctrl.Status()
		assert.Equal(t, projection.StateRecovering, st.State)
		assert.Equal(t, projection.StateRecovering, env.state.Current().State)

		require.NoError(t, env.ctrl.CompleteRecovery(ctx, "op-1"))
		st = env.ctrl.Status()
		assert.Equal(t, projection.StateNormal, st.State)
		assert.Equal(t, projection.StateNormal, env.state.Current().State)
		assert.NoError(t, env.ctrl.Gate(OpWrite))

		assert.Equal(t, 1, env.countEvents(t, eventlog.TypeSystemDegraded))
		assert.Equal(t, 1, env.countEvents(t, eventlog.TypeSystemRecovering))
		assert.Equal(t, 1, env.countEvents(t, eventlog.TypeSystemRecovered))
	})

	t.Run("completion is refused while health checks fail", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "drill"))
		require.NoError(t, env.ctrl.StartRecovery(ctx, "op-1", "root cause fixed"))

		// indexer is not critical, so the report does not bounce the state
		// back to emergency, but it still blocks completion.
		env.ctrl.ReportHealth("indexer", false, "replay lagging")
		err := env.ctrl.CompleteRecovery(ctx, "op-1")
		require.Error(t, err)
		assert.Equal(t, bridgeerr.KindDegraded, kindOf(t, err))
		assert.Contains(t, err.Error(), "indexer")
		assert.Equal(t, projection.StateRecovering, env.ctrl.Status().State)

		env.ctrl.ReportHealth("indexer", true, "")
		require.NoError(t, env.ctrl.CompleteRecovery(ctx, "op-1"))
		assert.Equal(t, projection.StateNormal, env.ctrl.Status().State)
	})

	t.Run("failed append restores the previous state", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "drill"))

		require.NoError(t, env.log.Close())
		err := env.ctrl.StartRecovery(ctx, "op-1", "root cause fixed")
		require.ErrorIs(t, err, eventlog.ErrClosed)
		assert.Equal(t, projection.StateEmergency, env.ctrl.Status().State)
	})
}

func TestControllerForceEmergency(t *testing.T) {
	ctx := context.Background()

	t.Run("subsystem promotion records once", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		env.ctrl.ForceEmergency("storage failure: disk full", "eventlog")
		env.ctrl.ForceEmergency("storage failure: disk full", "eventlog")

		st := env.ctrl.Status()
		assert.Equal(t, projection.StateEmergency, st.State)
		assert.Equal(t, "eventlog", st.By)

		require.Eventually(t, func() bool {
			return env.state.Current().State == projection.StateEmergency
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, env.countEvents(t, eventlog.TypeSystemDegraded))
	})

	t.Run("critical failure during recovery returns to emergency", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		require.NoError(t, env.ctrl.Degrade(ctx, "op-1", "drill"))
		require.NoError(t, env.ctrl.StartRecovery(ctx, "op-1", "root cause fixed"))

		env.ctrl.ForceEmergency("integrity violation in segment: hash mismatch", "integrity")
		st := env.ctrl.Status()
		assert.Equal(t, projection.StateEmergency, st.State)
		assert.Equal(t, "integrity", st.By)
		require.Eventually(t, func() bool {
			evs, err := env.log.Read(context.Background(), eventlog.ID{},
				eventlog.TypeFilter(eventlog.TypeSystemDegraded), 0)
			return err == nil && len(evs) == 2
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestControllerReportHealth(t *testing.T) {
	t.Run("critical component failure forces emergency", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		env.ctrl.ReportHealth("vfs", false, "mount lost")

		st := env.ctrl.Status()
		assert.Equal(t, projection.StateEmergency, st.State)
		assert.Contains(t, st.Reason, "vfs health failure")
	})

	t.Run("non-critical failure is recorded without a transition", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		env.ctrl.ReportHealth("indexer", false, "replay lagging")

		assert.Equal(t, projection.StateNormal, stateName(env.ctrl.Status().State))
		for _, check := range env.ctrl.Health() {
			if check.Component == "indexer" {
				assert.False(t, check.Healthy)
				assert.Equal(t, "replay lagging", check.Detail)
				return
			}
		}
		t.Fatal("indexer check not reported")
	})

	t.Run("critical set is configurable", func(t *testing.T) {
		env := newDegradeEnv(t, func(cfg *Config) {
			cfg.CriticalComponents = []string{"object-store"}
		})
		env.ctrl.ReportHealth("vfs", false, "mount lost")
		assert.Equal(t, projection.StateNormal, stateName(env.ctrl.Status().State))

		env.ctrl.ReportHealth("object-store", false, "bucket gone")
		assert.Equal(t, projection.StateEmergency, env.ctrl.Status().State)
	})
}

func TestControllerHealthReport(t *testing.T) {
	env := newDegradeEnv(t, func(cfg *Config) {
		cfg.MaxTotalBytes = 1 << 20
	})
	env.ctrl.ReportHealth("vfs", true, "")
	env.ctrl.ReportHealth("indexer", false, "replay lagging")

	checks := env.ctrl.Health()
	names := make([]string, len(checks))
	byName := make(map[string]Check, len(checks))
	for i, check := range checks {
		names[i] = check.Component
		byName[check.Component] = check
	}

	assert.Equal(t, []string{"eventlog", "backlog", "storage", "indexer", "vfs"}, names)
	assert.True(t, byName["eventlog"].Healthy)
	assert.True(t, byName["backlog"].Healthy)
	assert.True(t, byName["storage"].Healthy)
	assert.True(t, byName["vfs"].Healthy)
	assert.False(t, byName["indexer"].Healthy)
}

func TestControllerMonitorProbes(t *testing.T) {
	t.Run("storage failure promotes immediately", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		env.ctrl.logErr = func() error { return errors.New("write events-000003.log: no space left on device") }

		env.ctrl.probeOnce()
		st := env.ctrl.Status()
		assert.Equal(t, projection.StateEmergency, st.State)
		assert.Contains(t, st.Reason, "storage failure")
	})

	t.Run("storage high-water promotes immediately", func(t *testing.T) {
		env := newDegradeEnv(t, func(cfg *Config) {
			cfg.MaxTotalBytes = 1000
		})
		env.ctrl.stats = func() eventlog.Stats { return eventlog.Stats{TotalBytes: 960, QueueCap: 100} }

		env.ctrl.probeOnce()
		st := env.ctrl.Status()
		assert.Equal(t, projection.StateEmergency, st.State)
		assert.Contains(t, st.Reason, "storage high-water")
	})

	t.Run("backlog must stay saturated for the sustain window", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		clock := &fakeClock{t: time.Now()}
		env.ctrl.now = clock.Now
		env.ctrl.stats = func() eventlog.Stats { return eventlog.Stats{QueueDepth: 95, QueueCap: 100} }

		env.ctrl.probeOnce()
		assert.Equal(t, projection.StateNormal, stateName(env.ctrl.Status().State))

		clock.Advance(2 * time.Second)
		env.ctrl.probeOnce()
		assert.Equal(t, projection.StateNormal, stateName(env.ctrl.Status().State))

		clock.Advance(4 * time.Second)
		env.ctrl.probeOnce()
		st := env.ctrl.Status()
		assert.Equal(t, projection.StateEmergency, st.State)
		assert.Contains(t, st.Reason, "writer backlog saturated")
	})

	t.Run("a clearing burst resets the sustain window", func(t *testing.T) {
		env := newDegradeEnv(t, nil)
		clock := &fakeClock{t: time.Now()}
		env.ctrl.now = clock.Now

		saturated := eventlog.Stats{QueueDepth: 95, QueueCap: 100}
		idle := eventlog.Stats{QueueDepth: 5, QueueCap: 100}

		env.ctrl.stats = func() eventlog.Stats { return saturated }
		env.ctrl.probeOnce()
		clock.Advance(3 * time.Second)

		env.ctrl.stats = func() eventlog.Stats { return idle }
		env.ctrl.probeOnce()

		clock.Advance(4 * time.Second)
		env.ctrl.stats = func() eventlog.Stats { return saturated }
		env.ctrl.probeOnce()
		assert.Equal(t, projection.StateNormal, stateName(env.ctrl.Status().State))
	})
}

func TestControllerIntegrityAlertPromotes(t *testing.T) {
	env := newDegradeEnv(t, nil)
	env.ctrl.Start()
	t.Cleanup(env.ctrl.Stop)

	draft, err := eventlog.NewIntegrityAlert(eventlog.IntegrityAlertPayload{
		Source: "segment",
		Path:   "events-000002.log",
		Detail: "hash chain mismatch at offset 4096",
	})
	require.NoError(t, err)
	_, err = env.log.AppendOne(context.Background(), draft)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := env.ctrl.Status()
		return st.State == projection.StateEmergency && st.By == "integrity"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, env.ctrl.Status().Reason, "integrity violation in segment")
}

func TestControllerSeedsFromRecordedState(t *testing.T) {
	env := newDegradeEnv(t, nil)
	require.NoError(t, env.ctrl.Degrade(context.Background(), "op-1", "power loss"))

	// A controller rebuilt over the same log starts where the last one left
	// off, the way a daemon restart would.
	rebuilt := New(Config{Log: env.log, Hub: env.hub, Engine: env.engine, State: env.state})
	st := rebuilt.Status()
	assert.Equal(t, projection.StateEmergency, st.State)
	assert.Equal(t, "power loss", st.Reason)
	assert.Equal(t, st.ChangedAt.Add(defaultDrainWindow), st.DrainUntil)
}
