// Package e2e boots a complete kernel and exercises it through the public
// HTTP and WebSocket surface, the way agent processes use it in production.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/api"
	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/config"
	"github.com/agentbridge/bridge/pkg/degrade"
	"github.com/agentbridge/bridge/pkg/dispatch"
	"github.com/agentbridge/bridge/pkg/elicitation"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
	"github.com/agentbridge/bridge/pkg/projection"
)

// bootstrapToken is the operator credential every test app accepts. Agents
// register through it and then act under their own issued tokens.
const bootstrapToken = "e2e-bootstrap-token"

// kernelSecret signs elicitation response keys. Fixed so keys derived before
// a restart stay verifiable after it.
var kernelSecret = []byte("e2e-kernel-secret")

// TestApp is one running kernel instance bound to a private data directory.
type TestApp struct {
	// Storage and fan-out
	DataDir string
	Log     *eventlog.Log
	Hub     *hub.Hub

	// Projections
	Engine       *projection.Engine
	Agents       *projection.Agents
	Elicitations *projection.Elicitations

	// Coordination
	Coordinator *elicitation.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Controller  *degrade.Controller

	// Gateway
	Server  *api.Server
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/api/v1/events/stream"

	t        *testing.T
	stopOnce sync.Once
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	dataDir          string
	limits           map[string]auth.Limit
	expertTimeout    time.Duration
	snapshotInterval time.Duration
	sweepInterval    time.Duration
	policyRules      []dispatch.Rule
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithDataDir pins the log and snapshot directories so a later TestApp can
// boot over the same state. Default is a fresh temp directory per app.
func WithDataDir(dir string) TestAppOption {
	return func(c *testAppConfig) { c.dataDir = dir }
}

// WithRateLimits overrides per-class rate limits.
func WithRateLimits(limits map[string]auth.Limit) TestAppOption {
	return func(c *testAppConfig) { c.limits = limits }
}

// WithExpertTimeout bounds how long escalated validations wait for an expert.
func WithExpertTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.expertTimeout = d }
}

// WithSnapshotInterval sets the projection snapshot cadence. The default is
// an hour: tests that need snapshots rely on the shutdown snapshot instead.
func WithSnapshotInterval(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.snapshotInterval = d }
}

// WithSweepInterval sets how often overdue elicitations are expired.
func WithSweepInterval(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.sweepInterval = d }
}

// WithPolicyRules seeds a version-1 policy rule set on boot, the same way the
// daemon seeds its policies.yaml.
func WithPolicyRules(rules []dispatch.Rule) TestAppOption {
	return func(c *testAppConfig) { c.policyRules = rules }
}

// NewTestApp creates and starts a full kernel instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		expertTimeout:    5 * time.Second,
		snapshotInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.dataDir == "" {
		tc.dataDir = t.TempDir()
	}

	ctx := context.Background()

	// 1. Event log. Opening an existing directory recovers the tail and
	// verifies the chain, which is exactly what the restart tests lean on.
	log, err := eventlog.Open(eventlog.Config{
		Dir:      filepath.Join(tc.dataDir, "log"),
		NodeName: "e2e-node",
		NodeID:   1,
	})
	require.NoError(t, err)

	// 2. Fan-out hub fed by every committed batch.
	h := hub.New()
	log.SetCommitHook(h.Publish)

	// 3. Projections and the engine that drives them.
	store, err := projection.NewSnapshotStore(filepath.Join(tc.dataDir, "snapshots"), 3)
	require.NoError(t, err)

	agents := projection.NewAgents()
	elics := projection.NewElicitations()
	sysState := projection.NewSysState()
	policies := projection.NewPolicies()
	decisions := projection.NewDecisions(0)

	engine := projection.NewEngine(projection.Config{
		Log:              log,
		Hub:              h,
		Store:            store,
		Projections:      []projection.Projection{agents, elics, sysState, policies, decisions},
		SnapshotInterval: tc.snapshotInterval,
	})
	require.NoError(t, engine.Start())

	// 4. Seed policy rules if the test supplied any and none are active yet.
	if len(tc.policyRules) > 0 && policies.Current().Version == 0 {
		require.NoError(t, seedPolicy(ctx, log, engine, tc.policyRules))
	}

	// 5. Authentication, rate limiting, replay protection.
	authn := auth.NewAuthenticator(agents, bootstrapToken)
	limiter := auth.NewRateLimiter(tc.limits)
	nonces := auth.NewNonceStore(time.Hour)
	recorder := auth.NewRecorder(log, 1)
	limiter.OnLimited(func(agentID, class string) {
		recorder.Record(eventlog.SecurityRateLimit, agentID, class)
	})

	// 6. Elicitation coordinator, recovered the way the daemon recovers it.
	coord, err := elicitation.New(elicitation.Config{
		Log:          log,
		Hub:          h,
		Engine:       engine,
		Elicitations: elics,
		Agents:       agents,
		Limiter:      limiter,
		Nonces:       nonces,
		Security:     recorder,
		Secret:       kernelSecret,
		SweepEvery:   tc.sweepInterval,
	})
	require.NoError(t, err)
	coord.SeedNonces()
	coord.Sweep(ctx)
	coord.Start()

	// 7. Validation dispatcher.
	disp, err := dispatch.New(dispatch.Config{
		Log:           log,
		Hub:           h,
		Decisions:     decisions,
		Policies:      policies,
		Elicitations:  elics,
		Agents:        agents,
		Coordinator:   coord,
		Limiter:       limiter,
		ExpertTimeout: tc.expertTimeout,
	})
	require.NoError(t, err)
	disp.Start()

	// 8. Degradation controller.
	controller := degrade.New(degrade.Config{
		Log:    log,
		Hub:    h,
		Engine: engine,
		State:  sysState,
	})
	controller.Start()

	// 9. Gateway on an OS-assigned port.
	server := api.NewServer(api.Config{
		Server:       config.ServerConfig{Listen: "127.0.0.1:0"},
		Log:          log,
		Hub:          h,
		Engine:       engine,
		Agents:       agents,
		Elicitations: elics,
		Auth:         authn,
		Limiter:      limiter,
		Coordinator:  coord,
		Dispatcher:   disp,
		Controller:   controller,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		DataDir:      tc.dataDir,
		Log:          log,
		Hub:          h,
		Engine:       engine,
		Agents:       agents,
		Elicitations: elics,
		Coordinator:  coord,
		Dispatcher:   disp,
		Controller:   controller,
		Server:       server,
		BaseURL:      fmt.Sprintf("http://%s", addr),
		WSURL:        fmt.Sprintf("ws://%s/api/v1/events/stream", addr),
		t:            t,
	}

	t.Cleanup(app.Shutdown)
	return app
}

// Shutdown stops the app in production order: gateway first, storage last.
// The projection engine persists snapshots on the way out. Safe to call more
// than once; t.Cleanup calls it if the test has not.
func (app *TestApp) Shutdown() {
	app.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(ctx)
		app.Dispatcher.Stop()
		app.Coordinator.Stop()
		app.Controller.Stop()
		app.Engine.Stop()
		app.Hub.Close()
		_ = app.Log.Close()
	})
}

// Crash stops the app without the engine's exit snapshot, approximating a
// kill: the next boot gets only what the log itself made durable. Closing
// the hub first ends the engine's subscription so its loop exits before the
// context is cancelled; the pause gives it time to get there.
func (app *TestApp) Crash() {
	app.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(ctx)
		app.Dispatcher.Stop()
		app.Coordinator.Stop()
		app.Controller.Stop()
		app.Hub.Close()
		time.Sleep(50 * time.Millisecond)
		app.Engine.Stop()
		_ = app.Log.Close()
	})
}

// seedPolicy appends the rule set as the version-1 policy event and waits for
// the projection to fold it, so the dispatcher starts with the rules active.
func seedPolicy(ctx context.Context, log *eventlog.Log, engine *projection.Engine, rules []dispatch.Rule) error {
	raw, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	draft, err := eventlog.NewPolicyUpdated(eventlog.PolicyUpdatedPayload{
		Version:   1,
		Rules:     raw,
		UpdatedBy: "boot",
	})
	if err != nil {
		return err
	}
	appendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := log.AppendOne(appendCtx, draft)
	if err != nil {
		return err
	}
	return engine.WaitFor(appendCtx, id)
}
