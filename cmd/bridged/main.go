// bridged is the coordination kernel daemon — it owns the event log, drives
// projections, and serves the HTTP/WebSocket gateway agents talk to.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentbridge/bridge/pkg/api"
	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/config"
	"github.com/agentbridge/bridge/pkg/degrade"
	"github.com/agentbridge/bridge/pkg/dispatch"
	"github.com/agentbridge/bridge/pkg/elicitation"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
	"github.com/agentbridge/bridge/pkg/projection"
	"github.com/agentbridge/bridge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	secret, err := cfg.KernelSecret()
	if err != nil {
		slog.Error("Kernel signing secret missing", "error", err)
		os.Exit(1)
	}
	bootstrapToken := cfg.BootstrapToken()
	if bootstrapToken == "" {
		slog.Warn("Bootstrap token not set, agent registration is disabled",
			"env", cfg.Server.BootstrapTokenEnv)
	}

	slog.Info("Starting bridged",
		"version", version.Full(),
		"node", cfg.Node.Name,
		"listen", cfg.Server.Listen,
		"config_dir", *configDir)

	// 2. Open the event log (recovers segments, verifies the chain tail)
	log, err := eventlog.Open(eventlog.Config{
		Dir:             cfg.Log.Dir,
		NodeName:        cfg.Node.Name,
		NodeID:          cfg.Node.ID,
		BatchMaxEvents:  cfg.Log.BatchMaxEvents,
		BatchWait:       cfg.Log.BatchWait,
		QueueSize:       cfg.Log.QueueSize,
		SegmentMaxBytes: cfg.Log.SegmentMaxBytes,
		MaxTotalBytes:   cfg.Log.MaxTotalBytes,
	})
	if err != nil {
		slog.Error("Failed to open event log", "dir", cfg.Log.Dir, "error", err)
		os.Exit(1)
	}
	slog.Info("Event log open", "dir", cfg.Log.Dir, "head", log.Head())

	// 3. Fan-out hub; the log publishes every committed batch into it
	h := hub.New()
	log.SetCommitHook(h.Publish)

	// 4. Projections and the engine that drives them
	store, err := projection.NewSnapshotStore(cfg.Snapshots.Dir, cfg.Snapshots.Keep)
	if err != nil {
		slog.Error("Failed to open snapshot store", "dir", cfg.Snapshots.Dir, "error", err)
		os.Exit(1)
	}

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
		SnapshotInterval: cfg.Snapshots.Interval,
	})
	if err := engine.Start(); err != nil {
		slog.Error("Failed to start projection engine", "error", err)
		os.Exit(1)
	}

	// 5. First boot: seed the declarative policy from disk. Later updates
	// arrive as policy.updated events; the file is only the starting set.
	if cfg.Dispatch.PolicyFile != "" && policies.Current().Version == 0 {
		if err := seedPolicy(ctx, log, engine, cfg.Dispatch.PolicyFile); err != nil {
			slog.Error("Failed to seed policy rules", "file", cfg.Dispatch.PolicyFile, "error", err)
			os.Exit(1)
		}
	}

	// 6. Authentication, rate limiting, replay protection
	limits := make(map[string]auth.Limit, len(cfg.Auth.Limits))
	for class, l := range cfg.Auth.Limits {
		limits[class] = auth.Limit{PerMinute: l.PerMinute, Burst: l.Burst}
	}
	authn := auth.NewAuthenticator(agents, bootstrapToken)
	limiter := auth.NewRateLimiter(limits)
	nonces := auth.NewNonceStore(cfg.Auth.NonceWindow)
	recorder := auth.NewRecorder(log, cfg.Auth.SecuritySample)
	limiter.OnLimited(func(agentID, class string) {
		recorder.Record(eventlog.SecurityRateLimit, agentID, class)
	})

	// 7. Elicitation coordinator
	coord, err := elicitation.New(elicitation.Config{
		Log:            log,
		Hub:            h,
		Engine:         engine,
		Elicitations:   elics,
		Agents:         agents,
		Limiter:        limiter,
		Nonces:         nonces,
		Security:       recorder,
		Secret:         secret,
		DefaultTimeout: cfg.Elicitation.DefaultTimeout,
		MaxTimeout:     cfg.Elicitation.MaxTimeout,
		SweepEvery:     cfg.Elicitation.SweepInterval,
	})
	if err != nil {
		slog.Error("Failed to build elicitation coordinator", "error", err)
		os.Exit(1)
	}
	if n := coord.SeedNonces(); n > 0 {
		slog.Info("Seeded consumed nonces into the replay window", "count", n)
	}
	// Elicitations that came due while the process was down expire now
	// rather than waiting for the first sweep tick.
	if n := coord.Sweep(ctx); n > 0 {
		slog.Info("Expired overdue elicitations from previous run", "count", n)
	}
	coord.Start()

	// 8. Validation dispatcher
	disp, err := dispatch.New(dispatch.Config{
		Log:           log,
		Hub:           h,
		Decisions:     decisions,
		Policies:      policies,
		Elicitations:  elics,
		Agents:        agents,
		Coordinator:   coord,
		Limiter:       limiter,
		CacheSize:     cfg.Dispatch.CacheSize,
		CacheTTL:      cfg.Dispatch.CacheTTL,
		Theta:         cfg.Dispatch.Theta,
		MinSamples:    cfg.Dispatch.MinSamples,
		ExpertTimeout: cfg.Dispatch.ExpertTimeout,
	})
	if err != nil {
		slog.Error("Failed to build validation dispatcher", "error", err)
		os.Exit(1)
	}
	disp.Start()

	// 9. Degradation controller
	controller := degrade.New(degrade.Config{
		Log:                log,
		Hub:                h,
		Engine:             engine,
		State:              sysState,
		MaxTotalBytes:      cfg.Log.MaxTotalBytes,
		CriticalComponents: cfg.Degrade.CriticalComponents,
		ProbeInterval:      cfg.Degrade.ProbeInterval,
		BacklogHighWater:   cfg.Degrade.BacklogHighWater,
		BacklogSustain:     cfg.Degrade.BacklogSustain,
		StorageHighWater:   cfg.Degrade.StorageHighWater,
		DrainWindow:        cfg.Degrade.DrainWindow,
	})
	controller.Start()

	// 10. HTTP gateway (non-blocking start)
	server := api.NewServer(api.Config{
		Server:       cfg.Server,
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

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("bridged started successfully", "node", cfg.Node.Name, "head", log.Head())

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown. Order matters: stop accepting requests, stop
	// the background consumers, fold what remains, then close the log so
	// the final fsync covers everything that was acknowledged.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}

	disp.Stop()
	coord.Stop()
	controller.Stop()
	engine.Stop()
	h.Close()
	if err := log.Close(); err != nil {
		slog.Error("Event log close error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// seedPolicy loads the rule file and appends it as the version-1 policy
// event, then waits until the projection has folded it so the dispatcher
// starts with the rules active.
func seedPolicy(ctx context.Context, log *eventlog.Log, engine *projection.Engine, path string) error {
	rules, err := dispatch.LoadRulesFile(path)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		slog.Warn("Policy file has no rules, skipping seed", "file", path)
		return nil
	}
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
	if err := engine.WaitFor(appendCtx, id); err != nil {
		return err
	}
	slog.Info("Seeded policy rules", "file", filepath.Base(path), "rules", len(rules))
	return nil
}
