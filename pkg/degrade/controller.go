// Package degrade runs the degradation state machine: NORMAL, EMERGENCY,
// RECOVERING. The controller promotes to EMERGENCY on its own when the event
// log reports a storage failure, an integrity violation lands on the log, the
// writer backlog stays saturated, or a critical collaborator reports
// unhealthy. Operators drive every other transition. Each transition is
// recorded as a system.* event; while the log itself is failing the local
// state runs ahead of the log and the event lands once the writer recovers.
package degrade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
	"github.com/agentbridge/bridge/pkg/projection"
)

const (
	defaultProbeInterval    = time.Second
	defaultBacklogHighWater = 0.90
	defaultBacklogSustain   = 5 * time.Second
	defaultStorageHighWater = 0.95
	defaultDrainWindow      = 30 * time.Second
)

// Op classifies an operation for the degradation gate.
type Op string

const (
	// OpRead covers log reads, queries, projections, and subscriptions.
	OpRead Op = "read"
	// OpWrite covers ordinary event appends, including validation checks.
	OpWrite Op = "write"
	// OpElicitationCreate opens a new elicitation.
	OpElicitationCreate Op = "elicitation.create"
	// OpElicitationRespond answers an elicitation that already exists.
	OpElicitationRespond Op = "elicitation.respond"
	// OpControl covers operator and recovery actions.
	OpControl Op = "control"
)

// Check is one entry in the health report.
type Check struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
}

// Status is the controller's view of the system state. DrainUntil is set
// while an emergency drain window is open.
type Status struct {
	projection.SystemStatus
	DrainUntil time.Time `json:"drain_until,omitempty"`
}

// Config wires the controller to the log it watches and the projection that
// folds the recorded transitions.
type Config struct {
	Log    *eventlog.Log
	Hub    *hub.Hub
	Engine *projection.Engine
	State  *projection.SysState

	// MaxTotalBytes mirrors the log's storage budget; zero disables the
	// high-water check.
	MaxTotalBytes int64

	// CriticalComponents lists reported components whose failure forces
	// EMERGENCY. Defaults to the virtual filesystem.
	CriticalComponents []string

	ProbeInterval    time.Duration
	BacklogHighWater float64
	BacklogSustain   time.Duration
	StorageHighWater float64
	DrainWindow      time.Duration
}

type componentHealth struct {
	healthy    bool
	detail     string
	reportedAt time.Time
}

// Controller holds the live degradation state and the monitor that feeds it.
type Controller struct {
	log    *eventlog.Log
	hub    *hub.Hub
	engine *projection.Engine
	state  *projection.SysState

	maxBytes       int64
	probe          time.Duration
	backlogHW      float64
	backlogSustain time.Duration
	storageHW      float64
	drain          time.Duration

	now    func() time.Time
	stats  func() eventlog.Stats
	logErr func() error

	mu           sync.Mutex
	status       Status
	critical     map[string]bool
	components   map[string]componentHealth
	backlogSince time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a controller seeded from the folded system state. Call Start to
// run the monitor.
func New(cfg Config) *Controller {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.BacklogHighWater <= 0 {
		cfg.BacklogHighWater = defaultBacklogHighWater
	}
	if cfg.BacklogSustain <= 0 {
		cfg.BacklogSustain = defaultBacklogSustain
	}
	if cfg.StorageHighWater <= 0 {
		cfg.StorageHighWater = defaultStorageHighWater
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = defaultDrainWindow
	}
	if len(cfg.CriticalComponents) == 0 {
		cfg.CriticalComponents = []string{"vfs"}
	}

	c := &Controller{
		log:            cfg.Log,
		hub:            cfg.Hub,
		engine:         cfg.Engine,
		state:          cfg.State,
		maxBytes:       cfg.MaxTotalBytes,
		probe:          cfg.ProbeInterval,
		backlogHW:      cfg.BacklogHighWater,
		backlogSustain: cfg.BacklogSustain,
		storageHW:      cfg.StorageHighWater,
		drain:          cfg.DrainWindow,
		now:            time.Now,
		stats:          cfg.Log.Stats,
		logErr:         cfg.Log.Err,
		critical:       make(map[string]bool, len(cfg.CriticalComponents)),
		components:     make(map[string]componentHealth),
		stopCh:         make(chan struct{}),
	}
	for _, name := range cfg.CriticalComponents {
		c.critical[name] = true
	}

	// A restart lands in whatever state the log last recorded.
	seed := cfg.State.Current()
	c.status = Status{SystemStatus: seed}
	if seed.State == projection.StateEmergency {
		c.status.DrainUntil = seed.ChangedAt.Add(c.drain)
	}
	return c
}

var integrityFilter = eventlog.Filter{Types: []eventlog.Type{eventlog.TypeIntegrityAlert}}

// Start hooks the storage-failure callback and runs the monitor loop. The
// integrity subscription opens here so no alert published after Start can
// slip past it.
func (c *Controller) Start() {
	c.log.SetFailureHook(func(err error) {
		c.ForceEmergency("storage failure: "+err.Error(), "eventlog")
	})
	sub := c.hub.Subscribe(integrityFilter, 16)
	c.wg.Add(1)
	go c.runMonitor(sub)
}

// Stop halts the monitor. The current state stays in force for Gate callers.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Status returns the current state, its cause, and any open drain window.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Gate reports whether an operation class may proceed in the current state.
// EMERGENCY and RECOVERING refuse ordinary writes and new elicitations;
// reads and operator control always pass. Responses to elicitations that
// were already open keep working through the emergency drain window and all
// of RECOVERING, so in-flight exchanges can terminate normally.
func (c *Controller) Gate(op Op) error {
	st := c.Status()
	switch st.State {
	case "", projection.StateNormal:
		return nil
	case projection.StateRecovering:
		switch op {
		case OpRead, OpControl, OpElicitationRespond:
			return nil
		}
		return bridgeerr.New(bridgeerr.KindDegraded, "system is recovering; writes are refused")
	case projection.StateEmergency:
		switch op {
		case OpRead, OpControl:
			return nil
		case OpElicitationRespond:
			if c.now().Before(st.DrainUntil) {
				return nil
			}
			return bridgeerr.New(bridgeerr.KindDegraded, "drain window elapsed; responses are refused")
		}
		return bridgeerr.Newf(bridgeerr.KindDegraded, "system is in emergency operation: %s", st.Reason)
	default:
		return bridgeerr.Newf(bridgeerr.KindDegraded, "system state %q refuses writes", st.State)
	}
}

// ForceEmergency promotes to EMERGENCY from any state. It is the subsystem
// path: storage failures, integrity violations, backlog saturation, and
// critical component failures land here. Idempotent while already in
// EMERGENCY.
func (c *Controller) ForceEmergency(reason, by string) {
	if !c.transition(projection.StateEmergency, reason, by) {
		return
	}
	slog.Error("Entering emergency operation", "reason", reason, "by", by)

	draft, err := eventlog.NewSystemDegraded(eventlog.SystemDegradedPayload{Reason: reason, By: by})
	if err != nil {
		return
	}
	// Best effort: when storage itself is failing this append fails too, and
	// the local state holds until the writer recovers.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.log.AppendOne(ctx, draft); err != nil {
		slog.Warn("Emergency transition not recorded on the log", "error", err)
	}
}

// Degrade is the operator-forced transition to EMERGENCY.
func (c *Controller) Degrade(ctx context.Context, by, reason string) error {
	if reason == "" {
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "reason is required")
	}
	if !c.transition(projection.StateEmergency, reason, by) {
		return bridgeerr.New(bridgeerr.KindTerminal, "system is already in emergency operation")
	}
	slog.Warn("Operator forced emergency operation", "by", by, "reason", reason)

	draft, err := eventlog.NewSystemDegraded(eventlog.SystemDegradedPayload{Reason: reason, By: by})
	if err != nil {
		return err
	}
	id, err := c.log.AppendOne(ctx, draft)
	if err != nil {
		// Stay in EMERGENCY: an operator asked for it and an unhealthy log is
		// itself a reason to be there.
		return err
	}
	return c.engine.WaitFor(ctx, id)
}

// StartRecovery moves EMERGENCY to RECOVERING once the operator has
// addressed the root cause.
func (c *Controller) StartRecovery(ctx context.Context, by, reason string) error {
	if by == "" {
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "operator identity is required")
	}
	prev, ok := c.transitionFrom(projection.StateEmergency, projection.StateRecovering, reason, by)
	if !ok {
		return bridgeerr.Newf(bridgeerr.KindTerminal, "recovery can only start from emergency, not %q", stateName(prev.State))
	}

	draft, err := eventlog.NewSystemRecovering(eventlog.SystemRecoveringPayload{By: by, Reason: reason})
	if err != nil {
		c.restore(prev)
		return err
	}
	id, err := c.log.AppendOne(ctx, draft)
	if err != nil {
		// Easing restrictions without a recorded transition would leave the
		// log and the live state disagreeing.
		c.restore(prev)
		return err
	}
	slog.Info("Recovery started", "by", by, "reason", reason)
	return c.engine.WaitFor(ctx, id)
}

// CompleteRecovery moves RECOVERING back to NORMAL. Every health check must
// pass first.
func (c *Controller) CompleteRecovery(ctx context.Context, by string) error {
	if by == "" {
		return bridgeerr.New(bridgeerr.KindSchemaViolation, "operator identity is required")
	}
	if failing := c.failingChecks(); len(failing) > 0 {
		return bridgeerr.Newf(bridgeerr.KindDegraded, "health checks failing: %s", strings.Join(failing, "; "))
	}
	prev, ok := c.transitionFrom(projection.StateRecovering, projection.StateNormal, "", by)
	if !ok {
		return bridgeerr.Newf(bridgeerr.KindTerminal, "recovery can only complete from recovering, not %q", stateName(prev.State))
	}

	draft, err := eventlog.NewSystemRecovered(eventlog.SystemRecoveredPayload{By: by})
	if err != nil {
		c.restore(prev)
		return err
	}
	id, err := c.log.AppendOne(ctx, draft)
	if err != nil {
		c.restore(prev)
		return err
	}
	slog.Info("Recovery complete, resuming normal operation", "by", by)
	return c.engine.WaitFor(ctx, id)
}

// ReportHealth records a collaborator's health. An unhealthy report for a
// critical component forces EMERGENCY.
func (c *Controller) ReportHealth(component string, healthy bool, detail string) {
	c.mu.Lock()
	c.components[component] = componentHealth{healthy: healthy, detail: detail, reportedAt: c.now()}
	critical := c.critical[component]
	c.mu.Unlock()

	if healthy {
		componentHealthGauge.WithLabelValues(component).Set(1)
		return
	}
	componentHealthGauge.WithLabelValues(component).Set(0)
	slog.Warn("Component reported unhealthy", "component", component, "detail", detail, "critical", critical)
	if critical {
		c.ForceEmergency(fmt.Sprintf("%s health failure: %s", component, detail), component)
	}
}

// Health reports every check the controller watches: the event log's writer,
// its backlog and storage headroom, and each reported component.
func (c *Controller) Health() []Check {
	checks := make([]Check, 0, 4)

	if err := c.logErr(); err != nil {
		checks = append(checks, Check{Component: "eventlog", Detail: err.Error()})
	} else {
		checks = append(checks, Check{Component: "eventlog", Healthy: true})
	}

	stats := c.stats()
	backlog := Check{Component: "backlog", Healthy: true}
	if stats.QueueCap > 0 && float64(stats.QueueDepth) >= c.backlogHW*float64(stats.QueueCap) {
		backlog.Healthy = false
		backlog.Detail = fmt.Sprintf("queue depth %d of %d", stats.QueueDepth, stats.QueueCap)
	}
	checks = append(checks, backlog)

	if c.maxBytes > 0 {
		storage := Check{Component: "storage", Healthy: true}
		if float64(stats.TotalBytes) >= c.storageHW*float64(c.maxBytes) {
			storage.Healthy = false
			storage.Detail = fmt.Sprintf("%d of %d bytes used", stats.TotalBytes, c.maxBytes)
		}
		checks = append(checks, storage)
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := c.components[name]
		checks = append(checks, Check{Component: name, Healthy: h.healthy, Detail: h.detail})
	}
	c.mu.Unlock()

	return checks
}

func (c *Controller) failingChecks() []string {
	var failing []string
	for _, check := range c.Health() {
		if !check.Healthy {
			msg := check.Component
			if check.Detail != "" {
				msg += ": " + check.Detail
			}
			failing = append(failing, msg)
		}
	}
	return failing
}

// transition flips the live state, returning false when it is already there.
func (c *Controller) transition(state, reason, by string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stateName(c.status.State) == state {
		return false
	}
	c.setLocked(state, reason, by)
	return true
}

// transitionFrom flips the live state only when it currently equals from.
func (c *Controller) transitionFrom(from, to, reason, by string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.status
	if stateName(prev.State) != from {
		return prev, false
	}
	c.setLocked(to, reason, by)
	return prev, true
}

func (c *Controller) setLocked(state, reason, by string) {
	c.status = Status{SystemStatus: projection.SystemStatus{
		State:     state,
		Reason:    reason,
		By:        by,
		ChangedAt: c.now(),
	}}
	if state == projection.StateEmergency {
		c.status.DrainUntil = c.status.ChangedAt.Add(c.drain)
	}
	if state == projection.StateNormal {
		c.backlogSince = time.Time{}
	}
	transitionsTotal.WithLabelValues(state).Inc()
	stateGauge.Set(stateValue(state))
}

// restore puts a previous status back after a transition's append failed.
func (c *Controller) restore(prev Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = prev
	stateGauge.Set(stateValue(stateName(prev.State)))
}

func (c *Controller) runMonitor(sub *hub.Subscription) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.probe)
	defer ticker.Stop()

	for {
	live:
		for {
			select {
			case <-c.stopCh:
				sub.Close()
				return
			case <-ticker.C:
				c.probeOnce()
			case ev, ok := <-sub.Events():
				if !ok {
					break live
				}
				c.handleIntegrityAlert(ev)
			}
		}
		sub.Close()
		if !sub.Lagged() {
			// Hub shut down under us.
			return
		}
		sub = c.hub.Subscribe(integrityFilter, 16)
	}
}

func (c *Controller) handleIntegrityAlert(ev eventlog.Event) {
	payload, err := eventlog.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return
	}
	alert, ok := payload.(*eventlog.IntegrityAlertPayload)
	if !ok {
		return
	}
	c.ForceEmergency(fmt.Sprintf("integrity violation in %s: %s", alert.Source, alert.Detail), "integrity")
}

// probeOnce inspects the log's writer. Storage failures and high-water
// breaches promote immediately; a saturated backlog must hold for the
// sustain window first, so a burst does not flap the system into emergency.
func (c *Controller) probeOnce() {
	if err := c.logErr(); err != nil {
		c.ForceEmergency("storage failure: "+err.Error(), "eventlog")
		return
	}

	stats := c.stats()
	if c.maxBytes > 0 && float64(stats.TotalBytes) >= c.storageHW*float64(c.maxBytes) {
		c.ForceEmergency(fmt.Sprintf("storage high-water reached: %d of %d bytes", stats.TotalBytes, c.maxBytes), "eventlog")
		return
	}

	saturated := stats.QueueCap > 0 && float64(stats.QueueDepth) >= c.backlogHW*float64(stats.QueueCap)
	c.mu.Lock()
	if !saturated {
		c.backlogSince = time.Time{}
		c.mu.Unlock()
		return
	}
	if c.backlogSince.IsZero() {
		c.backlogSince = c.now()
		c.mu.Unlock()
		return
	}
	sustained := c.now().Sub(c.backlogSince) >= c.backlogSustain
	c.mu.Unlock()

	if sustained {
		c.ForceEmergency(fmt.Sprintf("writer backlog saturated: %d of %d", stats.QueueDepth, stats.QueueCap), "eventlog")
	}
}

func stateName(s string) string {
	if s == "" {
		return projection.StateNormal
	}
	return s
}

func stateValue(state string) float64 {
	switch state {
	case projection.StateEmergency:
		return 2
	case projection.StateRecovering:
		return 1
	default:
		return 0
	}
}
