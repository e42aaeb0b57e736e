// Package projection folds the event log into queryable in-memory state.
//
// Projections are pure folds: their state is a function of the event
// sequence, snapshots are an optimization, and any projection can be
// discarded and rebuilt from the log at any time. The Engine drives every
// registered projection from one goroutine — snapshot load, gap replay, then
// live events from the hub — so reads see a consistent cut of the log.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
)

// Projection is one fold over the event log.
type Projection interface {
	// Kind names the projection; it keys snapshots and logs.
	Kind() string

	// Apply folds one committed event into the state. Events arrive in id
	// order, each exactly once.
	Apply(eventlog.Event) error

	// MarshalSnapshot serializes the current state.
	MarshalSnapshot() ([]byte, error)

	// UnmarshalSnapshot replaces the state from a snapshot.
	UnmarshalSnapshot([]byte) error

	// Reset clears the state for a replay from the log's beginning.
	Reset()
}

// Config wires an Engine.
type Config struct {
	Log         *eventlog.Log
	Hub         *hub.Hub
	Store       *SnapshotStore
	Projections []Projection

	// SnapshotInterval is how often the engine persists snapshots of
	// projections that advanced. Zero applies DefaultSnapshotInterval.
	SnapshotInterval time.Duration

	// LiveBuffer is the hub subscription buffer. Zero applies
	// DefaultLiveBuffer; an overflow costs a resync replay, not data loss.
	LiveBuffer int
}

const (
	DefaultSnapshotInterval = time.Minute
	DefaultLiveBuffer       = 4096
)

type entry struct {
	proj   Projection
	cursor eventlog.ID // last event folded into proj

	// dirty marks a non-snapshot event folded since the last persisted
	// snapshot. Snapshot bookkeeping events do not count, otherwise recording
	// a snapshot would make the projection eligible for another one every
	// interval.
	dirty bool
}

// Engine drives all projections and answers read-your-writes waits.
type Engine struct {
	log      *eventlog.Log
	hub      *hub.Hub
	store    *SnapshotStore
	interval time.Duration
	buffer   int

	mu       sync.Mutex
	entries  []*entry
	applied  eventlog.ID   // min cursor across projections
	notifyCh chan struct{} // closed and replaced whenever applied advances

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine over the given projections.
func NewEngine(cfg Config) *Engine {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.LiveBuffer <= 0 {
		cfg.LiveBuffer = DefaultLiveBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	eng := &Engine{
		log:      cfg.Log,
		hub:      cfg.Hub,
		store:    cfg.Store,
		interval: cfg.SnapshotInterval,
		buffer:   cfg.LiveBuffer,
		notifyCh: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, p := range cfg.Projections {
		eng.entries = append(eng.entries, &entry{proj: p})
	}
	return eng
}

// Start loads snapshots, replays the gap to the log head, and begins live
// consumption. It returns once projections are caught up; a replay that hits
// an integrity problem fails startup rather than serving wrong state.
func (e *Engine) Start() error {
	for _, ent := range e.entries {
		if e.store == nil {
			continue
		}
		data, upTo, err := e.store.Load(ent.proj.Kind())
		switch {
		case err == nil:
			if err := ent.proj.UnmarshalSnapshot(data); err != nil {
				slog.Warn("Snapshot rejected by projection, rebuilding from log",
					"kind", ent.proj.Kind(), "error", err)
				ent.proj.Reset()
				continue
			}
			ent.cursor = upTo
			slog.Info("Loaded projection snapshot", "kind", ent.proj.Kind(), "up_to", upTo)
		case errors.Is(err, ErrNoSnapshot):
			// First run, or every snapshot was quarantined.
		default:
			return fmt.Errorf("load snapshot for %s: %w", ent.proj.Kind(), err)
		}
	}
	e.recomputeApplied()

	if err := e.replay(); err != nil {
		return fmt.Errorf("projection replay: %w", err)
	}

	e.wg.Add(1)
	go e.run()

	slog.Info("Projection engine started",
		"projections", len(e.entries), "applied", e.LastApplied())
	return nil
}

// Stop halts the engine and waits for the apply loop to exit. Snapshots are
// persisted on the way out so the next start replays little.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.cancel)
	e.wg.Wait()
}

// LastApplied returns the id every projection has folded up to.
func (e *Engine) LastApplied() eventlog.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

// WaitFor blocks until every projection has applied events through id, or
// the context expires. It is the read-your-writes primitive: append, then
// WaitFor the returned id, then read projections.
func (e *Engine) WaitFor(ctx context.Context, id eventlog.ID) error {
	for {
		e.mu.Lock()
		applied := e.applied
		notify := e.notifyCh
		e.mu.Unlock()

		if !applied.Less(id) {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run is the apply loop: live events, periodic snapshots, lag resyncs.
func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		sub := e.hub.Subscribe(eventlog.Filter{}, e.buffer)

		// Cover the gap between the last applied event and the point the
		// subscription went live. Overlap is skipped by cursor compare.
		if err := e.replay(); err != nil {
			if e.ctx.Err() != nil {
				sub.Close()
				return
			}
			slog.Error("Projection resync replay failed", "error", err)
		}

	live:
		for {
			select {
			case <-e.ctx.Done():
				sub.Close()
				e.snapshotAll()
				return
			case <-ticker.C:
				e.snapshotAll()
			case ev, ok := <-sub.Events():
				if !ok {
					break live
				}
				e.apply(ev, false)
			}
		}

		sub.Close()
		if e.ctx.Err() != nil {
			e.snapshotAll()
			return
		}
		if !sub.Lagged() {
			// Hub shut down under us.
			return
		}
		resyncsTotal.Inc()
		slog.Warn("Projection engine lagged, resyncing from the log",
			"applied", e.LastApplied())
	}
}

// replay folds committed events the engine has not applied yet.
func (e *Engine) replay() error {
	from := e.LastApplied().Next()
	return e.log.Scan(e.ctx, from, eventlog.Filter{}, func(ev eventlog.Event) error {
		return e.apply(ev, true)
	})
}

// apply folds one event into every projection behind it. During replay an
// unfoldable event is fatal; live, it is alerted and skipped so one bad
// event cannot stall the kernel.
func (e *Engine) apply(ev eventlog.Event, replaying bool) error {
	if !eventlog.KnownType(ev.Type) {
		err := fmt.Errorf("%w: %q at %s", eventlog.ErrUnknownType, ev.Type, ev.ID)
		if replaying {
			return err
		}
		e.reportApplyFailure(ev, err)
		return nil
	}

	var failures []error
	e.mu.Lock()
	for _, ent := range e.entries {
		if ev.ID.Compare(ent.cursor) <= 0 {
			continue
		}
		if err := ent.proj.Apply(ev); err != nil {
			err = fmt.Errorf("apply %s to %s: %w", ev.ID, ent.proj.Kind(), err)
			if replaying {
				e.mu.Unlock()
				return err
			}
			failures = append(failures, err)
		}
		ent.cursor = ev.ID
		if ev.Type != eventlog.TypeSnapshotTaken {
			ent.dirty = true
		}
		appliedTotal.Inc()
	}
	e.advanceLocked()
	e.mu.Unlock()

	for _, err := range failures {
		e.reportApplyFailure(ev, err)
	}
	return nil
}

func (e *Engine) recomputeApplied() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked()
}

// advanceLocked recomputes the min cursor and wakes WaitFor callers when it
// moved. Caller holds e.mu.
func (e *Engine) advanceLocked() {
	if len(e.entries) == 0 {
		return
	}
	min := e.entries[0].cursor
	for _, ent := range e.entries[1:] {
		if ent.cursor.Less(min) {
			min = ent.cursor
		}
	}
	if e.applied.Less(min) {
		e.applied = min
		close(e.notifyCh)
		e.notifyCh = make(chan struct{})
	}
}

// reportApplyFailure records a live apply failure as an integrity alert so
// the degradation controller sees it.
func (e *Engine) reportApplyFailure(ev eventlog.Event, applyErr error) {
	applyErrorsTotal.Inc()
	slog.Error("Projection apply failed", "event_id", ev.ID, "type", ev.Type, "error", applyErr)

	draft, err := eventlog.NewIntegrityAlert(eventlog.IntegrityAlertPayload{
		Source: "projection",
		Path:   string(ev.Type),
		Detail: applyErr.Error(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := e.log.AppendOne(ctx, draft); err != nil {
		slog.Warn("Failed to record projection integrity alert", "error", err)
	}
}

// snapshotAll persists a snapshot for every projection that advanced since
// its last one, and records a SnapshotTaken event per snapshot.
func (e *Engine) snapshotAll() {
	if e.store == nil {
		return
	}
	for _, ent := range e.entries {
		e.mu.Lock()
		cursor, dirty := ent.cursor, ent.dirty
		e.mu.Unlock()
		if !dirty || cursor.IsZero() {
			continue
		}

		data, err := ent.proj.MarshalSnapshot()
		if err != nil {
			slog.Warn("Snapshot marshal failed", "kind", ent.proj.Kind(), "error", err)
			continue
		}
		path, hash, err := e.store.Save(ent.proj.Kind(), cursor, data)
		if err != nil {
			slog.Warn("Snapshot save failed", "kind", ent.proj.Kind(), "error", err)
			continue
		}

		e.mu.Lock()
		ent.dirty = false
		e.mu.Unlock()
		snapshotsTotal.Inc()
		slog.Info("Snapshot persisted", "kind", ent.proj.Kind(), "up_to", cursor)

		draft, err := eventlog.NewSnapshotTaken(eventlog.SnapshotTakenPayload{
			Kind: ent.proj.Kind(),
			UpTo: cursor,
			Path: path,
			Hash: hash,
		})
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := e.log.AppendOne(ctx, draft); err != nil {
			slog.Warn("Failed to record snapshot event", "kind", ent.proj.Kind(), "error", err)
		}
		cancel()
	}
}
