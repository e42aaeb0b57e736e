package dispatch

import (
	"log/slog"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

var invalidationFilter = eventlog.Filter{Types: []eventlog.Type{
	eventlog.TypePolicyUpdated,
	eventlog.TypeCacheInvalidated,
	eventlog.TypeTokenRevoked,
	eventlog.TypeAgentRevoked,
}}

// Start loads the active policy from the projection and begins consuming
// invalidation events.
func (d *Dispatcher) Start() {
	d.reloadPolicy()
	d.wg.Add(1)
	go d.runInvalidation()
}

// Stop halts the invalidation consumer. In-flight evaluations finish on
// their own detached contexts.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// reloadPolicy syncs the policy tier from the projection when it is behind.
func (d *Dispatcher) reloadPolicy() {
	set := d.policies.Current()
	if set.Version == 0 || set.Version <= d.policy.version() {
		return
	}
	if err := d.policy.load(set.Version, set.Rules); err != nil {
		slog.Error("Active policy failed to compile", "version", set.Version, "error", err)
		return
	}
	slog.Info("Policy loaded", "version", set.Version)
}

func (d *Dispatcher) runInvalidation() {
	defer d.wg.Done()

	for {
		sub := d.hub.Subscribe(invalidationFilter, 64)

		// Anything that fired while no subscription was live is unknowable,
		// so resync the policy from the projection and flush everything.
		d.reloadPolicy()
		if n := d.memory.invalidateAll(); n > 0 {
			invalidationsTotal.WithLabelValues("all").Inc()
			slog.Info("Decision cache flushed after resubscribe", "dropped", n)
		}

	live:
		for {
			select {
			case <-d.stopCh:
				sub.Close()
				return
			case ev, ok := <-sub.Events():
				if !ok {
					break live
				}
				d.handleInvalidation(ev)
			}
		}

		sub.Close()
		if !sub.Lagged() {
			// Hub shut down under us.
			return
		}
	}
}

func (d *Dispatcher) handleInvalidation(ev eventlog.Event) {
	p, err := eventlog.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		slog.Error("Undecodable invalidation event", "event_id", ev.ID, "type", ev.Type, "error", err)
		return
	}
	switch p := p.(type) {
	case *eventlog.PolicyUpdatedPayload:
		if err := d.policy.load(p.Version, p.Rules); err != nil {
			// Keep enforcing the previous set; a bad update must not widen
			// or narrow enforcement silently.
			slog.Error("Policy update failed to compile", "version", p.Version, "error", err)
			return
		}
		n := d.memory.invalidateAll()
		invalidationsTotal.WithLabelValues("all").Inc()
		slog.Info("Policy updated", "version", p.Version, "updated_by", p.UpdatedBy, "dropped", n)

	case *eventlog.CacheInvalidatedPayload:
		var n int
		switch p.Scope {
		case "all":
			n = d.memory.invalidateAll()
		case "tool":
			n = d.memory.invalidateTool(p.Pattern)
		case "agent":
			n = d.memory.invalidateAgent(p.Pattern)
		}
		invalidationsTotal.WithLabelValues(p.Scope).Inc()
		slog.Info("Decision cache invalidated",
			"scope", p.Scope, "pattern", p.Pattern, "reason", p.Reason, "dropped", n)

	case *eventlog.TokenRevokedPayload:
		if n := d.memory.invalidateAgent(p.AgentID); n > 0 {
			invalidationsTotal.WithLabelValues("agent").Inc()
			slog.Info("Decision cache invalidated", "scope", "agent", "agent_id", p.AgentID, "dropped", n)
		}

	case *eventlog.AgentRevokedPayload:
		if n := d.memory.invalidateAgent(p.AgentID); n > 0 {
			invalidationsTotal.WithLabelValues("agent").Inc()
			slog.Info("Decision cache invalidated", "scope", "agent", "agent_id", p.AgentID, "dropped", n)
		}
	}
}
