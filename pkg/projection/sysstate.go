package projection

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// System operating states. Transitions only happen through system.* events
// so every degradation and recovery is on the log.
const (
	StateNormal     = "normal"
	StateEmergency  = "emergency"
	StateRecovering = "recovering"
)

// SystemStatus is the current operating state and how it was entered.
type SystemStatus struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	By        string    `json:"by,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// SysState folds system.* events into the operating state every component
// consults before accepting work.
type SysState struct {
	mu  sync.RWMutex
	cur SystemStatus
}

func NewSysState() *SysState {
	s := &SysState{}
	s.Reset()
	return s
}

func (s *SysState) Kind() string { return "sysstate" }

func (s *SysState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = SystemStatus{State: StateNormal}
}

func (s *SysState) Apply(ev eventlog.Event) error {
	switch ev.Type {
	case eventlog.TypeSystemDegraded, eventlog.TypeSystemRecovering,
		eventlog.TypeSystemRecovered:
	default:
		return nil
	}

	p, err := eventlog.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch p := p.(type) {
	case *eventlog.SystemDegradedPayload:
		s.cur = SystemStatus{State: StateEmergency, Reason: p.Reason, By: p.By, ChangedAt: ev.Meta.WallClock}
	case *eventlog.SystemRecoveringPayload:
		s.cur = SystemStatus{State: StateRecovering, Reason: p.Reason, By: p.By, ChangedAt: ev.Meta.WallClock}
	case *eventlog.SystemRecoveredPayload:
		s.cur = SystemStatus{State: StateNormal, By: p.By, ChangedAt: ev.Meta.WallClock}
	}
	return nil
}

// Current returns the operating state as of the last applied event.
func (s *SysState) Current() SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *SysState) MarshalSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.cur)
}

func (s *SysState) UnmarshalSnapshot(data []byte) error {
	var cur SystemStatus
	if err := json.Unmarshal(data, &cur); err != nil {
		return fmt.Errorf("sysstate snapshot: %w", err)
	}
	if cur.State == "" {
		cur.State = StateNormal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = cur
	return nil
}
