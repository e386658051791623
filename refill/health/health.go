// Package health implements the health monitor: three independent
// last-seen watches, each reporting expiry to its caller as an
// ordinary value, never as a panic or exception (spec.md §4.3).
package health

import (
	"sync"
	"time"
)

// Watch names the three independent watches the monitor tracks.
type Watch int

const (
	BoardHeartbeat Watch = iota
	NozzleHeartbeat
	OperatorContact
)

func (w Watch) String() string {
	switch w {
	case BoardHeartbeat:
		return "board_heartbeat"
	case NozzleHeartbeat:
		return "nozzle_heartbeat"
	case OperatorContact:
		return "operator_contact"
	default:
		return "unknown_watch"
	}
}

type watchState struct {
	lastSeen time.Time
	budget   time.Duration
	// unbounded, when true, disables expiry regardless of budget; used
	// for operator contact while the supervisor is Idle.
	unbounded bool
}

// Monitor tracks the three watches from spec.md §4.3. Safe for
// concurrent use: refreshes may arrive from the nozzle read loop and
// from operator HTTP handlers concurrently with the reactor's own
// tick-driven reads.
type Monitor struct {
	mu      sync.Mutex
	watches map[Watch]*watchState
}

// New returns a monitor with board/nozzle heartbeat budgets of
// heartbeatBudget and operator contact budget of operatorBudget while
// active. All watches start "now" seen, matching reset() semantics on
// Idle re-entry.
func New(now time.Time, heartbeatBudget, operatorBudget time.Duration) *Monitor {
	return &Monitor{
		watches: map[Watch]*watchState{
			BoardHeartbeat:  {lastSeen: now, budget: heartbeatBudget},
			NozzleHeartbeat: {lastSeen: now, budget: heartbeatBudget},
			OperatorContact: {lastSeen: now, budget: operatorBudget, unbounded: true},
		},
	}
}

// Refresh marks w seen at "at".
func (m *Monitor) Refresh(w Watch, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[w].lastSeen = at
}

// SetOperatorBounded toggles whether the operator-contact watch is
// subject to its budget (active refill) or unbounded (Idle).
func (m *Monitor) SetOperatorBounded(bounded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[OperatorContact].unbounded = !bounded
}

// LastSeen returns when w was last refreshed.
func (m *Monitor) LastSeen(w Watch) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watches[w].lastSeen
}

// Expired reports whether w has exceeded its budget at "now".
func (m *Monitor) Expired(w Watch, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.watches[w]
	if s.unbounded {
		return false
	}
	return now.Sub(s.lastSeen) >= s.budget
}

// Tick returns every watch that is expired at now.
func (m *Monitor) Tick(now time.Time) []Watch {
	var expired []Watch
	for _, w := range []Watch{BoardHeartbeat, NozzleHeartbeat, OperatorContact} {
		if m.Expired(w, now) {
			expired = append(expired, w)
		}
	}
	return expired
}

// Reset re-seeds every watch's last-seen timestamp to now, as required
// on every re-entry into Idle.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.watches {
		s.lastSeen = now
	}
}
