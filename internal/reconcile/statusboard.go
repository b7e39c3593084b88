package reconcile

import "sync"

// statusBoard collects per-port status concurrently from convergePorts'
// bounded fan-out.
type statusBoard struct {
	mu    sync.Mutex
	ports map[uint16]PortStatus
}

func newStatusBoard() *statusBoard {
	return &statusBoard{ports: make(map[uint16]PortStatus)}
}

func (b *statusBoard) set(port uint16, state State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[port] = PortStatus{State: state, Reason: reason}
}

// ensureOK fills in an ok entry for any desired port convergePorts recorded
// no failure for.
func (b *statusBoard) ensureOK(port uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ports[port]; !ok {
		b.ports[port] = PortStatus{State: StateOK}
	}
}

// annotateConflict downgrades a winning port to degraded with a conflict
// reason, without clobbering an existing failed/degraded reason from
// kernel convergence (spec invariant 4: conflicts are "surfaced in
// status", not a reconcile failure).
func (b *statusBoard) annotateConflict(port uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.ports[port]
	if !ok || cur.State == StateOK {
		b.ports[port] = PortStatus{State: StateDegraded, Reason: "proxy hostname conflict resolved by port order"}
	}
}
