package kernel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"gatewayd/internal/model"
)

// Simulator is an in-memory Adapter standing in for the real Linux kernel
// in tests: it tracks the same shape of state (namespaces, keys, peers,
// counters) without touching netlink, netns, or wgctrl, so the reconciler,
// dispatcher, and accountant can be exercised deterministically (spec
// design note "ambient-authority resources -> handles... tests can
// substitute a simulator").
type Simulator struct {
	mu        sync.Mutex
	networks  map[uint16]*simNetwork
	failPorts map[uint16]error // ports whose next EnsureNetwork/UpdatePeers/DeleteNetwork call fails
	upstreams map[string]net.Listener
}

type simNetwork struct {
	publicKey model.Key
	address   []netip.Prefix
	peers     map[model.Key]PeerConfig
	counters  map[model.Key]Counters
}

// NewSimulator returns an empty simulated kernel.
func NewSimulator() *Simulator {
	return &Simulator{
		networks:  make(map[uint16]*simNetwork),
		failPorts: make(map[uint16]error),
		upstreams: make(map[string]net.Listener),
	}
}

var _ Adapter = (*Simulator)(nil)

// FailNext arranges for the next mutating call on port to return err,
// then clears the arrangement (simulates a one-shot transient kernel
// failure for reconciler tests).
func (s *Simulator) FailNext(port uint16, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPorts[port] = err
}

func (s *Simulator) takeFailure(port uint16) error {
	if err, ok := s.failPorts[port]; ok {
		delete(s.failPorts, port)
		return err
	}
	return nil
}

func (s *Simulator) Snapshot(ctx context.Context) (model.Observed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	observed := model.Observed{Namespaces: make(map[uint16]model.ObservedNetwork, len(s.networks))}
	for port, n := range s.networks {
		peers := make(map[model.Key]struct{}, len(n.peers))
		for k := range n.peers {
			peers[k] = struct{}{}
		}
		observed.Namespaces[port] = model.ObservedNetwork{
			PublicKey: n.publicKey,
			Address:   append([]netip.Prefix(nil), n.address...),
			Peers:     peers,
		}
	}
	return observed, nil
}

func (s *Simulator) EnsureNetwork(ctx context.Context, cfg WireGuardConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(cfg.Port); err != nil {
		return err
	}

	pub, err := model.PublicKeyOf(cfg.PrivateKey)
	if err != nil {
		return &PermanentError{Op: "derive public key", Err: err}
	}

	n := &simNetwork{
		publicKey: pub,
		address:   append([]netip.Prefix(nil), cfg.Addresses...),
		peers:     make(map[model.Key]PeerConfig, len(cfg.Peers)),
		counters:  make(map[model.Key]Counters),
	}
	for _, p := range cfg.Peers {
		n.peers[p.PublicKey] = p
		n.counters[p.PublicKey] = Counters{}
	}
	s.networks[cfg.Port] = n
	return nil
}

func (s *Simulator) UpdatePeers(ctx context.Context, port uint16, peers []PeerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(port); err != nil {
		return err
	}

	n, ok := s.networks[port]
	if !ok {
		return &PermanentError{Op: "update peers", Err: fmt.Errorf("no network on port %d", port)}
	}

	next := make(map[model.Key]PeerConfig, len(peers))
	nextCounters := make(map[model.Key]Counters, len(peers))
	for _, p := range peers {
		next[p.PublicKey] = p
		if c, ok := n.counters[p.PublicKey]; ok {
			nextCounters[p.PublicKey] = c
		} else {
			nextCounters[p.PublicKey] = Counters{}
		}
	}
	n.peers = next
	n.counters = nextCounters
	return nil
}

func (s *Simulator) DeleteNetwork(ctx context.Context, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(port); err != nil {
		return err
	}
	delete(s.networks, port)
	return nil
}

func (s *Simulator) PeerCounters(ctx context.Context, port uint16) (map[model.Key]Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.networks[port]
	if !ok {
		return nil, fmt.Errorf("no network on port %d", port)
	}
	out := make(map[model.Key]Counters, len(n.counters))
	for k, v := range n.counters {
		out[k] = v
	}
	return out, nil
}

// SetCounters lets a test directly set the next raw counters a peer will
// report, simulating a kernel stats dump tick (spec §4.4).
func (s *Simulator) SetCounters(port uint16, peer model.Key, c Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.networks[port]; ok {
		n.counters[peer] = c
	}
}

// Dial connects to addr using a plain TCP dial, ignoring the namespace
// argument (the simulator has no real namespaces; tests exercising
// namespace-scoped connects run the upstream listener in the same process
// address space).
func (s *Simulator) Dial(ctx context.Context, port uint16, addr netip.AddrPort) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return &simConn{c}, nil
	}
	return tc, nil
}

// simConn adapts a net.Conn without CloseRead/CloseWrite (unused in
// practice since Dial above only falls back to it for non-TCP conns) to
// the Conn interface for completeness.
type simConn struct {
	net.Conn
}

func (c *simConn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

func (c *simConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

var _ io.Closer = (*simConn)(nil)
