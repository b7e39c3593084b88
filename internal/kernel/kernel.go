// Package kernel wraps the privileged host operations the reconciler needs:
// network namespaces, WireGuard interfaces, veth pairs, and the
// forwarding/NAT rules that stitch a tenant namespace to the outside world.
// Every privileged call goes through the Adapter interface (spec design note
// "ambient-authority resources -> handles") so tests substitute Simulator
// instead of touching the real kernel.
package kernel

import (
	"context"
	"fmt"
	"net/netip"

	"gatewayd/internal/model"
)

// Namespace is the fixed naming scheme for a tenant network namespace.
func Namespace(port uint16) string {
	return fmt.Sprintf("gwns-%d", port)
}

// HostVeth and NSVeth name the two ends of the veth pair carrying proxy
// traffic between the host namespace and a tenant namespace.
func HostVeth(port uint16) string { return fmt.Sprintf("gwh-%d", port) }
func NSVeth(port uint16) string   { return fmt.Sprintf("gwn-%d", port) }

// WireGuardInterface is the fixed interface name created inside every
// tenant namespace.
const WireGuardInterface = "wg0"

// WireGuardConfig is the subset of a NetworkSpec the kernel adapter needs to
// bring up or update a WireGuard interface.
type WireGuardConfig struct {
	PrivateKey model.Key
	Port       uint16
	Addresses  []netip.Prefix
	Peers      []PeerConfig
}

// PeerConfig is one WireGuard peer as the adapter layer consumes it —
// already resolved from model.PeerSpec, with no JSON concerns.
type PeerConfig struct {
	PublicKey    model.Key
	PresharedKey *model.Key
	// Endpoint is the raw "host:port" from model.PeerSpec.Endpoint, still
	// unresolved; the adapter resolves it (DNS or literal IP) right before
	// handing it to wgctrl, rather than caching a resolution that can go
	// stale.
	Endpoint            string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive *int
}

// Counters is one peer's raw, monotone-but-resettable byte counters as read
// from the kernel at an instant (spec §4.4).
type Counters struct {
	RxBytes uint64
	TxBytes uint64
}

// Adapter is the full set of privileged operations the reconciler, the
// dispatcher, and the accountant use. A single implementation backs all
// three in production (Linux); Simulator backs all three in tests.
type Adapter interface {
	// Snapshot enumerates every namespace matching the managed prefix and
	// reads back its WireGuard identity, addresses, and peer set (spec
	// §4.1 step 1).
	Snapshot(ctx context.Context) (model.Observed, error)

	// EnsureNetwork brings namespace, WireGuard interface, veth pair, and
	// forwarding/NAT rules for port fully up to match cfg, creating
	// whatever does not exist yet (spec §4.1 step 4). Safe to call on an
	// already-converged port (idempotent).
	EnsureNetwork(ctx context.Context, cfg WireGuardConfig) error

	// UpdatePeers replaces the peer set on an already-existing network in
	// place, without touching the namespace, interface, or rules (spec
	// §4.1 step 5, incremental peer update).
	UpdatePeers(ctx context.Context, port uint16, peers []PeerConfig) error

	// DeleteNetwork removes the forwarding/NAT rules, the veth pair, and
	// the namespace for port (spec §4.1 step 3). Safe to call on an
	// already-absent port.
	DeleteNetwork(ctx context.Context, port uint16) error

	// PeerCounters reads the current raw rx/tx byte counters for every
	// peer on port's WireGuard interface (spec §4.4).
	PeerCounters(ctx context.Context, port uint16) (map[model.Key]Counters, error)

	// Dial opens a TCP connection to addr from inside port's namespace
	// (spec §4.2 "namespace entry": the connect syscall runs scheduled in
	// the target namespace via setns, the accept loop stays in the host
	// namespace).
	Dial(ctx context.Context, port uint16, addr netip.AddrPort) (Conn, error)
}

// Conn is the minimal surface the dispatcher needs from an upstream
// connection; satisfied by *net.TCPConn.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	CloseRead() error
	CloseWrite() error
}
