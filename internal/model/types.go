// Package model holds the declarative desired-state types for the gateway:
// the JSON shape accepted by POST /config, its in-memory representation, and
// the observed-state snapshot the reconciler compares it against.
package model

import (
	"fmt"
	"net/netip"
)

// DesiredState maps a WireGuard listen port to the network that should be
// running on it. It is replaced atomically by POST /config — never
// partially mutated (spec invariant: port uniqueness).
type DesiredState map[uint16]NetworkSpec

// NetworkSpec describes one tenant overlay: its WireGuard identity, the
// addresses carried on its interface, its peers, and the hostnames it
// exposes through the proxy layer. Encoding to/from the wire format goes
// through the wire structs in json.go, not struct tags on this type.
type NetworkSpec struct {
	PrivateKey Key
	Address    []netip.Prefix
	Peers      []PeerSpec
	Proxy      ProxyMap
}

// ProxyMap is hostname -> upstream set, matching the wire format's nested
// object of hostname to an array of "ip:port" strings.
type ProxyMap map[string]ProxyEntry

// ProxyEntry is the upstream set for one hostname. It marshals as a bare
// JSON array of "ip:port" strings (see toWire/fromWire in json.go); the
// hostname itself is the ProxyMap key, not a field here.
type ProxyEntry struct {
	Upstreams []netip.AddrPort
}

// PeerSpec is one remote WireGuard endpoint.
type PeerSpec struct {
	PublicKey    Key
	PresharedKey *Key
	// Endpoint is the peer's "host:port" (spec §3/§6), kept as the raw
	// string rather than pre-resolved: the host half may be a DNS name
	// (a roaming peer behind a dynamic-DNS record), and resolving it here
	// at decode time would bake in a stale IP instead of the address
	// the kernel adapter re-resolves each time it configures the peer.
	Endpoint            string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive *int
}

// PublicKeyOf returns the derived public key for a private key. WireGuard
// identity (spec invariant 2) is (listen port, derived public key).
func PublicKeyOf(priv Key) (Key, error) {
	return curve25519PublicKey(priv)
}

// PortOf validates a JSON object key as a WireGuard listen port (spec §6:
// "decimal port numbers in the range 1-65535").
func PortOf(raw string) (uint16, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", raw, err)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", n)
	}
	// Reject any string that isn't the canonical decimal rendering of n
	// (e.g. leading zeros, whitespace, "+80") so round-tripping is exact.
	if fmt.Sprintf("%d", n) != raw {
		return 0, fmt.Errorf("invalid port %q: not canonical", raw)
	}
	return uint16(n), nil
}
