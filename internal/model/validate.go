package model

import "sort"

// Validate checks structural invariants on a desired state beyond what
// JSON decoding already enforces (key encoding and length, CIDR and port
// syntax): every network's private key and every peer's public key must be
// non-zero. Nothing else is required to ACCEPT a desired state —
// proxy hostname conflicts are not rejected, only resolved deterministically
// and surfaced in status (spec invariant 4, spec §7: "Only structural
// validation failures reject a POST /config").
func Validate(desired DesiredState) error {
	for port, spec := range desired {
		if spec.PrivateKey.IsZero() {
			return &ValidationError{Field: "private_key", Message: "must not be zero"}
		}
		for i, peer := range spec.Peers {
			if peer.PublicKey.IsZero() {
				return &ValidationError{Field: "peers.public_key", Message: "must not be zero"}
			}
			_ = i
		}
		_ = port
	}
	return nil
}

// ProxyConflict records a hostname claimed by more than one network: Winner
// is the port whose upstream set is actually installed into the routing
// table, Losers are the ports that lost the tie-break.
type ProxyConflict struct {
	Hostname string
	Winner   uint16
	Losers   []uint16
}

// ResolveProxyRouting builds the exact-match hostname -> (port, upstreams)
// table the SNI dispatcher and HTTP proxy consume, and the list of
// conflicts for status reporting. Tie-break is deterministic: among
// networks claiming the same hostname, the highest listen port wins (spec
// invariant 4: "the later-declared network wins deterministically by port
// order").
func ResolveProxyRouting(desired DesiredState) (map[string]uint16, []ProxyConflict) {
	claimants := make(map[string][]uint16)
	for port, spec := range desired {
		for host := range spec.Proxy {
			claimants[host] = append(claimants[host], port)
		}
	}

	routing := make(map[string]uint16, len(claimants))
	var conflicts []ProxyConflict
	hostnames := make([]string, 0, len(claimants))
	for host := range claimants {
		hostnames = append(hostnames, host)
	}
	sort.Strings(hostnames)

	for _, host := range hostnames {
		ports := claimants[host]
		sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
		winner := ports[len(ports)-1]
		routing[host] = winner
		if len(ports) > 1 {
			conflicts = append(conflicts, ProxyConflict{
				Hostname: host,
				Winner:   winner,
				Losers:   ports[:len(ports)-1],
			})
		}
	}
	return routing, conflicts
}
