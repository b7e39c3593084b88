package model

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
)

// networkSpecWire is the wire shape of one NetworkSpec. DesiredState's own
// MarshalJSON emits the port keys around it in ascending order, for
// deterministic round-tripping (spec §8's "byte-semantically equal after
// JSON canonicalisation").
type networkSpecWire struct {
	PrivateKey string          `json:"private_key"`
	Address    []string        `json:"address"`
	Peers      []peerSpecWire  `json:"peers"`
	Proxy      map[string][]string `json:"proxy"`
}

type peerSpecWire struct {
	PublicKey           string   `json:"public_key"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	Endpoint            string   `json:"endpoint,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	PersistentKeepalive *int     `json:"persistent_keepalive,omitempty"`
}

// MarshalJSON renders the desired state with string port keys, each port
// formatted canonically (no leading zeros) and emitted in ascending order.
func (d DesiredState) MarshalJSON() ([]byte, error) {
	ports := make([]uint16, 0, len(d))
	for port := range d {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

	buf := []byte{'{'}
	for i, port := range ports {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(fmt.Sprintf("%d", port))
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(toWire(d[port]))
		if err != nil {
			return nil, fmt.Errorf("marshal network on port %d: %w", port, err)
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON parses the wire format, validating port keys and key
// lengths/CIDRs eagerly so malformed input is rejected before it ever
// reaches the reconciler (spec §7 Validation).
func (d *DesiredState) UnmarshalJSON(data []byte) error {
	var raw map[string]networkSpecWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal desired state: %w", err)
	}

	out := make(DesiredState, len(raw))
	for rawPort, wire := range raw {
		port, err := PortOf(rawPort)
		if err != nil {
			return err
		}
		if _, dup := out[port]; dup {
			return fmt.Errorf("duplicate port %d", port)
		}
		spec, err := fromWire(wire)
		if err != nil {
			return fmt.Errorf("network on port %d: %w", port, err)
		}
		out[port] = spec
	}
	*d = out
	return nil
}

func toWire(spec NetworkSpec) networkSpecWire {
	w := networkSpecWire{
		PrivateKey: spec.PrivateKey.String(),
		Address:    make([]string, len(spec.Address)),
		Peers:      make([]peerSpecWire, len(spec.Peers)),
		Proxy:      make(map[string][]string, len(spec.Proxy)),
	}
	for i, a := range spec.Address {
		w.Address[i] = a.String()
	}
	for i, p := range spec.Peers {
		pw := peerSpecWire{
			PublicKey:           p.PublicKey.String(),
			AllowedIPs:          make([]string, len(p.AllowedIPs)),
			PersistentKeepalive: p.PersistentKeepalive,
		}
		if p.PresharedKey != nil {
			pw.PresharedKey = p.PresharedKey.String()
		}
		pw.Endpoint = p.Endpoint
		for j, a := range p.AllowedIPs {
			pw.AllowedIPs[j] = a.String()
		}
		w.Peers[i] = pw
	}
	hostnames := make([]string, 0, len(spec.Proxy))
	for host := range spec.Proxy {
		hostnames = append(hostnames, host)
	}
	sort.Strings(hostnames)
	for _, host := range hostnames {
		entry := spec.Proxy[host]
		ups := make([]string, len(entry.Upstreams))
		for i, u := range entry.Upstreams {
			ups[i] = u.String()
		}
		w.Proxy[host] = ups
	}
	return w
}

func fromWire(w networkSpecWire) (NetworkSpec, error) {
	priv, err := ParseKey(w.PrivateKey)
	if err != nil {
		return NetworkSpec{}, fmt.Errorf("private_key: %w", err)
	}

	addrs := make([]netip.Prefix, len(w.Address))
	for i, a := range w.Address {
		pfx, err := netip.ParsePrefix(a)
		if err != nil {
			return NetworkSpec{}, fmt.Errorf("address[%d] %q: %w", i, a, err)
		}
		addrs[i] = pfx
	}

	peers := make([]PeerSpec, len(w.Peers))
	for i, pw := range w.Peers {
		peer, err := peerFromWire(pw)
		if err != nil {
			return NetworkSpec{}, fmt.Errorf("peers[%d]: %w", i, err)
		}
		peers[i] = peer
	}

	proxy := make(ProxyMap, len(w.Proxy))
	for host, ups := range w.Proxy {
		if host == "" {
			return NetworkSpec{}, fmt.Errorf("proxy hostname must not be empty")
		}
		addrPorts := make([]netip.AddrPort, len(ups))
		for i, u := range ups {
			ap, err := netip.ParseAddrPort(u)
			if err != nil {
				return NetworkSpec{}, fmt.Errorf("proxy[%q][%d] %q: %w", host, i, u, err)
			}
			addrPorts[i] = ap
		}
		proxy[host] = ProxyEntry{Upstreams: addrPorts}
	}

	return NetworkSpec{PrivateKey: priv, Address: addrs, Peers: peers, Proxy: proxy}, nil
}

func peerFromWire(w peerSpecWire) (PeerSpec, error) {
	pub, err := ParseKey(w.PublicKey)
	if err != nil {
		return PeerSpec{}, fmt.Errorf("public_key: %w", err)
	}

	peer := PeerSpec{PublicKey: pub, PersistentKeepalive: w.PersistentKeepalive}

	if w.PresharedKey != "" {
		psk, err := ParseKey(w.PresharedKey)
		if err != nil {
			return PeerSpec{}, fmt.Errorf("preshared_key: %w", err)
		}
		peer.PresharedKey = &psk
	}

	if w.Endpoint != "" {
		if err := validateHostPort(w.Endpoint); err != nil {
			return PeerSpec{}, fmt.Errorf("endpoint %q: %w", w.Endpoint, err)
		}
		peer.Endpoint = w.Endpoint
	}

	peer.AllowedIPs = make([]netip.Prefix, len(w.AllowedIPs))
	for i, a := range w.AllowedIPs {
		pfx, err := netip.ParsePrefix(a)
		if err != nil {
			return PeerSpec{}, fmt.Errorf("allowed_ips[%d] %q: %w", i, a, err)
		}
		peer.AllowedIPs[i] = pfx
	}

	return peer, nil
}

// validateHostPort checks an endpoint's syntax without resolving it: the
// host half may be a literal IP or a DNS name, either is valid WireGuard
// endpoint syntax (spec §3/§6), so only port well-formedness is checked
// here; actual resolution happens in the kernel adapter at apply time.
func validateHostPort(raw string) error {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
