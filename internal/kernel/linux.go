//go:build linux

package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"gatewayd/internal/model"
)

const peerKeepalive = 25 * time.Second

// Linux implements Adapter against the real host kernel: network
// namespaces via vishvananda/netns, links/addresses/routes via
// vishvananda/netlink, WireGuard devices via wgctrl, and forwarding/NAT
// rules by shelling out to iptables (no netlink-based iptables/nftables
// library is available in the reachable dependency set, and the wire
// interface this adapter targets is the iptables command itself, per the
// external-interfaces contract).
type Linux struct{}

// NewLinux returns the production kernel adapter.
func NewLinux() *Linux { return &Linux{} }

var _ Adapter = (*Linux)(nil)

func (l *Linux) Snapshot(ctx context.Context) (model.Observed, error) {
	names, err := listManagedNamespaces()
	if err != nil {
		return model.Observed{}, fmt.Errorf("list namespaces: %w", err)
	}

	observed := model.Observed{Namespaces: make(map[uint16]model.ObservedNetwork, len(names))}
	for port, name := range names {
		net, err := snapshotNetwork(name)
		if err != nil {
			// A namespace that vanished between listing and inspection, or
			// one with no WireGuard interface yet, is simply absent from
			// the snapshot rather than a fatal Snapshot error (spec §4.1
			// step 1 tolerates partial/transitional kernel state).
			continue
		}
		observed.Namespaces[port] = net
	}
	return observed, nil
}

func (l *Linux) EnsureNetwork(ctx context.Context, cfg WireGuardConfig) error {
	name := Namespace(cfg.Port)

	if err := ensureNamespace(name); err != nil {
		return &PermanentError{Op: "ensure namespace", Err: err}
	}
	if err := ensureVeth(cfg.Port); err != nil {
		return &PermanentError{Op: "ensure veth", Err: err}
	}
	if err := configureWireGuardIn(name, cfg); err != nil {
		return &PermanentError{Op: "configure wireguard", Err: err}
	}
	if err := ensureForwarding(cfg.Port); err != nil {
		return &TransientError{Op: "ensure forwarding rules", Err: err}
	}
	return nil
}

func (l *Linux) UpdatePeers(ctx context.Context, port uint16, peers []PeerConfig) error {
	name := Namespace(port)
	err := withNamespace(name, func() error {
		wg, err := wgctrl.New()
		if err != nil {
			return fmt.Errorf("create wireguard client: %w", err)
		}
		defer wg.Close()

		dev, err := wg.Device(WireGuardInterface)
		if err != nil {
			return fmt.Errorf("inspect wireguard device: %w", err)
		}
		peerCfgs, err := buildPeerConfigs(dev, peers)
		if err != nil {
			return err
		}
		return wg.ConfigureDevice(WireGuardInterface, wgtypes.Config{
			ReplacePeers: false,
			Peers:        peerCfgs,
		})
	})
	if err != nil {
		return &PermanentError{Op: "update peers", Err: err}
	}
	return nil
}

func (l *Linux) DeleteNetwork(ctx context.Context, port uint16) error {
	if err := deleteForwarding(port); err != nil {
		return &TransientError{Op: "remove forwarding rules", Err: err}
	}
	if err := deleteVeth(port); err != nil {
		return &TransientError{Op: "delete veth", Err: err}
	}
	if err := deleteNamespace(Namespace(port)); err != nil {
		return &PermanentError{Op: "delete namespace", Err: err}
	}
	return nil
}

func (l *Linux) PeerCounters(ctx context.Context, port uint16) (map[model.Key]Counters, error) {
	out := make(map[model.Key]Counters)
	err := withNamespace(Namespace(port), func() error {
		wg, err := wgctrl.New()
		if err != nil {
			return fmt.Errorf("create wireguard client: %w", err)
		}
		defer wg.Close()

		dev, err := wg.Device(WireGuardInterface)
		if err != nil {
			return fmt.Errorf("inspect wireguard device: %w", err)
		}
		for _, p := range dev.Peers {
			out[model.Key(p.PublicKey)] = Counters{
				RxBytes: uint64(p.ReceiveBytes),
				TxBytes: uint64(p.TransmitBytes),
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read peer counters for port %d: %w", port, err)
	}
	return out, nil
}

func (l *Linux) Dial(ctx context.Context, port uint16, addr netip.AddrPort) (Conn, error) {
	var conn *net.TCPConn
	err := withNamespace(Namespace(port), func() error {
		d := net.Dialer{}
		c, err := d.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			return err
		}
		tc, ok := c.(*net.TCPConn)
		if !ok {
			c.Close()
			return fmt.Errorf("dial %s: not a TCP connection", addr)
		}
		conn = tc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// withNamespace runs fn with the calling goroutine's OS thread switched
// into the named namespace, restoring the original namespace afterward
// (spec §4.2 "namespace entry": setns with a cached handle, scoped to one
// worker, never the accept loop itself).
func withNamespace(name string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current namespace: %w", err)
	}
	defer orig.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("open namespace %q: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("enter namespace %q: %w", name, err)
	}
	defer netns.Set(orig)

	return fn()
}

func ensureNamespace(name string) error {
	if existing, err := netns.GetFromName(name); err == nil {
		existing.Close()
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current namespace: %w", err)
	}
	defer orig.Close()

	created, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("create namespace %q: %w", name, err)
	}
	created.Close()

	return netns.Set(orig)
}

func deleteNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("delete namespace %q: %w", name, err)
	}
	return nil
}

// namedNamespaceDir is where `ip netns add`/netns.NewNamed bind-mount named
// namespaces; listing it is the standard way to enumerate them (there is
// no netlink call for "all named namespaces", only "all namespaces of
// running processes").
const namedNamespaceDir = "/var/run/netns"

func listManagedNamespaces() (map[uint16]string, error) {
	entries, err := os.ReadDir(namedNamespaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint16]string{}, nil
		}
		return nil, err
	}
	out := make(map[uint16]string)
	for _, e := range entries {
		port, ok := portFromNamespace(e.Name())
		if !ok {
			continue
		}
		out[port] = e.Name()
	}
	return out, nil
}

func portFromNamespace(name string) (uint16, bool) {
	const prefix = "gwns-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	port, err := model.PortOf(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, false
	}
	return port, true
}

func snapshotNetwork(name string) (model.ObservedNetwork, error) {
	var out model.ObservedNetwork
	err := withNamespace(name, func() error {
		wg, err := wgctrl.New()
		if err != nil {
			return fmt.Errorf("create wireguard client: %w", err)
		}
		defer wg.Close()

		dev, err := wg.Device(WireGuardInterface)
		if err != nil {
			return fmt.Errorf("inspect wireguard device: %w", err)
		}
		out.PublicKey = model.Key(dev.PublicKey)
		out.Peers = make(map[model.Key]struct{}, len(dev.Peers))
		for _, p := range dev.Peers {
			out.Peers[model.Key(p.PublicKey)] = struct{}{}
		}

		link, err := netlink.LinkByName(WireGuardInterface)
		if err != nil {
			return fmt.Errorf("find wireguard interface: %w", err)
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return fmt.Errorf("list addresses: %w", err)
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			pfx, err := ipNetToPrefix(*a.IPNet)
			if err != nil {
				continue
			}
			out.Address = append(out.Address, pfx)
		}
		return nil
	})
	return out, err
}

func configureWireGuardIn(name string, cfg WireGuardConfig) error {
	return withNamespace(name, func() error {
		link, err := ensureWireGuardLink()
		if err != nil {
			return err
		}

		wg, err := wgctrl.New()
		if err != nil {
			return fmt.Errorf("create wireguard client: %w", err)
		}
		defer wg.Close()

		peerCfgs, err := buildPeerConfigs(nil, cfg.Peers)
		if err != nil {
			return err
		}

		port := int(cfg.Port)
		wgCfg := wgtypes.Config{
			PrivateKey:   (*wgtypes.Key)(&cfg.PrivateKey),
			ListenPort:   &port,
			ReplacePeers: true,
			Peers:        peerCfgs,
		}
		if err := wg.ConfigureDevice(WireGuardInterface, wgCfg); err != nil {
			return fmt.Errorf("configure wireguard device: %w", err)
		}

		if err := syncAddresses(link, cfg.Addresses); err != nil {
			return err
		}

		if link.Attrs().Flags&unix.IFF_UP == 0 {
			if err := netlink.LinkSetUp(link); err != nil {
				return fmt.Errorf("set wireguard interface up: %w", err)
			}
		}

		lo, err := netlink.LinkByName("lo")
		if err == nil && lo.Attrs().Flags&unix.IFF_UP == 0 {
			netlink.LinkSetUp(lo)
		}
		return nil
	})
}

func ensureWireGuardLink() (netlink.Link, error) {
	link, err := netlink.LinkByName(WireGuardInterface)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); !ok {
			return nil, fmt.Errorf("find wireguard interface: %w", err)
		}
		link = &netlink.GenericLink{
			LinkAttrs: netlink.LinkAttrs{Name: WireGuardInterface},
			LinkType:  "wireguard",
		}
		if err := netlink.LinkAdd(link); err != nil {
			return nil, fmt.Errorf("create wireguard interface: %w", err)
		}
		link, err = netlink.LinkByName(WireGuardInterface)
		if err != nil {
			return nil, fmt.Errorf("refetch wireguard interface: %w", err)
		}
	}
	return link, nil
}

func buildPeerConfigs(dev *wgtypes.Device, peers []PeerConfig) ([]wgtypes.PeerConfig, error) {
	cfgs := make([]wgtypes.PeerConfig, 0, len(peers))
	desired := make(map[wgtypes.Key]struct{}, len(peers))

	for _, p := range peers {
		allowed := make([]net.IPNet, len(p.AllowedIPs))
		for i, a := range p.AllowedIPs {
			allowed[i] = prefixToIPNet(a)
		}
		pc := wgtypes.PeerConfig{
			PublicKey:         wgtypes.Key(p.PublicKey),
			ReplaceAllowedIPs: true,
			AllowedIPs:        allowed,
		}
		if p.PresharedKey != nil {
			psk := wgtypes.Key(*p.PresharedKey)
			pc.PresharedKey = &psk
		}
		if p.Endpoint != "" {
			addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("resolve endpoint %q for peer %s: %w", p.Endpoint, wgtypes.Key(p.PublicKey), err)
			}
			pc.Endpoint = addr
		}
		if p.PersistentKeepalive != nil {
			d := time.Duration(*p.PersistentKeepalive) * time.Second
			pc.PersistentKeepaliveInterval = &d
		} else {
			d := peerKeepalive
			pc.PersistentKeepaliveInterval = &d
		}
		cfgs = append(cfgs, pc)
		desired[wgtypes.Key(p.PublicKey)] = struct{}{}
	}

	if dev != nil {
		for _, current := range dev.Peers {
			if _, ok := desired[current.PublicKey]; ok {
				continue
			}
			cfgs = append(cfgs, wgtypes.PeerConfig{PublicKey: current.PublicKey, Remove: true})
		}
	}
	return cfgs, nil
}

func syncAddresses(link netlink.Link, prefixes []netip.Prefix) error {
	desired := make(map[string]struct{}, len(prefixes))
	for _, pref := range prefixes {
		desired[pref.String()] = struct{}{}
		addr := &netlink.Addr{IPNet: ipnetPtr(prefixToIPNet(pref))}
		if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("add address %s: %w", pref, err)
		}
	}

	existing, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, addr := range existing {
		if addr.IPNet == nil {
			continue
		}
		pref, err := ipNetToPrefix(*addr.IPNet)
		if err != nil {
			continue
		}
		if _, ok := desired[pref.String()]; ok {
			continue
		}
		if err := netlink.AddrDel(link, &addr); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
			return fmt.Errorf("remove stale address %s: %w", pref, err)
		}
	}
	return nil
}

// forwardingSubnet returns the deterministic /30 out of 169.254.0.0/16
// used for the host<->namespace veth link on a given port (spec §4.1 step
// 4: "assign host-side and ns-side link-local addresses").
func forwardingSubnet(port uint16) (host, ns netip.Addr, bits int) {
	offset := (int(port) % 16384) * 4
	hi := byte(offset >> 8)
	lo := byte(offset & 0xff)
	host = netip.AddrFrom4([4]byte{169, 254, hi, lo | 1})
	ns = netip.AddrFrom4([4]byte{169, 254, hi, lo | 2})
	return host, ns, 30
}

func ensureVeth(port uint16) error {
	hostName, nsName := HostVeth(port), NSVeth(port)

	if _, err := netlink.LinkByName(hostName); err == nil {
		return nil // already wired, idempotent no-op
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  nsName,
	}
	if err := netlink.LinkAdd(veth); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("create veth pair: %w", err)
	}

	hostLink, err := netlink.LinkByName(hostName)
	if err != nil {
		return fmt.Errorf("find host veth %q: %w", hostName, err)
	}
	nsLink, err := netlink.LinkByName(nsName)
	if err != nil {
		return fmt.Errorf("find ns veth %q: %w", nsName, err)
	}

	target, err := netns.GetFromName(Namespace(port))
	if err != nil {
		return fmt.Errorf("open namespace for veth move: %w", err)
	}
	defer target.Close()

	if err := netlink.LinkSetNsFd(nsLink, int(target)); err != nil {
		return fmt.Errorf("move veth into namespace: %w", err)
	}

	hostAddr, nsAddr, bits := forwardingSubnet(port)
	if err := netlink.AddrAdd(hostLink, &netlink.Addr{IPNet: &net.IPNet{
		IP: hostAddr.AsSlice(), Mask: net.CIDRMask(bits, 32),
	}}); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("address host veth: %w", err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("set host veth up: %w", err)
	}

	return withNamespace(Namespace(port), func() error {
		nsLink, err := netlink.LinkByName(nsName)
		if err != nil {
			return fmt.Errorf("find ns veth %q in namespace: %w", nsName, err)
		}
		if err := netlink.AddrAdd(nsLink, &netlink.Addr{IPNet: &net.IPNet{
			IP: nsAddr.AsSlice(), Mask: net.CIDRMask(bits, 32),
		}}); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("address ns veth: %w", err)
		}
		return netlink.LinkSetUp(nsLink)
	})
}

func deleteVeth(port uint16) error {
	link, err := netlink.LinkByName(HostVeth(port))
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("find host veth: %w", err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete host veth: %w", err)
	}
	return nil
}

// ensureForwarding installs the FORWARD rule permitting traffic between
// the namespace's veth and its WireGuard interface, and a host-side
// POSTROUTING MASQUERADE rule for return traffic (spec §4.1 step 4,
// §6 "iptables filter/FORWARD and nat/POSTROUTING SNAT").
func ensureForwarding(port uint16) error {
	_, nsAddr, bits := forwardingSubnet(port)
	subnet := netip.PrefixFrom(nsAddr, bits).Masked().String()

	if err := iptablesEnsure("-t", "nat", "-A", "POSTROUTING", "-s", subnet, "-j", "MASQUERADE"); err != nil {
		return err
	}

	return withNamespace(Namespace(port), func() error {
		if err := iptablesEnsure("-A", "FORWARD", "-i", NSVeth(port), "-o", WireGuardInterface, "-j", "ACCEPT"); err != nil {
			return err
		}
		return iptablesEnsure("-A", "FORWARD", "-i", WireGuardInterface, "-o", NSVeth(port), "-j", "ACCEPT")
	})
}

func deleteForwarding(port uint16) error {
	_, nsAddr, bits := forwardingSubnet(port)
	subnet := netip.PrefixFrom(nsAddr, bits).Masked().String()

	iptablesRemove("-t", "nat", "-D", "POSTROUTING", "-s", subnet, "-j", "MASQUERADE")

	target, err := netns.GetFromName(Namespace(port))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // namespace already gone, and its rules with it
		}
		return fmt.Errorf("open namespace %q: %w", Namespace(port), err)
	}
	target.Close()

	return withNamespace(Namespace(port), func() error {
		iptablesRemove("-D", "FORWARD", "-i", NSVeth(port), "-o", WireGuardInterface, "-j", "ACCEPT")
		iptablesRemove("-D", "FORWARD", "-i", WireGuardInterface, "-o", NSVeth(port), "-j", "ACCEPT")
		return nil
	})
}

// iptablesEnsure adds a rule only if an equivalent one is not already
// present, keeping repeated reconciles idempotent.
func iptablesEnsure(args ...string) error {
	check := append([]string{}, args...)
	check[indexOfFlag(check)] = "-C"
	if err := exec.Command("iptables", check...).Run(); err == nil {
		return nil // already present
	}
	if out, err := exec.Command("iptables", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("iptables %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// iptablesRemove deletes a rule, ignoring "rule does not exist" so
// teardown of an already-absent rule is a no-op.
func iptablesRemove(args ...string) {
	exec.Command("iptables", args...).Run()
}

// indexOfFlag returns the position of the add/delete verb ("-A"/"-D") in
// an iptables argument list so iptablesEnsure can substitute "-C".
func indexOfFlag(args []string) int {
	for i, a := range args {
		if a == "-A" || a == "-D" {
			return i
		}
	}
	return 0
}

func ipnetPtr(n net.IPNet) *net.IPNet { return &n }

func prefixToIPNet(pref netip.Prefix) net.IPNet {
	bits := 32
	if pref.Addr().Is6() {
		bits = 128
	}
	return net.IPNet{IP: pref.Addr().AsSlice(), Mask: net.CIDRMask(pref.Bits(), bits)}
}

func ipNetToPrefix(n net.IPNet) (netip.Prefix, error) {
	a, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid IP %v", n.IP)
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(a.Unmap(), ones), nil
}
