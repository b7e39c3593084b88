// Package reconcile implements the declarative convergence engine: given a
// model.DesiredState it drives the kernel adapter to match it, rebuilds the
// proxy backends, and reports per-port health without ever aborting on a
// single port's failure (spec §4.1).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"gatewayd/internal/kernel"
	"gatewayd/internal/model"
)

// maxConcurrentPorts bounds how many ports converge at once; namespaces are
// independent kernel resources so there is no correctness reason to
// serialize them, only a resource-usage reason to cap fan-out.
const maxConcurrentPorts = 8

// RoutingEntry is one hostname's resolved destination: the winning port
// (used to enter the right namespace, spec §4.2 "namespace entry") and its
// upstream set.
type RoutingEntry struct {
	Port      uint16
	Upstreams []netip.AddrPort
}

// RoutingTable is the hostname -> destination map the SNI dispatcher reads,
// rebuilt and swapped atomically after every apply (spec §4.1 step 6,
// §5 "atomic pointer swap").
type RoutingTable map[string]RoutingEntry

// RoutingSink receives the freshly computed routing table after each
// apply. The dispatcher implements this by swapping an atomic.Pointer.
type RoutingSink interface {
	SetRouting(RoutingTable)
}

// ProxyConfigRenderer writes the external HTTP reverse-proxy's config
// fragment and reloads it after a successful apply (spec §4.3).
type ProxyConfigRenderer interface {
	Render(ctx context.Context, desired model.DesiredState) error
}

// Reconciler is the process-wide convergence engine. Exactly one apply runs
// at a time, serialized by mu (spec §4.1 "Serialised by a process-wide
// mutex").
type Reconciler struct {
	adapter  kernel.Adapter
	routing  RoutingSink
	proxy    ProxyConfigRenderer
	log      *slog.Logger
	mu       sync.Mutex
	lastResl Result
}

// New constructs a Reconciler. proxy may be nil if the HTTP reverse-proxy
// config emitter is not wired (e.g. in tests that only exercise kernel
// convergence).
func New(adapter kernel.Adapter, routing RoutingSink, proxy ProxyConfigRenderer) *Reconciler {
	return &Reconciler{
		adapter: adapter,
		routing: routing,
		proxy:   proxy,
		log:     slog.With("component", "reconcile"),
	}
}

// Apply converges the kernel to desired and returns per-port health (spec
// §4.1's full algorithm, steps 1-6).
func (r *Reconciler) Apply(ctx context.Context, desired model.DesiredState) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := newStatusBoard()

	observed, err := r.adapter.Snapshot(ctx)
	if err != nil {
		r.log.Error("snapshot failed, aborting apply", "err", err)
		for port := range desired {
			status.set(port, StateFailed, fmt.Sprintf("snapshot failed: %v", err))
		}
		result := Result{Ports: status.ports}
		r.lastResl = result
		return result
	}

	diff := model.ComputeDiff(desired, observed)

	r.convergePorts(ctx, diff.ToDelete, status, func(ctx context.Context, port uint16) error {
		return r.adapter.DeleteNetwork(ctx, port)
	})

	r.convergePorts(ctx, diff.ToCreate, status, func(ctx context.Context, port uint16) error {
		return r.adapter.EnsureNetwork(ctx, wireGuardConfigFor(desired[port], port))
	})

	r.convergePorts(ctx, diff.ToUpdate, status, func(ctx context.Context, port uint16) error {
		spec := desired[port]
		obs := observed.Namespaces[port]
		if model.NeedsRebuild(spec, obs) {
			if err := r.adapter.DeleteNetwork(ctx, port); err != nil {
				return fmt.Errorf("rebuild: delete: %w", err)
			}
			return r.adapter.EnsureNetwork(ctx, wireGuardConfigFor(spec, port))
		}
		return r.adapter.UpdatePeers(ctx, port, peerConfigsFor(spec))
	})

	for port := range desired {
		status.ensureOK(port)
	}

	routing, conflicts := model.ResolveProxyRouting(desired)
	if r.routing != nil {
		r.routing.SetRouting(buildRoutingTable(desired, routing))
	}
	for _, c := range conflicts {
		status.annotateConflict(c.Winner)
	}

	if r.proxy != nil {
		if err := r.proxy.Render(ctx, desired); err != nil {
			r.log.Error("render proxy config failed", "err", err)
		}
	}

	result := Result{Ports: status.ports, Conflicts: toConflictStatuses(conflicts)}
	r.lastResl = result
	return result
}

// Last returns the status board produced by the most recent Apply, for
// GET /status to read without forcing a new reconcile.
func (r *Reconciler) Last() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastResl
}

// convergePorts fans work for ports out across a bounded errgroup. Each
// goroutine recovers its own error into status rather than returning it to
// the group, so one port's failure never cancels its siblings (spec §4.1
// "errors are logged and reported but do not abort the reconcile").
func (r *Reconciler) convergePorts(ctx context.Context, ports []uint16, status *statusBoard, fn func(context.Context, uint16) error) {
	if len(ports) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPorts)

	var errs error
	var errsMu sync.Mutex

	for _, port := range ports {
		port := port
		g.Go(func() error {
			err := fn(gctx, port)
			var transient *kernel.TransientError
			if errors.As(err, &transient) {
				// A transient kernel failure gets one retry after a short back-off.
				select {
				case <-time.After(time.Second):
					err = fn(gctx, port)
				case <-gctx.Done():
				}
			}
			if err != nil {
				state, reason := classify(err)
				status.set(port, state, reason)
				errsMu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("port %d: %w", port, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return a non-nil error themselves

	if errs != nil {
		r.log.Warn("partial reconcile failures", "err", errs)
	}
}

// classify turns a kernel error into the status state and human-readable
// reason surfaced via GET /status (spec §7's transient/permanent taxonomy).
func classify(err error) (State, string) {
	var transient *kernel.TransientError
	if errors.As(err, &transient) {
		return StateDegraded, transient.Error()
	}
	var permanent *kernel.PermanentError
	if errors.As(err, &permanent) {
		return StateDegraded, permanent.Error()
	}
	return StateFailed, err.Error()
}

func wireGuardConfigFor(spec model.NetworkSpec, port uint16) kernel.WireGuardConfig {
	return kernel.WireGuardConfig{
		PrivateKey: spec.PrivateKey,
		Port:       port,
		Addresses:  spec.Address,
		Peers:      peerConfigsFor(spec),
	}
}

func peerConfigsFor(spec model.NetworkSpec) []kernel.PeerConfig {
	out := make([]kernel.PeerConfig, len(spec.Peers))
	for i, p := range spec.Peers {
		out[i] = kernel.PeerConfig{
			PublicKey:           p.PublicKey,
			PresharedKey:        p.PresharedKey,
			Endpoint:            p.Endpoint,
			AllowedIPs:          p.AllowedIPs,
			PersistentKeepalive: p.PersistentKeepalive,
		}
	}
	return out
}

func buildRoutingTable(desired model.DesiredState, routing map[string]uint16) RoutingTable {
	table := make(RoutingTable, len(routing))
	for host, port := range routing {
		entry := desired[port].Proxy[host]
		table[host] = RoutingEntry{Port: port, Upstreams: entry.Upstreams}
	}
	return table
}

func toConflictStatuses(conflicts []model.ProxyConflict) []ConflictStatus {
	if len(conflicts) == 0 {
		return nil
	}
	out := make([]ConflictStatus, len(conflicts))
	for i, c := range conflicts {
		out[i] = ConflictStatus{Hostname: c.Hostname, Winner: c.Winner, Losers: c.Losers}
	}
	return out
}
