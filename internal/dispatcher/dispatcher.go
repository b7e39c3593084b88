// Package dispatcher implements the :443 SNI stream proxy: it accepts TCP
// connections, determines the ClientHello's SNI hostname without
// terminating TLS, and splices bytes to an upstream inside the hostname's
// target namespace (spec §4.2).
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gatewayd/internal/kernel"
	"gatewayd/internal/reconcile"
)

const (
	helloReadTimeout = 5 * time.Second
	connectTimeout   = 1 * time.Second
	idleTimeout      = 60 * time.Second
)

// Dispatcher owns the :443 accept loop and the atomically-swapped routing
// table it consumes (spec §5 "atomic pointer swap", "an in-flight
// connection uses the routing table captured at accept time").
type Dispatcher struct {
	adapter kernel.Adapter
	log     *slog.Logger

	routing atomic.Pointer[reconcile.RoutingTable]

	rrMu sync.Mutex
	rr   map[string]int // next round-robin index per network port

	active  atomic.Int64
	metrics metrics
}

type metrics struct {
	activeConnections prometheus.Gauge
	rejects           *prometheus.CounterVec
	forwarded         prometheus.Counter
}

// New constructs a Dispatcher. reg may be nil to skip metrics registration
// (e.g. in tests).
func New(adapter kernel.Adapter, reg prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		adapter: adapter,
		log:     slog.With("component", "dispatcher"),
		rr:      make(map[string]int),
		metrics: metrics{
			activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gatewayd_dispatcher_active_connections",
				Help: "Currently open SNI dispatcher connections.",
			}),
			rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gatewayd_dispatcher_rejects_total",
				Help: "Connections rejected by the SNI dispatcher, by reason.",
			}, []string{"reason"}),
			forwarded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gatewayd_dispatcher_forwarded_total",
				Help: "Connections successfully forwarded to an upstream.",
			}),
		},
	}
	if reg != nil {
		reg.MustRegister(d.metrics.activeConnections, d.metrics.rejects, d.metrics.forwarded)
	}
	var empty reconcile.RoutingTable
	d.routing.Store(&empty)
	return d
}

var _ reconcile.RoutingSink = (*Dispatcher)(nil)

// SetRouting atomically installs a new routing table; in-flight
// connections keep using the table snapshot they captured at accept time.
func (d *Dispatcher) SetRouting(t reconcile.RoutingTable) {
	d.routing.Store(&t)
}

// Stats is the snapshot GET /status reports for the dispatcher (spec
// §4.5 "dispatcher statistics").
type Stats struct {
	ActiveConnections int
}

func (d *Dispatcher) Stats() Stats {
	return Stats{ActiveConnections: int(d.active.Load())}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed,
// handling each on its own goroutine (spec §4.2's accept loop, which
// itself never enters a tenant namespace — only the per-connection
// forwarder's connect does, via Adapter.Dial).
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		routing := *d.routing.Load()
		go d.handle(ctx, conn, routing)
	}
}

func (d *Dispatcher) handle(ctx context.Context, conn net.Conn, routing reconcile.RoutingTable) {
	d.metrics.activeConnections.Inc()
	d.active.Add(1)
	defer func() { d.metrics.activeConnections.Dec(); d.active.Add(-1) }()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(helloReadTimeout))
	br := bufio.NewReaderSize(conn, maxClientHello)
	hostname, err := sniffSNI(br)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		d.metrics.rejects.WithLabelValues("clienthello").Inc()
		d.log.Debug("clienthello sniff failed", "err", err)
		return
	}

	entry, ok := routing[hostname]
	if !ok {
		d.metrics.rejects.WithLabelValues("unknown_sni").Inc()
		d.log.Debug("unknown SNI, closing", "hostname", hostname)
		return
	}

	upstream, err := d.connectUpstream(ctx, entry)
	if err != nil {
		d.metrics.rejects.WithLabelValues("upstream_unreachable").Inc()
		d.log.Warn("all upstreams failed", "hostname", hostname, "err", err)
		return
	}
	defer upstream.Close()

	d.metrics.forwarded.Inc()
	splice(d.log, br, conn, upstream)
}

// clientIO is the minimal surface splice needs from the accepted client
// connection; an optional CloseWrite lets it half-close without tearing
// down the whole socket.
type clientIO interface {
	io.Reader
	io.Writer
}

// connectUpstream tries the hostname's upstreams in round-robin order
// starting from the next index, returning the first successful connection
// (spec §4.2 "Upstream selection").
func (d *Dispatcher) connectUpstream(ctx context.Context, entry reconcile.RoutingEntry) (kernel.Conn, error) {
	if len(entry.Upstreams) == 0 {
		return nil, fmt.Errorf("no upstreams configured")
	}

	start := d.nextIndex(entry)
	var lastErr error
	for i := 0; i < len(entry.Upstreams); i++ {
		addr := entry.Upstreams[(start+i)%len(entry.Upstreams)]
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := d.adapter.Dial(dialCtx, entry.Port, addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all %d upstreams failed: %w", len(entry.Upstreams), lastErr)
}

func (d *Dispatcher) nextIndex(entry reconcile.RoutingEntry) int {
	key := fmt.Sprintf("%d", entry.Port)
	d.rrMu.Lock()
	defer d.rrMu.Unlock()
	idx := d.rr[key]
	d.rr[key] = (idx + 1) % len(entry.Upstreams)
	return idx
}

// splice copies bytes bidirectionally between the client and upstream
// until both directions have reached EOF or the idle timeout elapses,
// half-closing the peer as soon as one side does (spec §4.2 "Half-close").
func splice(log *slog.Logger, client io.Reader, clientConn clientIO, upstream kernel.Conn) {
	type halfCloser interface {
		CloseWrite() error
	}

	done := make(chan struct{}, 2)
	copyAndClose := func(dst io.Writer, src io.Reader, closeDst func()) {
		io.Copy(dst, src)
		closeDst()
		done <- struct{}{}
	}

	go copyAndClose(upstream, client, func() { upstream.CloseWrite() })
	go copyAndClose(clientConn, upstream, func() {
		if hc, ok := clientConn.(halfCloser); ok {
			hc.CloseWrite()
		}
	})

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
			timer.Reset(idleTimeout)
		case <-timer.C:
			log.Debug("splice idle timeout")
			return
		}
	}
}
