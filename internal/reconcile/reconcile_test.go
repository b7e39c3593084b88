package reconcile

import (
	"context"
	"net/netip"
	"testing"

	"gatewayd/internal/kernel"
	"gatewayd/internal/model"
)

type fakeRoutingSink struct {
	last RoutingTable
}

func (s *fakeRoutingSink) SetRouting(t RoutingTable) { s.last = t }

type fakeProxyRenderer struct {
	calls int
	last  model.DesiredState
}

func (r *fakeProxyRenderer) Render(ctx context.Context, desired model.DesiredState) error {
	r.calls++
	r.last = desired
	return nil
}

func testKey(b byte) model.Key {
	var k model.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestApplyCreatesNewNetwork(t *testing.T) {
	sim := kernel.NewSimulator()
	sink := &fakeRoutingSink{}
	proxy := &fakeProxyRenderer{}
	r := New(sim, sink, proxy)

	desired := model.DesiredState{
		2001: {
			PrivateKey: testKey(1),
			Address:    []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")},
			Peers:      []model.PeerSpec{{PublicKey: testKey(2)}},
		},
	}

	result := r.Apply(context.Background(), desired)

	if got := result.Ports[2001]; got.State != StateOK {
		t.Fatalf("port 2001 status = %+v, want ok", got)
	}
	if proxy.calls != 1 {
		t.Errorf("expected proxy renderer called once, got %d", proxy.calls)
	}

	observed, err := sim.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := observed.Namespaces[2001]; !ok {
		t.Fatal("expected namespace for port 2001 to exist after apply")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	sim := kernel.NewSimulator()
	r := New(sim, &fakeRoutingSink{}, nil)

	desired := model.DesiredState{
		2001: {PrivateKey: testKey(1), Peers: []model.PeerSpec{{PublicKey: testKey(2)}}},
	}

	first := r.Apply(context.Background(), desired)
	second := r.Apply(context.Background(), desired)

	if first.Ports[2001].State != StateOK || second.Ports[2001].State != StateOK {
		t.Fatalf("expected ok on both applies: %+v %+v", first, second)
	}
}

func TestApplyDeletesRemovedPort(t *testing.T) {
	sim := kernel.NewSimulator()
	r := New(sim, &fakeRoutingSink{}, nil)

	desired := model.DesiredState{
		2001: {PrivateKey: testKey(1)},
	}
	r.Apply(context.Background(), desired)

	result := r.Apply(context.Background(), model.DesiredState{})
	if len(result.Ports) != 0 {
		t.Fatalf("expected no ports in status after removing all, got %+v", result.Ports)
	}

	observed, err := sim.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(observed.Namespaces) != 0 {
		t.Fatalf("expected no namespaces left, got %+v", observed.Namespaces)
	}
}

func TestApplyRebuildsOnKeyChange(t *testing.T) {
	sim := kernel.NewSimulator()
	r := New(sim, &fakeRoutingSink{}, nil)

	desired := model.DesiredState{2001: {PrivateKey: testKey(1)}}
	r.Apply(context.Background(), desired)

	before, _ := sim.Snapshot(context.Background())
	oldPub := before.Namespaces[2001].PublicKey

	desired[2001] = model.NetworkSpec{PrivateKey: testKey(9)}
	result := r.Apply(context.Background(), desired)
	if result.Ports[2001].State != StateOK {
		t.Fatalf("expected ok after rebuild, got %+v", result.Ports[2001])
	}

	after, _ := sim.Snapshot(context.Background())
	if after.Namespaces[2001].PublicKey == oldPub {
		t.Fatal("expected public key to change after private key rebuild")
	}
}

func TestApplyPartialFailureDoesNotAbortOtherPorts(t *testing.T) {
	sim := kernel.NewSimulator()
	r := New(sim, &fakeRoutingSink{}, nil)

	sim.FailNext(2001, &kernel.PermanentError{Op: "ensure network", Err: context.DeadlineExceeded})

	desired := model.DesiredState{
		2001: {PrivateKey: testKey(1)},
		2002: {PrivateKey: testKey(2)},
	}
	result := r.Apply(context.Background(), desired)

	if result.Ports[2001].State != StateDegraded {
		t.Errorf("port 2001 = %+v, want degraded", result.Ports[2001])
	}
	if result.Ports[2002].State != StateOK {
		t.Errorf("port 2002 = %+v, want ok (independent of port 2001's failure)", result.Ports[2002])
	}
}

func TestApplyResolvesProxyRoutingAndConflicts(t *testing.T) {
	sim := kernel.NewSimulator()
	sink := &fakeRoutingSink{}
	r := New(sim, sink, nil)

	desired := model.DesiredState{
		2001: {
			PrivateKey: testKey(1),
			Proxy: model.ProxyMap{"a.example": {
				Upstreams: []netip.AddrPort{netip.MustParseAddrPort("10.0.0.2:443")},
			}},
		},
		2002: {
			PrivateKey: testKey(2),
			Proxy: model.ProxyMap{"a.example": {
				Upstreams: []netip.AddrPort{netip.MustParseAddrPort("10.0.1.2:443")},
			}},
		},
	}

	result := r.Apply(context.Background(), desired)

	entry, ok := sink.last["a.example"]
	if !ok {
		t.Fatal("expected routing table entry for a.example")
	}
	if entry.Port != 2002 {
		t.Errorf("a.example routed to port %d, want 2002 (higher port wins)", entry.Port)
	}

	if len(result.Conflicts) != 1 || result.Conflicts[0].Winner != 2002 {
		t.Fatalf("expected one conflict won by 2002, got %+v", result.Conflicts)
	}
	if result.Ports[2002].State != StateDegraded {
		t.Errorf("winning port status = %+v, want degraded with conflict reason", result.Ports[2002])
	}
}
