package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"gatewayd/internal/accountant"
	"gatewayd/internal/dispatcher"
	"gatewayd/internal/kernel"
	"gatewayd/internal/model"
	"gatewayd/internal/reconcile"
)

type fakeRoutingSink struct{}

func (fakeRoutingSink) SetRouting(reconcile.RoutingTable) {}

func testKey(b byte) model.Key {
	var k model.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestApplyStoresCurrentAndReturnsResult(t *testing.T) {
	sim := kernel.NewSimulator()
	r := reconcile.New(sim, fakeRoutingSink{}, nil)
	s := New(sim, r, nil, nil)

	desired := model.DesiredState{2001: {PrivateKey: testKey(1)}}
	result := s.Apply(context.Background(), desired)

	if result.Ports[2001].State != reconcile.StateOK {
		t.Fatalf("apply result = %+v, want ok", result.Ports[2001])
	}
	if _, ok := s.Current()[2001]; !ok {
		t.Fatal("expected Current() to reflect the applied desired state")
	}
}

func TestLastReflectsMostRecentApply(t *testing.T) {
	sim := kernel.NewSimulator()
	r := reconcile.New(sim, fakeRoutingSink{}, nil)
	s := New(sim, r, nil, nil)

	s.Apply(context.Background(), model.DesiredState{2001: {PrivateKey: testKey(1)}})
	if s.Last().Ports[2001].State != reconcile.StateOK {
		t.Fatalf("Last() = %+v, want ok for port 2001", s.Last())
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sim := kernel.NewSimulator()
	r := reconcile.New(sim, fakeRoutingSink{}, nil)
	d := dispatcher.New(sim, nil)
	sampler := accountant.NewSampler(sim, openTestStore(t), time.Hour)

	s := New(sim, r, d, sampler, WithDrainTimeout(200*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ln) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func openTestStore(t *testing.T) *accountant.Store {
	t.Helper()
	s, err := accountant.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("accountant.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
