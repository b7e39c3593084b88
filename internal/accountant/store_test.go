package accountant

import (
	"context"
	"testing"

	"gatewayd/internal/model"
)

func testKey(b byte) model.Key {
	var k model.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndSinceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	net := testKey(1)
	peer := testKey(2)

	err := s.Insert(context.Background(), []Sample{
		{NetworkPubkey: net, PeerPubkey: peer, Time: 100, RxRaw: 10, RxDelta: 10, TxRaw: 5, TxDelta: 5},
		{NetworkPubkey: net, PeerPubkey: peer, Time: 130, RxRaw: 25, RxDelta: 15, TxRaw: 8, TxDelta: 3},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Since(context.Background(), 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one (network, peer) group, got %d", len(got))
	}
	group := got[0]
	if group.Network != net.String() || group.Peer != peer.String() {
		t.Fatalf("group identity = %+v, want network=%s peer=%s", group, net, peer)
	}
	if len(group.Samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(group.Samples))
	}
	if group.Samples[0].Time != 100 || group.Samples[1].Time != 130 {
		t.Fatalf("samples not in ascending time order: %+v", group.Samples)
	}
	if group.Samples[1].Rx != 15 || group.Samples[1].Tx != 3 {
		t.Errorf("second sample deltas = %+v, want rx=15 tx=3", group.Samples[1])
	}
}

func TestSinceFiltersByTimestamp(t *testing.T) {
	s := openTestStore(t)
	net, peer := testKey(1), testKey(2)

	if err := s.Insert(context.Background(), []Sample{
		{NetworkPubkey: net, PeerPubkey: peer, Time: 100},
		{NetworkPubkey: net, PeerPubkey: peer, Time: 200},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Since(context.Background(), 150)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 1 || len(got[0].Samples) != 1 || got[0].Samples[0].Time != 200 {
		t.Fatalf("expected only the time=200 sample, got %+v", got)
	}
}

func TestInsertPrunesRowsOlderThanRetentionWindow(t *testing.T) {
	s := openTestStore(t)
	net, peer := testKey(1), testKey(2)

	if err := s.Insert(context.Background(), []Sample{
		{NetworkPubkey: net, PeerPubkey: peer, Time: 0},
	}); err != nil {
		t.Fatalf("Insert old sample: %v", err)
	}
	if err := s.Insert(context.Background(), []Sample{
		{NetworkPubkey: net, PeerPubkey: peer, Time: retentionWindowSeconds + 3600},
	}); err != nil {
		t.Fatalf("Insert recent sample: %v", err)
	}

	got, err := s.Since(context.Background(), -1)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 1 || len(got[0].Samples) != 1 {
		t.Fatalf("expected the aged-out row to be pruned, got %+v", got)
	}
	if got[0].Samples[0].Time != retentionWindowSeconds+3600 {
		t.Fatalf("wrong row survived pruning: %+v", got[0].Samples)
	}
}

func TestInsertEmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert(context.Background(), nil); err != nil {
		t.Fatalf("Insert(nil): %v", err)
	}
}
