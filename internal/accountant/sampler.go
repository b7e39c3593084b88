package accountant

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gatewayd/internal/kernel"
	"gatewayd/internal/model"
)

// DefaultInterval is T_sample, the default sampling period (spec §4.4
// "Every T_sample seconds (default 30 s)").
const DefaultInterval = 30 * time.Second

type baselineKey struct {
	network model.Key
	peer    model.Key
}

// Sampler ticks on an interval, reads each managed network's peer
// counters through the kernel adapter, computes per-peer deltas across
// epoch resets, and persists the result. It only reads the kernel (via
// Snapshot and PeerCounters); only the reconciler mutates it (spec §5
// "Dispatcher and sampler read... without mutation").
type Sampler struct {
	adapter  kernel.Adapter
	store    *Store
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	baselines map[baselineKey]kernel.Counters
}

// NewSampler constructs a Sampler. A zero interval uses DefaultInterval.
func NewSampler(adapter kernel.Adapter, store *Store, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		adapter:   adapter,
		store:     store,
		interval:  interval,
		log:       slog.With("component", "accountant"),
		baselines: make(map[baselineKey]kernel.Counters),
	}
}

// Run ticks until ctx is cancelled, sampling once immediately and then
// every interval.
func (s *Sampler) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	now := time.Now().Unix()

	observed, err := s.adapter.Snapshot(ctx)
	if err != nil {
		s.log.Warn("sampler snapshot failed, skipping tick", "err", err)
		return
	}

	var samples []Sample
	for port, net := range observed.Namespaces {
		counters, err := s.adapter.PeerCounters(ctx, port)
		if err != nil {
			s.log.Warn("read peer counters failed", "port", port, "err", err)
			continue
		}
		for peer, raw := range counters {
			samples = append(samples, s.delta(net.PublicKey, peer, raw, now))
		}
	}

	if len(samples) == 0 {
		return
	}
	if err := s.store.Insert(ctx, samples); err != nil {
		// Storage failures are logged and sampling continues on the next
		// tick (spec §7 "insert/query failure on the sampler is logged;
		// sampling continues with the next tick").
		s.log.Error("insert traffic samples failed", "err", err)
	}
}

// delta applies the epoch-reset comparison against the in-memory baseline
// for (network, peer) and advances the baseline (spec §4.4's sampler
// algorithm).
func (s *Sampler) delta(network, peer model.Key, raw kernel.Counters, now int64) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := baselineKey{network: network, peer: peer}
	prev, known := s.baselines[key]
	s.baselines[key] = raw

	sample := Sample{
		NetworkPubkey: network,
		PeerPubkey:    peer,
		Time:          now,
		RxRaw:         raw.RxBytes,
		TxRaw:         raw.TxBytes,
	}

	switch {
	case !known:
		// No previous sample: record raw counters with zero deltas.
	case raw.RxBytes >= prev.RxBytes && raw.TxBytes >= prev.TxBytes:
		sample.RxDelta = raw.RxBytes - prev.RxBytes
		sample.TxDelta = raw.TxBytes - prev.TxBytes
	default:
		// Either counter rolled backward: treat as a new epoch. Deltas
		// stay zero; the baseline above has already been advanced.
	}

	return sample
}
