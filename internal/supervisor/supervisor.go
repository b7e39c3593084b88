// Package supervisor is the process-wide orchestrator: it owns the single
// accepted model.DesiredState handle, runs the dispatcher's accept loop
// and the accountant's sampler as background tasks, and drains in-flight
// work on shutdown (spec §5's "Supervisor... owns the state handle, the
// dispatcher task, and the sampler task").
package supervisor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"gatewayd/internal/accountant"
	"gatewayd/internal/dispatcher"
	"gatewayd/internal/kernel"
	"gatewayd/internal/model"
	"gatewayd/internal/reconcile"
)

// DefaultDrainTimeout is T_drain (spec §5 "waits up to T_drain (default 10 s)").
const DefaultDrainTimeout = 10 * time.Second

// Supervisor wires the reconciler, dispatcher, and sampler together behind
// a single model.DesiredState handle guarded by a reader/writer lock:
// Current takes the read lock, and Apply replaces the whole map under the
// write lock rather than mutating it.
type Supervisor struct {
	adapter    kernel.Adapter
	reconciler *reconcile.Reconciler
	dispatcher *dispatcher.Dispatcher
	sampler    *accountant.Sampler
	log        *slog.Logger

	drainTimeout time.Duration
	cleanExit    bool

	mu      sync.RWMutex
	current model.DesiredState
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.drainTimeout = d }
}

// WithCleanExit requests namespace teardown on shutdown rather than the
// default warm-restart behavior of leaving namespaces in place (spec §5
// "tears down namespaces iff the operator requested clean-exit").
func WithCleanExit(clean bool) Option {
	return func(s *Supervisor) { s.cleanExit = clean }
}

// New builds a Supervisor. sampler may be nil to run without the traffic
// accountant (e.g. in tests).
func New(adapter kernel.Adapter, reconciler *reconcile.Reconciler, disp *dispatcher.Dispatcher, sampler *accountant.Sampler, opts ...Option) *Supervisor {
	s := &Supervisor{
		adapter:      adapter,
		reconciler:   reconciler,
		dispatcher:   disp,
		sampler:      sampler,
		log:          slog.With("component", "supervisor"),
		drainTimeout: DefaultDrainTimeout,
		current:      model.DesiredState{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Current returns the last accepted desired state (api.ConfigStore).
func (s *Supervisor) Current() model.DesiredState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply stores desired as the new accepted state and runs a reconcile
// against it, returning once the reconcile attempt completes (spec §4.5
// "Returns 200 after the reconcile attempt has completed").
func (s *Supervisor) Apply(ctx context.Context, desired model.DesiredState) reconcile.Result {
	s.mu.Lock()
	s.current = desired
	s.mu.Unlock()

	return s.reconciler.Apply(ctx, desired)
}

// Last returns the most recent reconcile result without forcing a new
// reconcile (api.ConfigStore).
func (s *Supervisor) Last() reconcile.Result {
	return s.reconciler.Last()
}

// Run starts the dispatcher's accept loop (if dispatchLn is non-nil) and
// the sampler, blocking until ctx is cancelled, then drains up to
// drainTimeout before returning (spec §5's cancellation sequence).
func (s *Supervisor) Run(ctx context.Context, dispatchLn net.Listener) error {
	var wg sync.WaitGroup

	if s.dispatcher != nil && dispatchLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.dispatcher.Serve(ctx, dispatchLn); err != nil {
				s.log.Error("dispatcher accept loop exited", "err", err)
			}
		}()
	}

	if s.sampler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sampler.Run(ctx)
		}()
	}

	<-ctx.Done()
	s.log.Info("shutting down, draining in-flight connections", "timeout", s.drainTimeout)
	s.drain()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.log.Warn("drain timeout elapsed, some background tasks may still be running")
	}

	if s.cleanExit {
		s.teardownAll(context.Background())
	}
	return nil
}

// drain polls the dispatcher's active connection count until it reaches
// zero or drainTimeout elapses, giving in-flight forwarders a chance to
// finish on their own (spec §5 "waits up to T_drain... for in-flight
// forwarders").
func (s *Supervisor) drain() {
	if s.dispatcher == nil {
		return
	}
	deadline := time.Now().Add(s.drainTimeout)
	for time.Now().Before(deadline) {
		if s.dispatcher.Stats().ActiveConnections == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// teardownAll deletes every namespace the adapter currently manages,
// requested only via clean-exit (otherwise namespaces persist for a warm
// restart, spec §5).
func (s *Supervisor) teardownAll(ctx context.Context) {
	observed, err := s.adapter.Snapshot(ctx)
	if err != nil {
		s.log.Error("clean-exit snapshot failed", "err", err)
		return
	}
	for port := range observed.Namespaces {
		if err := s.adapter.DeleteNetwork(ctx, port); err != nil {
			s.log.Error("clean-exit teardown failed", "port", port, "err", err)
		}
	}
}
