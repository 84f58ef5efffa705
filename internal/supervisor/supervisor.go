// Package supervisor implements the top-level reconnect loop (C8):
// open the downstream transport, construct C4-C7 for one connection
// epoch, run until resetConnection fires, tear the epoch down, loop.
//
// Construct components, start long-lived loops, wait on a shutdown
// signal, generalized from "one upstream connection for the process
// lifetime" to "rebuild the downstream session and everything that
// depends on it every epoch".
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GaryMatthews/serialmux/internal/downstream"
	"github.com/GaryMatthews/serialmux/internal/listener"
	"github.com/GaryMatthews/serialmux/internal/manager"
	"github.com/GaryMatthews/serialmux/internal/metrics"
	"github.com/GaryMatthews/serialmux/internal/protocol"
	"github.com/GaryMatthews/serialmux/internal/transport"
)

// ReopenBackoff is how long the supervisor waits between failed
// attempts to open the downstream transport.
const ReopenBackoff = 1 * time.Second

// TransportOpener opens the downstream transport for a new epoch.
// Serial device setup and UDP socket creation are external
// collaborators; the supervisor only needs something that hands it an
// open transport.Transport.
type TransportOpener func(ctx context.Context) (transport.Transport, error)

// Config holds the values the supervisor needs per epoch.
type Config struct {
	ListenAddr     string
	AuthToken      []byte
	Retries        int
	CommandTimeout time.Duration
	Version        protocol.Version
}

// Supervisor owns the reconnect loop.
type Supervisor struct {
	open TransportOpener
	cfg  Config
	log  *zap.Logger
	mx   *metrics.Collector
}

// New creates a Supervisor. open is called once per epoch to obtain a
// fresh downstream transport.
func New(open TransportOpener, cfg Config, log *zap.Logger, mx *metrics.Collector) *Supervisor {
	return &Supervisor{open: open, cfg: cfg, log: log, mx: mx}
}

// Run blocks until ctx is cancelled, cycling through connection
// epochs: open transport (retrying every ReopenBackoff on failure),
// build C4-C7, wait for a reset or for ctx to end, tear down, repeat.
func (s *Supervisor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		tr, err := s.openWithRetry(ctx)
		if err != nil {
			return err // openWithRetry reports no errors of its own
		}
		if tr == nil {
			return nil // ctx cancelled while waiting to reopen
		}

		s.runEpoch(ctx, tr)
	}
	return nil
}

func (s *Supervisor) openWithRetry(ctx context.Context) (transport.Transport, error) {
	for {
		tr, err := s.open(ctx)
		if err == nil {
			return tr, nil
		}
		if s.log != nil {
			s.log.Warn("failed to open downstream transport, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(ReopenBackoff):
		}
	}
}

// runEpoch constructs and tears down one full connection epoch: C4
// (PeerIO), C7 (Manager), and C6 (Listener), wired together the way
// the Design Notes require (peer and manager reference each other
// only through interfaces/callbacks set after both exist).
func (s *Supervisor) runEpoch(ctx context.Context, tr transport.Transport) {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer tr.Close()

	var once sync.Once
	resetCh := make(chan string, 1)
	resetFn := func(reason string) {
		once.Do(func() {
			select {
			case resetCh <- reason:
			default:
			}
		})
	}

	peer := downstream.New(tr, nil, resetFn, s.log, s.mx)
	mgr := manager.New(peer, resetFn, s.log, s.mx, manager.Options{
		Retries: s.cfg.Retries,
		Timeout: s.cfg.CommandTimeout,
		Version: s.cfg.Version,
	})
	peer.SetCallback(mgr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = peer.Run(epochCtx)
	}()

	if !peer.WaitForHello(epochCtx) {
		cancel()
		wg.Wait()
		return // ctx cancelled, or reset fired before hello completed
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.Run(epochCtx)
	}()

	lst := listener.New(s.cfg.ListenAddr, mgr, peer.Version, s.cfg.AuthToken, s.log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lst.Run(epochCtx); err != nil && s.log != nil {
			s.log.Warn("listener stopped", zap.Error(err))
		}
	}()

	select {
	case reason := <-resetCh:
		if s.log != nil {
			s.log.Info("resetting connection", zap.String("reason", reason))
		}
	case <-ctx.Done():
	}

	cancel()       // stops listener, manager worker, and peer reader
	mgr.CloseAll() // close every still-connected client from this epoch
	peer.Reset()   // wakes any straggling wait_for_hello callers
	wg.Wait()
}
