package contractcourt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/colorhub/hubd/chainio"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/colorhub/hubd/notify"
	"github.com/colorhub/hubd/txbuild"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInterval is how often the ledger is checked.
	DefaultInterval = time.Minute

	// DefaultClaimTTL is how long a published tx may be missing from the
	// ledger before the outputs it claimed are released.
	DefaultClaimTTL = 6 * time.Hour

	// DefaultTransferTTL is how long an open transfer may wait for its
	// finalize.
	DefaultTransferTTL = 10 * time.Minute

	// DefaultWorkers bounds the parallel ledger lookups of one check.
	DefaultWorkers = 8
)

// ErrMonitorShuttingDown is returned when the monitor was stopped during a
// check.
var ErrMonitorShuttingDown = errors.New("monitor shutting down")

// TransferResolver abandons open transfers that waited too long.
type TransferResolver interface {
	ResolveStaleTransfers(ctx context.Context,
		olderThan time.Duration) (int, error)
}

// Config holds the collaborators of the monitor.
type Config struct {
	// DB is the channel ledger.
	DB *channeldb.DB

	// Ledger is the chain backend watched.
	Ledger chainio.LedgerClient

	// Signer signs penalty and sweep inputs.
	Signer input.Signer

	// Build configures the fee pool used by penalty and sweep txs.
	Build *txbuild.Config

	// ChannelKey is the hub key of every channel. It signs the hub half
	// of revocation spends and owns hub commitments.
	ChannelKey keychain.KeyDescriptor

	// FeeChangeScript receives the fee change of monitor txs.
	FeeChangeScript []byte

	// Net decodes the hot wallet addresses.
	Net *chaincfg.Params

	// Notifier is told about breaches and anomalies.
	Notifier notify.Sink

	// Transfers expires open transfers. It may be nil.
	Transfers TransferResolver

	// Ticker paces the checks.
	Ticker ticker.Ticker

	// ClaimTTL and TransferTTL are the expiry ages of claims and open
	// transfers.
	ClaimTTL    time.Duration
	TransferTTL time.Duration

	// Workers bounds the parallel ledger lookups.
	Workers int
}

// Monitor watches the ledger on behalf of the hub. On every tick it looks
// for channels closed by the client, punishes revoked commitments, sweeps
// matured hub outputs and expires stale claims and transfers.
type Monitor struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	// checking is set while a check runs.
	checking atomic.Bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor returns a monitor using cfg. Zero durations and worker counts
// take their defaults.
func NewMonitor(cfg *Config) *Monitor {
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.TransferTTL == 0 {
		cfg.TransferTTL = DefaultTransferTTL
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultInterval)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogSink{}
	}

	return &Monitor{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the monitor goroutine.
func (m *Monitor) Start() error {
	m.started.Do(func() {
		log.Info("Broadcast monitor starting")

		m.cfg.Ticker.Resume()

		m.wg.Add(1)
		go m.monitorLoop()
	})

	return nil
}

// Stop signals the monitor to exit and waits for it.
func (m *Monitor) Stop() error {
	m.stopped.Do(func() {
		log.Info("Broadcast monitor shutting down...")
		defer log.Debug("Broadcast monitor shutdown complete")

		m.cfg.Ticker.Stop()
		close(m.quit)
		m.wg.Wait()
	})

	return nil
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()

	ctx, cancel := m.quitContext()
	defer cancel()

	for {
		select {
		case <-m.cfg.Ticker.Ticks():
			if err := m.Check(ctx); err != nil {
				log.Errorf("Ledger check failed: %v", err)
			}

		case <-m.quit:
			return
		}
	}
}

// quitContext returns a context cancelled once the monitor stops.
func (m *Monitor) quitContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		select {
		case <-m.quit:
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Check runs one pass over the ledger. Failures of single channels are
// logged and do not stop the pass.
func (m *Monitor) Check(ctx context.Context) error {
	if !m.checking.CompareAndSwap(false, true) {
		log.Debug("Ledger check already running, skipping tick")
		return nil
	}
	defer m.checking.Store(false)

	start := time.Now()
	defer func() {
		checkDuration.Observe(time.Since(start).Seconds())
	}()

	if err := m.watchChannels(ctx); err != nil {
		return fmt.Errorf("unable to watch channels: %w", err)
	}
	if err := m.sweepMatured(ctx); err != nil {
		return fmt.Errorf("unable to sweep outputs: %w", err)
	}
	if err := m.releaseStaleClaims(ctx); err != nil {
		return fmt.Errorf("unable to release claims: %w", err)
	}

	if m.cfg.Transfers != nil {
		n, err := m.cfg.Transfers.ResolveStaleTransfers(
			ctx, m.cfg.TransferTTL,
		)
		if err != nil {
			return fmt.Errorf("unable to resolve transfers: %w",
				err)
		}
		if n > 0 {
			log.Infof("Reverted %d stale transfers", n)
		}
	}

	return m.updatePoolGauge()
}

// forEach runs f over items with at most Workers calls in flight. Errors
// are logged per item.
func forEach[T any](ctx context.Context, workers int, items []T,
	f func(context.Context, T) error) error {

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, item := range items {
		item := item
		select {
		case <-ctx.Done():
			return ErrMonitorShuttingDown
		default:
		}

		g.Go(func() error {
			if err := f(ctx, item); err != nil {
				log.Errorf("Ledger check step failed: %v", err)
			}

			return nil
		})
	}

	return g.Wait()
}
