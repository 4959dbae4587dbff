package hubd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/build"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/chainio"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/contractcourt"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/hubcfg"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/colorhub/hubd/monitoring"
	"github.com/colorhub/hubd/notify"
	"github.com/colorhub/hubd/offchain"
	"github.com/colorhub/hubd/signal"
	"github.com/colorhub/hubd/txbuild"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
)

// walletQueryTimeout bounds the ledger query listing the wallet coins of a
// refill.
const walletQueryTimeout = time.Minute

// hubKeys are the long lived keys of the hub.
type hubKeys struct {
	channel keychain.KeyDescriptor
	hot     keychain.KeyDescriptor
	fee     keychain.KeyDescriptor
}

// loadKeys reads the key file into a key ring and picks the configured keys
// of every family.
func loadKeys(cfg *Config) (*keychain.MemoryKeyRing, *hubKeys, error) {
	ring := keychain.NewMemoryKeyRing()
	if err := ring.LoadKeyFile(cfg.Signer.KeyFile); err != nil {
		return nil, nil, fmt.Errorf("unable to load key file: %w", err)
	}

	pick := func(fam keychain.KeyFamily,
		pubHex string) (keychain.KeyDescriptor, error) {

		if pubHex == "" {
			return ring.DeriveKey(keychain.KeyLocator{Family: fam})
		}

		pub, err := hubcfg.ParsePubKey(pubHex)
		if err != nil {
			return keychain.KeyDescriptor{}, err
		}

		desc := keychain.KeyDescriptor{
			KeyLocator: keychain.KeyLocator{Family: fam},
			PubKey:     pub,
		}

		// The ring must hold the private half.
		if _, err := ring.DerivePrivKey(desc); err != nil {
			return keychain.KeyDescriptor{}, err
		}

		return desc, nil
	}

	var (
		keys hubKeys
		err  error
	)
	keys.channel, err = pick(
		keychain.KeyFamilyChannel, cfg.Hub.ChannelPubKey,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("channel key: %w", err)
	}
	keys.hot, err = pick(
		keychain.KeyFamilyHotWallet, cfg.Hub.HotWalletPubKey,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("hot wallet key: %w", err)
	}
	keys.fee, err = pick(keychain.KeyFamilyFeeWallet, cfg.Hub.FeePubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("fee wallet key: %w", err)
	}

	return ring, &keys, nil
}

// p2wkhAddress returns the p2wkh address of key.
func p2wkhAddress(key keychain.KeyDescriptor,
	net *chaincfg.Params) (string, error) {

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey.SerializeCompressed()), net,
	)
	if err != nil {
		return "", err
	}

	return addr.EncodeAddress(), nil
}

// Main is the true entry point for hubd. It wires the ledger, the signer and
// the chain backend into the protocol engine, starts the ledger monitor and
// the fee pool refiller and blocks until a shutdown is requested.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		hubdLog.Info("Shutdown complete")
		if err := cfg.LogWriter.Close(); err != nil {
			hubdLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	// Show version at startup.
	hubdLog.Infof("Version: %s commit=%s, build=%s, logging=%s, "+
		"debuglevel=%s", build.Version(), build.Commit,
		build.Deployment, build.LoggingType, cfg.DebugLevel)
	hubdLog.Infof("Active network: %v", cfg.ActiveNetParams.Name)
	if build.IsDevBuild() {
		hubdLog.Warn("Running a development build, not for use with " +
			"real funds")
	}

	ring, keys, err := loadKeys(cfg)
	if err != nil {
		return startErr("unable to load hub keys", err)
	}

	db, err := cfg.DB.Open(cfg.DBPath())
	if err != nil {
		return startErr("unable to open channel ledger", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			hubdLog.Errorf("Unable to close channel ledger: %v", err)
		}
	}()
	hubdLog.Infof("Opened channel ledger in %v", cfg.DBPath())

	bitcoindCfg, err := cfg.Chain.BitcoindConfig()
	if err != nil {
		return startErr("invalid chain config", err)
	}
	client, err := chainio.NewBitcoindClient(bitcoindCfg)
	if err != nil {
		return startErr("unable to create chain client", err)
	}
	defer client.Stop()

	estimator := chainfee.NewSourceEstimator(
		chainio.FeeSource(client), cfg.Hub.FallbackFee(),
	)

	feeChangeScript, err := input.WitnessPubKeyHash(keys.fee.PubKey)
	if err != nil {
		return startErr("unable to derive fee change script", err)
	}

	signer := input.NewKeyRingSigner(ring)
	pool := feepool.NewStore(db.Backend())
	buildCfg := &txbuild.Config{
		Pool:       pool,
		FeeKey:     keys.fee,
		Signer:     signer,
		Estimator:  estimator,
		ConfTarget: cfg.Hub.ConfTarget,
	}

	var alerts notify.LogSink
	engine := offchain.New(&offchain.Config{
		DB:              db,
		Ledger:          client,
		Signer:          signer,
		KeyRing:         ring,
		Build:           buildCfg,
		ChannelKey:      keys.channel,
		HotWalletKey:    keys.hot,
		FeeChangeScript: feeChangeScript,
		CsvDelay:        cfg.Hub.CsvDelay,
		Net:             cfg.ActiveNetParams,
		Notifier:        alerts,
		BuildAttempts:   cfg.Hub.BuildAttempts,
	})

	// Liveness of the chain backend. The hub can neither publish nor
	// watch commitments without it.
	if cfg.HealthChecks.ChainCheck.Attempts != 0 {
		chainCheck := cfg.HealthChecks.ChainCheck
		liveness := healthcheck.NewMonitor(&healthcheck.Config{
			Checks: []*healthcheck.Observation{
				healthcheck.NewObservation(
					"chain backend",
					func() error {
						ctx, cancel := context.WithTimeout(
							context.Background(),
							chainCheck.Timeout,
						)
						defer cancel()

						_, err := client.BestHeight(ctx)

						return err
					},
					chainCheck.Interval, chainCheck.Timeout,
					chainCheck.Backoff, chainCheck.Attempts,
				),
			},
			Shutdown: func(format string, params ...interface{}) {
				hubdLog.Criticalf("Health check: "+format,
					params...)
			},
		})
		if err := liveness.Start(); err != nil {
			return startErr("unable to start health checks", err)
		}
		defer func() {
			if err := liveness.Stop(); err != nil {
				hubdLog.Errorf("Unable to stop health checks: %v",
					err)
			}
		}()
	}

	monitor := contractcourt.NewMonitor(&contractcourt.Config{
		DB:              db,
		Ledger:          client,
		Signer:          signer,
		Build:           buildCfg,
		ChannelKey:      keys.channel,
		FeeChangeScript: feeChangeScript,
		Net:             cfg.ActiveNetParams,
		Notifier:        alerts,
		Transfers:       engine,
		Ticker:          ticker.New(cfg.Monitor.Interval),
		ClaimTTL:        cfg.Monitor.ClaimTTL,
		TransferTTL:     cfg.Monitor.TransferTTL,
		Workers:         cfg.Monitor.Workers,
	})
	if err := monitor.Start(); err != nil {
		return startErr("unable to start ledger monitor", err)
	}
	defer stopWithTimeout(cfg, "ledger monitor", monitor.Stop)

	if cfg.Hub.Refill.Active {
		refiller, err := newRefiller(cfg, client, pool, signer, estimator,
			keys)
		if err != nil {
			return startErr("unable to create fee pool refiller", err)
		}
		if err := refiller.Start(); err != nil {
			return startErr("unable to start fee pool refiller", err)
		}
		defer stopWithTimeout(cfg, "fee pool refiller", refiller.Stop)
	}

	if cfg.Prometheus.Enabled() {
		collectors := append(
			[]prometheus.Collector{}, offchain.Collectors()...,
		)
		collectors = append(collectors, contractcourt.Collectors()...)

		err := monitoring.ExportPrometheusMetrics(
			cfg.Prometheus, collectors...,
		)
		if err != nil {
			return startErr("unable to export metrics", err)
		}
	}

	hubdLog.Infof("Hub is active, channel key %x",
		keys.channel.PubKey.SerializeCompressed())

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}

// newRefiller creates the refiller keeping the fee queue filled from the
// coins of the hot wallet.
func newRefiller(cfg *Config, client chainio.LedgerClient,
	pool *feepool.Store, signer input.Signer,
	estimator chainfee.Estimator, keys *hubKeys) (*feepool.Refiller,
	error) {

	walletAddr, err := p2wkhAddress(keys.hot, cfg.ActiveNetParams)
	if err != nil {
		return nil, err
	}

	refill := cfg.Hub.Refill

	return feepool.NewRefiller(&feepool.RefillConfig{
		Store:        pool,
		Queue:        cfg.Hub.FeeQueue,
		Denomination: refill.RefillDenomination(),
		Target:       refill.Target,
		LowWater:     refill.LowWater,
		WalletKey:    keys.hot,
		FeeKey:       keys.fee,
		FetchWalletCoins: func() ([]colored.Coin, error) {
			ctx, cancel := context.WithTimeout(
				context.Background(), walletQueryTimeout,
			)
			defer cancel()

			return client.GetUnspentOutputs(
				ctx, walletAddr, colored.Bitcoin,
			)
		},
		Signer:     signer,
		Estimator:  estimator,
		ConfTarget: cfg.Hub.ConfTarget,
		PublishTransaction: func(tx *wire.MsgTx) error {
			_, err := client.Broadcast(context.Background(), tx)
			return err
		},
		Ticker: ticker.New(refill.Interval),
	}), nil
}

// stopWithTimeout stops a subsystem and logs when it does not return within
// the configured shutdown timeout.
func stopWithTimeout(cfg *Config, name string, stop func() error) {
	hubdLog.Infof("Stopping %v", name)

	done := make(chan error, 1)
	go func() {
		done <- stop()
	}()

	timeout := time.Duration(cfg.ShutdownTimeout) * time.Second
	select {
	case err := <-done:
		if err != nil {
			hubdLog.Errorf("Unable to stop %v: %v", name, err)
		}

	case <-time.After(timeout):
		hubdLog.Errorf("Timed out stopping %v", name)
	}
}

// startErr logs and wraps a startup error.
func startErr(msg string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	hubdLog.Errorf("%v: %v", msg, err)

	return fmt.Errorf("%v: %w", msg, err)
}
