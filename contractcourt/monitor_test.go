package contractcourt

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/hubmock"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/colorhub/hubd/notify"
	"github.com/colorhub/hubd/txbuild"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	testQueue    = "btc"
	testCsvDelay = 10
)

var (
	testNet  = &chaincfg.RegressionNetParams
	testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
)

type monitorHarness struct {
	monitor *Monitor
	db      *channeldb.DB
	chain   *hubmock.Chain
	pool    *feepool.Store
	clock   *clock.TestClock
	alerts  *notify.MemorySink
	ticker  *ticker.Force

	channelKey keychain.KeyDescriptor
	feeScript  []byte
	hotScript  []byte
}

func p2wkh(t *testing.T, pub *btcec.PublicKey) ([]byte, string) {
	t.Helper()

	pkScript, err := input.WitnessPubKeyHash(pub)
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), testNet,
	)
	require.NoError(t, err)

	return pkScript, addr.EncodeAddress()
}

func newMonitorHarness(t *testing.T,
	transfers TransferResolver) *monitorHarness {

	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "monitor")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	testClock := clock.NewTestClock(testTime)
	db, err := channeldb.CreateWithBackend(
		backend, channeldb.OptionClock(testClock),
	)
	require.NoError(t, err)

	ring := keychain.NewMemoryKeyRing()
	newKey := func(fam keychain.KeyFamily) keychain.KeyDescriptor {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		return ring.AddKey(fam, priv)
	}
	channelKey := newKey(keychain.KeyFamilyChannel)
	hotKey := newKey(keychain.KeyFamilyHotWallet)
	feeKey := newKey(keychain.KeyFamilyFeeWallet)

	hotScript, hotAddr := p2wkh(t, hotKey.PubKey)
	feeScript, _ := p2wkh(t, feeKey.PubKey)

	chain := hubmock.NewChain(testNet)
	pool := feepool.NewStore(backend)
	for i := 0; i < 3; i++ {
		coin := chain.Fund(feeScript, 20_000, colored.Bitcoin, 0)
		require.NoError(t, pool.Enqueue(testQueue, coin))
	}

	require.NoError(t, db.Update(func(tx *channeldb.LedgerTx) error {
		return tx.PutAssetSetting(&channeldb.AssetSetting{
			Asset:            colored.Bitcoin,
			HotWalletAddress: hotAddr,
			FeeQueue:         testQueue,
		})
	}))

	signer := input.NewKeyRingSigner(ring)
	alerts := &notify.MemorySink{}
	force := ticker.NewForce(time.Hour)

	monitor := NewMonitor(&Config{
		DB:     db,
		Ledger: chain,
		Signer: signer,
		Build: &txbuild.Config{
			Pool:   pool,
			FeeKey: feeKey,
			Signer: signer,
			Estimator: chainfee.NewStaticEstimator(
				chainfee.FeePerKwFloor, chainfee.FeePerKwFloor,
			),
		},
		ChannelKey:      channelKey,
		FeeChangeScript: feeScript,
		Net:             testNet,
		Notifier:        alerts,
		Transfers:       transfers,
		Ticker:          force,
	})

	return &monitorHarness{
		monitor:    monitor,
		db:         db,
		chain:      chain,
		pool:       pool,
		clock:      testClock,
		alerts:     alerts,
		ticker:     force,
		channelKey: channelKey,
		feeScript:  feeScript,
		hotScript:  hotScript,
	}
}

func (h *monitorHarness) feeCount(t *testing.T) int {
	t.Helper()

	n, err := h.pool.Count(testQueue)
	require.NoError(t, err)

	return n
}

type resolverFunc func(context.Context, time.Duration) (int, error)

func (f resolverFunc) ResolveStaleTransfers(ctx context.Context,
	olderThan time.Duration) (int, error) {

	return f(ctx, olderThan)
}

// TestMonitorTicks asserts every tick runs a check that reaches the
// transfer resolver with the configured ttl.
func TestMonitorTicks(t *testing.T) {
	t.Parallel()

	calls := make(chan time.Duration, 1)
	h := newMonitorHarness(t, resolverFunc(
		func(_ context.Context, olderThan time.Duration) (int, error) {
			calls <- olderThan
			return 0, nil
		},
	))

	require.NoError(t, h.monitor.Start())
	t.Cleanup(func() {
		require.NoError(t, h.monitor.Stop())
	})

	for i := 0; i < 2; i++ {
		select {
		case h.ticker.Force <- time.Now():
		case <-time.After(5 * time.Second):
			t.Fatalf("tick %d not consumed", i)
		}

		select {
		case olderThan := <-calls:
			require.Equal(t, DefaultTransferTTL, olderThan)

		case <-time.After(5 * time.Second):
			t.Fatalf("check %d did not run", i)
		}
	}
}

// TestSweepMatured asserts a locked hub output is swept to the hot wallet
// once its csv delay passed and not before.
func TestSweepMatured(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t, nil)

	revokeA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	revokeB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	script, err := input.CommitmentScript(
		testCsvDelay, h.channelKey.PubKey, revokeA.PubKey(),
		revokeB.PubKey(),
	)
	require.NoError(t, err)
	pkScript, err := input.WitnessScriptHash(script)
	require.NoError(t, err)

	// Funded coins confirm at the current height of 100.
	coin := h.chain.Fund(pkScript, 30_000, colored.Bitcoin, 0)
	slot := channeldb.Slot{Multisig: "multisig", Asset: colored.Bitcoin}
	require.NoError(t, h.db.Update(func(tx *channeldb.LedgerTx) error {
		return tx.AddPendingSweep(&channeldb.PendingSweep{
			Coin:            coin,
			CommitmentID:    uuid.New(),
			Slot:            slot,
			WitnessScript:   script,
			CsvDelay:        testCsvDelay,
			BroadcastHeight: 99,
		})
	}))

	ctx := context.Background()
	h.chain.MineBlocks(testCsvDelay - 2)
	require.NoError(t, h.monitor.Check(ctx))
	require.Empty(t, h.chain.Published())

	h.chain.MineBlocks(1)
	require.NoError(t, h.monitor.Check(ctx))

	published := h.chain.Published()
	require.Len(t, published, 1)
	require.Equal(t, coin.OutPoint, published[0].TxIn[0].PreviousOutPoint)
	require.Equal(t, int64(30_000), published[0].TxOut[0].Value)
	require.Equal(t, h.hotScript, published[0].TxOut[0].PkScript)
	require.Equal(t, 2, h.feeCount(t))

	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		sweeps, err := tx.PendingSweeps()
		require.NoError(t, err)
		require.Empty(t, sweeps)

		claim, err := tx.FetchSpentOutput(coin.OutPoint)
		require.NoError(t, err)
		require.Equal(t, published[0].TxHash(), claim.ClaimID)
		require.True(t, claim.Confirmed)

		return nil
	}))

	// Nothing is left to sweep.
	require.NoError(t, h.monitor.Check(ctx))
	require.Len(t, h.chain.Published(), 1)
}

// TestReleaseStaleClaims asserts claims of txs the ledger forgot are
// dropped after the ttl and their fee coins requeued, while claims of known
// txs stay.
func TestReleaseStaleClaims(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t, nil)
	ctx := context.Background()

	feeCoin, err := h.pool.Dequeue(testQueue)
	require.NoError(t, err)
	known := h.chain.Fund(h.hotScript, 5_000, colored.Bitcoin, 0)

	vanished := chainhash.Hash{0x01}
	orphan := chainhash.Hash{0x02}
	kept := known.OutPoint.Hash
	require.NoError(t, h.db.Update(func(tx *channeldb.LedgerTx) error {
		err := tx.ClaimOutputs(vanished, &channeldb.SpentOutput{
			Coin:     feeCoin,
			FeeQueue: testQueue,
		})
		if err != nil {
			return err
		}
		if err := tx.ConfirmClaim(vanished); err != nil {
			return err
		}

		err = tx.ClaimOutputs(orphan, &channeldb.SpentOutput{
			Coin: h.chain.Fund(h.hotScript, 6_000, colored.Bitcoin, 0),
		})
		if err != nil {
			return err
		}

		// Claims are keyed by the spending tx, any known hash will
		// do for the ledger lookup.
		err = tx.ClaimOutputs(kept, &channeldb.SpentOutput{Coin: known})
		if err != nil {
			return err
		}

		return tx.ConfirmClaim(kept)
	}))
	require.Equal(t, 2, h.feeCount(t))

	// Young claims are left alone.
	require.NoError(t, h.monitor.Check(ctx))
	require.Equal(t, 2, h.feeCount(t))

	h.clock.SetTime(testTime.Add(DefaultClaimTTL + time.Minute))
	require.NoError(t, h.monitor.Check(ctx))
	require.Equal(t, 3, h.feeCount(t))

	var ids []chainhash.Hash
	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		return tx.ForEachClaim(func(id chainhash.Hash,
			_ []*channeldb.SpentOutput) error {

			ids = append(ids, id)
			return nil
		})
	}))
	require.Equal(t, []chainhash.Hash{kept}, ids)

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, notify.SeverityWarning, alerts[0].Severity)
}

// TestPoolGauge asserts the fee pool gauge follows the queue size.
func TestPoolGauge(t *testing.T) {
	h := newMonitorHarness(t, nil)

	require.NoError(t, h.monitor.Check(context.Background()))
	require.Equal(t, float64(3), testutil.ToFloat64(
		feePoolCoins.WithLabelValues(testQueue),
	))

	_, err := h.pool.Dequeue(testQueue)
	require.NoError(t, err)

	require.NoError(t, h.monitor.Check(context.Background()))
	require.Equal(t, float64(2), testutil.ToFloat64(
		feePoolCoins.WithLabelValues(testQueue),
	))
}

// TestCheckSkipsOverlap asserts a check started while another runs returns
// at once.
func TestCheckSkipsOverlap(t *testing.T) {
	t.Parallel()

	var (
		entered = make(chan struct{})
		release = make(chan struct{})
		calls   atomic.Int32
	)
	h := newMonitorHarness(t, resolverFunc(
		func(context.Context, time.Duration) (int, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}

			return 0, nil
		},
	))

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- h.monitor.Check(ctx)
	}()

	<-entered
	require.NoError(t, h.monitor.Check(ctx))
	close(release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, calls.Load())
}
