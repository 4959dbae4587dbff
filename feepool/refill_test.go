package feepool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

type refillHarness struct {
	refiller  *Refiller
	store     *Store
	wallet    []colored.Coin
	published chan *wire.MsgTx
	force     *ticker.Force
}

func newRefillHarness(t *testing.T,
	walletValues ...btcutil.Amount) *refillHarness {

	t.Helper()

	ring := keychain.NewMemoryKeyRing()
	walletPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	feePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	walletKey := ring.AddKey(keychain.KeyFamilyHotWallet, walletPriv)
	feeKey := ring.AddKey(keychain.KeyFamilyFeeWallet, feePriv)

	walletScript, err := input.WitnessPubKeyHash(walletKey.PubKey)
	require.NoError(t, err)

	h := &refillHarness{
		store:     newTestStore(t),
		published: make(chan *wire.MsgTx, 10),
		force:     ticker.NewForce(time.Hour),
	}
	for i, v := range walletValues {
		h.wallet = append(h.wallet, colored.Coin{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{0xaa, byte(i)},
				Index: 1,
			},
			Value:    v,
			PkScript: walletScript,
			Asset:    colored.Bitcoin,
		})
	}

	h.refiller = NewRefiller(&RefillConfig{
		Store:        h.store,
		Queue:        "btc",
		Denomination: 10_000,
		Target:       5,
		LowWater:     2,
		WalletKey:    walletKey,
		FeeKey:       feeKey,
		FetchWalletCoins: func() ([]colored.Coin, error) {
			return h.wallet, nil
		},
		Signer: input.NewKeyRingSigner(ring),
		Estimator: chainfee.NewStaticEstimator(
			chainfee.FeePerKwFloor, chainfee.FeePerKwFloor,
		),
		ConfTarget: 6,
		PublishTransaction: func(tx *wire.MsgTx) error {
			h.published <- tx
			return nil
		},
		Ticker: h.force,
	})

	return h
}

// TestRefillSplitsWalletCoin asserts a refill creates valid fee coins up to
// the target and signs the wallet inputs correctly.
func TestRefillSplitsWalletCoin(t *testing.T) {
	t.Parallel()

	h := newRefillHarness(t, 1_000_000)

	coins, err := h.refiller.Refill()
	require.NoError(t, err)
	require.Len(t, coins, 5)

	tx := <-h.published
	require.Len(t, tx.TxIn, 1)

	// Five fee outputs plus change.
	require.Len(t, tx.TxOut, 6)
	for i := range coins {
		require.EqualValues(t, 10_000, tx.TxOut[i].Value)
		require.Equal(t, tx.TxOut[i].PkScript, coins[i].PkScript)
		require.Equal(t, tx.TxHash(), coins[i].OutPoint.Hash)
	}

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	prevOuts.AddPrevOut(h.wallet[0].OutPoint, h.wallet[0].TxOut())
	require.NoError(t, input.VerifyTx(tx, prevOuts))

	count, err := h.store.Count("btc")
	require.NoError(t, err)
	require.Equal(t, 5, count)

	// Above the low water mark nothing happens.
	coins, err = h.refiller.Refill()
	require.NoError(t, err)
	require.Empty(t, coins)
}

// TestRefillInsufficientWallet asserts a wallet that cannot pay for the
// split fails without touching the queue.
func TestRefillInsufficientWallet(t *testing.T) {
	t.Parallel()

	h := newRefillHarness(t, 20_000)

	_, err := h.refiller.Refill()
	require.ErrorIs(t, err, ErrNoWalletFunds)

	count, err := h.store.Count("btc")
	require.NoError(t, err)
	require.Zero(t, count)
}

// TestRefillerTicks asserts the refill loop reacts to ticks and stops
// cleanly.
func TestRefillerTicks(t *testing.T) {
	t.Parallel()

	h := newRefillHarness(t, 500_000)
	require.NoError(t, h.refiller.Start())

	h.force.Force <- time.Now()

	select {
	case tx := <-h.published:
		require.NotEmpty(t, tx.TxOut)
	case <-time.After(5 * time.Second):
		t.Fatal("refill not triggered")
	}

	require.NoError(t, h.refiller.Stop())
}
