package txbuild

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

const testQueue = "btc"

var testAsset = colored.AssetIDFromScript([]byte{0x51})

type testHarness struct {
	cfg       *Config
	pool      *feepool.Store
	ring      *keychain.MemoryKeyRing
	walletKey keychain.KeyDescriptor
	feeScript []byte
	payScript []byte
}

func newTestHarness(t *testing.T, feeCoins int,
	feeValue btcutil.Amount) *testHarness {

	t.Helper()

	db, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "txbuild")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	ring := keychain.NewMemoryKeyRing()
	feePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	walletPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	payPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	feeKey := ring.AddKey(keychain.KeyFamilyFeeWallet, feePriv)
	walletKey := ring.AddKey(keychain.KeyFamilyHotWallet, walletPriv)

	feeScript, err := input.WitnessPubKeyHash(feeKey.PubKey)
	require.NoError(t, err)
	payScript, err := input.WitnessPubKeyHash(payPriv.PubKey())
	require.NoError(t, err)

	pool := feepool.NewStore(db)
	for i := 0; i < feeCoins; i++ {
		require.NoError(t, pool.Enqueue(testQueue, colored.Coin{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{0xfe, byte(i)},
				Index: uint32(i),
			},
			Value:    feeValue,
			PkScript: feeScript,
			Asset:    colored.Bitcoin,
		}))
	}

	return &testHarness{
		cfg: &Config{
			Pool:   pool,
			FeeKey: feeKey,
			Signer: input.NewKeyRingSigner(ring),
			Estimator: chainfee.NewStaticEstimator(
				chainfee.FeePerKwFloor, chainfee.FeePerKwFloor,
			),
		},
		pool:      pool,
		ring:      ring,
		walletKey: walletKey,
		feeScript: feeScript,
		payScript: payScript,
	}
}

func (h *testHarness) count(t *testing.T) int {
	t.Helper()

	n, err := h.pool.Count(testQueue)
	require.NoError(t, err)

	return n
}

// TestBuildRollsBackFeeCoins asserts a build that took fee coins and then
// failed, either by error or panic, leaves the pool as it found it.
func TestBuildRollsBackFeeCoins(t *testing.T) {
	t.Parallel()

	errMidBuild := errors.New("signing failed")

	testCases := []struct {
		name  string
		panic bool
	}{
		{name: "error"},
		{name: "panic", panic: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHarness(t, 3, 1000)
			before := h.count(t)

			ctx := New(h.cfg, colored.Bitcoin, testQueue)
			build := func() error {
				return ctx.Build(func(c *Context) error {
					_, err := c.PayBitcoin(h.payScript, 1500)
					require.NoError(t, err)
					require.NoError(t, c.AddFee(nil))
					require.Len(t, c.FeeCoins(), 2)

					if tc.panic {
						panic("boom")
					}

					return errMidBuild
				})
			}

			if tc.panic {
				require.Panics(t, func() { _ = build() })
			} else {
				require.ErrorIs(t, build(), errMidBuild)
			}

			require.Equal(t, before, h.count(t))
		})
	}
}

// TestBuildKeepsFeeCoinsOnSuccess asserts consumed fee coins stay out of the
// pool once the build succeeds.
func TestBuildKeepsFeeCoinsOnSuccess(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 3, 1000)

	ctx := New(h.cfg, colored.Bitcoin, testQueue)
	err := ctx.Build(func(c *Context) error {
		if _, err := c.PayBitcoin(h.payScript, 300); err != nil {
			return err
		}
		if err := c.AddFee(h.feeScript); err != nil {
			return err
		}
		if err := c.SignWalletInputs(txscript.SigHashAll); err != nil {
			return err
		}
		if err := c.Finish(); err != nil {
			return err
		}

		return c.Verify()
	})
	require.NoError(t, err)

	require.Len(t, ctx.FeeCoins(), 1)
	require.Equal(t, 2, h.count(t))

	// Payment plus change.
	tx := ctx.Tx()
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, h.feeScript, tx.TxOut[1].PkScript)

	fee := ctx.InputValue() - ctx.OutputValue()
	require.Positive(t, int64(fee))
	require.Less(t, int64(fee), int64(500))
}

// TestAddFeeEmptyPool asserts an exhausted pool surfaces as missing bitcoin
// and returns what was taken.
func TestAddFeeEmptyPool(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 2, 1000)

	ctx := New(h.cfg, colored.Bitcoin, testQueue)
	err := ctx.Build(func(c *Context) error {
		if _, err := c.PayBitcoin(h.payScript, 5000); err != nil {
			return err
		}

		return c.AddFee(nil)
	})
	require.ErrorIs(t, err, errcode.ErrNotEnoughBitcoinAvailable)
	require.Equal(t, 2, h.count(t))
}

// TestWrapAddsInputsOnly asserts a wrapped tx accepts fee inputs but no new
// outputs, and keeps the existing witness in its weight.
func TestWrapAddsInputsOnly(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 2, 5000)

	prev := colored.Coin{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}},
		Value:    10_000,
		PkScript: h.payScript,
		Asset:    colored.Bitcoin,
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev.OutPoint, nil, wire.TxWitness{
		make([]byte, 72), make([]byte, 33),
	}))
	tx.AddTxOut(wire.NewTxOut(10_000, h.payScript))

	ctx, err := Wrap(h.cfg, tx, []colored.Coin{prev}, testQueue)
	require.NoError(t, err)

	_, err = ctx.PayBitcoin(h.payScript, 1)
	require.ErrorIs(t, err, ErrOutputsFrozen)

	require.NoError(t, ctx.Build(func(c *Context) error {
		return c.AddFee(nil)
	}))
	require.Len(t, ctx.Tx().TxIn, 2)
	require.Len(t, ctx.Tx().TxOut, 1)
	require.Equal(t, 1, h.count(t))
}

func assetCoin(hash byte, quantity uint64) colored.Coin {
	return colored.Coin{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{hash}},
		Value:    colored.DefaultDustValue,
		PkScript: []byte{0x00, 0x14, hash},
		Asset:    testAsset,
		Quantity: quantity,
	}
}

// TestColoredLayout asserts colored builds lead with the marker and assign
// the requested quantities.
func TestColoredLayout(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0, 0)
	ctx := New(h.cfg, testAsset, testQueue)

	require.NoError(t, ctx.AddInput(assetCoin(1, 10), input.P2WKHWitnessSize))

	idxA, err := ctx.PayAsset([]byte{0x00, 0x14, 0xaa}, 7)
	require.NoError(t, err)
	idxB, err := ctx.PayAsset([]byte{0x00, 0x14, 0xbb}, 3)
	require.NoError(t, err)
	idxBtc, err := ctx.PayBitcoin(h.payScript, 1000)
	require.NoError(t, err)

	require.Equal(t, []int{1, 2, 3}, []int{idxA, idxB, idxBtc})

	markerIdx, marker, ok := colored.FindMarker(ctx.Tx())
	require.True(t, ok)
	require.Zero(t, markerIdx)
	require.Equal(t, []uint64{7, 3}, marker.Quantities)

	require.NoError(t, ctx.Finish())

	outputs, err := colored.ColorOutputs(ctx.Tx(), ctx.Coins())
	require.NoError(t, err)
	require.Equal(t, testAsset, outputs[idxA].Asset)
	require.EqualValues(t, 7, outputs[idxA].Quantity)
	require.EqualValues(t, 3, outputs[idxB].Quantity)
	require.False(t, outputs[idxBtc].Colored())
}

// TestColoredUnbalanced asserts units left unassigned fail the build.
func TestColoredUnbalanced(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0, 0)
	ctx := New(h.cfg, testAsset, testQueue)

	require.NoError(t, ctx.AddInput(assetCoin(1, 10), input.P2WKHWitnessSize))
	_, err := ctx.PayAsset([]byte{0x00, 0x14, 0xaa}, 7)
	require.NoError(t, err)

	require.ErrorIs(t, ctx.Finish(), ErrUnbalancedAsset)

	foreign := assetCoin(2, 1)
	foreign.Asset = colored.AssetIDFromScript([]byte{0x52})
	require.ErrorIs(t, ctx.AddInput(foreign, 0), ErrMixedAssets)
}

// TestFundAsset asserts funding selects coins and returns colored change.
func TestFundAsset(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0, 0)
	ctx := New(h.cfg, testAsset, testQueue)

	coins := []colored.Coin{assetCoin(1, 4), assetCoin(2, 9)}
	selected, err := ctx.FundAsset(
		coins, 6, h.walletKey, []byte{0x00, 0x14, 0xcc},
	)
	require.NoError(t, err)
	require.Equal(t, []colored.Coin{coins[1]}, selected)

	_, err = ctx.PayAsset([]byte{0x00, 0x14, 0xaa}, 6)
	require.NoError(t, err)
	require.NoError(t, ctx.Finish())

	_, err = ctx.FundAsset(coins, 100, h.walletKey, nil)
	require.ErrorIs(t, err, errcode.ErrNotEnoughAssetAvailable)
}

// TestIssueBeforeMarker asserts issuance outputs sit in front of the marker
// and define the issued asset from the first input.
func TestIssueBeforeMarker(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0, 0)
	ctx := New(h.cfg, colored.Bitcoin, testQueue)

	_, err := ctx.Issue(h.payScript, 5)
	require.Error(t, err)

	issuer := colored.Coin{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{9}},
		Value:    10_000,
		PkScript: h.payScript,
		Asset:    colored.Bitcoin,
	}
	require.NoError(t, ctx.AddInput(issuer, input.P2WKHWitnessSize))

	first, err := ctx.Issue(h.payScript, 5)
	require.NoError(t, err)
	second, err := ctx.Issue(h.payScript, 2)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, []int{first, second})

	markerIdx, marker, ok := colored.FindMarker(ctx.Tx())
	require.True(t, ok)
	require.Equal(t, 2, markerIdx)
	require.Equal(t, []uint64{5, 2}, marker.Quantities)

	issued := colored.AssetIDFromScript(h.payScript)
	require.Equal(t, issued, ctx.IssuedAsset())

	outputs, err := colored.ColorOutputs(ctx.Tx(), ctx.Coins())
	require.NoError(t, err)
	require.Equal(t, issued, outputs[0].Asset)
	require.EqualValues(t, 2, outputs[1].Quantity)
}

// TestFundExternal asserts external coins are spent without being queued
// for signing and that colored outputs can carry an explicit value.
func TestFundExternal(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0, 0)
	ctx := New(h.cfg, testAsset, testQueue)

	coins := []colored.Coin{assetCoin(1, 5), assetCoin(2, 3)}
	selected, err := ctx.FundExternal(
		coins, 5, input.P2WKHWitnessSize, []byte{0x00, 0x14, 0xcc},
	)
	require.NoError(t, err)
	require.Equal(t, []colored.Coin{coins[0]}, selected)

	idx, err := ctx.PayAssetValue(
		[]byte{0x00, 0x14, 0xaa}, 5, 2*colored.DefaultDustValue,
	)
	require.NoError(t, err)
	require.EqualValues(t, 2*colored.DefaultDustValue, ctx.Tx().TxOut[idx].Value)
	require.NoError(t, ctx.Finish())

	// Nothing to sign: the only input belongs to someone else.
	require.NoError(t, ctx.SignWalletInputs(txscript.SigHashAll))
	require.Empty(t, ctx.Tx().TxIn[0].Witness)
}
