package offchain

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/commitment"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/hubmock"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/colorhub/hubd/notify"
	"github.com/colorhub/hubd/txbuild"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

const (
	testQueue    = "btc"
	testCsvDelay = 10
	testFeeCoins = 10
)

var (
	testNet   = &chaincfg.RegressionNetParams
	testTime  = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	testAsset = colored.AssetIDFromScript([]byte{0x51})
)

type testHub struct {
	engine *Engine
	db     *channeldb.DB
	chain  *hubmock.Chain
	pool   *feepool.Store
	clock  *clock.TestClock
	alerts *notify.MemorySink

	channelKey keychain.KeyDescriptor
	hotScript  []byte
	hotAddr    string
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

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "hub")
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
	for i := 0; i < testFeeCoins; i++ {
		coin := chain.Fund(feeScript, 20_000, colored.Bitcoin, 0)
		require.NoError(t, pool.Enqueue(testQueue, coin))
	}

	require.NoError(t, db.Update(func(tx *channeldb.LedgerTx) error {
		for _, asset := range []colored.AssetID{
			colored.Bitcoin, testAsset,
		} {
			err := tx.PutAssetSetting(&channeldb.AssetSetting{
				Asset:            asset,
				HotWalletAddress: hotAddr,
				FeeQueue:         testQueue,
			})
			if err != nil {
				return err
			}
		}

		return nil
	}))

	signer := input.NewKeyRingSigner(ring)
	alerts := &notify.MemorySink{}
	engine := New(&Config{
		DB:      db,
		Ledger:  chain,
		Signer:  signer,
		KeyRing: ring,
		Build: &txbuild.Config{
			Pool:   pool,
			FeeKey: feeKey,
			Signer: signer,
			Estimator: chainfee.NewStaticEstimator(
				chainfee.FeePerKwFloor, chainfee.FeePerKwFloor,
			),
		},
		ChannelKey:      channelKey,
		HotWalletKey:    hotKey,
		FeeChangeScript: feeScript,
		CsvDelay:        testCsvDelay,
		Net:             testNet,
		Notifier:        alerts,
	})

	return &testHub{
		engine:     engine,
		db:         db,
		chain:      chain,
		pool:       pool,
		clock:      testClock,
		alerts:     alerts,
		channelKey: channelKey,
		hotScript:  hotScript,
		hotAddr:    hotAddr,
	}
}

func (h *testHub) feeCount(t *testing.T) int {
	t.Helper()

	n, err := h.pool.Count(testQueue)
	require.NoError(t, err)

	return n
}

func (h *testHub) fundHotWallet(asset colored.AssetID, quantity uint64) {
	value := btcutil.Amount(quantity)
	if !asset.IsBitcoin() {
		value = colored.DefaultDustValue
	}
	h.chain.Fund(h.hotScript, value, asset, quantity)
}

func (h *testHub) currentChannel(t *testing.T,
	c *testClient) *channeldb.Channel {

	t.Helper()

	var ch *channeldb.Channel
	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		var err error
		ch, err = tx.CurrentChannel(c.slot)
		return err
	}))

	return ch
}

// testClient plays the client side of a slot: it signs its inputs and the
// commitments issued by the hub and keeps its revocation keys.
type testClient struct {
	hub   *testHub
	asset colored.AssetID

	priv     *btcec.PrivateKey
	pkScript []byte
	address  string

	multisig   []byte
	fundingPk  []byte
	multisigAd string
	slot       channeldb.Slot

	// funding is the funding tx of the current channel.
	funding *wire.MsgTx

	// revoke is the revocation key of the last client commitment.
	revoke *btcec.PrivateKey

	// hubCommitments are the signed hub commitments, oldest first.
	hubCommitments []*wire.MsgTx

	// clientCommitment is the last client commitment, hub signed.
	clientCommitment *wire.MsgTx
}

func (h *testHub) newClient(t *testing.T,
	asset colored.AssetID) *testClient {

	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pkScript, address := p2wkh(t, priv.PubKey())

	multisig, err := input.GenMultiSigScript(
		h.channelKey.PubKey.SerializeCompressed(),
		priv.PubKey().SerializeCompressed(),
	)
	require.NoError(t, err)
	fundingPk, err := input.WitnessScriptHash(multisig)
	require.NoError(t, err)
	addr, err := input.WitnessScriptAddress(multisig, testNet)
	require.NoError(t, err)

	return &testClient{
		hub:        h,
		asset:      asset,
		priv:       priv,
		pkScript:   pkScript,
		address:    address,
		multisig:   multisig,
		fundingPk:  fundingPk,
		multisigAd: addr.EncodeAddress(),
		slot: channeldb.Slot{
			Multisig: addr.EncodeAddress(),
			Asset:    asset,
		},
	}
}

func (c *testClient) pub() *btcec.PublicKey {
	return c.priv.PubKey()
}

// fund credits the client's p2wkh address on chain.
func (c *testClient) fund(quantity uint64) colored.Coin {
	value := btcutil.Amount(quantity)
	if !c.asset.IsBitcoin() {
		value = colored.DefaultDustValue
	}

	return c.hub.chain.Fund(c.pkScript, value, c.asset, quantity)
}

// signInputs adds the client's signatures to a transaction issued by the
// hub: p2wkh inputs are fully signed, channel inputs carry the client's
// half only.
func (c *testClient) signInputs(t *testing.T,
	unsigned *wire.MsgTx) *wire.MsgTx {

	t.Helper()

	tx := unsigned.Copy()
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	coins := make([]colored.Coin, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		coin, ok := c.hub.chain.Coin(txIn.PreviousOutPoint)
		require.True(t, ok, "input %d is spent", i)

		coins[i] = coin
		fetcher.AddPrevOut(coin.OutPoint, coin.TxOut())
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, coin := range coins {
		switch {
		case bytes.Equal(coin.PkScript, c.pkScript):
			witness, err := txscript.WitnessSignature(
				tx, hashes, i, int64(coin.Value), coin.PkScript,
				txscript.SigHashAll, c.priv, true,
			)
			require.NoError(t, err)
			tx.TxIn[i].Witness = witness

		case bytes.Equal(coin.PkScript, c.fundingPk):
			sig, err := input.SignWithPrivKey(
				tx, &input.SignDescriptor{
					WitnessScript: c.multisig,
					Output:        coin.TxOut(),
					HashType:      txscript.SigHashAll,
					SigHashes:     hashes,
					InputIndex:    i,
				}, c.priv,
			)
			require.NoError(t, err)
			tx.TxIn[i].Witness = wire.TxWitness{append(
				sig.Serialize(), byte(txscript.SigHashAll),
			)}
		}
	}

	return tx
}

// signCommitment adds the client's funding signature to a commitment of the
// current channel.
func (c *testClient) signCommitment(t *testing.T,
	commitTx *wire.MsgTx) *wire.MsgTx {

	t.Helper()

	fundingOut := c.fundingOut(t)
	tx := commitTx.Copy()
	sig, err := input.SignWithPrivKey(tx, &input.SignDescriptor{
		WitnessScript:     c.multisig,
		Output:            fundingOut,
		HashType:          commitment.SigHashType,
		PrevOutputFetcher: commitment.FundingPrevOuts(fundingOut),
		InputIndex:        0,
	}, c.priv)
	require.NoError(t, err)

	tx.TxIn[0].Witness = append(
		tx.TxIn[0].Witness,
		append(sig.Serialize(), byte(commitment.SigHashType)),
	)

	return tx
}

func (c *testClient) fundingOut(t *testing.T) *wire.TxOut {
	t.Helper()

	found, idx := input.FindScriptOutputIndex(c.funding, c.fundingPk)
	require.True(t, found)

	return c.funding.TxOut[idx]
}

// finalize signs hubCommit and finalizes it with a fresh revocation key.
func (c *testClient) finalize(t *testing.T,
	hubCommit *wire.MsgTx) *FinalizeResult {

	t.Helper()

	signed := c.signCommitment(t, hubCommit)
	revoke, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	res, err := c.hub.engine.Finalize(context.Background(), &FinalizeRequest{
		ClientPubKey:        c.pub(),
		Asset:               c.asset,
		ClientRevokePubKey:  revoke.PubKey(),
		SignedHubCommitment: signed,
	})
	require.NoError(t, err)

	c.revoke = revoke
	c.hubCommitments = append(c.hubCommitments, signed)
	c.clientCommitment = res.ClientCommitment

	return res
}

// setup runs a channel setup through to its finalize. The client side of
// the funding is taken from the client's address.
func (c *testClient) setup(t *testing.T, clientAmount,
	hubAmount uint64) *FinalizeResult {

	t.Helper()

	ctx := context.Background()
	res, err := c.hub.engine.CreateUnsignedChannel(ctx, &ChannelRequest{
		ClientPubKey: c.pub(),
		Asset:        c.asset,
		ClientAmount: clientAmount,
		HubAmount:    hubAmount,
	})
	require.NoError(t, err)

	return c.completeSetup(t, res.UnsignedTx)
}

// completeSetup signs a new funding tx and finalizes its first commitment.
func (c *testClient) completeSetup(t *testing.T,
	unsigned *wire.MsgTx) *FinalizeResult {

	t.Helper()

	signed := c.signInputs(t, unsigned)
	hubCommit, err := c.hub.engine.CreateHubCommitment(
		context.Background(), c.pub(), c.asset, signed,
	)
	require.NoError(t, err)

	c.funding = unsigned

	return c.finalize(t, hubCommit)
}

// transfer moves amount across the channel and finalizes it.
func (c *testClient) transfer(t *testing.T, amount int64) *FinalizeResult {
	t.Helper()

	res, err := c.hub.engine.CreateTransfer(
		context.Background(), &TransferRequest{
			ClientPubKey:      c.pub(),
			Asset:             c.asset,
			Amount:            amount,
			PrevClientPrivKey: c.revoke,
		},
	)
	require.NoError(t, err)

	return c.finalize(t, res.HubCommitment)
}
