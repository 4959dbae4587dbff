package offchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/input"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestChannelLifecycle opens a bitcoin channel, moves funds back and forth
// and checks the replaced commitments cannot be broadcast.
func TestChannelLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(colored.Bitcoin, 100_000)
	client := h.newClient(t, colored.Bitcoin)
	client.fund(100_000)

	open := client.setup(t, 50_000, 30_000)
	require.Nil(t, open.HubRevokePrivKey)
	require.Equal(t, client.funding.TxHash(), open.FundingTxHash)

	published := h.chain.Published()
	require.Len(t, published, 1)
	require.Equal(t, client.funding.TxHash(), published[0].TxHash())

	fundingOut := client.fundingOut(t)
	require.EqualValues(t, 80_000, fundingOut.Value)

	ch := h.currentChannel(t, client)
	require.True(t, ch.IsBroadcasted)
	require.EqualValues(t, 50_000, ch.ClientAmount)
	require.EqualValues(t, 30_000, ch.HubAmount)

	// The client pays 20k to the hub.
	pay := client.transfer(t, -20_000)
	require.NotNil(t, pay.HubRevokePrivKey)

	ch = h.currentChannel(t, client)
	require.EqualValues(t, 30_000, ch.ClientAmount)
	require.EqualValues(t, 50_000, ch.HubAmount)

	// The hub pays 5k back.
	client.transfer(t, 5_000)
	ch = h.currentChannel(t, client)
	require.EqualValues(t, 35_000, ch.ClientAmount)
	require.EqualValues(t, 45_000, ch.HubAmount)

	// Transfers never touch the chain.
	require.Len(t, h.chain.Published(), 1)

	ctx := context.Background()
	for _, old := range client.hubCommitments[:2] {
		_, err := h.engine.BroadcastCommitment(
			ctx, client.pub(), colored.Bitcoin, old,
		)
		require.ErrorIs(t, err, errcode.ErrCommitmentExpired)
	}

	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		commitments, err := tx.CommitmentsOf(client.slot)
		require.NoError(t, err)
		require.Len(t, commitments, 6)

		var active int
		for _, c := range commitments {
			if c.Active {
				active++
			}
		}
		require.Equal(t, 2, active)

		return nil
	}))
}

// TestColoredChannel opens a channel of a colored asset and moves units
// across it.
func TestColoredChannel(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(testAsset, 10)
	client := h.newClient(t, testAsset)
	client.fund(8)

	client.setup(t, 5, 3)

	fundingOut := client.fundingOut(t)
	require.EqualValues(t, ChannelOutputValue, fundingOut.Value)

	found, idx := input.FindScriptOutputIndex(
		client.funding, client.fundingPk,
	)
	require.True(t, found)
	quantity, ok := colored.OutputQuantity(client.funding, int(idx))
	require.True(t, ok)
	require.EqualValues(t, 8, quantity)

	client.transfer(t, -2)

	ch := h.currentChannel(t, client)
	require.EqualValues(t, 3, ch.ClientAmount)
	require.EqualValues(t, 5, ch.HubAmount)

	last := client.hubCommitments[len(client.hubCommitments)-1]
	var units uint64
	for i := range last.TxOut {
		q, ok := colored.OutputQuantity(last, i)
		if ok {
			units += q
		}
	}
	require.EqualValues(t, 8, units)
}

// TestTransferFunds asserts transfers are refused when a side cannot pay.
func TestTransferFunds(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(colored.Bitcoin, 100_000)
	client := h.newClient(t, colored.Bitcoin)
	client.fund(100_000)

	ctx := context.Background()
	transfer := func(amount int64) error {
		_, err := h.engine.CreateTransfer(ctx, &TransferRequest{
			ClientPubKey:      client.pub(),
			Asset:             colored.Bitcoin,
			Amount:            amount,
			PrevClientPrivKey: client.priv,
		})

		return err
	}

	require.ErrorIs(t, transfer(-1_000), errcode.ErrShouldOpenNewChannel)

	client.setup(t, 50_000, 30_000)

	testCases := []struct {
		name   string
		amount int64
		err    error
	}{
		{
			name:   "client overdraws",
			amount: -50_001,
			err:    errcode.ErrNotEnoughtClientFunds,
		},
		{
			name:   "hub overdraws",
			amount: 30_001,
			err:    errcode.ErrShouldOpenNewChannel,
		},
		{
			name:   "wrong revocation key",
			amount: 1_000,
			err:    errcode.ErrBadInputParameter,
		},
		{
			name: "zero",
			err:  errcode.ErrBadInputParameter,
		},
	}
	for _, tc := range testCases {
		require.ErrorIs(t, transfer(tc.amount), tc.err, tc.name)
	}
}

// TestRevocationOrder asserts the hub only gives up the key of a replaced
// commitment once the new one is signed, and that client revocation keys
// cannot be reused.
func TestRevocationOrder(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(colored.Bitcoin, 100_000)
	client := h.newClient(t, colored.Bitcoin)
	client.fund(100_000)
	client.setup(t, 50_000, 30_000)

	firstHub := client.hubCommitments[0]
	var firstRevoke *channeldb.RevokeKey
	revokeOf := func() *channeldb.RevokeKey {
		var key *channeldb.RevokeKey
		require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
			c, err := tx.CommitmentByTxHash(firstHub.TxHash())
			if err != nil {
				return err
			}
			key, err = tx.FetchRevokeKey(c.RevokePubKey)

			return err
		}))

		return key
	}

	ctx := context.Background()
	res, err := h.engine.CreateTransfer(ctx, &TransferRequest{
		ClientPubKey:      client.pub(),
		Asset:             colored.Bitcoin,
		Amount:            -10_000,
		PrevClientPrivKey: client.revoke,
		Required:          true,
	})
	require.NoError(t, err)

	firstRevoke = revokeOf()
	require.False(t, firstRevoke.Disclosed())

	// Reusing the revocation key of the last client commitment.
	_, err = h.engine.Finalize(ctx, &FinalizeRequest{
		ClientPubKey:        client.pub(),
		Asset:               colored.Bitcoin,
		ClientRevokePubKey:  client.revoke.PubKey(),
		SignedHubCommitment: client.signCommitment(t, res.HubCommitment),
	})
	require.ErrorIs(t, err, errcode.ErrKeyUsedAlready)
	require.False(t, revokeOf().Disclosed())

	// A required transfer blocks the slot until finalized.
	_, err = h.engine.CreateTransfer(ctx, &TransferRequest{
		ClientPubKey:      client.pub(),
		Asset:             colored.Bitcoin,
		Amount:            -1_000,
		PrevClientPrivKey: client.revoke,
	})
	require.ErrorIs(t, err, errcode.ErrChannelNotFinalized)

	fin := client.finalize(t, res.HubCommitment)
	require.NotNil(t, fin.HubRevokePrivKey)
	require.True(t, fin.HubRevokePrivKey.PubKey().IsEqual(
		firstRevoke.PubKey,
	))
	require.True(t, revokeOf().Disclosed())

	// A second finalize has nothing left to do.
	_, err = h.engine.Finalize(ctx, &FinalizeRequest{
		ClientPubKey:        client.pub(),
		Asset:               colored.Bitcoin,
		ClientRevokePubKey:  fin.HubRevokePrivKey.PubKey(),
		SignedHubCommitment: client.hubCommitments[1],
	})
	require.ErrorIs(t, err, errcode.ErrDuplicateRequest)
}

// TestAbandonedSetupReverts asserts a setup that is not required is undone
// by the next operation on the slot and its fee coins are returned.
func TestAbandonedSetupReverts(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(colored.Bitcoin, 100_000)
	client := h.newClient(t, colored.Bitcoin)
	client.fund(100_000)

	ctx := context.Background()
	req := &ChannelRequest{
		ClientPubKey: client.pub(),
		Asset:        colored.Bitcoin,
		ClientAmount: 50_000,
		HubAmount:    30_000,
	}

	first, err := h.engine.CreateUnsignedChannel(ctx, req)
	require.NoError(t, err)
	require.Less(t, h.feeCount(t), testFeeCoins)

	second, err := h.engine.CreateUnsignedChannel(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, first.ChannelID, second.ChannelID)

	// The first setup was reverted: its inputs are free again and the
	// second setup may reuse them.
	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		_, err := tx.FetchChannel(first.ChannelID)
		require.ErrorIs(t, err, channeldb.ErrChannelNotFound)

		tr, err := tx.FetchTransfer(first.TransferID)
		require.NoError(t, err)
		require.True(t, tr.Closed)
		require.False(t, tr.Completed)

		return nil
	}))

	_, err = h.engine.CreateHubCommitment(
		ctx, client.pub(), colored.Bitcoin,
		client.signInputs(t, first.UnsignedTx),
	)
	require.ErrorIs(t, err, errcode.ErrBadTransaction)

	require.NoError(t, h.engine.CheckTransferFinalization(ctx, client.slot))
	require.Equal(t, testFeeCoins, h.feeCount(t))
	require.Empty(t, h.chain.Published())
}

// TestRequiredSetupBlocks asserts a required setup holds the slot and is
// reported once stale.
func TestRequiredSetupBlocks(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(colored.Bitcoin, 100_000)
	client := h.newClient(t, colored.Bitcoin)
	client.fund(100_000)
	other := h.newClient(t, colored.Bitcoin)
	other.fund(100_000)

	ctx := context.Background()
	_, err := h.engine.CreateUnsignedChannel(ctx, &ChannelRequest{
		ClientPubKey: client.pub(),
		Asset:        colored.Bitcoin,
		ClientAmount: 10_000,
		Required:     true,
	})
	require.NoError(t, err)

	_, err = h.engine.CreateUnsignedChannel(ctx, &ChannelRequest{
		ClientPubKey: client.pub(),
		Asset:        colored.Bitcoin,
		ClientAmount: 10_000,
	})
	require.ErrorIs(t, err, errcode.ErrChannelNotFinalized)

	_, err = h.engine.CreateUnsignedChannel(ctx, &ChannelRequest{
		ClientPubKey: other.pub(),
		Asset:        colored.Bitcoin,
		ClientAmount: 10_000,
	})
	require.NoError(t, err)

	h.clock.SetTime(testTime.Add(time.Hour))

	reverted, err := h.engine.ResolveStaleTransfers(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, reverted)

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, client.slot.String(), alerts[0].Slot)

	require.Equal(t, testFeeCoins-1, h.feeCount(t))
}

// TestConcurrentSetups runs setups of several clients against one hot
// wallet and asserts no output is spent twice.
func TestConcurrentSetups(t *testing.T) {
	t.Parallel()

	const numClients = 4

	h := newTestHub(t)
	for i := 0; i < numClients; i++ {
		h.fundHotWallet(colored.Bitcoin, 40_000)
	}

	clients := make([]*testClient, numClients)
	for i := range clients {
		clients[i] = h.newClient(t, colored.Bitcoin)
		clients[i].fund(50_000)
	}

	results := make([]*ChannelResult, numClients)
	var g errgroup.Group
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			res, err := h.engine.CreateUnsignedChannel(
				context.Background(), &ChannelRequest{
					ClientPubKey: c.pub(),
					Asset:        colored.Bitcoin,
					ClientAmount: 20_000,
					HubAmount:    30_000,
				},
			)
			results[i] = res

			return err
		})
	}
	require.NoError(t, g.Wait())

	spent := make(map[wire.OutPoint]int)
	for i, res := range results {
		for _, txIn := range res.UnsignedTx.TxIn {
			prev, ok := spent[txIn.PreviousOutPoint]
			require.False(t, ok, "%v spent by %d and %d",
				txIn.PreviousOutPoint, prev, i)
			spent[txIn.PreviousOutPoint] = i
		}
	}

	for i, c := range clients {
		c.completeSetup(t, results[i].UnsignedTx)
	}
	require.Len(t, h.chain.Published(), numClients)
}

// TestTopUpChannel asserts a new channel version drains the previous one and
// disclosed keys carry over.
func TestTopUpChannel(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(colored.Bitcoin, 100_000)
	client := h.newClient(t, colored.Bitcoin)
	client.fund(100_000)
	client.setup(t, 20_000, 10_000)
	prevFunding := client.funding

	fin := client.setup(t, 5_000, 5_000)
	require.NotNil(t, fin.HubRevokePrivKey)

	ch := h.currentChannel(t, client)
	require.EqualValues(t, 25_000, ch.ClientAmount)
	require.EqualValues(t, 15_000, ch.HubAmount)
	require.True(t, ch.PrevChannelID.IsSome())

	var drained bool
	for _, txIn := range client.funding.TxIn {
		drained = drained || txIn.PreviousOutPoint.Hash ==
			prevFunding.TxHash()
	}
	require.True(t, drained)
	require.Len(t, h.chain.Published(), 2)
}

// TestSetupExclusive races required setups on one slot and asserts a single
// one wins while the others are turned away without claiming anything.
func TestSetupExclusive(t *testing.T) {
	t.Parallel()

	const numSetups = 4

	h := newTestHub(t)
	client := h.newClient(t, colored.Bitcoin)
	for i := 0; i < numSetups; i++ {
		h.fundHotWallet(colored.Bitcoin, 40_000)
		client.fund(40_000)
	}

	ctx := context.Background()
	req := &ChannelRequest{
		ClientPubKey: client.pub(),
		Asset:        colored.Bitcoin,
		ClientAmount: 20_000,
		HubAmount:    10_000,
		Required:     true,
	}

	results := make([]*ChannelResult, numSetups)
	errs := make([]error, numSetups)
	var g errgroup.Group
	for i := 0; i < numSetups; i++ {
		i := i
		g.Go(func() error {
			results[i], errs[i] = h.engine.CreateUnsignedChannel(
				ctx, req,
			)

			return nil
		})
	}
	require.NoError(t, g.Wait())

	var winner *ChannelResult
	for i, err := range errs {
		if err == nil {
			require.Nil(t, winner, "setup %d won twice", i)
			winner = results[i]

			continue
		}

		require.Truef(t,
			errors.Is(err, errcode.ErrAnotherChannelSetupExists) ||
				errors.Is(err, errcode.ErrChannelNotFinalized),
			"setup %d: %v", i, err,
		)
	}
	require.NotNil(t, winner)
	require.Equal(t, testFeeCoins-1, h.feeCount(t))

	// A setup that got past the finalization check before the winner
	// stored its channel.
	info, err := h.engine.slotOf(client.pub(), colored.Bitcoin)
	require.NoError(t, err)
	_, err = h.engine.createUnsignedChannel(ctx, info, req, newID(""))
	require.ErrorIs(t, err, errcode.ErrAnotherChannelSetupExists)
	require.Equal(t, testFeeCoins-1, h.feeCount(t))

	winnerHash := winner.UnsignedTx.TxHash()
	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		for _, txIn := range winner.UnsignedTx.TxIn {
			claim, err := tx.FetchSpentOutput(txIn.PreviousOutPoint)
			require.NoError(t, err)
			require.Equal(t, winnerHash, claim.ClaimID)
		}

		tr, err := tx.OpenTransfer(client.slot)
		require.NoError(t, err)
		require.Equal(t, winner.TransferID, tr.ID)

		return nil
	}))

	client.completeSetup(t, winner.UnsignedTx)
	require.Len(t, h.chain.Published(), 1)
}

// corruptSigner signs like its Signer but damages the signature of every
// wallet witness.
type corruptSigner struct {
	input.Signer
}

func (s corruptSigner) ComputeInputScript(tx *wire.MsgTx,
	signDesc *input.SignDescriptor) (*input.Script, error) {

	script, err := s.Signer.ComputeInputScript(tx, signDesc)
	if err != nil {
		return nil, err
	}

	sig := append([]byte(nil), script.Witness[0]...)
	sig[len(sig)-2] ^= 0x01
	script.Witness[0] = sig

	return script, nil
}

// TestBadFullSignTransaction asserts transactions the hub fails to sign
// correctly are rejected before anything is stored or published.
func TestBadFullSignTransaction(t *testing.T) {
	t.Parallel()

	t.Run("hub commitment", func(t *testing.T) {
		t.Parallel()

		h := newTestHub(t)
		h.fundHotWallet(colored.Bitcoin, 100_000)
		client := h.newClient(t, colored.Bitcoin)
		client.fund(100_000)

		ctx := context.Background()
		res, err := h.engine.CreateUnsignedChannel(ctx, &ChannelRequest{
			ClientPubKey: client.pub(),
			Asset:        colored.Bitcoin,
			ClientAmount: 50_000,
			HubAmount:    30_000,
		})
		require.NoError(t, err)

		signer := h.engine.cfg.Signer
		h.engine.cfg.Signer = corruptSigner{signer}
		_, err = h.engine.CreateHubCommitment(
			ctx, client.pub(), colored.Bitcoin,
			client.signInputs(t, res.UnsignedTx),
		)
		require.ErrorIs(t, err, errcode.ErrBadFullSignTransaction)

		h.engine.cfg.Signer = signer
		client.completeSetup(t, res.UnsignedTx)
		require.Len(t, h.chain.Published(), 1)
	})

	t.Run("broadcast", func(t *testing.T) {
		t.Parallel()

		h, client := openTestChannel(t)
		fees := h.feeCount(t)
		published := len(h.chain.Published())

		build := *h.engine.cfg.Build
		build.Signer = corruptSigner{build.Signer}
		h.engine.cfg.Build = &build

		last := client.hubCommitments[len(client.hubCommitments)-1]
		_, err := h.engine.BroadcastCommitment(
			context.Background(), client.pub(), colored.Bitcoin,
			last,
		)
		require.ErrorIs(t, err, errcode.ErrBadFullSignTransaction)

		require.Equal(t, fees, h.feeCount(t))
		require.Len(t, h.chain.Published(), published)
		require.True(t, h.currentChannel(t, client).IsBroadcasted)
	})
}

// TestHubCommitmentAfterBroadcast asserts the first commitment is not
// issued again once the channel is live.
func TestHubCommitmentAfterBroadcast(t *testing.T) {
	t.Parallel()

	h, client := openTestChannel(t)

	_, err := h.engine.CreateHubCommitment(
		context.Background(), client.pub(), colored.Bitcoin,
		client.funding,
	)
	require.ErrorIs(t, err, errcode.ErrChannelWasBroadcasted)
}

// TestRevertStaleChecksTransfer asserts a stale transfer listed before it
// was replaced does not revert its successor.
func TestRevertStaleChecksTransfer(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	h.fundHotWallet(colored.Bitcoin, 100_000)
	client := h.newClient(t, colored.Bitcoin)
	client.fund(100_000)

	ctx := context.Background()
	req := &ChannelRequest{
		ClientPubKey: client.pub(),
		Asset:        colored.Bitcoin,
		ClientAmount: 10_000,
	}
	_, err := h.engine.CreateUnsignedChannel(ctx, req)
	require.NoError(t, err)

	var stale *channeldb.Transfer
	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		stale, err = tx.OpenTransfer(client.slot)
		return err
	}))

	// Replaced by a fresh setup before the sweep got to it.
	fresh, err := h.engine.CreateUnsignedChannel(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, stale.ID, fresh.TransferID)

	reverted, err := h.engine.revertStale(stale)
	require.NoError(t, err)
	require.False(t, reverted)
	require.Equal(t, testFeeCoins-1, h.feeCount(t))

	var open *channeldb.Transfer
	require.NoError(t, h.db.View(func(tx *channeldb.LedgerTx) error {
		open, err = tx.OpenTransfer(client.slot)
		return err
	}))
	require.Equal(t, fresh.TransferID, open.ID)

	reverted, err = h.engine.revertStale(open)
	require.NoError(t, err)
	require.True(t, reverted)
	require.Equal(t, testFeeCoins, h.feeCount(t))
}
