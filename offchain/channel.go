package offchain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/commitment"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/txbuild"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChannelRequest asks for a new channel version on a slot: an open, or a
// top-up of the current channel.
type ChannelRequest struct {
	ClientPubKey *btcec.PublicKey
	Asset        colored.AssetID

	// ClientAmount and HubAmount are added to the balances of the
	// current channel, if any. ClientAmount is taken from the client's
	// p2wkh address, HubAmount from the asset hot wallet.
	ClientAmount uint64
	HubAmount    uint64

	// Required blocks the slot until the channel is finalized.
	Required bool

	// TransferID is optional, a fresh id is generated when empty.
	TransferID string
}

// ChannelResult is the outcome of CreateUnsignedChannel.
type ChannelResult struct {
	TransferID string
	ChannelID  uuid.UUID

	// UnsignedTx is the funding transaction. The client signs its inputs
	// and returns it to CreateHubCommitment.
	UnsignedTx *wire.MsgTx
}

// CreateUnsignedChannel builds the funding transaction of a new channel
// version. The current channel output, if any, is drained into the new
// one.
func (e *Engine) CreateUnsignedChannel(ctx context.Context,
	req *ChannelRequest) (res *ChannelResult, err error) {

	defer observe("create_unsigned_channel", &err)

	info, err := e.slotOf(req.ClientPubKey, req.Asset)
	if err != nil {
		return nil, err
	}
	if err := e.CheckTransferFinalization(ctx, info.slot); err != nil {
		return nil, err
	}

	transferID := newID(req.TransferID)

	return retry(e, "create channel", func() (*ChannelResult, error) {
		return e.createUnsignedChannel(ctx, info, req, transferID)
	})
}

// setupState is the slot state a new channel version is built on.
type setupState struct {
	current *channeldb.Channel
}

// readSetupState refuses to start a setup while another one is pending.
func (e *Engine) readSetupState(info *slotInfo,
	transferID string) (*setupState, error) {

	state := &setupState{}
	err := e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		if _, err := tx.FetchTransfer(transferID); err == nil {
			return errcode.ErrDuplicateTransactionID.Newf(
				"transfer %v", transferID,
			)
		}

		ch, err := tx.CurrentChannel(info.slot)
		switch {
		case errors.Is(err, channeldb.ErrChannelNotFound):

		case err != nil:
			return err

		case !ch.IsBroadcasted:
			return errcode.ErrAnotherChannelSetupExists.Newf(
				"channel %v is not broadcast", ch.ID,
			)

		default:
			state.current = ch
		}

		closing, err := tx.CurrentClosing(info.slot)
		switch {
		case errors.Is(err, channeldb.ErrClosingNotFound):
			return nil

		case err != nil:
			return err
		}

		return errcode.ErrAnotherChannelSetupExists.Newf(
			"closing %v is pending", closing.ID,
		)
	})

	return state, err
}

func (e *Engine) createUnsignedChannel(ctx context.Context, info *slotInfo,
	req *ChannelRequest, transferID string) (*ChannelResult, error) {

	state, err := e.readSetupState(info, transferID)
	if err != nil {
		return nil, err
	}

	var clientAmount, hubAmount uint64
	if state.current != nil {
		clientAmount = state.current.ClientAmount
		hubAmount = state.current.HubAmount
	}

	clientAmount += req.ClientAmount
	hubAmount += req.HubAmount
	if clientAmount+hubAmount == 0 {
		return nil, errcode.ErrBadInputParameter.New("empty channel")
	}
	if req.ClientAmount+req.HubAmount == 0 {
		return nil, errcode.ErrBadInputParameter.New("nothing to add")
	}

	// Funds above the hub ceiling go back to the hot wallet, the new
	// hub coins first.
	hubFunding, excess := req.HubAmount, uint64(0)
	if max := info.setting.MaxHubBalance; max > 0 && hubAmount > max {
		over := hubAmount - max
		cut := over
		if cut > hubFunding {
			cut = hubFunding
		}
		hubFunding -= cut
		excess = over - cut
		hubAmount = max
	}

	var clientCoins, hubCoins []colored.Coin
	if req.ClientAmount > 0 {
		clientCoins, err = e.walletCoins(
			ctx, info.clientAddr, info.slot.Asset,
		)
		if err != nil {
			return nil, err
		}
	}
	if hubFunding > 0 {
		hubCoins, err = e.walletCoins(
			ctx, info.setting.HotWalletAddress, info.slot.Asset,
		)
		if err != nil {
			return nil, err
		}
	}

	queue := info.setting.FeeQueue
	b := txbuild.New(e.cfg.Build, info.slot.Asset, queue)

	var ch *channeldb.Channel
	err = b.Build(func(b *txbuild.Context) error {
		if state.current != nil {
			err := b.AddInput(
				state.current.FundingCoin(),
				input.MultiSigWitnessSize,
			)
			if err != nil {
				return err
			}
		}

		if req.ClientAmount > 0 {
			_, err := b.FundExternal(
				clientCoins, req.ClientAmount,
				input.P2WKHWitnessSize, info.clientScript,
			)
			if err != nil {
				return err
			}
		}
		if hubFunding > 0 {
			_, err := b.FundAsset(
				hubCoins, hubFunding, e.cfg.HotWalletKey,
				info.changeScript,
			)
			if err != nil {
				return err
			}
		}

		total := clientAmount + hubAmount
		fundingIdx, err := b.PayAssetValue(
			info.pkScript, total,
			channelOutputValue(info.slot.Asset, total),
		)
		if err != nil {
			return err
		}
		if excess > 0 {
			if _, err := b.PayAsset(info.hotScript, excess); err != nil {
				return err
			}
		}

		if err := b.AddFee(e.cfg.FeeChangeScript); err != nil {
			return err
		}
		if err := b.Finish(); err != nil {
			return err
		}

		ch = &channeldb.Channel{
			ID:           uuid.New(),
			Slot:         info.slot,
			ClientPubKey: info.clientPub,
			ClientAmount: clientAmount,
			HubAmount:    hubAmount,
			InitialTx:    b.Tx(),
			FundingIndex: uint32(fundingIdx),
			TransferID:   transferID,
		}
		if state.current != nil {
			ch.PrevChannelID = fn.Some(state.current.ID)
		}

		return e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
			return storeSetup(
				tx, state.current, ch, claimsOf(b, queue),
				req.Required,
			)
		})
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created channel %v on %v, balances %d/%d, transfer %v",
		ch.ID, info.slot, clientAmount, hubAmount, transferID)

	return &ChannelResult{
		TransferID: transferID,
		ChannelID:  ch.ID,
		UnsignedTx: ch.InitialTx,
	}, nil
}

// storeSetup claims the inputs of a new channel version and opens its
// transfer. It fails with ErrVersionConflict if the slot moved since prev
// was read.
func storeSetup(tx *channeldb.LedgerTx, prev, ch *channeldb.Channel,
	claims []*channeldb.SpentOutput, required bool) error {

	current, err := tx.CurrentChannel(ch.Slot)
	switch {
	case errors.Is(err, channeldb.ErrChannelNotFound):
		if prev != nil {
			return channeldb.ErrVersionConflict
		}

	case err != nil:
		return err

	case prev == nil || current.ID != prev.ID ||
		current.Version != prev.Version:

		return channeldb.ErrVersionConflict
	}

	if err := tx.ClaimOutputs(ch.InitialTx.TxHash(), claims...); err != nil {
		return err
	}
	if err := tx.AddChannel(ch); err != nil {
		return err
	}

	err = tx.AddTransfer(&channeldb.Transfer{
		ID:        ch.TransferID,
		Slot:      ch.Slot,
		ChannelID: ch.ID,
		Required:  required,
	})
	if errors.Is(err, channeldb.ErrTransferOpen) {
		return channeldb.ErrVersionConflict
	}

	return err
}

// CreateHubCommitment accepts the funding transaction signed by the client,
// completes it with the hub signatures and issues the first hub commitment
// of the channel. Calling it again returns the same commitment.
func (e *Engine) CreateHubCommitment(ctx context.Context,
	clientPub *btcec.PublicKey, asset colored.AssetID,
	signedTx *wire.MsgTx) (res *wire.MsgTx, err error) {

	defer observe("create_hub_commitment", &err)

	info, err := e.slotOf(clientPub, asset)
	if err != nil {
		return nil, err
	}

	return retry(e, "create hub commitment", func() (*wire.MsgTx, error) {
		return e.createHubCommitment(info, signedTx)
	})
}

func (e *Engine) createHubCommitment(info *slotInfo,
	signedTx *wire.MsgTx) (*wire.MsgTx, error) {

	var (
		ch     *channeldb.Channel
		coins  []*channeldb.SpentOutput
		issued *wire.MsgTx
	)
	err := e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		var err error
		ch, err = tx.CurrentChannel(info.slot)
		switch {
		case errors.Is(err, channeldb.ErrChannelNotFound):
			return errcode.ErrShouldOpenNewChannel.Newf(
				"no channel on %v", info.slot,
			)

		case err != nil:
			return err
		}

		if !sameTx(ch.InitialTx, signedTx) {
			return errcode.ErrBadTransaction.Newf(
				"tx %v is not the funding of channel %v",
				signedTx.TxHash(), ch.ID,
			)
		}

		// The first commitment of a broadcast channel has been
		// replaced by its transfers.
		if ch.IsBroadcasted {
			return errcode.ErrChannelWasBroadcasted.Newf(
				"channel %v", ch.ID,
			)
		}
		if ch.SignedTx != nil {
			issued, err = channelHubCommitment(tx, ch)
			return err
		}

		coins, err = claimedCoins(tx, signedTx)

		return err
	})
	if err != nil {
		return nil, err
	}
	if issued != nil {
		log.Debugf("Hub commitment of channel %v already issued",
			ch.ID)

		return issued, nil
	}

	fullTx := signedTx.Copy()
	if err := e.completeSignatures(info, fullTx, coins); err != nil {
		return nil, err
	}

	revokeKey, revokePriv, err := e.newRevokeKey()
	if err != nil {
		return nil, err
	}
	hubCommit, err := e.buildHubCommitment(
		info, ch, revokeKey.PubKey, ch.HubAmount, ch.ClientAmount,
	)
	if err != nil {
		return nil, err
	}

	err = e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
		ch.SignedTx = fullTx
		if err := tx.UpdateChannel(ch); err != nil {
			return err
		}

		err := tx.ReserveRevokeKey(&channeldb.RevokeKey{
			PubKey:  revokeKey.PubKey,
			PrivKey: revokePriv,
			Owner:   channeldb.OwnerHub,
			Slot:    info.slot,
		})
		if err != nil {
			return err
		}

		return tx.AddCommitment(hubCommitmentRecord(
			info, ch, hubCommit, revokeKey.PubKey, ch.TransferID,
			ch.ClientAmount, ch.HubAmount,
		))
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Issued hub commitment %v of channel %v",
		hubCommit.Tx.TxHash(), ch.ID)

	return hubCommit.Tx, nil
}

// channelHubCommitment returns the first hub commitment issued for ch.
func channelHubCommitment(tx *channeldb.LedgerTx,
	ch *channeldb.Channel) (*wire.MsgTx, error) {

	commitments, err := tx.ChannelCommitments(ch.ID, ch.Slot)
	if err != nil {
		return nil, err
	}
	for _, c := range commitments {
		if c.Type == channeldb.CommitmentHub {
			return c.InitialTx, nil
		}
	}

	return nil, errcode.ErrCommitmentNotFound.Newf("channel %v", ch.ID)
}

// FinalizeRequest completes a channel setup or transfer.
type FinalizeRequest struct {
	ClientPubKey *btcec.PublicKey
	Asset        colored.AssetID

	// ClientRevokePubKey locks the client share of the new client
	// commitment. It must never have been used.
	ClientRevokePubKey *btcec.PublicKey

	// SignedHubCommitment is the last issued hub commitment carrying the
	// client's signature.
	SignedHubCommitment *wire.MsgTx

	// TransferID optionally names the transfer being finalized.
	TransferID string
}

// FinalizeResult is the outcome of Finalize.
type FinalizeResult struct {
	// ClientCommitment carries the hub's signature. The client adds its
	// own to broadcast it.
	ClientCommitment *wire.MsgTx

	// HubRevokePrivKey revokes the hub commitment the new one replaces,
	// nil for the first commitment of a slot.
	HubRevokePrivKey *btcec.PrivateKey

	// FundingTxHash is the funding of the channel.
	FundingTxHash chainhash.Hash
}

// Finalize stores the client-signed hub commitment, issues the matching
// client commitment and completes the open transfer. The funding of a new
// channel version is broadcast by its first finalize. The revocation key of
// the replaced hub commitment is only disclosed once the new one is stored.
func (e *Engine) Finalize(ctx context.Context,
	req *FinalizeRequest) (res *FinalizeResult, err error) {

	defer observe("finalize", &err)

	if req.ClientRevokePubKey == nil || req.SignedHubCommitment == nil {
		return nil, errcode.ErrBadInputParameter.New(
			"missing revocation key or commitment",
		)
	}

	info, err := e.slotOf(req.ClientPubKey, req.Asset)
	if err != nil {
		return nil, err
	}

	return retry(e, "finalize", func() (*FinalizeResult, error) {
		return e.finalize(ctx, info, req)
	})
}

func (e *Engine) finalize(ctx context.Context, info *slotInfo,
	req *FinalizeRequest) (*FinalizeResult, error) {

	var (
		tr      *channeldb.Transfer
		ch      *channeldb.Channel
		hubC    *channeldb.Commitment
		prevHub *channeldb.Commitment
	)
	err := e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		var err error
		tr, err = tx.OpenTransfer(info.slot)
		switch {
		case errors.Is(err, channeldb.ErrTransferNotFound):
			return errcode.ErrDuplicateRequest.Newf(
				"nothing to finalize on %v", info.slot,
			)

		case err != nil:
			return err

		case req.TransferID != "" && req.TransferID != tr.ID:
			return errcode.ErrBadInputParameter.Newf(
				"open transfer is %v", tr.ID,
			)
		}

		hubC, err = tx.LastCommitment(
			info.slot, channeldb.CommitmentHub,
		)
		switch {
		case errors.Is(err, channeldb.ErrCommitmentNotFound):
			return errcode.ErrChannelNotFinalized.Newf(
				"no hub commitment issued on %v", info.slot,
			)

		case err != nil:
			return err

		case hubC.TransferID != tr.ID || hubC.SignedTx != nil:
			return errcode.ErrChannelNotFinalized.Newf(
				"no hub commitment issued for transfer %v",
				tr.ID,
			)
		}

		ch, err = tx.FetchChannel(hubC.ChannelID)
		if err != nil {
			return err
		}

		prevHub, err = previousHubCommitment(tx, hubC)

		return err
	})
	if err != nil {
		return nil, err
	}

	signed := req.SignedHubCommitment
	if !sameTx(hubC.InitialTx, signed) {
		return nil, errcode.ErrBadTransaction.Newf(
			"tx %v is not hub commitment %v", signed.TxHash(),
			hubC.TxHash(),
		)
	}

	fundingOut := ch.InitialTx.TxOut[ch.FundingIndex]
	clientSig, err := commitment.FindFundingSig(
		signed, info.multisig, fundingOut, info.clientPub,
	)
	if err != nil {
		return nil, errcode.Wrapf(errcode.ErrBadTransaction,
			"hub commitment: %v", err)
	}

	clientCommit, err := e.buildClientCommitment(
		info, ch, req.ClientRevokePubKey, hubC.HubAmount,
		hubC.ClientAmount,
	)
	if err != nil {
		return nil, err
	}
	hubSig, err := commitment.SignFunding(
		e.cfg.Signer, e.cfg.ChannelKey, clientCommit.Tx, info.multisig,
		fundingOut,
	)
	if err != nil {
		return nil, err
	}
	clientTx := clientCommit.Tx.Copy()
	clientTx.TxIn[0].Witness = wire.TxWitness{hubSig}

	hubSigned := hubC.InitialTx.Copy()
	hubSigned.TxIn[0].Witness = wire.TxWitness{clientSig}

	res := &FinalizeResult{
		ClientCommitment: clientTx,
		FundingTxHash:    ch.InitialTx.TxHash(),
	}

	err = e.updateAndPublish(ctx, info.slot, func(tx *channeldb.LedgerTx,
		publish publishFunc) error {

		res.HubRevokePrivKey = nil

		err := tx.ReserveRevokeKey(&channeldb.RevokeKey{
			PubKey: req.ClientRevokePubKey,
			Owner:  channeldb.OwnerClient,
			Slot:   info.slot,
		})
		if err != nil {
			return err
		}

		stored, err := tx.FetchCommitment(hubC.ID)
		if err != nil {
			return err
		}
		if stored.SignedTx != nil {
			return channeldb.ErrVersionConflict
		}
		stored.SignedTx = hubSigned
		if err := tx.UpdateCommitment(stored); err != nil {
			return err
		}

		client := &channeldb.Commitment{
			ID:            uuid.New(),
			Type:          channeldb.CommitmentClient,
			ChannelID:     ch.ID,
			TransferID:    tr.ID,
			Slot:          info.slot,
			ClientAmount:  hubC.ClientAmount,
			HubAmount:     hubC.HubAmount,
			RevokePubKey:  req.ClientRevokePubKey,
			LockedAddress: clientCommit.LockedAddress,
			LockedScript:  clientCommit.LockedScript,
			LockedIndex:   clientCommit.LockedIndex,
			InitialTx:     clientCommit.Tx,
			SignedTx:      clientTx,
			Active:        true,
		}
		if err := tx.AddCommitment(client); err != nil {
			return err
		}
		err = tx.DeactivateCommitments(info.slot, hubC.ID, client.ID)
		if err != nil {
			return err
		}

		// The newer hub commitment is stored, the older one may be
		// revoked now.
		if prevHub != nil {
			revoked, err := tx.FetchRevokeKey(prevHub.RevokePubKey)
			if err != nil {
				return err
			}
			if !revoked.Disclosed() {
				_, err := tx.DiscloseRevokeKey(revoked.PrivKey)
				if err != nil {
					return err
				}
			}
			res.HubRevokePrivKey = revoked.PrivKey
		}

		current, err := tx.FetchChannel(ch.ID)
		if err != nil {
			return err
		}
		if current.Version != ch.Version {
			return channeldb.ErrVersionConflict
		}
		current.ClientAmount = hubC.ClientAmount
		current.HubAmount = hubC.HubAmount
		broadcast := !current.IsBroadcasted
		current.IsBroadcasted = true
		if err := tx.UpdateChannel(current); err != nil {
			return err
		}

		tr.Completed = true
		if err := tx.UpdateTransfer(tr); err != nil {
			return err
		}

		if !broadcast {
			return nil
		}

		if current.SignedTx == nil {
			return errcode.ErrChannelNotFinalized.Newf(
				"funding of channel %v is not signed", ch.ID,
			)
		}
		if err := tx.ConfirmClaim(current.InitialTx.TxHash()); err != nil {
			return err
		}

		return publish(current.SignedTx)
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Finalized transfer %v on %v, balances %d/%d", tr.ID,
		info.slot, hubC.ClientAmount, hubC.HubAmount)

	return res, nil
}

// previousHubCommitment returns the signed hub commitment issued on the slot
// before c, nil if there is none.
func previousHubCommitment(tx *channeldb.LedgerTx,
	c *channeldb.Commitment) (*channeldb.Commitment, error) {

	commitments, err := tx.CommitmentsOf(c.Slot)
	if err != nil {
		return nil, err
	}

	var prev *channeldb.Commitment
	for _, other := range commitments {
		if other.Seq >= c.Seq {
			break
		}
		if other.Type == channeldb.CommitmentHub && other.SignedTx != nil {
			prev = other
		}
	}

	return prev, nil
}
