package offchain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/txbuild"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CashoutRequest asks to pay part of the client balance on chain.
type CashoutRequest struct {
	ClientPubKey *btcec.PublicKey
	Asset        colored.AssetID

	// Amount is paid to the client.
	Amount uint64

	// ClientAddress receives the payout. The client's p2wkh address is
	// used when empty.
	ClientAddress string

	// Required blocks the slot until the cashout is finalized.
	Required bool

	// TransferID is optional, a fresh id is generated when empty.
	TransferID string
}

// CashoutResult is the outcome of CreateCashout.
type CashoutResult struct {
	TransferID string

	// ClosingID is set for a full close and ChannelID for a cashout that
	// leaves a new channel version behind.
	ClosingID uuid.UUID
	ChannelID uuid.UUID

	// UnsignedTx spends the channel output. A full close is returned to
	// BroadcastClosingChannel once signed, a partial one goes through
	// CreateHubCommitment and Finalize like any channel setup.
	UnsignedTx *wire.MsgTx

	// FullClose is set when nothing remains in a channel afterwards.
	FullClose bool
}

// CreateCashout builds a transaction paying Amount to the client. With a
// broadcast channel the channel output is split into the payout, the hub
// payout and a new channel output. When a side would be left with dust the
// channel is closed instead. Without a channel the coins sitting on the
// multisig address are spent.
func (e *Engine) CreateCashout(ctx context.Context,
	req *CashoutRequest) (res *CashoutResult, err error) {

	defer observe("create_cashout", &err)

	if req.Amount == 0 {
		return nil, errcode.ErrBadInputParameter.New("zero amount")
	}

	info, err := e.slotOf(req.ClientPubKey, req.Asset)
	if err != nil {
		return nil, err
	}
	payout, err := e.payoutScript(info, req.ClientAddress)
	if err != nil {
		return nil, err
	}
	if err := e.CheckTransferFinalization(ctx, info.slot); err != nil {
		return nil, err
	}

	transferID := newID(req.TransferID)

	return retry(e, "create cashout", func() (*CashoutResult, error) {
		state, err := e.readSetupState(info, transferID)
		if err != nil {
			return nil, err
		}

		if state.current == nil {
			return e.cashoutMultisig(
				ctx, info, req, payout, transferID,
			)
		}

		return e.cashoutChannel(
			info, req, state.current, payout, transferID,
		)
	})
}

// CloseChannel pays the whole client balance out and closes the channel.
func (e *Engine) CloseChannel(ctx context.Context,
	clientPub *btcec.PublicKey, asset colored.AssetID,
	clientAddress string) (res *CashoutResult, err error) {

	defer observe("close_channel", &err)

	info, err := e.slotOf(clientPub, asset)
	if err != nil {
		return nil, err
	}
	if err := e.CheckTransferFinalization(ctx, info.slot); err != nil {
		return nil, err
	}

	var ch *channeldb.Channel
	err = e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		ch, err = tx.CurrentChannel(info.slot)
		return err
	})
	if errors.Is(err, channeldb.ErrChannelNotFound) {
		return nil, errcode.ErrShouldOpenNewChannel.Newf(
			"no channel on %v", info.slot,
		)
	}
	if err != nil {
		return nil, err
	}
	if ch.ClientAmount == 0 {
		return nil, errcode.ErrNotEnoughtClientFunds.New(
			"client balance is empty",
		)
	}

	return e.CreateCashout(ctx, &CashoutRequest{
		ClientPubKey:  clientPub,
		Asset:         asset,
		Amount:        ch.ClientAmount,
		ClientAddress: clientAddress,
	})
}

func (e *Engine) cashoutChannel(info *slotInfo, req *CashoutRequest,
	ch *channeldb.Channel, payout []byte,
	transferID string) (*CashoutResult, error) {

	if req.Amount > ch.ClientAmount {
		return nil, errcode.ErrNotEnoughtClientFunds.Newf(
			"client holds %d, cashes out %d", ch.ClientAmount,
			req.Amount,
		)
	}

	clientPayout := req.Amount
	remainder := ch.ClientAmount - req.Amount
	hubAmount := ch.HubAmount

	dust := dustOf(info, info.pkScript)
	fullClose := remainder == 0 || hubAmount == 0 || remainder < dust ||
		hubAmount < dust

	var hubPayout uint64
	if fullClose {
		clientPayout += remainder
		remainder = 0

		hubPayout = hubAmount
		if hubPayout < dustOf(info, info.hotScript) {
			clientPayout += hubPayout
			hubPayout = 0
		}
	}

	queue := info.setting.FeeQueue
	b := txbuild.New(e.cfg.Build, info.slot.Asset, queue)

	res := &CashoutResult{TransferID: transferID, FullClose: fullClose}
	err := b.Build(func(b *txbuild.Context) error {
		err := b.AddInput(ch.FundingCoin(), input.MultiSigWitnessSize)
		if err != nil {
			return err
		}

		if _, err := b.PayAsset(payout, clientPayout); err != nil {
			return err
		}

		var fundingIdx int
		switch {
		case fullClose && hubPayout > 0:
			_, err = b.PayAsset(info.hotScript, hubPayout)

		case !fullClose:
			total := remainder + hubAmount
			fundingIdx, err = b.PayAssetValue(
				info.pkScript, total,
				channelOutputValue(info.slot.Asset, total),
			)
		}
		if err != nil {
			return err
		}

		if err := b.AddFee(e.cfg.FeeChangeScript); err != nil {
			return err
		}
		if err := b.Finish(); err != nil {
			return err
		}

		res.UnsignedTx = b.Tx()
		claims := claimsOf(b, queue)

		if fullClose {
			closing := &channeldb.ClosingChannel{
				ID:           uuid.New(),
				Slot:         info.slot,
				ChannelID:    ch.ID,
				InitialTx:    b.Tx(),
				ClientAmount: clientPayout,
				HubAmount:    hubPayout,
				TransferID:   transferID,
			}
			res.ClosingID = closing.ID

			return e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
				return storeClosing(
					tx, ch, closing, claims, req.Required,
				)
			})
		}

		next := &channeldb.Channel{
			ID:            uuid.New(),
			Slot:          info.slot,
			ClientPubKey:  info.clientPub,
			ClientAmount:  remainder,
			HubAmount:     hubAmount,
			InitialTx:     b.Tx(),
			FundingIndex:  uint32(fundingIdx),
			PrevChannelID: fn.Some(ch.ID),
			TransferID:    transferID,
		}
		res.ChannelID = next.ID

		return e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
			return storeSetup(tx, ch, next, claims, req.Required)
		})
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created cashout of %d on %v, full close %v, transfer %v",
		req.Amount, info.slot, fullClose, transferID)

	return res, nil
}

// cashoutMultisig spends coins sent straight to the multisig address
// without a channel.
func (e *Engine) cashoutMultisig(ctx context.Context, info *slotInfo,
	req *CashoutRequest, payout []byte,
	transferID string) (*CashoutResult, error) {

	coins, err := e.walletCoins(ctx, info.slot.Multisig, info.slot.Asset)
	if err != nil {
		return nil, err
	}

	queue := info.setting.FeeQueue
	b := txbuild.New(e.cfg.Build, info.slot.Asset, queue)

	res := &CashoutResult{TransferID: transferID, FullClose: true}
	err = b.Build(func(b *txbuild.Context) error {
		_, err := b.FundExternal(
			coins, req.Amount, input.MultiSigWitnessSize,
			info.pkScript,
		)
		if err != nil {
			return err
		}

		if _, err := b.PayAsset(payout, req.Amount); err != nil {
			return err
		}
		if err := b.AddFee(e.cfg.FeeChangeScript); err != nil {
			return err
		}
		if err := b.Finish(); err != nil {
			return err
		}

		closing := &channeldb.ClosingChannel{
			ID:           uuid.New(),
			Slot:         info.slot,
			InitialTx:    b.Tx(),
			ClientAmount: req.Amount,
			TransferID:   transferID,
		}
		res.ClosingID = closing.ID
		res.UnsignedTx = b.Tx()

		return e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
			return storeClosing(
				tx, nil, closing, claimsOf(b, queue),
				req.Required,
			)
		})
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created multisig cashout of %d on %v, transfer %v",
		req.Amount, info.slot, transferID)

	return res, nil
}

// storeClosing claims the inputs of a closing and opens its transfer. ch is
// the channel closed, nil for a multisig cashout.
func storeClosing(tx *channeldb.LedgerTx, ch *channeldb.Channel,
	closing *channeldb.ClosingChannel, claims []*channeldb.SpentOutput,
	required bool) error {

	if ch != nil {
		current, err := tx.CurrentChannel(closing.Slot)
		if err != nil {
			return err
		}
		if current.ID != ch.ID || current.Version != ch.Version {
			return channeldb.ErrVersionConflict
		}
	}

	err := tx.ClaimOutputs(closing.InitialTx.TxHash(), claims...)
	if err != nil {
		return err
	}
	if err := tx.AddClosing(closing); err != nil {
		return err
	}

	var chanID uuid.UUID
	if ch != nil {
		chanID = ch.ID
	}
	err = tx.AddTransfer(&channeldb.Transfer{
		ID:        closing.TransferID,
		Slot:      closing.Slot,
		ChannelID: chanID,
		Required:  required,
	})
	if errors.Is(err, channeldb.ErrTransferOpen) {
		return channeldb.ErrVersionConflict
	}

	return err
}

// BroadcastClosingChannel completes the client-signed closing transaction,
// publishes it and retires the channel.
func (e *Engine) BroadcastClosingChannel(ctx context.Context,
	clientPub *btcec.PublicKey, asset colored.AssetID, closingID uuid.UUID,
	signedTx *wire.MsgTx) (txHash chainhash.Hash, err error) {

	defer observe("broadcast_closing_channel", &err)

	info, err := e.slotOf(clientPub, asset)
	if err != nil {
		return chainhash.Hash{}, err
	}

	var (
		closing *channeldb.ClosingChannel
		coins   []*channeldb.SpentOutput
	)
	err = e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		var err error
		closing, err = tx.FetchClosing(closingID)
		switch {
		case errors.Is(err, channeldb.ErrClosingNotFound):
			return errcode.ErrClosingChannelExpired.Newf(
				"closing %v", closingID,
			)

		case err != nil:
			return err
		}

		current, err := tx.CurrentClosing(info.slot)
		switch {
		case errors.Is(err, channeldb.ErrClosingNotFound):
			return errcode.ErrClosingChannelExpired.Newf(
				"closing %v", closingID,
			)

		case err != nil:
			return err

		case current.ID != closing.ID || closing.Archived:
			return errcode.ErrClosingChannelExpired.Newf(
				"closing %v replaced by %v", closingID,
				current.ID,
			)
		}

		if !sameTx(closing.InitialTx, signedTx) {
			return errcode.ErrBadTransaction.Newf(
				"tx %v is not closing %v", signedTx.TxHash(),
				closingID,
			)
		}

		coins, err = claimedCoins(tx, signedTx)

		return err
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	fullTx := signedTx.Copy()
	if err := e.completeSignatures(info, fullTx, coins); err != nil {
		return chainhash.Hash{}, err
	}

	err = e.updateAndPublish(ctx, info.slot, func(tx *channeldb.LedgerTx,
		publish publishFunc) error {

		stored, err := tx.FetchClosing(closingID)
		if err != nil {
			return err
		}
		if stored.Archived {
			return errcode.ErrClosingChannelExpired.Newf(
				"closing %v", closingID,
			)
		}
		stored.Archived = true
		if err := tx.UpdateClosing(stored); err != nil {
			return err
		}

		if stored.ChannelID != uuid.Nil {
			ch, err := tx.FetchChannel(stored.ChannelID)
			if err != nil {
				return err
			}
			ch.Archived = true
			if err := tx.UpdateChannel(ch); err != nil {
				return err
			}
			if err := tx.DeactivateCommitments(info.slot); err != nil {
				return err
			}
		}

		tr, err := tx.FetchTransfer(stored.TransferID)
		if err != nil {
			return err
		}
		tr.Completed = true
		if err := tx.UpdateTransfer(tr); err != nil {
			return err
		}

		if err := tx.ConfirmClaim(fullTx.TxHash()); err != nil {
			return err
		}

		return publish(fullTx)
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	log.Infof("Closed %v with tx %v", info.slot, fullTx.TxHash())

	return fullTx.TxHash(), nil
}
