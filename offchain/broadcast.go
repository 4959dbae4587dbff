package offchain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/commitment"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/txbuild"
)

// BroadcastCommitment publishes the latest commitment of the slot on behalf
// of its owner. A hub commitment is completed with the hub's signature, a
// client commitment must carry the client's. Fee inputs are added from the
// pool without change. The channel is retired and, for a hub commitment,
// the locked hub share is scheduled for sweeping once its delay passed.
func (e *Engine) BroadcastCommitment(ctx context.Context,
	clientPub *btcec.PublicKey, asset colored.AssetID,
	commitTx *wire.MsgTx) (txHash chainhash.Hash, err error) {

	defer observe("broadcast_commitment", &err)

	if commitTx == nil {
		return chainhash.Hash{}, errcode.ErrBadInputParameter.New(
			"missing commitment",
		)
	}

	info, err := e.slotOf(clientPub, asset)
	if err != nil {
		return chainhash.Hash{}, err
	}

	var (
		c  *channeldb.Commitment
		ch *channeldb.Channel
	)
	err = e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		var err error
		c, err = tx.CommitmentByTxHash(commitTx.TxHash())
		switch {
		case errors.Is(err, channeldb.ErrCommitmentNotFound):
			return errcode.ErrCommitmentNotFound.Newf(
				"tx %v", commitTx.TxHash(),
			)

		case err != nil:
			return err

		case c.Slot != info.slot:
			return errcode.ErrCommitmentNotFound.Newf(
				"tx %v on %v", commitTx.TxHash(), info.slot,
			)
		}

		last, err := lastSignedCommitment(tx, info.slot, c.Type)
		if err != nil {
			return err
		}
		if !c.Active || last == nil || last.ID != c.ID {
			return errcode.ErrCommitmentExpired.Newf(
				"%v commitment %v", c.Type, c.ID,
			)
		}

		ch, err = tx.FetchChannel(c.ChannelID)

		return err
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	fundingOut := ch.InitialTx.TxOut[ch.FundingIndex]

	var clientSig []byte
	switch c.Type {
	case channeldb.CommitmentHub:
		clientSig, err = commitment.FindFundingSig(
			c.SignedTx, info.multisig, fundingOut, info.clientPub,
		)

	default:
		clientSig, err = commitment.FindFundingSig(
			commitTx, info.multisig, fundingOut, info.clientPub,
		)
	}
	if err != nil {
		return chainhash.Hash{}, errcode.Wrapf(errcode.ErrBadTransaction,
			"%v commitment %v: %v", c.Type, c.ID, err)
	}

	fullTx := c.InitialTx.Copy()
	hubSig, err := commitment.SignFunding(
		e.cfg.Signer, e.cfg.ChannelKey, fullTx, info.multisig,
		fundingOut,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}
	commitment.SetFundingWitness(
		fullTx, info.multisig, e.cfg.ChannelKey.PubKey, hubSig,
		info.clientPub, clientSig,
	)

	queue := info.setting.FeeQueue
	b, err := txbuild.Wrap(
		e.cfg.Build, fullTx, []colored.Coin{ch.FundingCoin()}, queue,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	err = b.Build(func(b *txbuild.Context) error {
		if err := b.AddFee(nil); err != nil {
			return err
		}
		if err := b.SignWalletInputs(txscript.SigHashAll); err != nil {
			return err
		}
		if err := b.Finish(); err != nil {
			return err
		}
		if err := b.Verify(); err != nil {
			return errcode.Wrapf(errcode.ErrBadFullSignTransaction,
				"%v", err)
		}

		height, err := e.cfg.Ledger.BestHeight(ctx)
		if err != nil {
			return err
		}

		txHash = b.Tx().TxHash()

		return e.updateAndPublish(ctx, c.Slot, func(
			tx *channeldb.LedgerTx, publish publishFunc) error {

			return e.storeCommitmentBroadcast(
				tx, publish, c, b, queue, height,
			)
		})
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	commitmentBroadcasts.WithLabelValues(c.Type.String()).Inc()

	log.Infof("Broadcast %v commitment %v of %v as %v", c.Type, c.ID,
		info.slot, txHash)

	return txHash, nil
}

// storeCommitmentBroadcast records a published commitment and retires its
// channel. The tx is handed to the ledger last.
func (e *Engine) storeCommitmentBroadcast(tx *channeldb.LedgerTx,
	publish publishFunc, c *channeldb.Commitment, b *txbuild.Context,
	queue string, height uint32) error {

	stored, err := tx.FetchCommitment(c.ID)
	if err != nil {
		return err
	}
	if !stored.Active {
		return errcode.ErrCommitmentExpired.Newf("%v commitment %v",
			c.Type, c.ID)
	}

	txHash := b.Tx().TxHash()
	err = tx.AddBroadcast(&channeldb.CommitmentBroadcast{
		TxHash:       txHash,
		CommitmentID: c.ID,
		Type:         c.Type,
		Slot:         c.Slot,
		ClientAmount: c.ClientAmount,
		HubAmount:    c.HubAmount,
	})
	if err != nil {
		return err
	}

	if err := tx.ClaimOutputs(txHash, claimsOf(b, queue)...); err != nil {
		return err
	}
	if err := tx.ConfirmClaim(txHash); err != nil {
		return err
	}

	ch, err := tx.FetchChannel(c.ChannelID)
	if err != nil {
		return err
	}
	ch.Archived = true
	if err := tx.UpdateChannel(ch); err != nil {
		return err
	}
	if err := tx.DeactivateCommitments(c.Slot); err != nil {
		return err
	}

	tr, err := tx.OpenTransfer(c.Slot)
	switch {
	case err == nil:
		tr.Closed = true
		if err := tx.UpdateTransfer(tr); err != nil {
			return err
		}

	case !errors.Is(err, channeldb.ErrTransferNotFound):
		return err
	}

	if locked, ok := c.LockedCoin(); ok &&
		c.Type == channeldb.CommitmentHub {

		locked.OutPoint.Hash = txHash
		err := tx.AddPendingSweep(&channeldb.PendingSweep{
			Coin:            locked,
			CommitmentID:    c.ID,
			Slot:            c.Slot,
			WitnessScript:   c.LockedScript,
			CsvDelay:        e.cfg.CsvDelay,
			BroadcastHeight: height,
		})
		if err != nil {
			return err
		}
	}

	return publish(b.Tx())
}

// lastSignedCommitment returns the newest commitment of typ on slot that
// holds the counterparty's signature, nil if there is none.
func lastSignedCommitment(tx *channeldb.LedgerTx, slot channeldb.Slot,
	typ channeldb.CommitmentType) (*channeldb.Commitment, error) {

	commitments, err := tx.CommitmentsOf(slot)
	if err != nil {
		return nil, err
	}

	for i := len(commitments) - 1; i >= 0; i-- {
		c := commitments[i]
		if c.Type == typ && c.SignedTx != nil {
			return c, nil
		}
	}

	return nil, nil
}
