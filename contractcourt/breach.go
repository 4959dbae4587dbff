package contractcourt

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/notify"
	"github.com/colorhub/hubd/txbuild"
	"github.com/davecgh/go-spew/spew"
)

// watchChannels looks at the funding output of every broadcast channel
// version the hub has not spent itself. A version superseded by a setup or
// cashout that is not published yet still holds its funding output, so it
// is watched as well. A funding output spent without a claim of the hub was
// spent by the client through one of its commitments.
func (m *Monitor) watchChannels(ctx context.Context) error {
	var channels []*channeldb.Channel
	err := m.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		channels = nil
		return tx.ForEachChannel(func(ch *channeldb.Channel) error {
			if !ch.IsBroadcasted {
				return nil
			}

			held, err := tx.FetchSpentOutput(ch.FundingOutPoint())
			switch {
			case err == nil && held.Confirmed:
				return nil

			case err != nil &&
				!errors.Is(err, channeldb.ErrSpentOutputNotFound):

				return err
			}

			channels = append(channels, ch)

			return nil
		})
	})
	if err != nil {
		return err
	}

	return forEach(ctx, m.cfg.Workers, channels, m.watchChannel)
}

// spentCommitment is a client commitment found on the ledger.
type spentCommitment struct {
	commitment *channeldb.Commitment

	// locked is the locked output of the published tx. The client may
	// have added inputs, so its hash differs from the issued tx.
	locked colored.Coin

	// revokeKey is the disclosed revocation key of an inactive
	// commitment.
	revokeKey *channeldb.RevokeKey
}

func (m *Monitor) watchChannel(ctx context.Context,
	ch *channeldb.Channel) error {

	fundingOp := ch.FundingOutPoint()
	unspent, err := m.cfg.Ledger.IsUnspent(ctx, fundingOp)
	if err != nil {
		return fmt.Errorf("unable to look up funding %v: %w", fundingOp,
			err)
	}
	if unspent {
		return nil
	}

	var commitments []*channeldb.Commitment
	err = m.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		held, err := tx.FetchSpentOutput(fundingOp)
		switch {
		// The hub spent it itself, the engine tracks that spend.
		case err == nil && held.Confirmed:
			commitments = nil
			return nil

		// A pending spend of the hub lost the race to the client.
		case err == nil:

		case !errors.Is(err, channeldb.ErrSpentOutputNotFound):
			return err
		}

		commitments, err = tx.ChannelCommitments(ch.ID, ch.Slot)

		return err
	})
	if err != nil {
		return err
	}

	found, err := m.findPublished(ctx, ch, commitments)
	if err != nil {
		return err
	}
	if found == nil {
		if len(commitments) == 0 {
			return nil
		}

		log.Warnf("Funding %v of %v spent by an unknown tx", fundingOp,
			ch.Slot)

		m.cfg.Notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityWarning,
			Subject:  "channel funding spent by unknown tx",
			Slot:     ch.Slot.String(),
			Details: fmt.Sprintf("funding %v of channel %v",
				fundingOp, ch.ID),
		})

		return nil
	}

	if found.commitment.Active {
		return m.recordClientClose(ctx, ch, found)
	}

	if found.revokeKey == nil {
		brarLog.Criticalf("Revoked commitment %v of %v published "+
			"without its revocation key", found.commitment.ID,
			ch.Slot)

		m.cfg.Notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Subject:  "revoked commitment published, key unknown",
			Slot:     ch.Slot.String(),
			Details: fmt.Sprintf("commitment %v as %v",
				found.commitment.ID, found.locked.OutPoint.Hash),
		})

		return nil
	}

	return m.punish(ctx, ch, found)
}

// findPublished returns the client commitment of commitments whose locked
// output is on the ledger, nil if none is.
func (m *Monitor) findPublished(ctx context.Context, ch *channeldb.Channel,
	commitments []*channeldb.Commitment) (*spentCommitment, error) {

	for _, c := range commitments {
		if c.Type != channeldb.CommitmentClient ||
			c.LockedIndex == channeldb.NoLockedOutput {

			continue
		}

		coins, err := m.cfg.Ledger.GetUnspentOutputs(
			ctx, c.LockedAddress, ch.Slot.Asset,
		)
		if err != nil {
			return nil, err
		}
		if len(coins) == 0 {
			continue
		}

		found := &spentCommitment{commitment: c, locked: coins[0]}
		if c.Active {
			return found, nil
		}

		err = m.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
			found.revokeKey = nil

			key, err := tx.FetchRevokeKey(c.RevokePubKey)
			switch {
			case errors.Is(err, channeldb.ErrRevokeKeyNotFound):
				return nil

			case err != nil:
				return err
			}
			if key.PrivKey != nil {
				found.revokeKey = key
			}

			return nil
		})
		if err != nil {
			return nil, err
		}

		return found, nil
	}

	return nil, nil
}

// retireChannel archives ch and records the client's commitment
// broadcast. The published commitment takes over the funding output: a
// pending hub spend of it is abandoned and the claims it held are returned.
func retireChannel(tx *channeldb.LedgerTx, ch *channeldb.Channel,
	found *spentCommitment, stale bool) ([]*channeldb.SpentOutput, error) {

	c := found.commitment
	commitHash := found.locked.OutPoint.Hash
	err := tx.AddBroadcast(&channeldb.CommitmentBroadcast{
		TxHash:       commitHash,
		CommitmentID: c.ID,
		Type:         c.Type,
		Slot:         c.Slot,
		ClientAmount: c.ClientAmount,
		HubAmount:    c.HubAmount,
		Stale:        stale,
	})
	if err != nil {
		return nil, err
	}

	released, err := dropPendingSpend(tx, ch)
	if err != nil {
		return nil, err
	}

	funding := &channeldb.SpentOutput{Coin: ch.FundingCoin()}
	if err := tx.ClaimOutputs(commitHash, funding); err != nil {
		return nil, err
	}
	if err := tx.ConfirmClaim(commitHash); err != nil {
		return nil, err
	}

	current, err := tx.FetchChannel(ch.ID)
	if err != nil {
		return nil, err
	}
	current.Archived = true
	if err := tx.UpdateChannel(current); err != nil {
		return nil, err
	}
	if err := tx.DeactivateCommitments(ch.Slot); err != nil {
		return nil, err
	}

	tr, err := tx.OpenTransfer(ch.Slot)
	switch {
	case err == nil:
		tr.Closed = true
		return released, tx.UpdateTransfer(tr)

	case errors.Is(err, channeldb.ErrTransferNotFound):
		return released, nil

	default:
		return nil, err
	}
}

// dropPendingSpend abandons the unpublished hub tx spending the funding of
// ch: the funding of the next channel version or a closing. The next
// version is reverted, which makes ch current again.
func dropPendingSpend(tx *channeldb.LedgerTx,
	ch *channeldb.Channel) ([]*channeldb.SpentOutput, error) {

	held, err := tx.FetchSpentOutput(ch.FundingOutPoint())
	switch {
	case errors.Is(err, channeldb.ErrSpentOutputNotFound):
		return nil, nil

	case err != nil:
		return nil, err

	case held.Confirmed:
		return nil, fmt.Errorf("funding of channel %v spent by hub "+
			"tx %v", ch.ID, held.ClaimID)
	}

	claimID := held.ClaimID
	released, err := tx.ReleaseClaim(claimID)
	if err != nil {
		return nil, err
	}

	closing, err := tx.CurrentClosing(ch.Slot)
	switch {
	case err == nil && closing.InitialTx.TxHash() == claimID:
		if err := tx.DeleteClosing(closing); err != nil {
			return nil, err
		}

	case err != nil && !errors.Is(err, channeldb.ErrClosingNotFound):
		return nil, err
	}

	next, err := tx.CurrentChannel(ch.Slot)
	switch {
	case err == nil && next.ID != ch.ID &&
		next.InitialTx.TxHash() == claimID:

		brarLog.Infof("Abandoning channel %v of %v, its input %v "+
			"was spent by the client", next.ID, ch.Slot,
			ch.FundingOutPoint())

		if err := tx.RevertChannel(next); err != nil {
			return nil, err
		}

	case err != nil && !errors.Is(err, channeldb.ErrChannelNotFound):
		return nil, err
	}

	return released, nil
}

// recordClientClose retires a channel the client closed with its latest
// commitment.
func (m *Monitor) recordClientClose(ctx context.Context,
	ch *channeldb.Channel, found *spentCommitment) error {

	var released []*channeldb.SpentOutput
	err := m.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
		var err error
		released, err = retireChannel(tx, ch, found, false)

		return err
	})
	if err != nil {
		return err
	}

	clientClosesTotal.Inc()

	log.Infof("Client closed channel %v of %v with commitment %v", ch.ID,
		ch.Slot, found.commitment.ID)

	m.cfg.Notifier.Notify(ctx, notify.Alert{
		Severity: notify.SeverityInfo,
		Subject:  "channel closed by client",
		Slot:     ch.Slot.String(),
		Details: fmt.Sprintf("commitment %v published as %v",
			found.commitment.ID, found.locked.OutPoint.Hash),
	})

	return m.requeueFeeCoins(ctx, released)
}

// punish spends the locked client share of a revoked commitment to the hot
// wallet through the revocation branch.
func (m *Monitor) punish(ctx context.Context, ch *channeldb.Channel,
	found *spentCommitment) error {

	c := found.commitment
	commitHash := found.locked.OutPoint.Hash

	brarLog.Warnf("Revoked commitment %v of %v published as %v, "+
		"building penalty", c.ID, ch.Slot, commitHash)

	hotScript, queue, err := m.payoutOf(ch.Slot.Asset)
	if err != nil {
		return err
	}

	var released []*channeldb.SpentOutput
	b := txbuild.New(m.cfg.Build, ch.Slot.Asset, queue)
	err = b.Build(func(b *txbuild.Context) error {
		err := b.AddInput(found.locked, input.CommitRevokeWitnessSize)
		if err != nil {
			return err
		}
		if err := payCoin(b, found.locked, hotScript); err != nil {
			return err
		}
		if err := b.AddFee(m.cfg.FeeChangeScript); err != nil {
			return err
		}
		if err := b.SignWalletInputs(txscript.SigHashAll); err != nil {
			return err
		}

		signDesc := &input.SignDescriptor{
			KeyDesc:           m.cfg.ChannelKey,
			WitnessScript:     c.LockedScript,
			Output:            found.locked.TxOut(),
			HashType:          txscript.SigHashAll,
			PrevOutputFetcher: b.PrevOutFetcher(),
			InputIndex:        0,
		}
		hubSig, err := m.cfg.Signer.SignOutputRaw(b.Tx(), signDesc)
		if err != nil {
			return err
		}
		revokeSig, err := input.SignWithPrivKey(
			b.Tx(), signDesc, found.revokeKey.PrivKey,
		)
		if err != nil {
			return err
		}

		b.Tx().TxIn[0].Witness = input.CommitSpendRevoke(
			c.LockedScript,
			m.cfg.ChannelKey.PubKey.SerializeCompressed(),
			append(hubSig.Serialize(), byte(txscript.SigHashAll)),
			found.revokeKey.PubKey.SerializeCompressed(),
			append(revokeSig.Serialize(), byte(txscript.SigHashAll)),
		)

		if err := b.Finish(); err != nil {
			return err
		}
		if err := b.Verify(); err != nil {
			brarLog.Debugf("Invalid penalty: %v",
				newLogClosure(func() string {
					return spew.Sdump(b.Tx())
				}))

			return fmt.Errorf("penalty tx invalid: %w", err)
		}

		penaltyHash := b.Tx().TxHash()

		return m.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
			err := tx.ClaimOutputs(penaltyHash, claimsOf(b, queue)...)
			if err != nil {
				return err
			}
			if err := tx.ConfirmClaim(penaltyHash); err != nil {
				return err
			}
			released, err = retireChannel(tx, ch, found, true)
			if err != nil {
				return err
			}
			err = tx.SetPenaltyTx(commitHash, penaltyHash)
			if err != nil {
				return err
			}

			_, err = m.cfg.Ledger.Broadcast(ctx, b.Tx())

			return err
		})
	})
	if err != nil {
		return fmt.Errorf("unable to punish %v: %w", commitHash, err)
	}

	breachesTotal.Inc()

	penaltyHash := b.Tx().TxHash()
	brarLog.Criticalf("Punished revoked commitment %v of %v with %v",
		commitHash, ch.Slot, penaltyHash)

	m.cfg.Notifier.Notify(ctx, notify.Alert{
		Severity: notify.SeverityCritical,
		Subject:  "revoked commitment published",
		Slot:     ch.Slot.String(),
		Details: fmt.Sprintf("commitment %v published as %v, penalty "+
			"%v claims %v", c.ID, commitHash, penaltyHash,
			found.locked.Value),
	})

	return m.requeueFeeCoins(ctx, released)
}

// payoutOf returns the hot wallet script and fee queue of asset.
func (m *Monitor) payoutOf(asset colored.AssetID) ([]byte, string, error) {
	var setting *channeldb.AssetSetting
	err := m.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		var err error
		setting, err = tx.FetchAssetSetting(asset)

		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("asset %v: %w", asset, err)
	}

	hotScript, err := input.PayToAddrScript(
		setting.HotWalletAddress, m.cfg.Net,
	)
	if err != nil {
		return nil, "", err
	}

	return hotScript, setting.FeeQueue, nil
}

// payCoin moves the whole of coin to pkScript.
func payCoin(b *txbuild.Context, coin colored.Coin, pkScript []byte) error {
	amount := coin.Quantity
	if coin.Asset.IsBitcoin() {
		amount = uint64(coin.Value)
	}

	_, err := b.PayAssetValue(pkScript, amount, coin.Value)

	return err
}

// claimsOf lists the coins spent by b. Coins from the fee pool remember
// their queue.
func claimsOf(b *txbuild.Context, queue string) []*channeldb.SpentOutput {
	fee := make(map[wire.OutPoint]struct{}, len(b.FeeCoins()))
	for _, coin := range b.FeeCoins() {
		fee[coin.OutPoint] = struct{}{}
	}

	claims := make([]*channeldb.SpentOutput, 0, len(b.Coins()))
	for _, coin := range b.Coins() {
		claim := &channeldb.SpentOutput{Coin: coin}
		if _, ok := fee[coin.OutPoint]; ok {
			claim.FeeQueue = queue
		}
		claims = append(claims, claim)
	}

	return claims
}
