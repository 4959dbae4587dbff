package offchain

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/commitment"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/keychain"
	"github.com/colorhub/hubd/notify"
	"github.com/google/uuid"
)

// CheckTransferFinalization settles the open transfer of slot, if any. A
// required transfer blocks the slot with ChannelNotFinalized. Any other
// transfer is abandoned and its effects are reverted.
func (e *Engine) CheckTransferFinalization(ctx context.Context,
	slot channeldb.Slot) error {

	var released []*channeldb.SpentOutput
	err := e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
		released = nil

		tr, err := tx.OpenTransfer(slot)
		switch {
		case errors.Is(err, channeldb.ErrTransferNotFound):
			return nil

		case err != nil:
			return err

		case tr.Required:
			return errcode.ErrChannelNotFinalized.Newf(
				"transfer %v is open on %v", tr.ID, slot,
			)
		}

		released, err = revertTransfer(tx, tr)

		return err
	})
	if err != nil {
		return err
	}

	e.requeue(released)

	return nil
}

// revertTransfer closes tr and undoes what it created: an unbroadcast
// channel version, a pending closing or an unsigned hub commitment. The
// claims released are returned so their fee coins can be requeued once the
// ledger transaction committed.
func revertTransfer(tx *channeldb.LedgerTx,
	tr *channeldb.Transfer) ([]*channeldb.SpentOutput, error) {

	log.Infof("Reverting transfer %v of %v", tr.ID, tr.Slot)

	tr.Closed = true
	if err := tx.UpdateTransfer(tr); err != nil {
		return nil, err
	}

	closing, err := tx.CurrentClosing(tr.Slot)
	switch {
	case err == nil && closing.TransferID == tr.ID:
		released, err := tx.ReleaseClaim(closing.InitialTx.TxHash())
		if err != nil {
			return nil, err
		}

		return released, tx.DeleteClosing(closing)

	case err != nil && !errors.Is(err, channeldb.ErrClosingNotFound):
		return nil, err
	}

	if tr.CommitmentID != uuid.Nil {
		c, err := tx.FetchCommitment(tr.CommitmentID)
		switch {
		case errors.Is(err, channeldb.ErrCommitmentNotFound):
			return nil, nil

		case err != nil:
			return nil, err
		}

		if c.SignedTx != nil {
			return nil, nil
		}

		return nil, tx.DeleteCommitment(c)
	}

	ch, err := tx.FetchChannel(tr.ChannelID)
	switch {
	case errors.Is(err, channeldb.ErrChannelNotFound):
		return nil, nil

	case err != nil:
		return nil, err

	case ch.IsBroadcasted || ch.TransferID != tr.ID:
		return nil, nil
	}

	released, err := tx.ReleaseClaim(ch.InitialTx.TxHash())
	if err != nil {
		return nil, err
	}

	return released, tx.RevertChannel(ch)
}

// ResolveStaleTransfers abandons every open transfer that is not required
// and older than olderThan. Stale required transfers are reported to the
// notifier. The number of reverted transfers is returned.
func (e *Engine) ResolveStaleTransfers(ctx context.Context,
	olderThan time.Duration) (int, error) {

	cutoff := e.cfg.DB.Now().Add(-olderThan)

	var stale []*channeldb.Transfer
	err := e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		stale = nil
		return tx.ForEachOpenTransfer(func(tr *channeldb.Transfer) error {
			if tr.CreatedAt.Before(cutoff) {
				stale = append(stale, tr)
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	var reverted int
	for _, tr := range stale {
		if tr.Required {
			e.cfg.Notifier.Notify(ctx, notify.Alert{
				Severity: notify.SeverityWarning,
				Subject:  "required transfer not finalized",
				Slot:     tr.Slot.String(),
				Details: "transfer " + tr.ID + " open since " +
					tr.CreatedAt.String(),
			})

			continue
		}

		ok, err := e.revertStale(tr)
		if err != nil {
			return reverted, err
		}
		if ok {
			reverted++
		}
	}

	return reverted, nil
}

// revertStale reverts stale if it is still the open transfer of its slot. A
// transfer finalized since it was listed, or replaced by a newer one, is
// left alone.
func (e *Engine) revertStale(stale *channeldb.Transfer) (bool, error) {
	var (
		released []*channeldb.SpentOutput
		reverted bool
	)
	err := e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
		released, reverted = nil, false

		tr, err := tx.OpenTransfer(stale.Slot)
		switch {
		case errors.Is(err, channeldb.ErrTransferNotFound):
			return nil

		case err != nil:
			return err

		case tr.ID != stale.ID || tr.Required:
			return nil
		}

		released, err = revertTransfer(tx, tr)
		reverted = err == nil

		return err
	})
	if err != nil {
		return false, err
	}

	e.requeue(released)

	return reverted, nil
}

// TransferRequest asks for a balance change on a broadcast channel.
type TransferRequest struct {
	ClientPubKey *btcec.PublicKey
	Asset        colored.AssetID

	// Amount is paid by the hub to the client when positive and by the
	// client to the hub when negative.
	Amount int64

	// PrevClientPrivKey is the revocation key of the client's last
	// commitment. Disclosing it revokes that commitment.
	PrevClientPrivKey *btcec.PrivateKey

	// Required blocks the slot until the transfer is finalized instead of
	// letting later calls abandon it.
	Required bool

	// TransferID is optional, a fresh id is generated when empty.
	TransferID string
}

// TransferResult is the outcome of CreateTransfer.
type TransferResult struct {
	TransferID string

	// HubCommitment is the unsigned hub commitment of the new balances.
	// The client signs it and passes it to Finalize.
	HubCommitment *wire.MsgTx
}

// CreateTransfer issues a hub commitment moving Amount across the channel
// of the slot.
func (e *Engine) CreateTransfer(ctx context.Context,
	req *TransferRequest) (res *TransferResult, err error) {

	defer observe("create_transfer", &err)

	if req.Amount == 0 {
		return nil, errcode.ErrBadInputParameter.New("zero amount")
	}
	if req.PrevClientPrivKey == nil {
		return nil, errcode.ErrBadInputParameter.New(
			"missing previous client revocation key",
		)
	}

	info, err := e.slotOf(req.ClientPubKey, req.Asset)
	if err != nil {
		return nil, err
	}
	if err := e.CheckTransferFinalization(ctx, info.slot); err != nil {
		return nil, err
	}

	transferID := newID(req.TransferID)

	return retry(e, "create transfer", func() (*TransferResult, error) {
		return e.createTransfer(info, req, transferID)
	})
}

func (e *Engine) createTransfer(info *slotInfo, req *TransferRequest,
	transferID string) (*TransferResult, error) {

	var (
		ch         *channeldb.Channel
		lastClient *channeldb.Commitment
	)
	err := e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		if _, err := tx.FetchTransfer(transferID); err == nil {
			return errcode.ErrDuplicateTransactionID.Newf(
				"transfer %v", transferID,
			)
		}

		var err error
		ch, err = tx.CurrentChannel(info.slot)
		switch {
		case errors.Is(err, channeldb.ErrChannelNotFound):
			return errcode.ErrShouldOpenNewChannel.Newf(
				"no channel on %v", info.slot,
			)

		case err != nil:
			return err

		case !ch.IsBroadcasted:
			return errcode.ErrShouldOpenNewChannel.Newf(
				"channel %v is not broadcast", ch.ID,
			)
		}

		lastClient, err = tx.LastCommitment(
			info.slot, channeldb.CommitmentClient,
		)
		if errors.Is(err, channeldb.ErrCommitmentNotFound) {
			return errcode.ErrBadInputParameter.Newf(
				"no client commitment on %v", info.slot,
			)
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	clientAmount, hubAmount := ch.ClientAmount, ch.HubAmount
	switch {
	case req.Amount < 0 && uint64(-req.Amount) > clientAmount:
		return nil, errcode.ErrNotEnoughtClientFunds.Newf(
			"client holds %d, pays %d", clientAmount, -req.Amount,
		)

	case req.Amount < 0:
		clientAmount -= uint64(-req.Amount)
		hubAmount += uint64(-req.Amount)

	case uint64(req.Amount) > hubAmount:
		return nil, errcode.ErrShouldOpenNewChannel.Newf(
			"hub holds %d, pays %d", hubAmount, req.Amount,
		)

	default:
		clientAmount += uint64(req.Amount)
		hubAmount -= uint64(req.Amount)
	}

	if !req.PrevClientPrivKey.PubKey().IsEqual(lastClient.RevokePubKey) {
		return nil, errcode.ErrBadInputParameter.New(
			"revocation key does not match the last client " +
				"commitment",
		)
	}

	revokeKey, revokePriv, err := e.newRevokeKey()
	if err != nil {
		return nil, err
	}

	hubCommit, err := e.buildHubCommitment(
		info, ch, revokeKey.PubKey, hubAmount, clientAmount,
	)
	if err != nil {
		return nil, err
	}

	err = e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
		stored, err := tx.CurrentChannel(info.slot)
		if err != nil {
			return err
		}
		if stored.ID != ch.ID || stored.Version != ch.Version {
			return channeldb.ErrVersionConflict
		}

		if err := discloseClientKey(tx, info.slot,
			req.PrevClientPrivKey); err != nil {

			return err
		}

		err = tx.ReserveRevokeKey(&channeldb.RevokeKey{
			PubKey:  revokeKey.PubKey,
			PrivKey: revokePriv,
			Owner:   channeldb.OwnerHub,
			Slot:    info.slot,
		})
		if err != nil {
			return err
		}

		c := hubCommitmentRecord(
			info, ch, hubCommit, revokeKey.PubKey, transferID,
			clientAmount, hubAmount,
		)
		if err := tx.AddCommitment(c); err != nil {
			return err
		}

		err = tx.AddTransfer(&channeldb.Transfer{
			ID:           transferID,
			Slot:         info.slot,
			ChannelID:    ch.ID,
			CommitmentID: c.ID,
			Required:     req.Required,
		})
		if errors.Is(err, channeldb.ErrTransferOpen) {
			return channeldb.ErrVersionConflict
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Issued transfer %v of %d on %v, balances %d/%d",
		transferID, req.Amount, info.slot, clientAmount, hubAmount)

	return &TransferResult{
		TransferID:    transferID,
		HubCommitment: hubCommit.Tx,
	}, nil
}

// discloseClientKey records the private half of a client revocation key.
// The same key may be sent again after the transfer that disclosed it was
// abandoned: the stored value does not change.
func discloseClientKey(tx *channeldb.LedgerTx, slot channeldb.Slot,
	priv *btcec.PrivateKey) error {

	_, err := tx.DiscloseRevokeKey(priv)
	if !errors.Is(err, errcode.ErrKeyUsedAlready) {
		return err
	}

	stored, fetchErr := tx.FetchRevokeKey(priv.PubKey())
	if fetchErr != nil {
		return fetchErr
	}
	if stored.Owner != channeldb.OwnerClient || stored.Slot != slot {
		return err
	}

	log.Debugf("Client revocation key %x of %v disclosed again",
		priv.PubKey().SerializeCompressed(), slot)

	return nil
}

// newRevokeKey generates a hub revocation key.
func (e *Engine) newRevokeKey() (keychain.KeyDescriptor, *btcec.PrivateKey,
	error) {

	desc, err := e.cfg.KeyRing.DeriveNextKey(keychain.KeyFamilyRevocation)
	if err != nil {
		return keychain.KeyDescriptor{}, nil, err
	}
	priv, err := e.cfg.KeyRing.DerivePrivKey(desc)
	if err != nil {
		return keychain.KeyDescriptor{}, nil, err
	}

	return desc, priv, nil
}

// buildHubCommitment builds the commitment the hub may broadcast: the hub
// share is locked under revokePub and the client key, the client share is
// paid to the client at once.
func (e *Engine) buildHubCommitment(info *slotInfo, ch *channeldb.Channel,
	revokePub *btcec.PublicKey, hubAmount,
	clientAmount uint64) (*commitment.Commitment, error) {

	c, err := commitment.Build(&commitment.Params{
		FundingTx:      ch.InitialTx,
		FundingScript:  info.pkScript,
		Asset:          info.slot.Asset,
		LockedAmount:   hubAmount,
		UnlockedAmount: clientAmount,
		LockedDust:     info.setting.Dust,
		UnlockedDust:   info.setting.Dust,
		CsvDelay:       e.cfg.CsvDelay,
		OwnerKey:       e.cfg.ChannelKey.PubKey,
		RevokeKeyA:     revokePub,
		RevokeKeyB:     info.clientPub,
		UnlockedScript: info.clientScript,
		Net:            e.cfg.Net,
	})
	if err != nil {
		return nil, errcode.Wrapf(errcode.ErrBadInputParameter,
			"hub commitment: %v", err)
	}

	return c, nil
}

// buildClientCommitment builds the commitment the client may broadcast: the
// client share is locked under the hub key and revokePub, the hub share is
// paid to the hot wallet at once.
func (e *Engine) buildClientCommitment(info *slotInfo, ch *channeldb.Channel,
	revokePub *btcec.PublicKey, hubAmount,
	clientAmount uint64) (*commitment.Commitment, error) {

	c, err := commitment.Build(&commitment.Params{
		FundingTx:      ch.InitialTx,
		FundingScript:  info.pkScript,
		Asset:          info.slot.Asset,
		LockedAmount:   clientAmount,
		UnlockedAmount: hubAmount,
		LockedDust:     info.setting.Dust,
		UnlockedDust:   info.setting.Dust,
		CsvDelay:       e.cfg.CsvDelay,
		OwnerKey:       info.clientPub,
		RevokeKeyA:     e.cfg.ChannelKey.PubKey,
		RevokeKeyB:     revokePub,
		UnlockedScript: info.hotScript,
		Net:            e.cfg.Net,
	})
	if err != nil {
		return nil, errcode.Wrapf(errcode.ErrBadInputParameter,
			"client commitment: %v", err)
	}

	return c, nil
}

func hubCommitmentRecord(info *slotInfo, ch *channeldb.Channel,
	c *commitment.Commitment, revokePub *btcec.PublicKey,
	transferID string, clientAmount,
	hubAmount uint64) *channeldb.Commitment {

	return &channeldb.Commitment{
		ID:            uuid.New(),
		Type:          channeldb.CommitmentHub,
		ChannelID:     ch.ID,
		TransferID:    transferID,
		Slot:          info.slot,
		ClientAmount:  clientAmount,
		HubAmount:     hubAmount,
		RevokePubKey:  revokePub,
		LockedAddress: c.LockedAddress,
		LockedScript:  c.LockedScript,
		LockedIndex:   c.LockedIndex,
		InitialTx:     c.Tx,
		Active:        true,
	}
}
