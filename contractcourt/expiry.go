package contractcourt

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/colorhub/hubd/chainio"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/notify"
)

// staleClaim is a claim older than the claim ttl.
type staleClaim struct {
	id   chainhash.Hash
	outs []*channeldb.SpentOutput
}

// releaseStaleClaims drops claims whose tx is gone. A published claim is
// dropped once the ledger no longer knows its tx. An unpublished claim is
// dropped once no open transfer waits for it. Fee coins of the dropped
// claims go back to their queue if they are still unspent.
func (m *Monitor) releaseStaleClaims(ctx context.Context) error {
	cutoff := m.cfg.DB.Now().Add(-m.cfg.ClaimTTL)

	var stale []staleClaim
	err := m.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		stale = nil

		pending, err := pendingClaims(tx)
		if err != nil {
			return err
		}

		return tx.ForEachClaim(func(id chainhash.Hash,
			outs []*channeldb.SpentOutput) error {

			if len(outs) == 0 || !outs[0].CreatedAt.Before(cutoff) {
				return nil
			}
			if _, ok := pending[id]; ok {
				return nil
			}
			stale = append(stale, staleClaim{id: id, outs: outs})

			return nil
		})
	})
	if err != nil {
		return err
	}

	return forEach(ctx, m.cfg.Workers, stale, m.releaseClaim)
}

// pendingClaims returns the claims of unpublished txs that open transfers
// still wait for.
func pendingClaims(tx *channeldb.LedgerTx) (map[chainhash.Hash]struct{},
	error) {

	pending := make(map[chainhash.Hash]struct{})
	err := tx.ForEachOpenTransfer(func(tr *channeldb.Transfer) error {
		closing, err := tx.CurrentClosing(tr.Slot)
		switch {
		case err == nil && closing.TransferID == tr.ID:
			pending[closing.InitialTx.TxHash()] = struct{}{}

		case err != nil && !errors.Is(err, channeldb.ErrClosingNotFound):
			return err
		}

		ch, err := tx.FetchChannel(tr.ChannelID)
		switch {
		case errors.Is(err, channeldb.ErrChannelNotFound):
			return nil

		case err != nil:
			return err
		}
		if !ch.IsBroadcasted {
			pending[ch.InitialTx.TxHash()] = struct{}{}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return pending, nil
}

func (m *Monitor) releaseClaim(ctx context.Context, c staleClaim) error {
	published := c.outs[0].Confirmed
	if published {
		_, err := m.cfg.Ledger.GetTransaction(ctx, c.id)
		switch {
		case err == nil:
			return nil

		case !errors.Is(err, chainio.ErrTxNotFound):
			return err
		}
	}

	var released []*channeldb.SpentOutput
	err := m.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
		var err error
		released, err = tx.ExpireClaim(c.id)

		return err
	})
	if err != nil {
		return fmt.Errorf("unable to release claim %v: %w", c.id, err)
	}

	releasedClaims.Inc()

	if published {
		log.Warnf("Published tx %v vanished from the ledger, released "+
			"%d outputs", c.id, len(released))

		m.cfg.Notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityWarning,
			Subject:  "published tx missing from ledger",
			Details: fmt.Sprintf("tx %v released %d outputs", c.id,
				len(released)),
		})
	} else {
		log.Infof("Released orphaned claim %v of %d outputs", c.id,
			len(released))
	}

	return m.requeueFeeCoins(ctx, released)
}

// requeueFeeCoins puts the fee coins of released claims back into their
// queue if they are still unspent.
func (m *Monitor) requeueFeeCoins(ctx context.Context,
	released []*channeldb.SpentOutput) error {

	for _, out := range released {
		if !out.FromFeePool() {
			continue
		}

		unspent, err := m.cfg.Ledger.IsUnspent(ctx, out.Coin.OutPoint)
		if err != nil {
			return err
		}
		if !unspent {
			log.Debugf("Fee coin %v is spent, not requeued",
				out.Coin.OutPoint)
			continue
		}

		err = m.cfg.Build.Pool.Enqueue(out.FeeQueue, out.Coin)
		if err != nil {
			return err
		}
	}

	return nil
}
