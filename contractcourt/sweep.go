package contractcourt

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/colorhub/hubd/chainio"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/txbuild"
)

// sweepMatured spends every locked hub output whose csv delay has passed
// to the hot wallet of its asset.
func (m *Monitor) sweepMatured(ctx context.Context) error {
	height, err := m.cfg.Ledger.BestHeight(ctx)
	if err != nil {
		return err
	}

	var sweeps []*channeldb.PendingSweep
	err = m.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		all, err := tx.PendingSweeps()
		if err != nil {
			return err
		}

		sweeps = sweeps[:0]
		for _, p := range all {
			if height >= p.MatureHeight() {
				sweeps = append(sweeps, p)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	return forEach(ctx, m.cfg.Workers, sweeps,
		func(ctx context.Context, p *channeldb.PendingSweep) error {
			return m.sweep(ctx, p, height)
		},
	)
}

// sweep publishes the timeout spend of p once the commitment holding it has
// enough confirmations.
func (m *Monitor) sweep(ctx context.Context, p *channeldb.PendingSweep,
	height uint32) error {

	details, err := m.cfg.Ledger.GetTransaction(ctx, p.Coin.OutPoint.Hash)
	switch {
	case errors.Is(err, chainio.ErrTxNotFound):
		log.Warnf("Commitment %v holding sweep %v is not on the ledger",
			p.CommitmentID, p.Coin.OutPoint)
		return nil

	case err != nil:
		return err

	// The next block must be at least CsvDelay blocks above the one
	// confirming the commitment.
	case details.BlockHeight == 0 ||
		height+1-details.BlockHeight < p.CsvDelay:

		log.Debugf("Sweep %v not mature yet", p.Coin.OutPoint)
		return nil
	}

	hotScript, queue, err := m.payoutOf(p.Slot.Asset)
	if err != nil {
		return err
	}

	b := txbuild.New(m.cfg.Build, p.Slot.Asset, queue)
	err = b.Build(func(b *txbuild.Context) error {
		err := b.AddInput(p.Coin, input.CommitTimeoutWitnessSize)
		if err != nil {
			return err
		}
		b.Tx().TxIn[0].Sequence = input.LockTimeToSequence(
			false, p.CsvDelay,
		)

		if err := payCoin(b, p.Coin, hotScript); err != nil {
			return err
		}
		if err := b.AddFee(m.cfg.FeeChangeScript); err != nil {
			return err
		}
		if err := b.SignWalletInputs(txscript.SigHashAll); err != nil {
			return err
		}

		witness, err := input.CommitSpendTimeout(
			m.cfg.Signer, &input.SignDescriptor{
				KeyDesc:           m.cfg.ChannelKey,
				WitnessScript:     p.WitnessScript,
				Output:            p.Coin.TxOut(),
				HashType:          txscript.SigHashAll,
				PrevOutputFetcher: b.PrevOutFetcher(),
				InputIndex:        0,
			}, b.Tx(),
		)
		if err != nil {
			return err
		}
		b.Tx().TxIn[0].Witness = witness

		if err := b.Finish(); err != nil {
			return err
		}
		if err := b.Verify(); err != nil {
			return fmt.Errorf("sweep tx invalid: %w", err)
		}

		sweepHash := b.Tx().TxHash()

		return m.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
			err := tx.ClaimOutputs(sweepHash, claimsOf(b, queue)...)
			if err != nil {
				return err
			}
			if err := tx.ConfirmClaim(sweepHash); err != nil {
				return err
			}
			if err := tx.RemovePendingSweep(p); err != nil {
				return err
			}

			_, err = m.cfg.Ledger.Broadcast(ctx, b.Tx())

			return err
		})
	})
	if err != nil {
		return fmt.Errorf("unable to sweep %v: %w", p.Coin.OutPoint, err)
	}

	sweepsTotal.Inc()

	log.Infof("Swept %v of %v with %v", p.Coin.OutPoint, p.Slot,
		b.Tx().TxHash())

	return nil
}
