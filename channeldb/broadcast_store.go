package channeldb

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FetchBroadcast returns the broadcast row of a commitment tx.
func (t *LedgerTx) FetchBroadcast(txHash chainhash.Hash) (
	*CommitmentBroadcast, error) {

	b, err := getRecord[CommitmentBroadcast](
		t.bucket(broadcastBucket), txHash[:],
	)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBroadcastNotFound
	}

	return b, nil
}

// AddBroadcast records a commitment seen on the ledger. Rows are written
// once.
func (t *LedgerTx) AddBroadcast(b *CommitmentBroadcast) error {
	broadcasts, err := t.rwBucket(broadcastBucket)
	if err != nil {
		return err
	}
	if broadcasts.Get(b.TxHash[:]) != nil {
		return ErrBroadcastExists
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.now
	}

	return putRecord(broadcasts, b.TxHash[:], b)
}

// SetPenaltyTx records the tx that swept a stale commitment.
func (t *LedgerTx) SetPenaltyTx(commitTx, penaltyTx chainhash.Hash) error {
	broadcasts, err := t.rwBucket(broadcastBucket)
	if err != nil {
		return err
	}

	b, err := t.FetchBroadcast(commitTx)
	if err != nil {
		return err
	}
	if b.PenaltyTxHash != nil {
		return ErrPenaltyAlreadySet
	}

	b.PenaltyTxHash = &penaltyTx

	return putRecord(broadcasts, b.TxHash[:], b)
}

// ForEachBroadcast calls f with every broadcast row.
func (t *LedgerTx) ForEachBroadcast(f func(*CommitmentBroadcast) error) error {
	return forEachRecord(t.bucket(broadcastBucket),
		func(_ []byte, b *CommitmentBroadcast) error {
			return f(b)
		},
	)
}
