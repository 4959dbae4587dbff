package channeldb

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/errcode"
)

// FetchSpentOutput returns the claim on an outpoint.
func (t *LedgerTx) FetchSpentOutput(op wire.OutPoint) (*SpentOutput, error) {
	s, err := getRecord[SpentOutput](t.bucket(spentBucket), outpointKey(op))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSpentOutputNotFound
	}

	return s, nil
}

// ClaimOutputs claims the outputs for the transaction claimID. The claim is
// all or nothing: if any outpoint is held by another transaction the call
// fails with TransactionConcurrentInputsProblem and the caller's ledger
// transaction must be dropped. Claiming again for the same claimID is a
// no-op.
func (t *LedgerTx) ClaimOutputs(claimID chainhash.Hash,
	outs ...*SpentOutput) error {

	spent, err := t.rwBucket(spentBucket)
	if err != nil {
		return err
	}
	claims, err := t.rwBucket(claimBucket)
	if err != nil {
		return err
	}
	claimIdx, err := claims.CreateBucketIfNotExists(claimID[:])
	if err != nil {
		return err
	}

	for _, out := range outs {
		key := outpointKey(out.Coin.OutPoint)

		held, err := t.FetchSpentOutput(out.Coin.OutPoint)
		switch {
		case err == nil && held.ClaimID == claimID:
			continue

		case err == nil:
			return errcode.ErrTransactionConcurrentInputsProblem.Newf(
				"output %v already spent by %v",
				out.Coin.OutPoint, held.ClaimID,
			)

		case err != ErrSpentOutputNotFound:
			return err
		}

		out.ClaimID = claimID
		if out.CreatedAt.IsZero() {
			out.CreatedAt = t.now
		}
		if err := putRecord(spent, key, out); err != nil {
			return err
		}
		if err := claimIdx.Put(key, nil); err != nil {
			return err
		}
	}

	return nil
}

// ClaimOf returns the outputs claimed by claimID.
func (t *LedgerTx) ClaimOf(claimID chainhash.Hash) ([]*SpentOutput, error) {
	claimIdx := t.bucket(claimBucket).NestedReadBucket(claimID[:])
	if claimIdx == nil {
		return nil, nil
	}

	var outs []*SpentOutput
	err := claimIdx.ForEach(func(k, _ []byte) error {
		s, err := getRecord[SpentOutput](t.bucket(spentBucket), k)
		if err != nil {
			return err
		}
		if s != nil {
			outs = append(outs, s)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return outs, nil
}

// ConfirmClaim marks the outputs of claimID as spent on the ledger.
func (t *LedgerTx) ConfirmClaim(claimID chainhash.Hash) error {
	spent, err := t.rwBucket(spentBucket)
	if err != nil {
		return err
	}

	outs, err := t.ClaimOf(claimID)
	if err != nil {
		return err
	}

	for _, out := range outs {
		if out.Confirmed {
			continue
		}

		out.Confirmed = true
		err := putRecord(spent, outpointKey(out.Coin.OutPoint), out)
		if err != nil {
			return err
		}
	}

	return nil
}

// ReleaseClaim drops an unconfirmed claim and returns the outputs it held.
func (t *LedgerTx) ReleaseClaim(claimID chainhash.Hash) ([]*SpentOutput,
	error) {

	return t.dropClaim(claimID, false)
}

// ExpireClaim drops a claim whether or not its tx reached the ledger. It is
// meant for txs the ledger has since forgotten.
func (t *LedgerTx) ExpireClaim(claimID chainhash.Hash) ([]*SpentOutput,
	error) {

	return t.dropClaim(claimID, true)
}

func (t *LedgerTx) dropClaim(claimID chainhash.Hash,
	force bool) ([]*SpentOutput, error) {

	spent, err := t.rwBucket(spentBucket)
	if err != nil {
		return nil, err
	}
	claims, err := t.rwBucket(claimBucket)
	if err != nil {
		return nil, err
	}

	outs, err := t.ClaimOf(claimID)
	if err != nil {
		return nil, err
	}

	for _, out := range outs {
		if out.Confirmed && !force {
			return nil, errcode.ErrTransactionConcurrentInputsProblem.Newf(
				"claim %v already confirmed", claimID,
			)
		}
	}

	for _, out := range outs {
		if err := spent.Delete(outpointKey(out.Coin.OutPoint)); err != nil {
			return nil, err
		}
	}

	if claims.NestedReadWriteBucket(claimID[:]) == nil {
		return outs, nil
	}
	if err := claims.DeleteNestedBucket(claimID[:]); err != nil {
		return nil, err
	}

	return outs, nil
}

// ForEachClaim calls f with every claim id and its outputs.
func (t *LedgerTx) ForEachClaim(f func(chainhash.Hash,
	[]*SpentOutput) error) error {

	var ids []chainhash.Hash
	err := t.bucket(claimBucket).ForEach(func(k, _ []byte) error {
		var id chainhash.Hash
		copy(id[:], k)
		ids = append(ids, id)

		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		outs, err := t.ClaimOf(id)
		if err != nil {
			return err
		}
		if err := f(id, outs); err != nil {
			return err
		}
	}

	return nil
}
