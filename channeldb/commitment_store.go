package channeldb

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/kvdb"
)

// FetchCommitment returns the commitment with the given id.
func (t *LedgerTx) FetchCommitment(id uuid.UUID) (*Commitment, error) {
	c, err := getRecord[Commitment](t.bucket(commitBucket), id[:])
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCommitmentNotFound
	}

	return c, nil
}

// CommitmentByTxHash returns the commitment whose transaction has the given
// hash.
func (t *LedgerTx) CommitmentByTxHash(hash chainhash.Hash) (*Commitment,
	error) {

	idBytes := t.bucket(commitTxBucket).Get(hash[:])
	if idBytes == nil {
		return nil, ErrCommitmentNotFound
	}

	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}

	return t.FetchCommitment(id)
}

// CommitmentsOf returns the commitments of slot ordered by issue sequence.
func (t *LedgerTx) CommitmentsOf(slot Slot) ([]*Commitment, error) {
	slotIdx := t.bucket(commitSlotBucket).NestedReadBucket(slot.key())
	if slotIdx == nil {
		return nil, nil
	}

	var commitments []*Commitment
	err := slotIdx.ForEach(func(_, v []byte) error {
		id, err := uuid.FromBytes(v)
		if err != nil {
			return err
		}

		c, err := t.FetchCommitment(id)
		if err != nil {
			return err
		}
		commitments = append(commitments, c)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return commitments, nil
}

// ChannelCommitments returns the commitments spending a channel version.
func (t *LedgerTx) ChannelCommitments(chanID uuid.UUID,
	slot Slot) ([]*Commitment, error) {

	all, err := t.CommitmentsOf(slot)
	if err != nil {
		return nil, err
	}

	var commitments []*Commitment
	for _, c := range all {
		if c.ChannelID == chanID {
			commitments = append(commitments, c)
		}
	}

	return commitments, nil
}

// LastCommitment returns the most recently issued commitment of the given
// type in slot, active or not.
func (t *LedgerTx) LastCommitment(slot Slot,
	typ CommitmentType) (*Commitment, error) {

	slotIdx := t.bucket(commitSlotBucket).NestedReadBucket(slot.key())
	if slotIdx == nil {
		return nil, ErrCommitmentNotFound
	}

	cursor := slotIdx.ReadCursor()
	for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
		id, err := uuid.FromBytes(v)
		if err != nil {
			return nil, err
		}

		c, err := t.FetchCommitment(id)
		if err != nil {
			return nil, err
		}
		if c.Type == typ {
			return c, nil
		}
	}

	return nil, ErrCommitmentNotFound
}

// AddCommitment stores a newly issued commitment and assigns its sequence.
func (t *LedgerTx) AddCommitment(c *Commitment) error {
	commitments, err := t.rwBucket(commitBucket)
	if err != nil {
		return err
	}
	slotIdx, err := t.commitSlotIndex(c.Slot)
	if err != nil {
		return err
	}
	txIdx, err := t.rwBucket(commitTxBucket)
	if err != nil {
		return err
	}

	if commitments.Get(c.ID[:]) != nil {
		return fmt.Errorf("commitment %v already exists", c.ID)
	}

	seq, err := slotIdx.NextSequence()
	if err != nil {
		return err
	}
	c.Seq = seq
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now
	}

	var seqKey [8]byte
	byteOrder.PutUint64(seqKey[:], seq)
	if err := slotIdx.Put(seqKey[:], c.ID[:]); err != nil {
		return err
	}

	txHash := c.TxHash()
	if err := txIdx.Put(txHash[:], c.ID[:]); err != nil {
		return err
	}

	return putRecord(commitments, c.ID[:], c)
}

func (t *LedgerTx) commitSlotIndex(slot Slot) (kvdb.RwBucket, error) {
	index, err := t.rwBucket(commitSlotBucket)
	if err != nil {
		return nil, err
	}

	return index.CreateBucketIfNotExists(slot.key())
}

// UpdateCommitment overwrites a stored commitment.
func (t *LedgerTx) UpdateCommitment(c *Commitment) error {
	commitments, err := t.rwBucket(commitBucket)
	if err != nil {
		return err
	}
	if commitments.Get(c.ID[:]) == nil {
		return ErrCommitmentNotFound
	}

	return putRecord(commitments, c.ID[:], c)
}

// DeleteCommitment removes a commitment and its index entries.
func (t *LedgerTx) DeleteCommitment(c *Commitment) error {
	commitments, err := t.rwBucket(commitBucket)
	if err != nil {
		return err
	}
	slotIdx, err := t.commitSlotIndex(c.Slot)
	if err != nil {
		return err
	}
	txIdx, err := t.rwBucket(commitTxBucket)
	if err != nil {
		return err
	}

	var seqKey [8]byte
	byteOrder.PutUint64(seqKey[:], c.Seq)
	if err := slotIdx.Delete(seqKey[:]); err != nil {
		return err
	}

	txHash := c.TxHash()
	if err := txIdx.Delete(txHash[:]); err != nil {
		return err
	}

	return commitments.Delete(c.ID[:])
}

// DeactivateCommitments marks every active commitment of slot inactive,
// except the ones listed in keep.
func (t *LedgerTx) DeactivateCommitments(slot Slot,
	keep ...uuid.UUID) error {

	all, err := t.CommitmentsOf(slot)
	if err != nil {
		return err
	}

	kept := make(map[uuid.UUID]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}

	for _, c := range all {
		if _, ok := kept[c.ID]; ok || !c.Active {
			continue
		}

		c.Active = false
		if err := t.UpdateCommitment(c); err != nil {
			return err
		}
	}

	return nil
}
