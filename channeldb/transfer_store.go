package channeldb

import (
	"bytes"

	"github.com/colorhub/hubd/errcode"
)

// FetchTransfer returns the transfer with the given id.
func (t *LedgerTx) FetchTransfer(id string) (*Transfer, error) {
	tr, err := getRecord[Transfer](t.bucket(transferBucket), []byte(id))
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, ErrTransferNotFound
	}

	return tr, nil
}

// OpenTransfer returns the transfer in flight on slot.
func (t *LedgerTx) OpenTransfer(slot Slot) (*Transfer, error) {
	id := t.bucket(trSlotBucket).Get(slot.key())
	if id == nil {
		return nil, ErrTransferNotFound
	}

	return t.FetchTransfer(string(id))
}

// ForEachOpenTransfer calls f with every transfer in flight.
func (t *LedgerTx) ForEachOpenTransfer(f func(*Transfer) error) error {
	return t.bucket(trSlotBucket).ForEach(func(_, v []byte) error {
		tr, err := t.FetchTransfer(string(v))
		if err != nil {
			return err
		}

		return f(tr)
	})
}

// AddTransfer opens a transfer. Reused ids fail with DuplicateTransactionId.
func (t *LedgerTx) AddTransfer(tr *Transfer) error {
	transfers, err := t.rwBucket(transferBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(trSlotBucket)
	if err != nil {
		return err
	}

	if transfers.Get([]byte(tr.ID)) != nil {
		return errcode.ErrDuplicateTransactionID.Newf("transfer %v",
			tr.ID)
	}
	if slots.Get(tr.Slot.key()) != nil {
		return ErrTransferOpen
	}

	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.now
	}
	if err := putRecord(transfers, []byte(tr.ID), tr); err != nil {
		return err
	}
	if !tr.Open() {
		return nil
	}

	return slots.Put(tr.Slot.key(), []byte(tr.ID))
}

// UpdateTransfer overwrites a transfer. A transfer that completed or closed
// leaves its slot.
func (t *LedgerTx) UpdateTransfer(tr *Transfer) error {
	transfers, err := t.rwBucket(transferBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(trSlotBucket)
	if err != nil {
		return err
	}

	if transfers.Get([]byte(tr.ID)) == nil {
		return ErrTransferNotFound
	}
	if err := putRecord(transfers, []byte(tr.ID), tr); err != nil {
		return err
	}

	if !tr.Open() && bytes.Equal(slots.Get(tr.Slot.key()), []byte(tr.ID)) {
		return slots.Delete(tr.Slot.key())
	}

	return nil
}
