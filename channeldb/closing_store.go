package channeldb

import (
	"bytes"

	"github.com/google/uuid"
)

// FetchClosing returns the closing with the given id.
func (t *LedgerTx) FetchClosing(id uuid.UUID) (*ClosingChannel, error) {
	c, err := getRecord[ClosingChannel](t.bucket(closingBucket), id[:])
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrClosingNotFound
	}

	return c, nil
}

// CurrentClosing returns the pending closing of slot.
func (t *LedgerTx) CurrentClosing(slot Slot) (*ClosingChannel, error) {
	id := t.bucket(closeSlotBucket).Get(slot.key())
	if id == nil {
		return nil, ErrClosingNotFound
	}

	closingID, err := uuid.FromBytes(id)
	if err != nil {
		return nil, err
	}

	return t.FetchClosing(closingID)
}

// AddClosing stores a new closing for a slot, archiving the one it
// replaces.
func (t *LedgerTx) AddClosing(c *ClosingChannel) error {
	closings, err := t.rwBucket(closingBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(closeSlotBucket)
	if err != nil {
		return err
	}

	prev, err := t.CurrentClosing(c.Slot)
	switch {
	case err == nil:
		prev.Archived = true
		if err := putRecord(closings, prev.ID[:], prev); err != nil {
			return err
		}

	case err != ErrClosingNotFound:
		return err
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now
	}
	if err := putRecord(closings, c.ID[:], c); err != nil {
		return err
	}

	return slots.Put(c.Slot.key(), c.ID[:])
}

// UpdateClosing overwrites a closing. An archived closing is no longer
// current.
func (t *LedgerTx) UpdateClosing(c *ClosingChannel) error {
	closings, err := t.rwBucket(closingBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(closeSlotBucket)
	if err != nil {
		return err
	}

	if closings.Get(c.ID[:]) == nil {
		return ErrClosingNotFound
	}
	if err := putRecord(closings, c.ID[:], c); err != nil {
		return err
	}

	if c.Archived && bytes.Equal(slots.Get(c.Slot.key()), c.ID[:]) {
		return slots.Delete(c.Slot.key())
	}

	return nil
}

// DeleteClosing removes a closing that never left the hub.
func (t *LedgerTx) DeleteClosing(c *ClosingChannel) error {
	closings, err := t.rwBucket(closingBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(closeSlotBucket)
	if err != nil {
		return err
	}

	if bytes.Equal(slots.Get(c.Slot.key()), c.ID[:]) {
		if err := slots.Delete(c.Slot.key()); err != nil {
			return err
		}
	}

	return closings.Delete(c.ID[:])
}
