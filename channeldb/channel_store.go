package channeldb

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// FetchChannel returns the channel version with the given id.
func (t *LedgerTx) FetchChannel(id uuid.UUID) (*Channel, error) {
	ch, err := getRecord[Channel](t.bucket(channelBucket), id[:])
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}

	return ch, nil
}

// CurrentChannel returns the non-archived channel of slot.
func (t *LedgerTx) CurrentChannel(slot Slot) (*Channel, error) {
	idBytes := t.bucket(chanSlotBucket).Get(slot.key())
	if idBytes == nil {
		return nil, ErrChannelNotFound
	}

	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}

	return t.FetchChannel(id)
}

// ChannelsOf returns every version of the slot's channel, oldest first.
func (t *LedgerTx) ChannelsOf(slot Slot) ([]*Channel, error) {
	var channels []*Channel
	err := forEachRecord(t.bucket(channelBucket),
		func(_ []byte, ch *Channel) error {
			if ch.Slot == slot {
				channels = append(channels, ch)
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	sortByCreation(channels, func(ch *Channel) time.Time {
		return ch.CreatedAt
	})

	return channels, nil
}

// ForEachCurrentChannel calls f with the current channel of every slot.
func (t *LedgerTx) ForEachCurrentChannel(f func(*Channel) error) error {
	return t.bucket(chanSlotBucket).ForEach(func(_, v []byte) error {
		id, err := uuid.FromBytes(v)
		if err != nil {
			return err
		}

		ch, err := t.FetchChannel(id)
		if err != nil {
			return err
		}

		return f(ch)
	})
}

// ForEachChannel calls f with every stored channel version, archived ones
// included.
func (t *LedgerTx) ForEachChannel(f func(*Channel) error) error {
	return forEachRecord(t.bucket(channelBucket),
		func(_ []byte, ch *Channel) error {
			return f(ch)
		},
	)
}

// AddChannel stores a new channel version and makes it the current channel
// of its slot. The previous current version, if any, is archived.
func (t *LedgerTx) AddChannel(ch *Channel) error {
	channels, err := t.rwBucket(channelBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(chanSlotBucket)
	if err != nil {
		return err
	}

	if channels.Get(ch.ID[:]) != nil {
		return ErrChannelExists
	}

	prev, err := t.CurrentChannel(ch.Slot)
	switch {
	case err == ErrChannelNotFound:

	case err != nil:
		return err

	default:
		prev.Archived = true
		prev.Version++
		if err := putRecord(channels, prev.ID[:], prev); err != nil {
			return err
		}
	}

	ch.Version = 1
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = t.now
	}
	if err := putRecord(channels, ch.ID[:], ch); err != nil {
		return err
	}

	return slots.Put(ch.Slot.key(), ch.ID[:])
}

// UpdateChannel writes ch if the stored version is still the one ch was
// read at. On success ch.Version is bumped. Archiving a channel removes it
// from its slot.
func (t *LedgerTx) UpdateChannel(ch *Channel) error {
	channels, err := t.rwBucket(channelBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(chanSlotBucket)
	if err != nil {
		return err
	}

	stored, err := t.FetchChannel(ch.ID)
	if err != nil {
		return err
	}
	if stored.Version != ch.Version {
		return ErrVersionConflict
	}

	ch.Version++
	if err := putRecord(channels, ch.ID[:], ch); err != nil {
		ch.Version--
		return err
	}

	if ch.Archived && bytes.Equal(slots.Get(ch.Slot.key()), ch.ID[:]) {
		return slots.Delete(ch.Slot.key())
	}

	return nil
}

// RevertChannel deletes an abandoned channel version together with its
// commitments and makes the version it superseded current again.
func (t *LedgerTx) RevertChannel(ch *Channel) error {
	channels, err := t.rwBucket(channelBucket)
	if err != nil {
		return err
	}
	slots, err := t.rwBucket(chanSlotBucket)
	if err != nil {
		return err
	}

	commitments, err := t.ChannelCommitments(ch.ID, ch.Slot)
	if err != nil {
		return err
	}
	for _, c := range commitments {
		if err := t.DeleteCommitment(c); err != nil {
			return err
		}
	}

	if err := channels.Delete(ch.ID[:]); err != nil {
		return err
	}

	if !bytes.Equal(slots.Get(ch.Slot.key()), ch.ID[:]) {
		return nil
	}

	prevID, hasPrev := fnValue(ch.PrevChannelID)
	if !hasPrev {
		log.Debugf("Reverted channel %v, slot %v is empty", ch.ID, ch.Slot)
		return slots.Delete(ch.Slot.key())
	}

	log.Debugf("Reverting channel %v of slot %v to %v", ch.ID, ch.Slot,
		prevID)

	prev, err := t.FetchChannel(prevID)
	if err != nil {
		return err
	}
	prev.Archived = false
	prev.Version++
	if err := putRecord(channels, prev.ID[:], prev); err != nil {
		return err
	}

	return slots.Put(prev.Slot.key(), prev.ID[:])
}

func fnValue[A any](o fn.Option[A]) (A, bool) {
	var zero A
	return o.UnwrapOr(zero), o.IsSome()
}

// Slots returns every slot with a current channel.
func (t *LedgerTx) Slots() ([]Slot, error) {
	var slots []Slot
	err := t.bucket(chanSlotBucket).ForEach(func(k, _ []byte) error {
		slots = append(slots, slotFromKey(k))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return slots, nil
}
