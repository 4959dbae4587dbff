package channeldb

import (
	"io"
	"time"

	"github.com/colorhub/hubd/colored"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/tlv"
)

// Transfer marks a balance change in flight on a slot. At most one transfer
// per slot is open, that is neither completed nor closed.
type Transfer struct {
	// ID is chosen by the caller or generated.
	ID string

	// Slot is the slot the transfer changes.
	Slot Slot

	// ChannelID is the channel version the transfer works on.
	ChannelID uuid.UUID

	// CommitmentID is the hub commitment issued for a transfer on a
	// broadcast channel, uuid.Nil for channel setups.
	CommitmentID uuid.UUID

	// Required makes later operations on the slot fail until the
	// transfer completes instead of reverting it.
	Required bool

	// Completed is set once the exchange finished.
	Completed bool

	// Closed is set once the transfer was abandoned and reverted.
	Closed bool

	// CreatedAt is when the transfer was opened.
	CreatedAt time.Time
}

// Open reports whether the transfer is still in flight.
func (t *Transfer) Open() bool {
	return !t.Completed && !t.Closed
}

const (
	trIDType        tlv.Type = 0
	trMultisigType  tlv.Type = 1
	trAssetType     tlv.Type = 2
	trChanIDType    tlv.Type = 3
	trCommitIDType  tlv.Type = 4
	trRequiredType  tlv.Type = 5
	trCompletedType tlv.Type = 6
	trClosedType    tlv.Type = 7
	trCreatedAtType tlv.Type = 8
)

// Encode writes the transfer as a tlv stream.
func (t *Transfer) Encode(w io.Writer) error {
	var (
		id        = []byte(t.ID)
		multisig  = []byte(t.Slot.Multisig)
		asset     = []byte(t.Slot.Asset)
		chanID    = uuidBytes(t.ChannelID)
		commitID  = uuidBytes(t.CommitmentID)
		createdAt = timeToUint(t.CreatedAt)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(trIDType, &id),
		tlv.MakePrimitiveRecord(trMultisigType, &multisig),
		tlv.MakePrimitiveRecord(trAssetType, &asset),
		tlv.MakePrimitiveRecord(trChanIDType, &chanID),
		tlv.MakePrimitiveRecord(trCommitIDType, &commitID),
		tlv.MakePrimitiveRecord(trRequiredType, &t.Required),
		tlv.MakePrimitiveRecord(trCompletedType, &t.Completed),
		tlv.MakePrimitiveRecord(trClosedType, &t.Closed),
		tlv.MakePrimitiveRecord(trCreatedAtType, &createdAt),
	)
}

// Decode reads a transfer written by Encode.
func (t *Transfer) Decode(r io.Reader) error {
	var (
		id, multisig, asset, chanID, commitID []byte
		createdAt                             uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(trIDType, &id),
		tlv.MakePrimitiveRecord(trMultisigType, &multisig),
		tlv.MakePrimitiveRecord(trAssetType, &asset),
		tlv.MakePrimitiveRecord(trChanIDType, &chanID),
		tlv.MakePrimitiveRecord(trCommitIDType, &commitID),
		tlv.MakePrimitiveRecord(trRequiredType, &t.Required),
		tlv.MakePrimitiveRecord(trCompletedType, &t.Completed),
		tlv.MakePrimitiveRecord(trClosedType, &t.Closed),
		tlv.MakePrimitiveRecord(trCreatedAtType, &createdAt),
	)
	if err != nil {
		return err
	}

	t.ID = string(id)
	t.Slot = Slot{
		Multisig: string(multisig),
		Asset:    colored.AssetID(asset),
	}
	if t.ChannelID, err = parseUUID(chanID); err != nil {
		return err
	}
	if t.CommitmentID, err = parseUUID(commitID); err != nil {
		return err
	}
	t.CreatedAt = uintToTime(createdAt)

	return nil
}
