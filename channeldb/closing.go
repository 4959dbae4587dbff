package channeldb

import (
	"io"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/tlv"
)

// ClosingChannel is a pending full close of a slot's channel.
type ClosingChannel struct {
	// ID identifies the closing.
	ID uuid.UUID

	// Slot is the slot being closed.
	Slot Slot

	// ChannelID is the channel version closed.
	ChannelID uuid.UUID

	// InitialTx is the unsigned closing transaction.
	InitialTx *wire.MsgTx

	// ClientAmount and HubAmount are the final balances paid out.
	ClientAmount uint64
	HubAmount    uint64

	// Archived is set once the closing was broadcast or superseded.
	Archived bool

	// TransferID is the transfer the closing belongs to.
	TransferID string

	// CreatedAt is when the closing was created.
	CreatedAt time.Time
}

const (
	clIDType        tlv.Type = 0
	clMultisigType  tlv.Type = 1
	clAssetType     tlv.Type = 2
	clChanIDType    tlv.Type = 3
	clInitialTx     tlv.Type = 4
	clClientAmt     tlv.Type = 5
	clHubAmt        tlv.Type = 6
	clArchived      tlv.Type = 7
	clTransferID    tlv.Type = 8
	clCreatedAtType tlv.Type = 9
)

// Encode writes the closing as a tlv stream.
func (c *ClosingChannel) Encode(w io.Writer) error {
	initialTx, err := txBytes(c.InitialTx)
	if err != nil {
		return err
	}

	var (
		id         = uuidBytes(c.ID)
		multisig   = []byte(c.Slot.Multisig)
		asset      = []byte(c.Slot.Asset)
		chanID     = uuidBytes(c.ChannelID)
		transferID = []byte(c.TransferID)
		createdAt  = timeToUint(c.CreatedAt)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(clIDType, &id),
		tlv.MakePrimitiveRecord(clMultisigType, &multisig),
		tlv.MakePrimitiveRecord(clAssetType, &asset),
		tlv.MakePrimitiveRecord(clChanIDType, &chanID),
		tlv.MakePrimitiveRecord(clInitialTx, &initialTx),
		tlv.MakePrimitiveRecord(clClientAmt, &c.ClientAmount),
		tlv.MakePrimitiveRecord(clHubAmt, &c.HubAmount),
		tlv.MakePrimitiveRecord(clArchived, &c.Archived),
		tlv.MakePrimitiveRecord(clTransferID, &transferID),
		tlv.MakePrimitiveRecord(clCreatedAtType, &createdAt),
	)
}

// Decode reads a closing written by Encode.
func (c *ClosingChannel) Decode(r io.Reader) error {
	var (
		id, multisig, asset, chanID []byte
		initialTx, transferID       []byte
		createdAt                   uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(clIDType, &id),
		tlv.MakePrimitiveRecord(clMultisigType, &multisig),
		tlv.MakePrimitiveRecord(clAssetType, &asset),
		tlv.MakePrimitiveRecord(clChanIDType, &chanID),
		tlv.MakePrimitiveRecord(clInitialTx, &initialTx),
		tlv.MakePrimitiveRecord(clClientAmt, &c.ClientAmount),
		tlv.MakePrimitiveRecord(clHubAmt, &c.HubAmount),
		tlv.MakePrimitiveRecord(clArchived, &c.Archived),
		tlv.MakePrimitiveRecord(clTransferID, &transferID),
		tlv.MakePrimitiveRecord(clCreatedAtType, &createdAt),
	)
	if err != nil {
		return err
	}

	if c.ID, err = parseUUID(id); err != nil {
		return err
	}
	if c.ChannelID, err = parseUUID(chanID); err != nil {
		return err
	}
	if c.InitialTx, err = parseTx(initialTx); err != nil {
		return err
	}
	c.Slot = Slot{
		Multisig: string(multisig),
		Asset:    colored.AssetID(asset),
	}
	c.TransferID = string(transferID)
	c.CreatedAt = uintToTime(createdAt)

	return nil
}
