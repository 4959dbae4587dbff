package channeldb

import (
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Channel is one version of a client's channel in a slot. A new version is
// created for every open, top-up or partial cashout and the previous one is
// archived.
type Channel struct {
	// ID is the durable id of this version.
	ID uuid.UUID

	// Slot is the slot the channel lives in.
	Slot Slot

	// ClientPubKey is the client's key of the 2-of-2 script.
	ClientPubKey *btcec.PublicKey

	// ClientAmount and HubAmount split the funding output.
	ClientAmount uint64
	HubAmount    uint64

	// InitialTx is the unsigned funding transaction.
	InitialTx *wire.MsgTx

	// SignedTx is the fully signed funding transaction, nil until both
	// parties signed.
	SignedTx *wire.MsgTx

	// FundingIndex is the index of the channel output within InitialTx.
	FundingIndex uint32

	// IsBroadcasted is set once the funding tx reached the ledger.
	IsBroadcasted bool

	// PrevChannelID links to the version this one supersedes.
	PrevChannelID fn.Option[uuid.UUID]

	// Archived is set once the version was superseded or closed.
	Archived bool

	// TransferID is the transfer that created this version.
	TransferID string

	// Version is bumped on every write and checked by UpdateChannel.
	Version uint64

	// CreatedAt is when the version was created.
	CreatedAt time.Time
}

// FundingOutPoint returns the channel output.
func (c *Channel) FundingOutPoint() wire.OutPoint {
	return wire.OutPoint{
		Hash:  c.InitialTx.TxHash(),
		Index: c.FundingIndex,
	}
}

// FundingCoin returns the channel output as a coin of the slot's asset.
func (c *Channel) FundingCoin() colored.Coin {
	out := c.InitialTx.TxOut[c.FundingIndex]

	coin := colored.Coin{
		OutPoint: c.FundingOutPoint(),
		Value:    btcutil.Amount(out.Value),
		PkScript: out.PkScript,
		Asset:    c.Slot.Asset,
	}
	if !c.Slot.Asset.IsBitcoin() {
		coin.Quantity = c.ClientAmount + c.HubAmount
	}

	return coin
}

// Total is the channel capacity in asset units.
func (c *Channel) Total() uint64 {
	return c.ClientAmount + c.HubAmount
}

const (
	chanIDType       tlv.Type = 0
	chanMultisigType tlv.Type = 1
	chanAssetType    tlv.Type = 2
	chanClientKey    tlv.Type = 3
	chanClientAmt    tlv.Type = 4
	chanHubAmt       tlv.Type = 5
	chanInitialTx    tlv.Type = 6
	chanSignedTx     tlv.Type = 7
	chanFundingIdx   tlv.Type = 8
	chanBroadcasted  tlv.Type = 9
	chanPrevID       tlv.Type = 10
	chanArchived     tlv.Type = 11
	chanTransferID   tlv.Type = 12
	chanVersion      tlv.Type = 13
	chanCreatedAt    tlv.Type = 14
)

// Encode writes the channel as a tlv stream.
func (c *Channel) Encode(w io.Writer) error {
	initialTx, err := txBytes(c.InitialTx)
	if err != nil {
		return err
	}
	signedTx, err := txBytes(c.SignedTx)
	if err != nil {
		return err
	}

	var (
		id          = uuidBytes(c.ID)
		multisig    = []byte(c.Slot.Multisig)
		asset       = []byte(c.Slot.Asset)
		clientKey   = pubBytes(c.ClientPubKey)
		prevID      = uuidBytes(c.PrevChannelID.UnwrapOr(uuid.Nil))
		transferID  = []byte(c.TransferID)
		createdAt   = timeToUint(c.CreatedAt)
		broadcasted = c.IsBroadcasted
		archived    = c.Archived
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(chanIDType, &id),
		tlv.MakePrimitiveRecord(chanMultisigType, &multisig),
		tlv.MakePrimitiveRecord(chanAssetType, &asset),
		tlv.MakePrimitiveRecord(chanClientKey, &clientKey),
		tlv.MakePrimitiveRecord(chanClientAmt, &c.ClientAmount),
		tlv.MakePrimitiveRecord(chanHubAmt, &c.HubAmount),
		tlv.MakePrimitiveRecord(chanInitialTx, &initialTx),
		tlv.MakePrimitiveRecord(chanSignedTx, &signedTx),
		tlv.MakePrimitiveRecord(chanFundingIdx, &c.FundingIndex),
		tlv.MakePrimitiveRecord(chanBroadcasted, &broadcasted),
		tlv.MakePrimitiveRecord(chanPrevID, &prevID),
		tlv.MakePrimitiveRecord(chanArchived, &archived),
		tlv.MakePrimitiveRecord(chanTransferID, &transferID),
		tlv.MakePrimitiveRecord(chanVersion, &c.Version),
		tlv.MakePrimitiveRecord(chanCreatedAt, &createdAt),
	)
}

// Decode reads a channel written by Encode.
func (c *Channel) Decode(r io.Reader) error {
	var (
		id, multisig, asset, clientKey []byte
		initialTx, signedTx, prevID    []byte
		transferID                     []byte
		createdAt                      uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(chanIDType, &id),
		tlv.MakePrimitiveRecord(chanMultisigType, &multisig),
		tlv.MakePrimitiveRecord(chanAssetType, &asset),
		tlv.MakePrimitiveRecord(chanClientKey, &clientKey),
		tlv.MakePrimitiveRecord(chanClientAmt, &c.ClientAmount),
		tlv.MakePrimitiveRecord(chanHubAmt, &c.HubAmount),
		tlv.MakePrimitiveRecord(chanInitialTx, &initialTx),
		tlv.MakePrimitiveRecord(chanSignedTx, &signedTx),
		tlv.MakePrimitiveRecord(chanFundingIdx, &c.FundingIndex),
		tlv.MakePrimitiveRecord(chanBroadcasted, &c.IsBroadcasted),
		tlv.MakePrimitiveRecord(chanPrevID, &prevID),
		tlv.MakePrimitiveRecord(chanArchived, &c.Archived),
		tlv.MakePrimitiveRecord(chanTransferID, &transferID),
		tlv.MakePrimitiveRecord(chanVersion, &c.Version),
		tlv.MakePrimitiveRecord(chanCreatedAt, &createdAt),
	)
	if err != nil {
		return err
	}

	if c.ID, err = parseUUID(id); err != nil {
		return err
	}
	c.Slot = Slot{
		Multisig: string(multisig),
		Asset:    colored.AssetID(asset),
	}
	if c.ClientPubKey, err = parsePub(clientKey); err != nil {
		return err
	}
	if c.InitialTx, err = parseTx(initialTx); err != nil {
		return err
	}
	if c.SignedTx, err = parseTx(signedTx); err != nil {
		return err
	}

	prev, err := parseUUID(prevID)
	if err != nil {
		return err
	}
	c.PrevChannelID = fn.None[uuid.UUID]()
	if prev != uuid.Nil {
		c.PrevChannelID = fn.Some(prev)
	}

	c.TransferID = string(transferID)
	c.CreatedAt = uintToTime(createdAt)

	return nil
}
