package channeldb

import (
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/tlv"
)

// CommitmentType tells whose commitment a record is.
type CommitmentType uint8

const (
	// CommitmentClient is broadcast by the client. It locks the client's
	// share behind the client's revocation key.
	CommitmentClient CommitmentType = 0

	// CommitmentHub is broadcast by the hub. It locks the hub's share
	// behind the hub's revocation key.
	CommitmentHub CommitmentType = 1
)

// String returns the name of the type.
func (t CommitmentType) String() string {
	switch t {
	case CommitmentClient:
		return "client"
	case CommitmentHub:
		return "hub"
	default:
		return "unknown"
	}
}

// NoLockedOutput marks a commitment whose locked share was moved to the
// other side as dust.
const NoLockedOutput int32 = -1

// Commitment is a revocable transaction spending a channel's funding output.
type Commitment struct {
	// ID identifies the commitment.
	ID uuid.UUID

	// Type tells who may broadcast it.
	Type CommitmentType

	// ChannelID is the channel version it spends.
	ChannelID uuid.UUID

	// TransferID is the transfer that issued it.
	TransferID string

	// Slot is the slot of the channel.
	Slot Slot

	// ClientAmount and HubAmount are the balances it pays out.
	ClientAmount uint64
	HubAmount    uint64

	// RevokePubKey is the revocation key of the locked output.
	RevokePubKey *btcec.PublicKey

	// LockedAddress and LockedScript describe the locked output.
	LockedAddress string
	LockedScript  []byte

	// LockedIndex is the output index of the locked output or
	// NoLockedOutput.
	LockedIndex int32

	// InitialTx is the unsigned commitment.
	InitialTx *wire.MsgTx

	// SignedTx carries the counterparty's signature, nil until received.
	SignedTx *wire.MsgTx

	// Active is cleared once a newer commitment or a close supersedes it.
	Active bool

	// Seq orders the commitments of a slot. It is assigned on insert.
	Seq uint64

	// CreatedAt is when it was issued.
	CreatedAt time.Time
}

// TxHash is the id of the commitment tx. Signatures do not change it.
func (c *Commitment) TxHash() chainhash.Hash {
	return c.InitialTx.TxHash()
}

// LockedCoin returns the locked output as a coin, false if there is none.
func (c *Commitment) LockedCoin() (colored.Coin, bool) {
	if c.LockedIndex == NoLockedOutput {
		return colored.Coin{}, false
	}

	idx := uint32(c.LockedIndex)
	out := c.InitialTx.TxOut[idx]
	coin := colored.Coin{
		OutPoint: wire.OutPoint{Hash: c.InitialTx.TxHash(), Index: idx},
		Value:    btcutil.Amount(out.Value),
		PkScript: out.PkScript,
		Asset:    c.Slot.Asset,
	}
	if !c.Slot.Asset.IsBitcoin() {
		coin.Quantity = c.LockedAmount()
	}

	return coin, true
}

// LockedAmount is the amount held by the locked output, after dust was
// redistributed.
func (c *Commitment) LockedAmount() uint64 {
	if c.LockedIndex == NoLockedOutput {
		return 0
	}

	idx := int(c.LockedIndex)
	if c.Slot.Asset.IsBitcoin() {
		return uint64(c.InitialTx.TxOut[idx].Value)
	}

	quantity, _ := colored.OutputQuantity(c.InitialTx, idx)

	return quantity
}

const (
	commitIDType        tlv.Type = 0
	commitTypeType      tlv.Type = 1
	commitChanIDType    tlv.Type = 2
	commitTransferType  tlv.Type = 3
	commitMultisigType  tlv.Type = 4
	commitAssetType     tlv.Type = 5
	commitClientAmt     tlv.Type = 6
	commitHubAmt        tlv.Type = 7
	commitRevokeKey     tlv.Type = 8
	commitLockedAddr    tlv.Type = 9
	commitLockedScript  tlv.Type = 10
	commitLockedIdx     tlv.Type = 11
	commitInitialTx     tlv.Type = 12
	commitSignedTx      tlv.Type = 13
	commitActive        tlv.Type = 14
	commitSeq           tlv.Type = 15
	commitCreatedAtType tlv.Type = 16
)

// Encode writes the commitment as a tlv stream.
func (c *Commitment) Encode(w io.Writer) error {
	initialTx, err := txBytes(c.InitialTx)
	if err != nil {
		return err
	}
	signedTx, err := txBytes(c.SignedTx)
	if err != nil {
		return err
	}

	var (
		id         = uuidBytes(c.ID)
		typ        = uint8(c.Type)
		chanID     = uuidBytes(c.ChannelID)
		transferID = []byte(c.TransferID)
		multisig   = []byte(c.Slot.Multisig)
		asset      = []byte(c.Slot.Asset)
		revokeKey  = pubBytes(c.RevokePubKey)
		lockedAddr = []byte(c.LockedAddress)
		lockedIdx  = uint32(c.LockedIndex)
		active     = c.Active
		createdAt  = timeToUint(c.CreatedAt)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(commitIDType, &id),
		tlv.MakePrimitiveRecord(commitTypeType, &typ),
		tlv.MakePrimitiveRecord(commitChanIDType, &chanID),
		tlv.MakePrimitiveRecord(commitTransferType, &transferID),
		tlv.MakePrimitiveRecord(commitMultisigType, &multisig),
		tlv.MakePrimitiveRecord(commitAssetType, &asset),
		tlv.MakePrimitiveRecord(commitClientAmt, &c.ClientAmount),
		tlv.MakePrimitiveRecord(commitHubAmt, &c.HubAmount),
		tlv.MakePrimitiveRecord(commitRevokeKey, &revokeKey),
		tlv.MakePrimitiveRecord(commitLockedAddr, &lockedAddr),
		tlv.MakePrimitiveRecord(commitLockedScript, &c.LockedScript),
		tlv.MakePrimitiveRecord(commitLockedIdx, &lockedIdx),
		tlv.MakePrimitiveRecord(commitInitialTx, &initialTx),
		tlv.MakePrimitiveRecord(commitSignedTx, &signedTx),
		tlv.MakePrimitiveRecord(commitActive, &active),
		tlv.MakePrimitiveRecord(commitSeq, &c.Seq),
		tlv.MakePrimitiveRecord(commitCreatedAtType, &createdAt),
	)
}

// Decode reads a commitment written by Encode.
func (c *Commitment) Decode(r io.Reader) error {
	var (
		id, chanID, transferID []byte
		multisig, asset        []byte
		revokeKey, lockedAddr  []byte
		initialTx, signedTx    []byte
		typ                    uint8
		lockedIdx              uint32
		createdAt              uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(commitIDType, &id),
		tlv.MakePrimitiveRecord(commitTypeType, &typ),
		tlv.MakePrimitiveRecord(commitChanIDType, &chanID),
		tlv.MakePrimitiveRecord(commitTransferType, &transferID),
		tlv.MakePrimitiveRecord(commitMultisigType, &multisig),
		tlv.MakePrimitiveRecord(commitAssetType, &asset),
		tlv.MakePrimitiveRecord(commitClientAmt, &c.ClientAmount),
		tlv.MakePrimitiveRecord(commitHubAmt, &c.HubAmount),
		tlv.MakePrimitiveRecord(commitRevokeKey, &revokeKey),
		tlv.MakePrimitiveRecord(commitLockedAddr, &lockedAddr),
		tlv.MakePrimitiveRecord(commitLockedScript, &c.LockedScript),
		tlv.MakePrimitiveRecord(commitLockedIdx, &lockedIdx),
		tlv.MakePrimitiveRecord(commitInitialTx, &initialTx),
		tlv.MakePrimitiveRecord(commitSignedTx, &signedTx),
		tlv.MakePrimitiveRecord(commitActive, &c.Active),
		tlv.MakePrimitiveRecord(commitSeq, &c.Seq),
		tlv.MakePrimitiveRecord(commitCreatedAtType, &createdAt),
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
	if c.RevokePubKey, err = parsePub(revokeKey); err != nil {
		return err
	}
	if c.InitialTx, err = parseTx(initialTx); err != nil {
		return err
	}
	if c.SignedTx, err = parseTx(signedTx); err != nil {
		return err
	}

	c.Type = CommitmentType(typ)
	c.TransferID = string(transferID)
	c.Slot = Slot{
		Multisig: string(multisig),
		Asset:    colored.AssetID(asset),
	}
	if len(c.LockedScript) == 0 {
		c.LockedScript = nil
	}
	c.LockedAddress = string(lockedAddr)
	c.LockedIndex = int32(lockedIdx)
	c.CreatedAt = uintToTime(createdAt)

	return nil
}
