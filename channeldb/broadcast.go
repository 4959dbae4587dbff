package channeldb

import (
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/colorhub/hubd/colored"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/tlv"
)

// CommitmentBroadcast records a commitment that reached the ledger. Rows are
// written once; only PenaltyTxHash may be set later, and only once.
type CommitmentBroadcast struct {
	// TxHash is the hash of the broadcast commitment.
	TxHash chainhash.Hash

	// CommitmentID is the commitment broadcast.
	CommitmentID uuid.UUID

	// Type is the commitment type.
	Type CommitmentType

	// Slot is the slot of the channel.
	Slot Slot

	// ClientAmount and HubAmount are the balances it paid out.
	ClientAmount uint64
	HubAmount    uint64

	// Stale is set when the commitment was no longer active when it was
	// seen on the ledger.
	Stale bool

	// PenaltyTxHash is the tx that swept a stale commitment.
	PenaltyTxHash *chainhash.Hash

	// CreatedAt is when the broadcast was recorded.
	CreatedAt time.Time
}

const (
	cbTxHashType    tlv.Type = 0
	cbCommitIDType  tlv.Type = 1
	cbTypeType      tlv.Type = 2
	cbMultisigType  tlv.Type = 3
	cbAssetType     tlv.Type = 4
	cbClientAmt     tlv.Type = 5
	cbHubAmt        tlv.Type = 6
	cbStaleType     tlv.Type = 7
	cbPenaltyType   tlv.Type = 8
	cbCreatedAtType tlv.Type = 9
)

// Encode writes the row as a tlv stream.
func (b *CommitmentBroadcast) Encode(w io.Writer) error {
	var (
		txHash    = [32]byte(b.TxHash)
		commitID  = uuidBytes(b.CommitmentID)
		typ       = uint8(b.Type)
		multisig  = []byte(b.Slot.Multisig)
		asset     = []byte(b.Slot.Asset)
		penalty   = hashBytes(b.PenaltyTxHash)
		createdAt = timeToUint(b.CreatedAt)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(cbTxHashType, &txHash),
		tlv.MakePrimitiveRecord(cbCommitIDType, &commitID),
		tlv.MakePrimitiveRecord(cbTypeType, &typ),
		tlv.MakePrimitiveRecord(cbMultisigType, &multisig),
		tlv.MakePrimitiveRecord(cbAssetType, &asset),
		tlv.MakePrimitiveRecord(cbClientAmt, &b.ClientAmount),
		tlv.MakePrimitiveRecord(cbHubAmt, &b.HubAmount),
		tlv.MakePrimitiveRecord(cbStaleType, &b.Stale),
		tlv.MakePrimitiveRecord(cbPenaltyType, &penalty),
		tlv.MakePrimitiveRecord(cbCreatedAtType, &createdAt),
	)
}

// Decode reads a row written by Encode.
func (b *CommitmentBroadcast) Decode(r io.Reader) error {
	var (
		txHash             [32]byte
		commitID, multisig []byte
		asset, penalty     []byte
		typ                uint8
		createdAt          uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(cbTxHashType, &txHash),
		tlv.MakePrimitiveRecord(cbCommitIDType, &commitID),
		tlv.MakePrimitiveRecord(cbTypeType, &typ),
		tlv.MakePrimitiveRecord(cbMultisigType, &multisig),
		tlv.MakePrimitiveRecord(cbAssetType, &asset),
		tlv.MakePrimitiveRecord(cbClientAmt, &b.ClientAmount),
		tlv.MakePrimitiveRecord(cbHubAmt, &b.HubAmount),
		tlv.MakePrimitiveRecord(cbStaleType, &b.Stale),
		tlv.MakePrimitiveRecord(cbPenaltyType, &penalty),
		tlv.MakePrimitiveRecord(cbCreatedAtType, &createdAt),
	)
	if err != nil {
		return err
	}

	b.TxHash = txHash
	if b.CommitmentID, err = parseUUID(commitID); err != nil {
		return err
	}
	if b.PenaltyTxHash, err = parseHash(penalty); err != nil {
		return err
	}
	b.Type = CommitmentType(typ)
	b.Slot = Slot{
		Multisig: string(multisig),
		Asset:    colored.AssetID(asset),
	}
	b.CreatedAt = uintToTime(createdAt)

	return nil
}
