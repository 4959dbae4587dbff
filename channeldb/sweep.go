package channeldb

import (
	"bytes"
	"io"

	"github.com/colorhub/hubd/colored"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/tlv"
)

// PendingSweep is a locked commitment output owned by the hub that becomes
// spendable through the timeout path once CsvDelay blocks passed since
// BroadcastHeight.
type PendingSweep struct {
	// Coin is the locked output.
	Coin colored.Coin

	// CommitmentID is the broadcast commitment holding the output.
	CommitmentID uuid.UUID

	// Slot is the slot of the channel.
	Slot Slot

	// WitnessScript is the commitment script of the output.
	WitnessScript []byte

	// CsvDelay is the relative lock of the timeout path.
	CsvDelay uint32

	// BroadcastHeight is the best height when the commitment was
	// broadcast.
	BroadcastHeight uint32
}

// MatureHeight is the first height at which the output can be swept.
func (p *PendingSweep) MatureHeight() uint32 {
	return p.BroadcastHeight + p.CsvDelay
}

const (
	psCoinType     tlv.Type = 0
	psCommitIDType tlv.Type = 1
	psMultisigType tlv.Type = 2
	psAssetType    tlv.Type = 3
	psScriptType   tlv.Type = 4
	psCsvType      tlv.Type = 5
	psHeightType   tlv.Type = 6
)

// Encode writes the sweep as a tlv stream.
func (p *PendingSweep) Encode(w io.Writer) error {
	coin, err := serialize(p.Coin.Encode)
	if err != nil {
		return err
	}

	var (
		commitID = uuidBytes(p.CommitmentID)
		multisig = []byte(p.Slot.Multisig)
		asset    = []byte(p.Slot.Asset)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(psCoinType, &coin),
		tlv.MakePrimitiveRecord(psCommitIDType, &commitID),
		tlv.MakePrimitiveRecord(psMultisigType, &multisig),
		tlv.MakePrimitiveRecord(psAssetType, &asset),
		tlv.MakePrimitiveRecord(psScriptType, &p.WitnessScript),
		tlv.MakePrimitiveRecord(psCsvType, &p.CsvDelay),
		tlv.MakePrimitiveRecord(psHeightType, &p.BroadcastHeight),
	)
}

// Decode reads a sweep written by Encode.
func (p *PendingSweep) Decode(r io.Reader) error {
	var coin, commitID, multisig, asset []byte

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(psCoinType, &coin),
		tlv.MakePrimitiveRecord(psCommitIDType, &commitID),
		tlv.MakePrimitiveRecord(psMultisigType, &multisig),
		tlv.MakePrimitiveRecord(psAssetType, &asset),
		tlv.MakePrimitiveRecord(psScriptType, &p.WitnessScript),
		tlv.MakePrimitiveRecord(psCsvType, &p.CsvDelay),
		tlv.MakePrimitiveRecord(psHeightType, &p.BroadcastHeight),
	)
	if err != nil {
		return err
	}

	if err := p.Coin.Decode(bytes.NewReader(coin)); err != nil {
		return err
	}
	if p.CommitmentID, err = parseUUID(commitID); err != nil {
		return err
	}
	p.Slot = Slot{
		Multisig: string(multisig),
		Asset:    colored.AssetID(asset),
	}

	return nil
}
