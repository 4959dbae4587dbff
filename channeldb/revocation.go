package channeldb

import (
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/colorhub/hubd/colored"
	"github.com/lightningnetwork/lnd/tlv"
)

// KeyOwner tells which party generated a revocation key.
type KeyOwner uint8

const (
	// OwnerHub marks keys generated by the hub for hub commitments.
	OwnerHub KeyOwner = 0

	// OwnerClient marks keys generated by a client for client
	// commitments.
	OwnerClient KeyOwner = 1
)

// String returns the owner name.
func (o KeyOwner) String() string {
	if o == OwnerHub {
		return "hub"
	}

	return "client"
}

// RevokeKey is a revocation key record. Client keys are reserved with only
// their public half and receive the private half once disclosed. Hub keys are
// stored with their private half when generated.
type RevokeKey struct {
	// PubKey identifies the record.
	PubKey *btcec.PublicKey

	// PrivKey is the private half, nil until known.
	PrivKey *btcec.PrivateKey

	// Owner is the party that generated the key.
	Owner KeyOwner

	// Slot is the slot the key was used in.
	Slot Slot

	// CreatedAt is when the key was reserved.
	CreatedAt time.Time

	// DisclosedAt is when the private half was revealed to the
	// counterparty, zero if it was not.
	DisclosedAt time.Time
}

// Disclosed reports whether the private half was revealed.
func (k *RevokeKey) Disclosed() bool {
	return !k.DisclosedAt.IsZero()
}

const (
	rkPubKeyType    tlv.Type = 0
	rkPrivKeyType   tlv.Type = 1
	rkOwnerType     tlv.Type = 2
	rkMultisigType  tlv.Type = 3
	rkAssetType     tlv.Type = 4
	rkCreatedAtType tlv.Type = 5
	rkDisclosedType tlv.Type = 6
)

// Encode writes the key as a tlv stream.
func (k *RevokeKey) Encode(w io.Writer) error {
	var privKey []byte
	if k.PrivKey != nil {
		privKey = k.PrivKey.Serialize()
	}

	var (
		pubKey      = pubBytes(k.PubKey)
		owner       = uint8(k.Owner)
		multisig    = []byte(k.Slot.Multisig)
		asset       = []byte(k.Slot.Asset)
		createdAt   = timeToUint(k.CreatedAt)
		disclosedAt = timeToUint(k.DisclosedAt)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(rkPubKeyType, &pubKey),
		tlv.MakePrimitiveRecord(rkPrivKeyType, &privKey),
		tlv.MakePrimitiveRecord(rkOwnerType, &owner),
		tlv.MakePrimitiveRecord(rkMultisigType, &multisig),
		tlv.MakePrimitiveRecord(rkAssetType, &asset),
		tlv.MakePrimitiveRecord(rkCreatedAtType, &createdAt),
		tlv.MakePrimitiveRecord(rkDisclosedType, &disclosedAt),
	)
}

// Decode reads a key written by Encode.
func (k *RevokeKey) Decode(r io.Reader) error {
	var (
		pubKey, privKey, multisig, asset []byte
		owner                            uint8
		createdAt, disclosedAt           uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(rkPubKeyType, &pubKey),
		tlv.MakePrimitiveRecord(rkPrivKeyType, &privKey),
		tlv.MakePrimitiveRecord(rkOwnerType, &owner),
		tlv.MakePrimitiveRecord(rkMultisigType, &multisig),
		tlv.MakePrimitiveRecord(rkAssetType, &asset),
		tlv.MakePrimitiveRecord(rkCreatedAtType, &createdAt),
		tlv.MakePrimitiveRecord(rkDisclosedType, &disclosedAt),
	)
	if err != nil {
		return err
	}

	if k.PubKey, err = parsePub(pubKey); err != nil {
		return err
	}
	if len(privKey) > 0 {
		k.PrivKey, _ = btcec.PrivKeyFromBytes(privKey)
	}
	k.Owner = KeyOwner(owner)
	k.Slot = Slot{
		Multisig: string(multisig),
		Asset:    colored.AssetID(asset),
	}
	k.CreatedAt = uintToTime(createdAt)
	k.DisclosedAt = uintToTime(disclosedAt)

	return nil
}
