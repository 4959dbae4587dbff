package input

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/keychain"
)

// KeyRingSigner is a Signer backed by a SecretKeyRing.
type KeyRingSigner struct {
	keyRing keychain.SecretKeyRing
}

// A compile time check to ensure KeyRingSigner implements the Signer
// interface.
var _ Signer = (*KeyRingSigner)(nil)

// NewKeyRingSigner returns a signer using the keys of keyRing.
func NewKeyRingSigner(keyRing keychain.SecretKeyRing) *KeyRingSigner {
	return &KeyRingSigner{keyRing: keyRing}
}

// SignOutputRaw signs the input described by signDesc.
//
// NOTE: This is part of the Signer interface.
func (k *KeyRingSigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *SignDescriptor) (Signature, error) {

	privKey, err := k.keyRing.DerivePrivKey(signDesc.KeyDesc)
	if err != nil {
		return nil, err
	}

	return SignWithPrivKey(tx, signDesc, privKey)
}

// ComputeInputScript produces the witness of a p2wkh input owned by the key
// ring. The key is looked up by signDesc.KeyDesc.
//
// NOTE: This is part of the Signer interface.
func (k *KeyRingSigner) ComputeInputScript(tx *wire.MsgTx,
	signDesc *SignDescriptor) (*Script, error) {

	privKey, err := k.keyRing.DerivePrivKey(signDesc.KeyDesc)
	if err != nil {
		return nil, err
	}

	hashes, err := signDesc.sigHashes(tx)
	if err != nil {
		return nil, err
	}

	witness, err := txscript.WitnessSignature(
		tx, hashes, signDesc.InputIndex, signDesc.Output.Value,
		signDesc.Output.PkScript, signDesc.HashType, privKey, true,
	)
	if err != nil {
		return nil, err
	}

	return &Script{Witness: witness}, nil
}

// SignWithPrivKey signs the input described by signDesc with privKey. It is
// used for keys held outside the signer, such as revocation keys disclosed by
// a counterparty.
func SignWithPrivKey(tx *wire.MsgTx, signDesc *SignDescriptor,
	privKey *btcec.PrivateKey) (Signature, error) {

	if signDesc.InputIndex >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range",
			signDesc.InputIndex)
	}

	sigHash, err := signDesc.WitnessSigHash(tx)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(privKey, sigHash), nil
}
