package input

import (
	"errors"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/keychain"
)

// ErrMissingSigHashes is returned when a SignDescriptor carries neither
// sighash midstate nor the previous outputs to compute it.
var ErrMissingSigHashes = errors.New("sign descriptor has no sighash " +
	"midstate")

// SignDescriptor houses the necessary information required to successfully
// sign a given segwit output.
type SignDescriptor struct {
	// KeyDesc describes which key to sign with.
	KeyDesc keychain.KeyDescriptor

	// WitnessScript is the full script required to properly redeem the
	// output. This field should be set to the full script if a p2wsh
	// output is being signed. For p2wkh it should be set to the PkScript.
	WitnessScript []byte

	// Output is the target output which should be signed.
	Output *wire.TxOut

	// HashType is the target sighash type that should be used when
	// generating the final sighash, and signature.
	HashType txscript.SigHashType

	// SigHashes is the pre-computed sighash midstate. If nil it is
	// computed from PrevOutputFetcher.
	SigHashes *txscript.TxSigHashes

	// PrevOutputFetcher returns the outputs spent by the transaction.
	PrevOutputFetcher txscript.PrevOutputFetcher

	// InputIndex is the target input within the transaction that should be
	// signed.
	InputIndex int
}

// sigHashes returns the midstate of the descriptor.
func (s *SignDescriptor) sigHashes(tx *wire.MsgTx) (*txscript.TxSigHashes,
	error) {

	switch {
	case s.SigHashes != nil:
		return s.SigHashes, nil

	case s.PrevOutputFetcher != nil:
		return txscript.NewTxSigHashes(tx, s.PrevOutputFetcher), nil
	}

	return nil, ErrMissingSigHashes
}

// WitnessSigHash returns the BIP-143 digest signed for the descriptor.
func (s *SignDescriptor) WitnessSigHash(tx *wire.MsgTx) ([]byte, error) {
	hashes, err := s.sigHashes(tx)
	if err != nil {
		return nil, err
	}

	return txscript.CalcWitnessSigHash(
		s.WitnessScript, hashes, s.HashType, tx, s.InputIndex,
		s.Output.Value,
	)
}
