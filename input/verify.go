package input

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMissingSignature is returned when a witness does not carry a
	// signature of the expected key.
	ErrMissingSignature = errors.New("missing signature")

	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// ParseWitnessSig splits a witness signature into its DER signature and
// sighash type.
func ParseWitnessSig(sig []byte) (*ecdsa.Signature, txscript.SigHashType,
	error) {

	if len(sig) < 2 {
		return nil, 0, ErrMissingSignature
	}

	hashType := txscript.SigHashType(sig[len(sig)-1])
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return parsed, hashType, nil
}

// VerifyWitnessSig checks that sig, with its trailing sighash byte, is a
// valid signature of pub over input idx of tx. When allowed is non-empty the
// sighash type must be one of its members.
func VerifyWitnessSig(tx *wire.MsgTx, idx int,
	prevOuts txscript.PrevOutputFetcher, witnessScript []byte,
	pub *btcec.PublicKey, sig []byte,
	allowed ...txscript.SigHashType) error {

	parsed, hashType, err := ParseWitnessSig(sig)
	if err != nil {
		return err
	}

	if len(allowed) > 0 {
		var ok bool
		for _, h := range allowed {
			ok = ok || h == hashType
		}
		if !ok {
			return fmt.Errorf("%w: sighash type %v not allowed",
				ErrInvalidSignature, hashType)
		}
	}

	prevOut := prevOuts.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
	if prevOut == nil {
		return fmt.Errorf("unknown previous output %v",
			tx.TxIn[idx].PreviousOutPoint)
	}

	sigHash, err := txscript.CalcWitnessSigHash(
		witnessScript, txscript.NewTxSigHashes(tx, prevOuts), hashType,
		tx, idx, prevOut.Value,
	)
	if err != nil {
		return err
	}

	if !parsed.Verify(sigHash, pub) {
		return ErrInvalidSignature
	}

	return nil
}

// FindWitnessSig returns the element of witness that is a valid signature of
// pub. It is used to pick the client's signature out of a multisig witness.
func FindWitnessSig(tx *wire.MsgTx, idx int,
	prevOuts txscript.PrevOutputFetcher, witnessScript []byte,
	pub *btcec.PublicKey, allowed ...txscript.SigHashType) ([]byte, error) {

	for _, elem := range tx.TxIn[idx].Witness {
		if len(elem) < 9 || len(elem) > 73 {
			continue
		}

		err := VerifyWitnessSig(
			tx, idx, prevOuts, witnessScript, pub, elem,
			allowed...,
		)
		if err == nil {
			return elem, nil
		}
	}

	return nil, fmt.Errorf("%w: input %d has no valid signature of %x",
		ErrMissingSignature, idx, pub.SerializeCompressed())
}

// VerifyTx runs the script engine over every input of a fully signed tx.
func VerifyTx(tx *wire.MsgTx, prevOuts txscript.PrevOutputFetcher) error {
	hashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i := range tx.TxIn {
		if err := verifyInput(tx, i, prevOuts, hashes); err != nil {
			return err
		}
	}

	return nil
}

// VerifyInput runs the script engine over input idx of tx only. Other inputs
// may still be unsigned.
func VerifyInput(tx *wire.MsgTx, idx int,
	prevOuts txscript.PrevOutputFetcher) error {

	return verifyInput(
		tx, idx, prevOuts, txscript.NewTxSigHashes(tx, prevOuts),
	)
}

func verifyInput(tx *wire.MsgTx, idx int, prevOuts txscript.PrevOutputFetcher,
	hashes *txscript.TxSigHashes) error {

	prevOut := prevOuts.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
	if prevOut == nil {
		return fmt.Errorf("unknown previous output %v",
			tx.TxIn[idx].PreviousOutPoint)
	}

	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags,
		nil, hashes, prevOut.Value, prevOuts,
	)
	if err != nil {
		return fmt.Errorf("input %d: %w", idx, err)
	}
	if err := vm.Execute(); err != nil {
		return fmt.Errorf("input %d: %w", idx, err)
	}

	return nil
}
