package commitment

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
)

// SigHashType commits a signature to every output but only to its own
// input, so fee inputs can be attached when the commitment is broadcast.
const SigHashType = txscript.SigHashAll | txscript.SigHashAnyOneCanPay

// fundingInput is the index of the funding input of every commitment.
const fundingInput = 0

// FundingPrevOuts returns a fetcher answering every input of tx with the
// funding output. Sighashes of SigHashType do not depend on other inputs.
func FundingPrevOuts(fundingOut *wire.TxOut) txscript.PrevOutputFetcher {
	return txscript.NewCannedPrevOutputFetcher(
		fundingOut.PkScript, fundingOut.Value,
	)
}

// SignFunding signs the funding input of commitTx with key and returns the
// signature with its sighash byte.
func SignFunding(signer input.Signer, key keychain.KeyDescriptor,
	commitTx *wire.MsgTx, multisigScript []byte,
	fundingOut *wire.TxOut) ([]byte, error) {

	sig, err := signer.SignOutputRaw(commitTx, &input.SignDescriptor{
		KeyDesc:           key,
		WitnessScript:     multisigScript,
		Output:            fundingOut,
		HashType:          SigHashType,
		PrevOutputFetcher: FundingPrevOuts(fundingOut),
		InputIndex:        fundingInput,
	})
	if err != nil {
		return nil, err
	}

	return append(sig.Serialize(), byte(SigHashType)), nil
}

// VerifyFundingSig checks sig is a signature of pub over the funding input
// of commitTx made with SigHashType.
func VerifyFundingSig(commitTx *wire.MsgTx, multisigScript []byte,
	fundingOut *wire.TxOut, pub *btcec.PublicKey, sig []byte) error {

	return input.VerifyWitnessSig(
		commitTx, fundingInput, FundingPrevOuts(fundingOut),
		multisigScript, pub, sig, SigHashType,
	)
}

// FindFundingSig returns the signature of pub carried by the funding input
// witness of commitTx.
func FindFundingSig(commitTx *wire.MsgTx, multisigScript []byte,
	fundingOut *wire.TxOut, pub *btcec.PublicKey) ([]byte, error) {

	if len(commitTx.TxIn) == 0 {
		return nil, fmt.Errorf("commitment has no inputs")
	}

	return input.FindWitnessSig(
		commitTx, fundingInput, FundingPrevOuts(fundingOut),
		multisigScript, pub, SigHashType,
	)
}

// SetFundingWitness completes the funding input of commitTx with both
// signatures.
func SetFundingWitness(commitTx *wire.MsgTx, multisigScript []byte,
	pubA *btcec.PublicKey, sigA []byte, pubB *btcec.PublicKey,
	sigB []byte) {

	commitTx.TxIn[fundingInput].Witness = input.SpendMultiSig(
		multisigScript, pubA.SerializeCompressed(), sigA,
		pubB.SerializeCompressed(), sigB,
	)
}
