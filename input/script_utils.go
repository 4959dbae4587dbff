package input

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SequenceLockTimeSeconds is the 22nd bit which indicates the lock time is in
// seconds.
const SequenceLockTimeSeconds = uint32(1 << 22)

// WitnessScriptHash generates a pay-to-witness-script-hash public key script
// paying to a version 0 witness program paying to the passed redeem script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(witnessScript)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
}

// WitnessPubKeyHash generates a pay-to-witness-pubkey-hash public key script
// paying to pub.
func WitnessPubKeyHash(pub *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pub.SerializeCompressed())).
		Script()
}

// WitnessScriptAddress returns the P2WSH address of witnessScript.
func WitnessScriptAddress(witnessScript []byte,
	net *chaincfg.Params) (*btcutil.AddressWitnessScriptHash, error) {

	scriptHash := sha256.Sum256(witnessScript)

	return btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
}

// sortKeys returns the serialized keys in lexicographical order.
func sortKeys(aPub, bPub []byte) ([]byte, []byte) {
	if bytes.Compare(aPub, bPub) == 1 {
		return bPub, aPub
	}

	return aPub, bPub
}

// GenMultiSigScript generates the non-p2sh'd multisig script for 2 of 2
// pubkeys. Keys are sorted so both parties derive the same script.
func GenMultiSigScript(aPub, bPub []byte) ([]byte, error) {
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, fmt.Errorf("pubkey size error: compressed " +
			"pubkeys only")
	}

	aPub, bPub = sortKeys(aPub, bPub)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(aPub).
		AddData(bPub).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}

// GenFundingPkScript creates a redeem script, and its matching p2wsh output
// for a channel funding transaction.
func GenFundingPkScript(aPub, bPub []byte,
	amt int64) ([]byte, *wire.TxOut, error) {

	if amt <= 0 {
		return nil, nil, fmt.Errorf("can't create funding script " +
			"with zero, or negative coins")
	}

	witnessScript, err := GenMultiSigScript(aPub, bPub)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return witnessScript, wire.NewTxOut(amt, pkScript), nil
}

// SpendMultiSig generates the witness stack required to redeem a 2-of-2 p2wsh
// multi-sig output. The signatures must carry their sighash byte.
func SpendMultiSig(witnessScript, pubA, sigA, pubB, sigB []byte) [][]byte {
	witness := make([][]byte, 4)

	// A nil element eats the extra pop of OP_CHECKMULTISIG.
	witness[0] = nil

	if bytes.Compare(pubA, pubB) == 1 {
		witness[1] = sigB
		witness[2] = sigA
	} else {
		witness[1] = sigA
		witness[2] = sigB
	}
	witness[3] = witnessScript

	return witness
}

// FindScriptOutputIndex finds the index of the public key script output
// matching 'script'. Additionally, a boolean is returned indicating if a
// matching output was found at all.
//
// NOTE: The search stops after the first matching script is found.
func FindScriptOutputIndex(tx *wire.MsgTx, script []byte) (bool, uint32) {
	for i, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, script) {
			return true, uint32(i)
		}
	}

	return false, 0
}

// LockTimeToSequence converts the passed relative locktime to a sequence
// number in accordance to BIP-68.
func LockTimeToSequence(isSeconds bool, locktime uint32) uint32 {
	if !isSeconds {
		return locktime
	}

	// Seconds are expressed in 512 second units.
	return SequenceLockTimeSeconds | (locktime >> 9)
}

// CommitmentScript constructs the witness script of the locked output of a
// commitment transaction. The owner may spend it after csvDelay blocks, while
// both revocation path keys together may spend it at any time.
//
// Possible Input Scripts:
//
//	REVOKE:  <emptyvector> <sigA> <sigB> 1
//	TIMEOUT: <sig> <emptyvector>
//
// Output Script:
//
//	OP_IF
//	    OP_2 <revokePathKeyA> <revokePathKeyB> OP_2 OP_CHECKMULTISIG
//	OP_ELSE
//	    <csvDelay> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <ownerKey> OP_CHECKSIG
//	OP_ENDIF
func CommitmentScript(csvDelay uint32, ownerKey, revokeKeyA,
	revokeKeyB *btcec.PublicKey) ([]byte, error) {

	keyA, keyB := sortKeys(
		revokeKeyA.SerializeCompressed(),
		revokeKeyB.SerializeCompressed(),
	)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_2).
		AddData(keyA).
		AddData(keyB).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(csvDelay)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(ownerKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

// CommitSpendTimeout constructs the witness that lets the owner sweep a
// locked commitment output once the csv delay has passed. The spending input
// must carry a matching sequence and the transaction version must be at
// least 2.
func CommitSpendTimeout(signer Signer, signDesc *SignDescriptor,
	sweepTx *wire.MsgTx) (wire.TxWitness, error) {

	if sweepTx.Version < 2 {
		return nil, fmt.Errorf("version of passed transaction MUST "+
			"be >= 2, not %v", sweepTx.Version)
	}

	sweepSig, err := signer.SignOutputRaw(sweepTx, signDesc)
	if err != nil {
		return nil, err
	}

	// An empty element selects the timeout branch under MINIMALIF.
	witnessStack := wire.TxWitness(make([][]byte, 3))
	witnessStack[0] = append(sweepSig.Serialize(), byte(signDesc.HashType))
	witnessStack[1] = nil
	witnessStack[2] = signDesc.WitnessScript

	return witnessStack, nil
}

// CommitSpendRevoke constructs the witness that spends a locked commitment
// output through the revocation branch. Both signatures must carry their
// sighash byte.
func CommitSpendRevoke(witnessScript []byte, pubA, sigA, pubB,
	sigB []byte) wire.TxWitness {

	witness := make(wire.TxWitness, 5)
	witness[0] = nil
	if bytes.Compare(pubA, pubB) == 1 {
		witness[1] = sigB
		witness[2] = sigA
	} else {
		witness[1] = sigA
		witness[2] = sigB
	}
	witness[3] = []byte{1}
	witness[4] = witnessScript

	return witness
}

// PayToAddrScript returns the output script paying to the encoded address
// after checking it belongs to net.
func PayToAddrScript(addr string, net *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		return nil, err
	}
	if !decoded.IsForNet(net) {
		return nil, fmt.Errorf("address %v is not for %v", addr,
			net.Name)
	}

	return txscript.PayToAddrScript(decoded)
}
