package input

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// P2WPKHSize 22 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (PublicKeyHASH160 length)
	//	- PublicKeyHASH160: 20 bytes
	P2WPKHSize = 1 + 1 + 20

	// P2WSHSize 34 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (WitnessScriptSHA256 length)
	//	- WitnessScriptSHA256: 32 bytes
	P2WSHSize = 1 + 1 + 32

	// P2WKHOutputSize 31 bytes
	//	- value: 8 bytes
	//	- var_int: 1 byte (pkscript_length)
	//	- pkscript (p2wpkh): 22 bytes
	P2WKHOutputSize = 8 + 1 + P2WPKHSize

	// P2WSHOutputSize 43 bytes
	//	- value: 8 bytes
	//	- var_int: 1 byte (pkscript_length)
	//	- pkscript (p2wsh): 34 bytes
	P2WSHOutputSize = 8 + 1 + P2WSHSize

	// BaseTxSize 8 bytes
	//	- Version: 4 bytes
	//	- LockTime: 4 bytes
	BaseTxSize = 4 + 4

	// InputSize 41 bytes
	//	- PreviousOutPoint:
	//		- Hash: 32 bytes
	//		- Index: 4 bytes
	//	- OP_DATA: 1 byte (ScriptSigLength)
	//	- ScriptSig: 0 bytes
	//	- Witness <----	we use "Witness" instead of "ScriptSig" for
	//			transaction validation, but "Witness" is stored
	//			separately and weight for it size is smaller. So
	//			we separate the calculation of ordinary data
	//			from witness data.
	//	- Sequence: 4 bytes
	InputSize = 32 + 4 + 1 + 4

	// WitnessHeaderSize 2 bytes
	//	- Flag: 1 byte
	//	- Marker: 1 byte
	WitnessHeaderSize = 1 + 1

	// P2WKHWitnessSize 109 bytes
	//	- number_of_witness_elements: 1 byte
	//	- signature_length: 1 byte
	//	- signature: 73 bytes
	//	- pubkey_length: 1 byte
	//	- pubkey: 33 bytes
	P2WKHWitnessSize = 1 + 1 + 73 + 1 + 33

	// MultiSigSize 71 bytes
	//	- OP_2: 1 byte
	//	- OP_DATA: 1 byte (pubKeyAlice length)
	//	- pubKeyAlice: 33 bytes
	//	- OP_DATA: 1 byte (pubKeyBob length)
	//	- pubKeyBob: 33 bytes
	//	- OP_2: 1 byte
	//	- OP_CHECKMULTISIG: 1 byte
	MultiSigSize = 1 + 1 + 33 + 1 + 33 + 1 + 1

	// MultiSigWitnessSize 222 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- NilLength: 1 byte
	//	- sigAliceLength: 1 byte
	//	- sigAlice: 73 bytes
	//	- sigBobLength: 1 byte
	//	- sigBob: 73 bytes
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (MultiSig)
	MultiSigWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + MultiSigSize

	// CommitmentScriptSize 115 bytes
	//	- OP_IF: 1 byte
	//	- MultiSig: 71 bytes
	//	- OP_ELSE: 1 byte
	//	- OP_DATA: 1 byte (csv delay length)
	//	- csv_delay: 3 bytes
	//	- OP_CHECKSEQUENCEVERIFY: 1 byte
	//	- OP_DROP: 1 byte
	//	- OP_DATA: 1 byte (ownerKey length)
	//	- ownerKey: 33 bytes
	//	- OP_CHECKSIG: 1 byte
	//	- OP_ENDIF: 1 byte
	CommitmentScriptSize = 1 + MultiSigSize + 1 + 1 + 3 + 1 + 1 + 1 + 33 +
		1 + 1

	// CommitTimeoutWitnessSize 192 bytes
	//	- number_of_witness_elements: 1 byte
	//	- sig_length: 1 byte
	//	- sig: 73 bytes
	//	- nil_length: 1 byte
	//	- witness_script_length: 1 byte
	//	- witness_script: 115 bytes
	CommitTimeoutWitnessSize = 1 + 1 + 73 + 1 + 1 + CommitmentScriptSize

	// CommitRevokeWitnessSize 268 bytes
	//	- number_of_witness_elements: 1 byte
	//	- nil_length: 1 byte
	//	- sigA_length: 1 byte
	//	- sigA: 73 bytes
	//	- sigB_length: 1 byte
	//	- sigB: 73 bytes
	//	- branch_length: 1 byte
	//	- branch: 1 byte
	//	- witness_script_length: 1 byte
	//	- witness_script: 115 bytes
	CommitRevokeWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + 1 + 1 +
		CommitmentScriptSize
)

// TxWeightEstimator is able to calculate weight estimates for transactions
// based on the input and output types. For purposes of estimation, all
// signatures are assumed to be of the maximum possible size, 73 bytes.
type TxWeightEstimator struct {
	hasWitness       bool
	inputCount       uint32
	outputCount      uint32
	inputSize        int
	inputWitnessSize int
	outputSize       int
}

// AddP2WKHInput updates the weight estimate to account for an additional
// input spending a native P2PWKH output.
func (twe *TxWeightEstimator) AddP2WKHInput() *TxWeightEstimator {
	return twe.AddWitnessInput(P2WKHWitnessSize)
}

// AddWitnessInput updates the weight estimate to account for an additional
// input spending a native pay-to-witness output. This accepts the total size
// of the witness as a parameter.
func (twe *TxWeightEstimator) AddWitnessInput(
	witnessSize int) *TxWeightEstimator {

	twe.inputSize += InputSize
	twe.inputWitnessSize += witnessSize
	twe.inputCount++
	twe.hasWitness = true

	return twe
}

// AddTxOutput adds a known TxOut to the weight estimator.
func (twe *TxWeightEstimator) AddTxOutput(
	txOut *wire.TxOut) *TxWeightEstimator {

	twe.outputSize += txOut.SerializeSize()
	twe.outputCount++

	return twe
}

// AddP2WKHOutput updates the weight estimate to account for an additional
// native P2WKH output.
func (twe *TxWeightEstimator) AddP2WKHOutput() *TxWeightEstimator {
	twe.outputSize += P2WKHOutputSize
	twe.outputCount++

	return twe
}

// AddP2WSHOutput updates the weight estimate to account for an additional
// native P2WSH output.
func (twe *TxWeightEstimator) AddP2WSHOutput() *TxWeightEstimator {
	twe.outputSize += P2WSHOutputSize
	twe.outputCount++

	return twe
}

// Weight gets the estimated weight of the transaction.
func (twe *TxWeightEstimator) Weight() int {
	txSizeStripped := BaseTxSize +
		wire.VarIntSerializeSize(uint64(twe.inputCount)) + twe.inputSize +
		wire.VarIntSerializeSize(uint64(twe.outputCount)) + twe.outputSize
	weight := txSizeStripped * blockchain.WitnessScaleFactor
	if twe.hasWitness {
		weight += WitnessHeaderSize + twe.inputWitnessSize
	}

	return weight
}

// VSize gets the estimated virtual size of the transactions, in vbytes.
func (twe *TxWeightEstimator) VSize() int {
	// A tx's vsize is 1/4 of the weight, rounded up.
	return (twe.Weight() + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}

// WitnessSizeForScript returns the estimated witness size of an input
// spending pkScript when the spend path is known from the script alone.
// Ok is false for script hashes whose witness depends on the script.
func WitnessSizeForScript(pkScript []byte) (int, bool) {
	if len(pkScript) == P2WPKHSize && pkScript[0] == 0x00 &&
		pkScript[1] == 0x14 {

		return P2WKHWitnessSize, true
	}

	return 0, false
}
