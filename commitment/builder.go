package commitment

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/input"
)

var (
	// ErrFundingNotFound is returned when the funding tx has no output
	// matching the channel script, asset and capacity.
	ErrFundingNotFound = errors.New("funding output not found")

	// ErrDustCommitment is returned when the channel capacity is below
	// the dust threshold of both sides.
	ErrDustCommitment = errors.New("channel capacity below dust")

	// ErrValueTooSmall is returned when the funding value of a colored
	// channel cannot carry its colored outputs.
	ErrValueTooSmall = errors.New("funding value too small to split")
)

// Params describes a commitment to build. The locked side is the revocable
// share of the party allowed to broadcast the commitment.
type Params struct {
	// FundingTx is the unsigned transaction creating the channel output.
	FundingTx *wire.MsgTx

	// FundingScript is the p2wsh output script of the channel.
	FundingScript []byte

	// Asset is the asset carried by the channel.
	Asset colored.AssetID

	// LockedAmount and UnlockedAmount split the channel capacity in
	// asset units.
	LockedAmount   uint64
	UnlockedAmount uint64

	// LockedDust and UnlockedDust are the smallest amounts, in asset
	// units, worth an output on each side. For bitcoin the relay dust
	// limit of the output script applies as well.
	LockedDust   uint64
	UnlockedDust uint64

	// CsvDelay is the relative lock on the owner's path.
	CsvDelay uint32

	// OwnerKey sweeps the locked output after CsvDelay.
	OwnerKey *btcec.PublicKey

	// RevokeKeyA and RevokeKeyB together spend the locked output at
	// once.
	RevokeKeyA *btcec.PublicKey
	RevokeKeyB *btcec.PublicKey

	// UnlockedScript receives the unlocked share.
	UnlockedScript []byte

	// Net encodes the locked address.
	Net *chaincfg.Params
}

// Commitment is an unsigned commitment transaction.
type Commitment struct {
	// Tx spends the funding output as its only input.
	Tx *wire.MsgTx

	// FundingCoin is the channel output spent by Tx.
	FundingCoin colored.Coin

	// LockedAddress is the p2wsh address of the locked output.
	LockedAddress string

	// LockedScript is the witness script of the locked output.
	LockedScript []byte

	// LockedIndex is the index of the locked output or -1 when the
	// locked share was dust.
	LockedIndex int32

	// LockedAmount and UnlockedAmount are the shares after dust
	// redistribution.
	LockedAmount   uint64
	UnlockedAmount uint64

	// Weight is the estimated weight of the broadcast transaction,
	// including one fee input.
	Weight int64
}

// Build assembles the commitment described by p. The funding output is found
// by exact match of script and capacity. A share below its dust threshold is
// moved to the other side, so no sub-dust output is ever produced.
func Build(p *Params) (*Commitment, error) {
	total := p.LockedAmount + p.UnlockedAmount

	fundingCoin, err := LocateFunding(
		p.FundingTx, p.FundingScript, p.Asset, total,
	)
	if err != nil {
		return nil, err
	}

	lockedScript, err := input.CommitmentScript(
		p.CsvDelay, p.OwnerKey, p.RevokeKeyA, p.RevokeKeyB,
	)
	if err != nil {
		return nil, err
	}
	lockedPkScript, err := input.WitnessScriptHash(lockedScript)
	if err != nil {
		return nil, err
	}
	lockedAddr, err := input.WitnessScriptAddress(lockedScript, p.Net)
	if err != nil {
		return nil, err
	}

	locked, unlocked, err := redistribute(
		p.LockedAmount, dustFor(p.Asset, p.LockedDust, lockedPkScript),
		p.UnlockedAmount,
		dustFor(p.Asset, p.UnlockedDust, p.UnlockedScript),
	)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&fundingCoin.OutPoint, nil, nil))

	c := &Commitment{
		Tx:             tx,
		FundingCoin:    fundingCoin,
		LockedAddress:  lockedAddr.EncodeAddress(),
		LockedScript:   lockedScript,
		LockedIndex:    -1,
		LockedAmount:   locked,
		UnlockedAmount: unlocked,
	}

	if p.Asset.IsBitcoin() {
		if locked > 0 {
			c.LockedIndex = int32(len(tx.TxOut))
			tx.AddTxOut(wire.NewTxOut(int64(locked), lockedPkScript))
		}
		if unlocked > 0 {
			tx.AddTxOut(wire.NewTxOut(
				int64(unlocked), p.UnlockedScript,
			))
		}
	} else {
		err := addColoredOutputs(
			c, fundingCoin.Value, lockedPkScript, p.UnlockedScript,
		)
		if err != nil {
			return nil, err
		}
	}

	err = blockchain.CheckTransactionSanity(btcutil.NewTx(tx))
	if err != nil {
		return nil, err
	}

	var estimator input.TxWeightEstimator
	estimator.AddWitnessInput(input.MultiSigWitnessSize)
	estimator.AddP2WKHInput()
	for _, out := range tx.TxOut {
		estimator.AddTxOutput(out)
	}
	c.Weight = int64(estimator.Weight())

	return c, nil
}

// addColoredOutputs lays out a marker followed by the colored shares. The
// funding value is split between the colored outputs.
func addColoredOutputs(c *Commitment, value btcutil.Amount, lockedPkScript,
	unlockedScript []byte) error {

	type share struct {
		script   []byte
		quantity uint64
		locked   bool
	}

	var shares []share
	if c.LockedAmount > 0 {
		shares = append(shares, share{
			lockedPkScript, c.LockedAmount, true,
		})
	}
	if c.UnlockedAmount > 0 {
		shares = append(shares, share{
			unlockedScript, c.UnlockedAmount, false,
		})
	}

	marker := colored.Marker{}
	for _, s := range shares {
		marker.Quantities = append(marker.Quantities, s.quantity)
	}
	markerOut, err := marker.TxOut()
	if err != nil {
		return err
	}
	c.Tx.AddTxOut(markerOut)

	remaining := value
	for i, s := range shares {
		outValue := value / btcutil.Amount(len(shares))
		if i == len(shares)-1 {
			outValue = remaining
		}
		remaining -= outValue

		if outValue < input.DustLimitForScript(s.script) {
			return fmt.Errorf("%w: %v for %d outputs",
				ErrValueTooSmall, value, len(shares))
		}

		if s.locked {
			c.LockedIndex = int32(len(c.Tx.TxOut))
		}
		c.Tx.AddTxOut(wire.NewTxOut(int64(outValue), s.script))
	}

	return nil
}

// dustFor returns the effective dust threshold of an output.
func dustFor(asset colored.AssetID, dust uint64, pkScript []byte) uint64 {
	if !asset.IsBitcoin() {
		return dust
	}

	relay := uint64(input.DustLimitForScript(pkScript))
	if relay > dust {
		return relay
	}

	return dust
}

// redistribute moves a share below its dust threshold to the other side.
func redistribute(locked, lockedDust, unlocked,
	unlockedDust uint64) (uint64, uint64, error) {

	lockedOk := locked >= lockedDust && locked > 0
	unlockedOk := unlocked >= unlockedDust && unlocked > 0

	switch {
	case lockedOk && unlockedOk:
		return locked, unlocked, nil

	case lockedOk:
		return locked + unlocked, 0, nil

	case unlockedOk:
		return 0, locked + unlocked, nil
	}

	total := locked + unlocked
	switch {
	case locked >= unlocked && total >= lockedDust && total > 0:
		return total, 0, nil

	case total >= unlockedDust && total > 0:
		return 0, total, nil
	}

	return 0, 0, fmt.Errorf("%w: %d", ErrDustCommitment, total)
}

// LocateFunding returns the output of fundingTx paying total units of asset
// to fundingScript.
func LocateFunding(fundingTx *wire.MsgTx, fundingScript []byte,
	asset colored.AssetID, total uint64) (colored.Coin, error) {

	txHash := fundingTx.TxHash()

	for i, out := range fundingTx.TxOut {
		if !bytes.Equal(out.PkScript, fundingScript) {
			continue
		}

		coin := colored.Coin{
			OutPoint: wire.OutPoint{Hash: txHash, Index: uint32(i)},
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
			Asset:    asset,
		}

		if asset.IsBitcoin() {
			if uint64(out.Value) == total {
				return coin, nil
			}
			continue
		}

		quantity, ok := colored.OutputQuantity(fundingTx, i)
		if ok && quantity == total {
			coin.Quantity = quantity
			return coin, nil
		}
	}

	return colored.Coin{}, fmt.Errorf("%w: %d %v to %x in %v",
		ErrFundingNotFound, total, asset, fundingScript, txHash)
}
