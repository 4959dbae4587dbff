// Package colored implements the colored-coin layer the hub channels run on:
// asset identifiers, asset-aware coins and the Open Assets marker output that
// assigns asset quantities to the outputs of a transaction.
package colored

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/wire"
)

// AssetID identifies an asset. The zero value is not a valid id; plain
// bitcoin is represented by Bitcoin.
type AssetID string

// Bitcoin is the asset id of uncolored coins.
const Bitcoin AssetID = "BTC"

// assetIDVersion is the base58check version byte of Open Assets ids.
const assetIDVersion = 0x17

// DefaultDustValue is the bitcoin value carried by every colored output.
const DefaultDustValue btcutil.Amount = 600

// IsBitcoin reports whether the id names plain bitcoin.
func (a AssetID) IsBitcoin() bool {
	return a == Bitcoin
}

// String returns the id.
func (a AssetID) String() string {
	return string(a)
}

// Validate checks that the id is either Bitcoin or a well formed Open Assets
// id.
func (a AssetID) Validate() error {
	if a.IsBitcoin() {
		return nil
	}

	_, version, err := base58.CheckDecode(string(a))
	if err != nil {
		return fmt.Errorf("asset id %q: %w", string(a), err)
	}
	if version != assetIDVersion {
		return fmt.Errorf("asset id %q: unexpected version %d",
			string(a), version)
	}

	return nil
}

// AssetIDFromScript derives the id of the asset issued by spending an output
// locked with pkScript.
func AssetIDFromScript(pkScript []byte) AssetID {
	return AssetID(base58.CheckEncode(
		btcutil.Hash160(pkScript), assetIDVersion,
	))
}

// Coin is an unspent output together with the asset it carries.
type Coin struct {
	// OutPoint locates the output.
	OutPoint wire.OutPoint

	// Value is the bitcoin value of the output.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Asset is the asset carried by the output, Bitcoin if uncolored.
	Asset AssetID

	// Quantity is the asset quantity. Zero for uncolored coins.
	Quantity uint64
}

// Amount returns the quantity of the coin's own asset: satoshis for bitcoin
// coins, asset units for colored ones.
func (c *Coin) Amount() uint64 {
	if c.Asset.IsBitcoin() {
		return uint64(c.Value)
	}

	return c.Quantity
}

// TxOut returns the coin as a wire output.
func (c *Coin) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(c.Value), c.PkScript)
}

// String returns a short human readable form of the coin.
func (c Coin) String() string {
	if c.Asset.IsBitcoin() {
		return fmt.Sprintf("%v(%v)", c.OutPoint, c.Value)
	}

	return fmt.Sprintf("%v(%d %v)", c.OutPoint, c.Quantity, c.Asset)
}

// Amounts returns the per-asset amounts of coins.
func Amounts(coins []Coin) []uint64 {
	amounts := make([]uint64, len(coins))
	for i := range coins {
		amounts[i] = coins[i].Amount()
	}

	return amounts
}

// TotalValue sums the bitcoin value of coins.
func TotalValue(coins []Coin) btcutil.Amount {
	var total btcutil.Amount
	for i := range coins {
		total += coins[i].Value
	}

	return total
}
