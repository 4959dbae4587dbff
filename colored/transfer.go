package colored

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// ErrInvalidColoring is returned when the marker of a transaction assigns
// more units than its inputs carry or mixes assets within one output.
var ErrInvalidColoring = errors.New("invalid asset transfer")

// OutputAsset is the asset carried by one output of a transaction.
type OutputAsset struct {
	Asset    AssetID
	Quantity uint64
}

// Colored reports whether the output carries an asset.
func (o OutputAsset) Colored() bool {
	return !o.Asset.IsBitcoin() && o.Quantity > 0
}

// ColorOutputs assigns assets to the outputs of tx. inputs must describe the
// outputs spent by tx.TxIn in order. Outputs placed before the marker issue
// a new asset whose id derives from the first input's script, outputs after
// it receive units from the inputs in order. Transactions without a marker
// leave every output uncolored.
func ColorOutputs(tx *wire.MsgTx, inputs []Coin) ([]OutputAsset, error) {
	if len(inputs) != len(tx.TxIn) {
		return nil, fmt.Errorf("have %d input coins for %d inputs",
			len(inputs), len(tx.TxIn))
	}

	assets := make([]OutputAsset, len(tx.TxOut))
	for i := range assets {
		assets[i].Asset = Bitcoin
	}

	markerIdx, marker, ok := FindMarker(tx)
	if !ok {
		return assets, nil
	}

	// Quantities skip the marker output.
	quantityOf := func(outIdx int) uint64 {
		qIdx := outIdx
		if outIdx > markerIdx {
			qIdx--
		}
		if qIdx >= len(marker.Quantities) {
			return 0
		}

		return marker.Quantities[qIdx]
	}
	if len(marker.Quantities) > len(tx.TxOut)-1 {
		return nil, fmt.Errorf("%w: %d quantities for %d outputs",
			ErrInvalidColoring, len(marker.Quantities),
			len(tx.TxOut)-1)
	}

	for i := 0; i < markerIdx; i++ {
		q := quantityOf(i)
		if q == 0 {
			continue
		}
		if len(inputs) == 0 {
			return nil, fmt.Errorf("%w: issuance without inputs",
				ErrInvalidColoring)
		}

		assets[i] = OutputAsset{
			Asset:    AssetIDFromScript(inputs[0].PkScript),
			Quantity: q,
		}
	}

	// Walk the input units as one stream.
	var (
		inIdx     int
		remaining uint64
	)
	if len(inputs) > 0 {
		remaining = inputs[0].Quantity
	}
	for i := markerIdx + 1; i < len(tx.TxOut); i++ {
		need := quantityOf(i)
		if need == 0 {
			continue
		}

		var asset AssetID
		for need > 0 {
			for inIdx < len(inputs) && remaining == 0 {
				inIdx++
				if inIdx < len(inputs) {
					remaining = inputs[inIdx].Quantity
				}
			}
			if inIdx >= len(inputs) {
				return nil, fmt.Errorf("%w: output %d "+
					"overspends inputs", ErrInvalidColoring,
					i)
			}

			in := inputs[inIdx]
			if asset != "" && in.Asset != asset {
				return nil, fmt.Errorf("%w: output %d mixes "+
					"%v and %v", ErrInvalidColoring, i,
					asset, in.Asset)
			}
			asset = in.Asset

			take := min(need, remaining)
			need -= take
			remaining -= take
			assets[i].Quantity += take
		}
		assets[i].Asset = asset
	}

	return assets, nil
}
