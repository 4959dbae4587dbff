package colored

import (
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	coinTxIDType     tlv.Type = 0
	coinIndexType    tlv.Type = 1
	coinValueType    tlv.Type = 2
	coinPkScriptType tlv.Type = 3
	coinAssetType    tlv.Type = 4
	coinQuantityType tlv.Type = 5
)

// Encode writes the coin as a tlv stream.
func (c *Coin) Encode(w io.Writer) error {
	var (
		txid     = [32]byte(c.OutPoint.Hash)
		index    = c.OutPoint.Index
		value    = uint64(c.Value)
		pkScript = c.PkScript
		asset    = []byte(c.Asset)
		quantity = c.Quantity
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(coinTxIDType, &txid),
		tlv.MakePrimitiveRecord(coinIndexType, &index),
		tlv.MakePrimitiveRecord(coinValueType, &value),
		tlv.MakePrimitiveRecord(coinPkScriptType, &pkScript),
		tlv.MakePrimitiveRecord(coinAssetType, &asset),
		tlv.MakePrimitiveRecord(coinQuantityType, &quantity),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a coin written by Encode.
func (c *Coin) Decode(r io.Reader) error {
	var (
		txid     [32]byte
		index    uint32
		value    uint64
		pkScript []byte
		asset    []byte
		quantity uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(coinTxIDType, &txid),
		tlv.MakePrimitiveRecord(coinIndexType, &index),
		tlv.MakePrimitiveRecord(coinValueType, &value),
		tlv.MakePrimitiveRecord(coinPkScriptType, &pkScript),
		tlv.MakePrimitiveRecord(coinAssetType, &asset),
		tlv.MakePrimitiveRecord(coinQuantityType, &quantity),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	c.OutPoint.Hash = txid
	c.OutPoint.Index = index
	c.Value = btcutil.Amount(value)
	c.PkScript = pkScript
	c.Asset = AssetID(asset)
	c.Quantity = quantity

	return nil
}
