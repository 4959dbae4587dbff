package channeldb

import (
	"io"

	"github.com/colorhub/hubd/colored"
	"github.com/lightningnetwork/lnd/tlv"
)

// AssetSetting configures how the hub handles one asset.
type AssetSetting struct {
	// Asset is the configured asset.
	Asset colored.AssetID

	// HotWalletAddress receives hub cashouts and funds the hub side of
	// channels.
	HotWalletAddress string

	// ChangeAddress receives asset change.
	ChangeAddress string

	// Dust is the smallest balance, in asset units, worth an output.
	Dust uint64

	// MaxHubBalance caps the hub's share of a channel. Anything above it
	// is paid back to the hot wallet when the channel is rebuilt. Zero
	// disables the cap.
	MaxHubBalance uint64

	// FeeQueue is the fee pool queue builds for the asset draw from.
	FeeQueue string
}

const (
	asAssetType    tlv.Type = 0
	asHotWallet    tlv.Type = 1
	asChange       tlv.Type = 2
	asDustType     tlv.Type = 3
	asMaxHubType   tlv.Type = 4
	asFeeQueueType tlv.Type = 5
)

// Encode writes the setting as a tlv stream.
func (a *AssetSetting) Encode(w io.Writer) error {
	var (
		asset    = []byte(a.Asset)
		hot      = []byte(a.HotWalletAddress)
		change   = []byte(a.ChangeAddress)
		feeQueue = []byte(a.FeeQueue)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(asAssetType, &asset),
		tlv.MakePrimitiveRecord(asHotWallet, &hot),
		tlv.MakePrimitiveRecord(asChange, &change),
		tlv.MakePrimitiveRecord(asDustType, &a.Dust),
		tlv.MakePrimitiveRecord(asMaxHubType, &a.MaxHubBalance),
		tlv.MakePrimitiveRecord(asFeeQueueType, &feeQueue),
	)
}

// Decode reads a setting written by Encode.
func (a *AssetSetting) Decode(r io.Reader) error {
	var asset, hot, change, feeQueue []byte

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(asAssetType, &asset),
		tlv.MakePrimitiveRecord(asHotWallet, &hot),
		tlv.MakePrimitiveRecord(asChange, &change),
		tlv.MakePrimitiveRecord(asDustType, &a.Dust),
		tlv.MakePrimitiveRecord(asMaxHubType, &a.MaxHubBalance),
		tlv.MakePrimitiveRecord(asFeeQueueType, &feeQueue),
	)
	if err != nil {
		return err
	}

	a.Asset = colored.AssetID(asset)
	a.HotWalletAddress = string(hot)
	a.ChangeAddress = string(change)
	a.FeeQueue = string(feeQueue)

	return nil
}
