package hubcfg

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/txbuild"
)

const (
	// DefaultCsvDelay is the relative lock of the owner path of
	// commitments, about a day of blocks.
	DefaultCsvDelay = 144

	// DefaultFeeQueue is the fee pool queue of assets without their own.
	DefaultFeeQueue = "default"

	// DefaultFallbackFeeRate is used while the backend has no estimate,
	// in sat/kvB.
	DefaultFallbackFeeRate = 20_000

	defaultRefillTarget       = 200
	defaultRefillLowWater     = 50
	defaultRefillDenomination = 20_000
)

// Refill configures topping up the fee pool from the fee wallet.
//
//nolint:lll
type Refill struct {
	Active       bool          `long:"active" description:"Split fee wallet coins into fee coins when the fee queue runs low."`
	Target       int           `long:"target" description:"Number of fee coins a refill tops the queue up to."`
	LowWater     int           `long:"lowwater" description:"Refill once the queue holds fewer fee coins."`
	Denomination int64         `long:"denomination" description:"Value in satoshis of each fee coin."`
	Interval     time.Duration `long:"interval" description:"How often the fee queue size is checked."`
}

// Hub holds the channel protocol settings.
//
//nolint:lll
type Hub struct {
	ChannelPubKey   string `long:"channelpubkey" description:"Hex encoded hub key of every channel. Defaults to the first channel key of the key file."`
	HotWalletPubKey string `long:"hotwalletpubkey" description:"Hex encoded key owning the hot wallet coins. Defaults to the first hotwallet key of the key file."`
	FeePubKey       string `long:"feepubkey" description:"Hex encoded key owning the fee coins. Defaults to the first feewallet key of the key file."`

	CsvDelay        uint32 `long:"csvdelay" description:"Blocks the owner of a published commitment waits before taking their share."`
	FeeQueue        string `long:"feequeue" description:"Fee pool queue the refiller fills and assets without their own queue use."`
	FallbackFeeRate int64  `long:"fallbackfeerate" description:"Fee rate in sat/kvB used when the backend has no estimate."`
	ConfTarget      uint32 `long:"conftarget" description:"Confirmation target in blocks of fee estimates."`
	BuildAttempts   int    `long:"buildattempts" description:"Retries of a transaction build that lost a race for coins."`

	Refill *Refill `group:"refill" namespace:"refill"`
}

// DefaultHub returns the default hub settings.
func DefaultHub() *Hub {
	return &Hub{
		CsvDelay:        DefaultCsvDelay,
		FeeQueue:        DefaultFeeQueue,
		FallbackFeeRate: DefaultFallbackFeeRate,
		ConfTarget:      txbuild.DefaultConfTarget,
		BuildAttempts:   txbuild.DefaultAttempts,
		Refill: &Refill{
			Target:       defaultRefillTarget,
			LowWater:     defaultRefillLowWater,
			Denomination: defaultRefillDenomination,
			Interval:     feepool.DefaultRefillInterval,
		},
	}
}

// Validate checks the keys parse and the numbers make sense.
func (h *Hub) Validate() error {
	for name, key := range map[string]string{
		"hub.channelpubkey":   h.ChannelPubKey,
		"hub.hotwalletpubkey": h.HotWalletPubKey,
		"hub.feepubkey":       h.FeePubKey,
	} {
		if key == "" {
			continue
		}
		if _, err := ParsePubKey(key); err != nil {
			return fmt.Errorf("invalid %v: %w", name, err)
		}
	}

	switch {
	case h.CsvDelay == 0:
		return errors.New("hub.csvdelay must be positive")

	case h.FeeQueue == "":
		return errors.New("hub.feequeue must be set")

	case chainfee.SatPerKVByte(h.FallbackFeeRate).FeePerKWeight() <
		chainfee.FeePerKwFloor:

		return fmt.Errorf("hub.fallbackfeerate must be at least %v",
			chainfee.FeePerKwFloor.FeePerKVByte())

	case h.ConfTarget < 1:
		return errors.New("hub.conftarget must be positive")

	case h.BuildAttempts < 1:
		return errors.New("hub.buildattempts must be positive")
	}

	return h.Refill.Validate()
}

// Validate checks the refill settings.
func (r *Refill) Validate() error {
	if !r.Active {
		return nil
	}

	switch {
	case r.Target < 1 || r.LowWater < 0:
		return errors.New("hub.refill.target must be positive and " +
			"hub.refill.lowwater not negative")

	case r.LowWater >= r.Target:
		return fmt.Errorf("hub.refill.lowwater %d must be below "+
			"hub.refill.target %d", r.LowWater, r.Target)

	case r.Interval <= 0:
		return errors.New("hub.refill.interval must be positive")
	}

	if err := txrules.CheckOutput(
		refillProbe(r.Denomination), txrules.DefaultRelayFeePerKb,
	); err != nil {
		return fmt.Errorf("invalid hub.refill.denomination: %w", err)
	}

	return nil
}

// ParsePubKey parses a hex encoded compressed or uncompressed public key.
func ParsePubKey(key string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(raw)
}

// refillProbe is a p2wkh output of value, the shape of every fee coin.
func refillProbe(value int64) *wire.TxOut {
	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)

	return wire.NewTxOut(value, pkScript)
}

// FallbackFee returns the fallback fee rate as sat/kw.
func (h *Hub) FallbackFee() chainfee.SatPerKWeight {
	return chainfee.SatPerKVByte(h.FallbackFeeRate).FeePerKWeight()
}

// RefillDenomination returns the fee coin value.
func (r *Refill) RefillDenomination() btcutil.Amount {
	return btcutil.Amount(r.Denomination)
}

// Compile-time constraints to ensure Hub and Refill implement the Validator
// interface.
var (
	_ Validator = (*Hub)(nil)
	_ Validator = (*Refill)(nil)
)
