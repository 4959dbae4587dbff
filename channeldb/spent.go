package channeldb

import (
	"bytes"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/colorhub/hubd/colored"
	"github.com/lightningnetwork/lnd/tlv"
)

// SpentOutput claims an outpoint for the transaction that spends it. A claim
// is a conditional insert: a second claim of the same outpoint by another
// transaction fails.
type SpentOutput struct {
	// Coin is the claimed output.
	Coin colored.Coin

	// ClaimID is the hash of the transaction spending the coin.
	ClaimID chainhash.Hash

	// FeeQueue names the fee pool queue the coin came from, empty for
	// coins that did not come from the pool.
	FeeQueue string

	// Confirmed is set once the claiming tx reached the ledger.
	Confirmed bool

	// CreatedAt is when the claim was made.
	CreatedAt time.Time
}

// FromFeePool reports whether the coin was taken from the fee pool.
func (s *SpentOutput) FromFeePool() bool {
	return s.FeeQueue != ""
}

const (
	soCoinType      tlv.Type = 0
	soClaimType     tlv.Type = 1
	soFeeQueueType  tlv.Type = 2
	soConfirmedType tlv.Type = 3
	soCreatedAtType tlv.Type = 4
)

// Encode writes the claim as a tlv stream.
func (s *SpentOutput) Encode(w io.Writer) error {
	coin, err := serialize(s.Coin.Encode)
	if err != nil {
		return err
	}

	var (
		claim     = [32]byte(s.ClaimID)
		feeQueue  = []byte(s.FeeQueue)
		createdAt = timeToUint(s.CreatedAt)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(soCoinType, &coin),
		tlv.MakePrimitiveRecord(soClaimType, &claim),
		tlv.MakePrimitiveRecord(soFeeQueueType, &feeQueue),
		tlv.MakePrimitiveRecord(soConfirmedType, &s.Confirmed),
		tlv.MakePrimitiveRecord(soCreatedAtType, &createdAt),
	)
}

// Decode reads a claim written by Encode.
func (s *SpentOutput) Decode(r io.Reader) error {
	var (
		coin, feeQueue []byte
		claim          [32]byte
		createdAt      uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(soCoinType, &coin),
		tlv.MakePrimitiveRecord(soClaimType, &claim),
		tlv.MakePrimitiveRecord(soFeeQueueType, &feeQueue),
		tlv.MakePrimitiveRecord(soConfirmedType, &s.Confirmed),
		tlv.MakePrimitiveRecord(soCreatedAtType, &createdAt),
	)
	if err != nil {
		return err
	}

	if err := s.Coin.Decode(bytes.NewReader(coin)); err != nil {
		return err
	}
	s.ClaimID = claim
	s.FeeQueue = string(feeQueue)
	s.CreatedAt = uintToTime(createdAt)

	return nil
}
