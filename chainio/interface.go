package chainio

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/colored"
)

var (
	// ErrTxNotFound is returned when the ledger does not know a tx.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrInputsSpent is returned when a broadcast tx spends outputs that
	// are missing or already spent by another tx.
	ErrInputsSpent = errors.New("transaction inputs missing or spent")

	// ErrTxRejected is returned when the ledger refuses a tx for any
	// other reason, a failing script or a too low fee.
	ErrTxRejected = errors.New("transaction rejected")
)

// TxDetails is a transaction known to the ledger.
type TxDetails struct {
	// Tx is the transaction.
	Tx *wire.MsgTx

	// Confirmations is zero while the tx sits in the mempool.
	Confirmations uint32

	// BlockHeight is the height of the confirming block, zero while
	// unconfirmed.
	BlockHeight uint32
}

// LedgerClient is the view of the hub on the ledger.
type LedgerClient interface {
	// Broadcast submits a fully signed tx. A tx the ledger already
	// knows is not an error.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// GetTransaction returns a tx in the mempool or the chain, or
	// ErrTxNotFound.
	GetTransaction(ctx context.Context, hash chainhash.Hash) (*TxDetails,
		error)

	// GetUnspentOutputs returns the unspent outputs paying to address.
	// Only coins of asset are returned.
	GetUnspentOutputs(ctx context.Context, address string,
		asset colored.AssetID) ([]colored.Coin, error)

	// IsUnspent reports whether op is unspent, mempool spends included.
	IsUnspent(ctx context.Context, op wire.OutPoint) (bool, error)

	// BestHeight returns the height of the chain tip.
	BestHeight(ctx context.Context) (uint32, error)

	// EstimateFee returns the ledger's fee estimate for confTarget
	// blocks, zero if it has none.
	EstimateFee(ctx context.Context,
		confTarget uint32) (chainfee.SatPerKVByte, error)
}

// FeeSource adapts the fee estimate of client to a chainfee source.
func FeeSource(client LedgerClient) chainfee.SourceFunc {
	return func(confTarget uint32) (chainfee.SatPerKVByte, error) {
		return client.EstimateFee(context.Background(), confTarget)
	}
}

// await runs f in its own goroutine and returns early when ctx ends. The rpc
// client calls block without a context.
func await[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		value, err := f()
		done <- result{value, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
