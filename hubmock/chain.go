// Package hubmock provides an in-memory ledger for tests. It validates every
// broadcast with the script engine, enforces relative lock times and rejects
// double spends.
package hubmock

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/chainio"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/input"
)

type txRecord struct {
	tx *wire.MsgTx

	// height is the confirming height, zero in the mempool.
	height uint32
}

// Chain is an in-memory LedgerClient.
type Chain struct {
	mu sync.Mutex

	net     *chaincfg.Params
	height  uint32
	feeRate chainfee.SatPerKVByte

	utxos   map[wire.OutPoint]colored.Coin
	funded  map[wire.OutPoint]colored.Coin
	spentBy map[wire.OutPoint]chainhash.Hash
	txs     map[chainhash.Hash]*txRecord
	mempool []chainhash.Hash

	published []*wire.MsgTx
	failNext  error
}

// A compile time check to ensure Chain implements the LedgerClient
// interface.
var _ chainio.LedgerClient = (*Chain)(nil)

// NewChain returns an empty chain at height 100.
func NewChain(net *chaincfg.Params) *Chain {
	return &Chain{
		net:     net,
		height:  100,
		feeRate: 10_000,
		utxos:   make(map[wire.OutPoint]colored.Coin),
		funded:  make(map[wire.OutPoint]colored.Coin),
		spentBy: make(map[wire.OutPoint]chainhash.Hash),
		txs:     make(map[chainhash.Hash]*txRecord),
	}
}

// Fund creates a confirmed output paying value sat and quantity units of
// asset to pkScript.
func (c *Chain) Fund(pkScript []byte, value btcutil.Amount,
	asset colored.AssetID, quantity uint64) colored.Coin {

	c.mu.Lock()
	defer c.mu.Unlock()

	var seed chainhash.Hash
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: seed}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))
	txHash := tx.TxHash()

	coin := colored.Coin{
		OutPoint: wire.OutPoint{Hash: txHash},
		Value:    value,
		PkScript: pkScript,
		Asset:    asset,
		Quantity: quantity,
	}
	if asset.IsBitcoin() {
		coin.Quantity = 0
	}

	c.txs[txHash] = &txRecord{tx: tx, height: c.height}
	c.utxos[coin.OutPoint] = coin
	c.funded[coin.OutPoint] = coin

	return coin
}

// FailNextBroadcast makes the next Broadcast return err.
func (c *Chain) FailNextBroadcast(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failNext = err
}

// SetFeeRate sets the fee estimate.
func (c *Chain) SetFeeRate(rate chainfee.SatPerKVByte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.feeRate = rate
}

// Published returns every tx accepted so far, in order.
func (c *Chain) Published() []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*wire.MsgTx(nil), c.published...)
}

// Coin returns the unspent output op.
func (c *Chain) Coin(op wire.OutPoint) (colored.Coin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	coin, ok := c.utxos[op]
	return coin, ok
}

// MineBlocks confirms the mempool and advances the tip by n blocks.
func (c *Chain) MineBlocks(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := uint32(0); i < n; i++ {
		c.height++
		for _, txHash := range c.mempool {
			c.txs[txHash].height = c.height
		}
		c.mempool = nil
	}
}

// Evict drops an unconfirmed tx and every mempool tx spending its outputs,
// as if it expired from the mempool.
func (c *Chain) Evict(txHash chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(txHash)
}

func (c *Chain) evict(txHash chainhash.Hash) {
	rec, ok := c.txs[txHash]
	if !ok || rec.height != 0 {
		return
	}

	for i := range rec.tx.TxOut {
		op := wire.OutPoint{Hash: txHash, Index: uint32(i)}
		if child, ok := c.spentBy[op]; ok {
			c.evict(child)
		}
		delete(c.utxos, op)
	}

	for _, txIn := range rec.tx.TxIn {
		prev := txIn.PreviousOutPoint
		delete(c.spentBy, prev)

		prevRec, ok := c.txs[prev.Hash]
		if !ok {
			continue
		}
		c.utxos[prev] = c.coinOf(prevRec, prev.Index)
	}

	delete(c.txs, txHash)
	for i, h := range c.mempool {
		if h == txHash {
			c.mempool = append(c.mempool[:i], c.mempool[i+1:]...)
			break
		}
	}
}

// coinOf rebuilds the coin of an output of a known tx.
func (c *Chain) coinOf(rec *txRecord, idx uint32) colored.Coin {
	op := wire.OutPoint{Hash: rec.tx.TxHash(), Index: idx}
	if coin, ok := c.funded[op]; ok {
		return coin
	}

	out := rec.tx.TxOut[idx]
	coin := colored.Coin{
		OutPoint: op,
		Value:    btcutil.Amount(out.Value),
		PkScript: out.PkScript,
		Asset:    colored.Bitcoin,
	}

	inputs := make([]colored.Coin, 0, len(rec.tx.TxIn))
	for _, txIn := range rec.tx.TxIn {
		prevRec, ok := c.txs[txIn.PreviousOutPoint.Hash]
		if !ok {
			return coin
		}
		inputs = append(
			inputs, c.coinOf(prevRec, txIn.PreviousOutPoint.Index),
		)
	}

	assets, err := colored.ColorOutputs(rec.tx, inputs)
	if err == nil && assets[idx].Colored() {
		coin.Asset = assets[idx].Asset
		coin.Quantity = assets[idx].Quantity
	}

	return coin
}

// Broadcast validates tx against the unspent set and the script engine and
// adds it to the mempool.
//
// NOTE: This method is part of the chainio.LedgerClient interface.
func (c *Chain) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	txHash := tx.TxHash()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil

		return chainhash.Hash{}, err
	}
	if _, ok := c.txs[txHash]; ok {
		return txHash, nil
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	inputs := make([]colored.Coin, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		prev := txIn.PreviousOutPoint
		coin, ok := c.utxos[prev]
		if !ok {
			return chainhash.Hash{}, fmt.Errorf("%w: %v",
				chainio.ErrInputsSpent, prev)
		}
		if err := c.checkSequence(tx, txIn); err != nil {
			return chainhash.Hash{}, err
		}

		inputs[i] = coin
		fetcher.AddPrevOut(prev, coin.TxOut())
	}

	var outValue btcutil.Amount
	for _, out := range tx.TxOut {
		outValue += btcutil.Amount(out.Value)
	}
	if inValue := colored.TotalValue(inputs); inValue < outValue {
		return chainhash.Hash{}, fmt.Errorf("%w: outputs %v exceed "+
			"inputs %v", chainio.ErrTxRejected, outValue, inValue)
	}

	if err := input.VerifyTx(tx, fetcher); err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v",
			chainio.ErrTxRejected, err)
	}

	rec := &txRecord{tx: tx}
	c.txs[txHash] = rec
	c.mempool = append(c.mempool, txHash)
	c.published = append(c.published, tx)

	for _, txIn := range tx.TxIn {
		delete(c.utxos, txIn.PreviousOutPoint)
		c.spentBy[txIn.PreviousOutPoint] = txHash
	}

	assets, err := colored.ColorOutputs(tx, inputs)
	for i, out := range tx.TxOut {
		if txscript.IsUnspendable(out.PkScript) {
			continue
		}

		coin := colored.Coin{
			OutPoint: wire.OutPoint{Hash: txHash, Index: uint32(i)},
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
			Asset:    colored.Bitcoin,
		}
		if err == nil && assets[i].Colored() {
			coin.Asset = assets[i].Asset
			coin.Quantity = assets[i].Quantity
		}
		c.utxos[coin.OutPoint] = coin
	}

	return txHash, nil
}

// checkSequence enforces block based relative lock times of txIn for
// inclusion in the next block.
func (c *Chain) checkSequence(tx *wire.MsgTx, txIn *wire.TxIn) error {
	seq := txIn.Sequence
	if tx.Version < 2 || seq&wire.SequenceLockTimeDisabled != 0 ||
		seq&wire.SequenceLockTimeIsSeconds != 0 {

		return nil
	}

	delay := seq & wire.SequenceLockTimeMask
	if delay == 0 {
		return nil
	}

	prev := c.txs[txIn.PreviousOutPoint.Hash]
	if prev == nil || prev.height == 0 ||
		c.height+1-prev.height < delay {

		return fmt.Errorf("%w: %v is locked for %d blocks",
			chainio.ErrTxRejected, txIn.PreviousOutPoint, delay)
	}

	return nil
}

// GetTransaction returns a known tx.
//
// NOTE: This method is part of the chainio.LedgerClient interface.
func (c *Chain) GetTransaction(_ context.Context,
	hash chainhash.Hash) (*chainio.TxDetails, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", chainio.ErrTxNotFound, hash)
	}

	details := &chainio.TxDetails{
		Tx:          rec.tx.Copy(),
		BlockHeight: rec.height,
	}
	if rec.height != 0 {
		details.Confirmations = c.height - rec.height + 1
	}

	return details, nil
}

// GetUnspentOutputs returns the unspent outputs of asset paying to
// address.
//
// NOTE: This method is part of the chainio.LedgerClient interface.
func (c *Chain) GetUnspentOutputs(_ context.Context, address string,
	asset colored.AssetID) ([]colored.Coin, error) {

	pkScript, err := input.PayToAddrScript(address, c.net)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var coins []colored.Coin
	for _, coin := range c.utxos {
		if string(coin.PkScript) != string(pkScript) ||
			coin.Asset != asset {

			continue
		}
		coins = append(coins, coin)
	}

	return coins, nil
}

// IsUnspent reports whether op is in the unspent set.
//
// NOTE: This method is part of the chainio.LedgerClient interface.
func (c *Chain) IsUnspent(_ context.Context, op wire.OutPoint) (bool,
	error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.utxos[op]
	return ok, nil
}

// BestHeight returns the tip height.
//
// NOTE: This method is part of the chainio.LedgerClient interface.
func (c *Chain) BestHeight(context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.height, nil
}

// EstimateFee returns the configured fee rate.
//
// NOTE: This method is part of the chainio.LedgerClient interface.
func (c *Chain) EstimateFee(context.Context,
	uint32) (chainfee.SatPerKVByte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.feeRate, nil
}
