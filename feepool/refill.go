package feepool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/coinselect"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultRefillInterval is how often the refiller compares the queue
	// size against its target.
	DefaultRefillInterval = 10 * time.Minute

	// maxSplitOutputs bounds the outputs created by one refill tx.
	maxSplitOutputs = 100
)

// ErrNoWalletFunds is returned when the funding wallet cannot pay for a
// refill.
var ErrNoWalletFunds = errors.New("not enough wallet funds to refill the " +
	"fee pool")

// RefillConfig holds everything the refiller needs to create new fee coins.
type RefillConfig struct {
	// Store is the pool refilled.
	Store *Store

	// Queue is the name of the queue kept filled.
	Queue string

	// Denomination is the value of each fee coin.
	Denomination btcutil.Amount

	// Target is the number of coins the queue is refilled up to.
	Target int

	// LowWater triggers a refill once the queue holds fewer coins.
	LowWater int

	// WalletKey owns the p2wkh coins that fund the refill. Change goes
	// back to it.
	WalletKey keychain.KeyDescriptor

	// FeeKey owns the new fee coins.
	FeeKey keychain.KeyDescriptor

	// FetchWalletCoins returns the spendable coins of WalletKey.
	FetchWalletCoins func() ([]colored.Coin, error)

	// Signer signs the wallet inputs.
	Signer input.Signer

	// Estimator gives the fee rate of the refill tx.
	Estimator chainfee.Estimator

	// ConfTarget is the confirmation target passed to Estimator.
	ConfTarget uint32

	// PublishTransaction hands the refill tx to the ledger.
	PublishTransaction func(*wire.MsgTx) error

	// Ticker drives periodic refills.
	Ticker ticker.Ticker
}

// Refiller keeps a fee pool queue topped up by splitting wallet coins into
// fee coins.
type Refiller struct {
	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	cfg *RefillConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewRefiller creates a refiller over cfg.
func NewRefiller(cfg *RefillConfig) *Refiller {
	return &Refiller{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the refill loop.
func (r *Refiller) Start() error {
	if !atomic.CompareAndSwapUint32(&r.started, 0, 1) {
		return nil
	}

	log.Tracef("Starting fee pool refiller for queue %v", r.cfg.Queue)

	r.cfg.Ticker.Resume()

	r.wg.Add(1)
	go r.refillLoop()

	return nil
}

// Stop halts the refill loop and waits for it to exit.
func (r *Refiller) Stop() error {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return nil
	}

	log.Infof("Fee pool refiller for queue %v shutting down", r.cfg.Queue)

	r.cfg.Ticker.Stop()
	close(r.quit)
	r.wg.Wait()

	return nil
}

func (r *Refiller) refillLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.cfg.Ticker.Ticks():
			if _, err := r.Refill(); err != nil {
				log.Errorf("Unable to refill fee queue %v: %v",
					r.cfg.Queue, err)
			}

		case <-r.quit:
			return
		}
	}
}

// Refill tops up the queue if it dropped below the low water mark. It
// returns the coins that were added.
func (r *Refiller) Refill() ([]colored.Coin, error) {
	count, err := r.cfg.Store.Count(r.cfg.Queue)
	if err != nil {
		return nil, err
	}
	if count >= r.cfg.LowWater || count >= r.cfg.Target {
		log.Debugf("Fee queue %v holds %d coins, no refill needed",
			r.cfg.Queue, count)

		return nil, nil
	}

	numCoins := r.cfg.Target - count
	if numCoins > maxSplitOutputs {
		numCoins = maxSplitOutputs
	}

	tx, coins, err := r.genSplitTx(numCoins)
	if err != nil {
		return nil, err
	}

	log.Infof("Publishing fee split tx %v creating %d coins of %v",
		tx.TxHash(), len(coins), r.cfg.Denomination)

	if err := r.cfg.PublishTransaction(tx); err != nil {
		log.Errorf("Unable to broadcast fee split tx: %v, %v", err,
			spew.Sdump(tx))

		return nil, err
	}

	if err := r.cfg.Store.Enqueue(r.cfg.Queue, coins...); err != nil {
		return nil, err
	}

	return coins, nil
}

// genSplitTx builds and signs a tx paying numCoins fee coins from the
// wallet.
func (r *Refiller) genSplitTx(numCoins int) (*wire.MsgTx, []colored.Coin,
	error) {

	feeScript, err := input.WitnessPubKeyHash(r.cfg.FeeKey.PubKey)
	if err != nil {
		return nil, nil, err
	}
	walletScript, err := input.WitnessPubKeyHash(r.cfg.WalletKey.PubKey)
	if err != nil {
		return nil, nil, err
	}

	feeOut := wire.NewTxOut(int64(r.cfg.Denomination), feeScript)
	err = txrules.CheckOutput(feeOut, txrules.DefaultRelayFeePerKb)
	if err != nil {
		return nil, nil, fmt.Errorf("fee coin denomination %v: %w",
			r.cfg.Denomination, err)
	}

	feeRate, err := r.cfg.Estimator.EstimateFeePerKW(r.cfg.ConfTarget)
	if err != nil {
		return nil, nil, err
	}

	walletCoins, err := r.cfg.FetchWalletCoins()
	if err != nil {
		return nil, nil, err
	}

	// Assume a handful of inputs for the first estimate, the exact fee
	// is recomputed once the inputs are known.
	var weight input.TxWeightEstimator
	for i := 0; i < numCoins; i++ {
		weight.AddP2WKHOutput()
	}
	weight.AddP2WKHOutput()
	weight.AddP2WKHInput()

	splitTotal := r.cfg.Denomination * btcutil.Amount(numCoins)
	target := splitTotal + feeRate.FeeForWeight(int64(weight.Weight()))

	var selected []colored.Coin
	for {
		selected, err = coinselect.Select(walletCoins, uint64(target))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrNoWalletFunds,
				err)
		}

		// Re-estimate with the real input count.
		est := weight
		for i := 1; i < len(selected); i++ {
			est.AddP2WKHInput()
		}
		required := splitTotal + feeRate.FeeForWeight(
			int64(est.Weight()),
		)
		done := colored.TotalValue(selected) >= required
		target = required
		if done {
			break
		}
	}

	tx := wire.NewMsgTx(2)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i := range selected {
		tx.AddTxIn(wire.NewTxIn(&selected[i].OutPoint, nil, nil))
		prevOuts.AddPrevOut(selected[i].OutPoint, selected[i].TxOut())
	}
	for i := 0; i < numCoins; i++ {
		tx.AddTxOut(wire.NewTxOut(int64(r.cfg.Denomination), feeScript))
	}

	change := colored.TotalValue(selected) - target
	changeOut := wire.NewTxOut(int64(change), walletScript)
	if txrules.CheckOutput(changeOut, txrules.DefaultRelayFeePerKb) == nil {
		tx.AddTxOut(changeOut)
	}

	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx)); err != nil {
		return nil, nil, err
	}

	hashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i := range selected {
		script, err := r.cfg.Signer.ComputeInputScript(
			tx, &input.SignDescriptor{
				KeyDesc:           r.cfg.WalletKey,
				Output:            selected[i].TxOut(),
				HashType:          txscript.SigHashAll,
				SigHashes:         hashes,
				PrevOutputFetcher: prevOuts,
				InputIndex:        i,
			},
		)
		if err != nil {
			return nil, nil, err
		}
		tx.TxIn[i].Witness = script.Witness
	}

	txHash := tx.TxHash()
	coins := make([]colored.Coin, numCoins)
	for i := range coins {
		coins[i] = colored.Coin{
			OutPoint: wire.OutPoint{Hash: txHash, Index: uint32(i)},
			Value:    r.cfg.Denomination,
			PkScript: feeScript,
			Asset:    colored.Bitcoin,
		}
	}

	return tx, coins, nil
}
