package txbuild

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/coinselect"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/davecgh/go-spew/spew"
)

// DefaultConfTarget is the confirmation target used for fee estimates when
// the config leaves it unset.
const DefaultConfTarget = 6

var (
	// ErrMixedAssets is returned when a coin of a foreign asset is added
	// to a build.
	ErrMixedAssets = errors.New("coin asset does not match build asset")

	// ErrOutputsFrozen is returned when outputs are added to a build
	// wrapping an already signed transaction.
	ErrOutputsFrozen = errors.New("outputs of wrapped transaction are " +
		"frozen")

	// ErrIssuanceOrder is returned when issuance outputs are added after
	// transfer outputs.
	ErrIssuanceOrder = errors.New("issuance outputs must precede " +
		"transfer outputs")

	// ErrUnbalancedAsset is returned when a colored build would destroy
	// or create asset units outside of an issuance.
	ErrUnbalancedAsset = errors.New("asset units are not balanced")
)

// Config holds what every build shares.
type Config struct {
	// Pool supplies fee coins.
	Pool *feepool.Store

	// FeeKey owns the fee coins of the pool.
	FeeKey keychain.KeyDescriptor

	// Signer signs wallet and fee inputs.
	Signer input.Signer

	// Estimator gives the fee rate of new transactions.
	Estimator chainfee.Estimator

	// ConfTarget is the confirmation target passed to Estimator.
	ConfTarget uint32
}

// walletInput records the key owning a p2wkh input.
type walletInput struct {
	index int
	key   keychain.KeyDescriptor
}

// Context is the scratch state of one build attempt. It tracks every coin
// spent by the transaction, the fee coins taken from the pool and the asset
// issued, if any. Fee coins are returned to the pool when the attempt fails.
type Context struct {
	cfg   *Config
	queue string
	asset colored.AssetID

	tx           *wire.MsgTx
	coins        []colored.Coin
	witnessSizes []int
	feeCoins     []colored.Coin
	walletInputs []walletInput

	// quantities holds the asset quantity of every output, the marker's
	// own slot included. markerIdx is -1 while no marker exists.
	quantities  []uint64
	markerIdx   int
	frozen      bool
	issuedAsset colored.AssetID
}

// New starts a build moving asset and paying fees from queue.
func New(cfg *Config, asset colored.AssetID, queue string) *Context {
	return &Context{
		cfg:       cfg,
		queue:     queue,
		asset:     asset,
		tx:        wire.NewMsgTx(2),
		markerIdx: -1,
	}
}

// Wrap starts a build that only adds inputs to an existing transaction.
// prevCoins describe the outputs spent by tx in input order. Witness sizes of
// the existing inputs are taken from their current witnesses.
func Wrap(cfg *Config, tx *wire.MsgTx, prevCoins []colored.Coin,
	queue string) (*Context, error) {

	if len(prevCoins) != len(tx.TxIn) {
		return nil, fmt.Errorf("have %d coins for %d inputs",
			len(prevCoins), len(tx.TxIn))
	}

	c := &Context{
		cfg:       cfg,
		queue:     queue,
		asset:     colored.Bitcoin,
		tx:        tx,
		coins:     append([]colored.Coin(nil), prevCoins...),
		markerIdx: -1,
		frozen:    true,
	}
	for _, txIn := range tx.TxIn {
		c.witnessSizes = append(
			c.witnessSizes, txIn.Witness.SerializeSize(),
		)
	}

	return c, nil
}

// Build runs action against the context. If action fails or panics every
// fee coin taken during the attempt goes back to the pool before the
// failure propagates.
func (c *Context) Build(action func(*Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.rollback()
			panic(r)
		}
		if err != nil {
			c.rollback()
		}
	}()

	return action(c)
}

// rollback returns the fee coins of the attempt to the pool.
func (c *Context) rollback() {
	if len(c.feeCoins) == 0 {
		return
	}

	log.Debugf("Returning %d fee coins to queue %v", len(c.feeCoins),
		c.queue)

	if err := c.cfg.Pool.Enqueue(c.queue, c.feeCoins...); err != nil {
		log.Errorf("Unable to return fee coins %v to queue %v: %v",
			c.feeCoins, c.queue, err)

		return
	}
	c.feeCoins = nil
}

// Tx returns the transaction under construction.
func (c *Context) Tx() *wire.MsgTx {
	return c.tx
}

// Asset returns the asset moved by the build.
func (c *Context) Asset() colored.AssetID {
	return c.asset
}

// Coins returns every coin spent by the transaction, in input order.
func (c *Context) Coins() []colored.Coin {
	return c.coins
}

// FeeCoins returns the coins taken from the fee pool.
func (c *Context) FeeCoins() []colored.Coin {
	return c.feeCoins
}

// IssuedAsset returns the asset issued by the transaction, if any.
func (c *Context) IssuedAsset() colored.AssetID {
	return c.issuedAsset
}

// PrevOutFetcher returns a fetcher over the spent outputs.
func (c *Context) PrevOutFetcher() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range c.coins {
		fetcher.AddPrevOut(c.coins[i].OutPoint, c.coins[i].TxOut())
	}

	return fetcher
}

// AddInput spends coin. witnessSize is the expected size of the finished
// witness and feeds the fee estimate.
func (c *Context) AddInput(coin colored.Coin, witnessSize int) error {
	if !coin.Asset.IsBitcoin() && coin.Asset != c.asset {
		return fmt.Errorf("%w: %v in %v build", ErrMixedAssets,
			coin.Asset, c.asset)
	}

	c.tx.AddTxIn(wire.NewTxIn(&coin.OutPoint, nil, nil))
	c.coins = append(c.coins, coin)
	c.witnessSizes = append(c.witnessSizes, witnessSize)

	return nil
}

// AddWalletInput spends a p2wkh coin owned by key. SignWalletInputs signs
// it.
func (c *Context) AddWalletInput(coin colored.Coin,
	key keychain.KeyDescriptor) error {

	if err := c.AddInput(coin, input.P2WKHWitnessSize); err != nil {
		return err
	}
	c.walletInputs = append(c.walletInputs, walletInput{
		index: len(c.tx.TxIn) - 1,
		key:   key,
	})

	return nil
}

// Issue adds an output issuing quantity units of the asset defined by the
// first input. Issuance outputs precede the marker, so they must be added
// before any asset transfer output.
func (c *Context) Issue(pkScript []byte, quantity uint64) (int, error) {
	switch {
	case c.frozen:
		return 0, ErrOutputsFrozen

	case c.markerIdx >= 0 && c.markerIdx != len(c.tx.TxOut)-1:
		return 0, ErrIssuanceOrder

	case len(c.coins) == 0:
		return 0, fmt.Errorf("issuance needs an input")
	}

	c.issuedAsset = colored.AssetIDFromScript(c.coins[0].PkScript)

	issueOut := wire.NewTxOut(int64(colored.DefaultDustValue), pkScript)
	if c.markerIdx < 0 {
		c.tx.AddTxOut(issueOut)
		c.quantities = append(c.quantities, quantity)
		c.markerIdx = len(c.tx.TxOut)
		if _, err := c.addOutput(&wire.TxOut{}, 0); err != nil {
			return 0, err
		}

		return c.markerIdx - 1, nil
	}

	// Slide the marker one slot to the right.
	idx := c.markerIdx
	c.tx.TxOut = append(c.tx.TxOut, c.tx.TxOut[idx])
	c.quantities = append(c.quantities, 0)
	c.tx.TxOut[idx] = issueOut
	c.quantities[idx] = quantity
	c.markerIdx++

	if err := c.refreshMarker(); err != nil {
		return 0, err
	}

	return idx, nil
}

// PayAsset adds an output carrying quantity units of the build asset. For
// bitcoin builds the quantity is the output value.
func (c *Context) PayAsset(pkScript []byte, quantity uint64) (int, error) {
	return c.PayAssetValue(pkScript, quantity, colored.DefaultDustValue)
}

// PayAssetValue is PayAsset with an explicit bitcoin value for colored
// outputs.
func (c *Context) PayAssetValue(pkScript []byte, quantity uint64,
	value btcutil.Amount) (int, error) {

	if c.frozen {
		return 0, ErrOutputsFrozen
	}
	if c.asset.IsBitcoin() {
		return c.PayBitcoin(pkScript, btcutil.Amount(quantity))
	}

	if c.markerIdx < 0 {
		c.markerIdx = len(c.tx.TxOut)
		if _, err := c.addOutput(&wire.TxOut{}, 0); err != nil {
			return 0, err
		}
	}

	return c.addOutput(wire.NewTxOut(int64(value), pkScript), quantity)
}

// PayBitcoin adds an uncolored output.
func (c *Context) PayBitcoin(pkScript []byte,
	value btcutil.Amount) (int, error) {

	if c.frozen {
		return 0, ErrOutputsFrozen
	}

	return c.addOutput(wire.NewTxOut(int64(value), pkScript), 0)
}

func (c *Context) addOutput(txOut *wire.TxOut, quantity uint64) (int,
	error) {

	c.tx.AddTxOut(txOut)
	c.quantities = append(c.quantities, quantity)

	if err := c.refreshMarker(); err != nil {
		return 0, err
	}

	return len(c.tx.TxOut) - 1, nil
}

// refreshMarker rewrites the marker output from the current quantities.
// Trailing zero quantities are dropped.
func (c *Context) refreshMarker() error {
	if c.markerIdx < 0 {
		return nil
	}

	var quantities []uint64
	for i, q := range c.quantities {
		if i == c.markerIdx {
			continue
		}
		quantities = append(quantities, q)
	}
	for len(quantities) > 0 && quantities[len(quantities)-1] == 0 {
		quantities = quantities[:len(quantities)-1]
	}

	marker := colored.Marker{Quantities: quantities}
	markerOut, err := marker.TxOut()
	if err != nil {
		return err
	}
	c.tx.TxOut[c.markerIdx] = markerOut

	return nil
}

// FundAsset selects coins of the build asset covering amount, spends them
// and pays the remainder to changeScript. Wallet coins are signed with key.
func (c *Context) FundAsset(coins []colored.Coin, amount uint64,
	key keychain.KeyDescriptor, changeScript []byte) ([]colored.Coin,
	error) {

	return c.fund(coins, amount, &key, input.P2WKHWitnessSize, changeScript)
}

// FundExternal is FundAsset for coins signed by another party. The inputs
// are left unsigned, witnessSize sizes each of their witnesses.
func (c *Context) FundExternal(coins []colored.Coin, amount uint64,
	witnessSize int, changeScript []byte) ([]colored.Coin, error) {

	return c.fund(coins, amount, nil, witnessSize, changeScript)
}

func (c *Context) fund(coins []colored.Coin, amount uint64,
	key *keychain.KeyDescriptor, witnessSize int,
	changeScript []byte) ([]colored.Coin, error) {

	selected, err := coinselect.Select(coins, amount)
	if err != nil {
		return nil, c.insufficient(err)
	}

	var total uint64
	for i := range selected {
		if key != nil {
			err = c.AddWalletInput(selected[i], *key)
		} else {
			err = c.AddInput(selected[i], witnessSize)
		}
		if err != nil {
			return nil, err
		}
		total += selected[i].Amount()
	}

	change := total - amount
	if change == 0 {
		return selected, nil
	}

	// Bitcoin change below dust is left to the miners.
	if c.asset.IsBitcoin() &&
		btcutil.Amount(change) < input.DustLimitForScript(changeScript) {

		return selected, nil
	}

	if _, err := c.PayAsset(changeScript, change); err != nil {
		return nil, err
	}

	return selected, nil
}

func (c *Context) insufficient(err error) error {
	var insufficient *coinselect.ErrInsufficientFunds
	var noSelection *coinselect.ErrNoSelection
	if !errors.As(err, &insufficient) && !errors.As(err, &noSelection) {
		return err
	}

	if c.asset.IsBitcoin() {
		return errcode.Wrap(errcode.ErrNotEnoughBitcoinAvailable,
			err.Error())
	}

	return errcode.Wrapf(errcode.ErrNotEnoughAssetAvailable, "%v: %v",
		c.asset, err)
}

// InputValue is the bitcoin value spent by the transaction.
func (c *Context) InputValue() btcutil.Amount {
	return colored.TotalValue(c.coins)
}

// OutputValue is the bitcoin value paid by the transaction.
func (c *Context) OutputValue() btcutil.Amount {
	var total btcutil.Amount
	for _, out := range c.tx.TxOut {
		total += btcutil.Amount(out.Value)
	}

	return total
}

// Weight estimates the weight of the finished transaction.
func (c *Context) Weight() int64 {
	weight := c.tx.SerializeSizeStripped() * blockchain.WitnessScaleFactor

	witness := input.WitnessHeaderSize
	for _, size := range c.witnessSizes {
		witness += size
	}

	return int64(weight + witness)
}

// AddFee takes fee coins from the pool one at a time until the inputs cover
// the outputs and the fee at the current rate. The fee is recomputed after
// every coin. What remains is paid to changeScript, or to the miners when
// changeScript is nil or the remainder is dust.
func (c *Context) AddFee(changeScript []byte) error {
	feeRate, err := c.feeRate()
	if err != nil {
		return err
	}

	var changeWeight int64
	if changeScript != nil {
		changeOut := wire.NewTxOut(0, changeScript)
		changeWeight = int64(
			changeOut.SerializeSize() * blockchain.WitnessScaleFactor,
		)
	}

	fee := func() btcutil.Amount {
		return feeRate.FeeForWeight(c.Weight() + changeWeight)
	}

	for c.InputValue() < c.OutputValue()+fee() {
		coin, err := c.cfg.Pool.Dequeue(c.queue)
		if errors.Is(err, feepool.ErrPoolEmpty) {
			return errcode.Wrapf(
				errcode.ErrNotEnoughBitcoinAvailable,
				"fee queue %v is empty", c.queue,
			)
		}
		if err != nil {
			return err
		}

		log.Tracef("Took fee coin %v from queue %v", coin, c.queue)

		c.feeCoins = append(c.feeCoins, coin)
		err = c.AddWalletInput(coin, c.cfg.FeeKey)
		if err != nil {
			return err
		}
	}

	if changeScript == nil {
		return nil
	}

	change := c.InputValue() - c.OutputValue() - fee()
	if change < input.DustLimitForScript(changeScript) {
		return nil
	}

	_, err = c.PayBitcoin(changeScript, change)

	return err
}

func (c *Context) feeRate() (chainfee.SatPerKWeight, error) {
	confTarget := c.cfg.ConfTarget
	if confTarget == 0 {
		confTarget = DefaultConfTarget
	}

	feeRate, err := c.cfg.Estimator.EstimateFeePerKW(confTarget)
	if err != nil {
		return 0, err
	}
	if relay := c.cfg.Estimator.RelayFeePerKW(); feeRate < relay {
		feeRate = relay
	}

	return feeRate, nil
}

// SignWalletInputs signs every input added through AddWalletInput.
func (c *Context) SignWalletInputs(hashType txscript.SigHashType) error {
	fetcher := c.PrevOutFetcher()
	hashes := txscript.NewTxSigHashes(c.tx, fetcher)

	for _, in := range c.walletInputs {
		coin := c.coins[in.index]
		script, err := c.cfg.Signer.ComputeInputScript(
			c.tx, &input.SignDescriptor{
				KeyDesc:           in.key,
				WitnessScript:     coin.PkScript,
				Output:            coin.TxOut(),
				HashType:          hashType,
				SigHashes:         hashes,
				PrevOutputFetcher: fetcher,
				InputIndex:        in.index,
			},
		)
		if err != nil {
			return fmt.Errorf("unable to sign input %d: %w",
				in.index, err)
		}
		c.tx.TxIn[in.index].Witness = script.Witness
	}

	return nil
}

// Finish checks the transaction is well formed and that colored units are
// balanced.
func (c *Context) Finish() error {
	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(c.tx)); err != nil {
		log.Debugf("Insane tx: %v", newLogClosure(func() string {
			return spew.Sdump(c.tx)
		}))

		return errcode.Wrapf(errcode.ErrBadTransaction, "%v", err)
	}

	if c.asset.IsBitcoin() && c.markerIdx < 0 {
		return nil
	}

	outputs, err := colored.ColorOutputs(c.tx, c.coins)
	if err != nil {
		return err
	}

	var in, out uint64
	for i := range c.coins {
		if c.coins[i].Asset == c.asset {
			in += c.coins[i].Quantity
		}
	}
	for _, o := range outputs {
		if o.Asset == c.asset {
			out += o.Quantity
		}
	}
	if in != out {
		return fmt.Errorf("%w: %d %v in, %d out", ErrUnbalancedAsset,
			in, c.asset, out)
	}

	return nil
}

// Verify runs the script engine over the signed transaction.
func (c *Context) Verify() error {
	return input.VerifyTx(c.tx, c.PrevOutFetcher())
}
