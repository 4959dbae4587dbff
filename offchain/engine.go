package offchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainio"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/errcode"
	"github.com/colorhub/hubd/input"
	"github.com/colorhub/hubd/keychain"
	"github.com/colorhub/hubd/notify"
	"github.com/colorhub/hubd/txbuild"
	"github.com/google/uuid"
)

// ChannelOutputValue is the bitcoin value of a colored channel output. It
// carries two dust values so every commitment can split it between its
// colored outputs.
const ChannelOutputValue = 2 * colored.DefaultDustValue

// Config holds the collaborators of the engine.
type Config struct {
	// DB is the channel ledger.
	DB *channeldb.DB

	// Ledger reads and publishes transactions.
	Ledger chainio.LedgerClient

	// Signer signs every hub input.
	Signer input.Signer

	// KeyRing generates hub revocation keys and gives their private half
	// so they can be disclosed later.
	KeyRing keychain.SecretKeyRing

	// Build is shared by every transaction build. Its pool supplies fee
	// coins.
	Build *txbuild.Config

	// ChannelKey is the hub key of every 2-of-2 channel script and the
	// owner key of hub commitments.
	ChannelKey keychain.KeyDescriptor

	// HotWalletKey owns the p2wkh coins at the hot wallet addresses of
	// the asset settings.
	HotWalletKey keychain.KeyDescriptor

	// FeeChangeScript receives the bitcoin change of fee inputs.
	FeeChangeScript []byte

	// CsvDelay is the relative lock of the owner path of commitments.
	CsvDelay uint32

	// Net is the network addresses are encoded for.
	Net *chaincfg.Params

	// Notifier receives operator alerts.
	Notifier notify.Sink

	// BuildAttempts bounds retries of builds that lost a race for coins.
	// Zero means txbuild.DefaultAttempts.
	BuildAttempts int
}

// Engine runs the channel protocol. It keeps no state between calls: every
// operation starts from the ledger.
type Engine struct {
	cfg *Config
}

// New returns an engine over cfg.
func New(cfg *Config) *Engine {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogSink{}
	}

	return &Engine{cfg: cfg}
}

// slotInfo bundles the scripts and settings of a slot.
type slotInfo struct {
	slot      channeldb.Slot
	clientPub *btcec.PublicKey

	// multisig is the witness script of the channel output and pkScript
	// its p2wsh output script.
	multisig []byte
	pkScript []byte

	clientScript []byte
	clientAddr   string

	setting      *channeldb.AssetSetting
	hotScript    []byte
	changeScript []byte
}

// slotOf resolves the slot of clientPub and asset.
func (e *Engine) slotOf(clientPub *btcec.PublicKey,
	asset colored.AssetID) (*slotInfo, error) {

	if clientPub == nil {
		return nil, errcode.ErrBadInputParameter.New("missing client key")
	}
	if err := asset.Validate(); err != nil {
		return nil, errcode.Wrapf(errcode.ErrAssetNotFound, "%v", err)
	}

	multisig, err := input.GenMultiSigScript(
		e.cfg.ChannelKey.PubKey.SerializeCompressed(),
		clientPub.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := input.WitnessScriptHash(multisig)
	if err != nil {
		return nil, err
	}
	addr, err := input.WitnessScriptAddress(multisig, e.cfg.Net)
	if err != nil {
		return nil, err
	}

	clientScript, err := input.WitnessPubKeyHash(clientPub)
	if err != nil {
		return nil, err
	}
	clientAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(clientPub.SerializeCompressed()), e.cfg.Net,
	)
	if err != nil {
		return nil, err
	}

	var setting *channeldb.AssetSetting
	err = e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		setting, err = tx.FetchAssetSetting(asset)
		return err
	})
	if errors.Is(err, channeldb.ErrAssetSettingNotFound) {
		return nil, errcode.Wrapf(errcode.ErrAssetSettingNotFound, "%v",
			asset)
	}
	if err != nil {
		return nil, err
	}

	hotScript, err := input.PayToAddrScript(
		setting.HotWalletAddress, e.cfg.Net,
	)
	if err != nil {
		return nil, errcode.Wrapf(errcode.ErrInvalidAddress,
			"hot wallet of %v: %v", asset, err)
	}
	changeScript := hotScript
	if setting.ChangeAddress != "" {
		changeScript, err = input.PayToAddrScript(
			setting.ChangeAddress, e.cfg.Net,
		)
		if err != nil {
			return nil, errcode.Wrapf(errcode.ErrInvalidAddress,
				"change of %v: %v", asset, err)
		}
	}

	return &slotInfo{
		slot: channeldb.Slot{
			Multisig: addr.EncodeAddress(),
			Asset:    asset,
		},
		clientPub:    clientPub,
		multisig:     multisig,
		pkScript:     pkScript,
		clientScript: clientScript,
		clientAddr:   clientAddr.EncodeAddress(),
		setting:      setting,
		hotScript:    hotScript,
		changeScript: changeScript,
	}, nil
}

// payoutScript returns the script of addr, or the client's p2wkh script
// when addr is empty.
func (e *Engine) payoutScript(info *slotInfo, addr string) ([]byte, error) {
	if addr == "" {
		return info.clientScript, nil
	}

	script, err := input.PayToAddrScript(addr, e.cfg.Net)
	if err != nil {
		return nil, errcode.Wrapf(errcode.ErrInvalidAddress, "%v: %v",
			addr, err)
	}

	return script, nil
}

// channelOutputValue is the bitcoin value of a channel output holding
// total units of asset.
func channelOutputValue(asset colored.AssetID, total uint64) btcutil.Amount {
	if asset.IsBitcoin() {
		return btcutil.Amount(total)
	}

	return ChannelOutputValue
}

// dustOf is the smallest balance worth an output on a side of the channel.
func dustOf(info *slotInfo, pkScript []byte) uint64 {
	dust := info.setting.Dust
	if !info.slot.Asset.IsBitcoin() {
		return dust
	}

	if relay := uint64(input.DustLimitForScript(pkScript)); relay > dust {
		return relay
	}

	return dust
}

// newID returns id, or a fresh uuid when id is empty.
func newID(id string) string {
	if id != "" {
		return id
	}

	return uuid.NewString()
}

func (e *Engine) attempts() int {
	if e.cfg.BuildAttempts > 0 {
		return e.cfg.BuildAttempts
	}

	return txbuild.DefaultAttempts
}

// shouldRetry accepts lost races for coins and concurrent ledger writes.
func shouldRetry(err error) bool {
	return errcode.IsRetryable(err) ||
		errors.Is(err, channeldb.ErrVersionConflict)
}

// retry runs f until it wins its races. A ledger conflict that outlives the
// attempts surfaces as TransactionConcurrentInputsProblem.
func retry[T any](e *Engine, op string, f func() (T, error)) (T, error) {
	result, err := txbuild.Retry(e.attempts(), shouldRetry,
		func(attempt int) (T, error) {
			if attempt > 0 {
				log.Debugf("Retrying %v, attempt %d", op,
					attempt+1)
			}

			return f()
		},
	)
	if errors.Is(err, channeldb.ErrVersionConflict) {
		err = errcode.Wrapf(
			errcode.ErrTransactionConcurrentInputsProblem, "%v: %v",
			op, err,
		)
	}

	return result, err
}

// claimsOf lists the coins spent by a build as claims. Fee coins remember
// their queue so they can be returned if the claim is released.
func claimsOf(b *txbuild.Context, queue string) []*channeldb.SpentOutput {
	fee := make(map[wire.OutPoint]struct{}, len(b.FeeCoins()))
	for _, coin := range b.FeeCoins() {
		fee[coin.OutPoint] = struct{}{}
	}

	claims := make([]*channeldb.SpentOutput, 0, len(b.Coins()))
	for _, coin := range b.Coins() {
		claim := &channeldb.SpentOutput{Coin: coin}
		if _, ok := fee[coin.OutPoint]; ok {
			claim.FeeQueue = queue
		}
		claims = append(claims, claim)
	}

	return claims
}

// requeue returns the fee coins among released claims to their queues.
func (e *Engine) requeue(released []*channeldb.SpentOutput) {
	for _, out := range released {
		if !out.FromFeePool() {
			continue
		}

		err := e.cfg.Build.Pool.Enqueue(out.FeeQueue, out.Coin)
		if err != nil {
			log.Errorf("Unable to return fee coin %v to queue %v: %v",
				out.Coin.OutPoint, out.FeeQueue, err)
		}
	}
}

// unclaimed drops the coins already claimed by pending builds.
func (e *Engine) unclaimed(coins []colored.Coin) ([]colored.Coin, error) {
	var free []colored.Coin
	err := e.cfg.DB.View(func(tx *channeldb.LedgerTx) error {
		free = free[:0]
		for _, coin := range coins {
			_, err := tx.FetchSpentOutput(coin.OutPoint)
			switch {
			case errors.Is(err, channeldb.ErrSpentOutputNotFound):
				free = append(free, coin)

			case err != nil:
				return err
			}
		}

		return nil
	})

	return free, err
}

// walletCoins returns the spendable coins of asset at addr.
func (e *Engine) walletCoins(ctx context.Context, addr string,
	asset colored.AssetID) ([]colored.Coin, error) {

	coins, err := e.cfg.Ledger.GetUnspentOutputs(ctx, addr, asset)
	if err != nil {
		return nil, err
	}

	return e.unclaimed(coins)
}

// claimedCoins returns the coins spent by tx in input order, as recorded
// when tx was built.
func claimedCoins(tx *channeldb.LedgerTx,
	msgTx *wire.MsgTx) ([]*channeldb.SpentOutput, error) {

	claims, err := tx.ClaimOf(msgTx.TxHash())
	if err != nil {
		return nil, err
	}

	byOutPoint := make(map[wire.OutPoint]*channeldb.SpentOutput)
	for _, c := range claims {
		byOutPoint[c.Coin.OutPoint] = c
	}

	ordered := make([]*channeldb.SpentOutput, 0, len(msgTx.TxIn))
	for _, txIn := range msgTx.TxIn {
		c, ok := byOutPoint[txIn.PreviousOutPoint]
		if !ok {
			return nil, errcode.ErrBadTransaction.Newf(
				"input %v was not issued by the hub",
				txIn.PreviousOutPoint,
			)
		}
		ordered = append(ordered, c)
	}

	return ordered, nil
}

// prevOutFetcher answers the outputs spent by claims.
func prevOutFetcher(
	claims []*channeldb.SpentOutput) *txscript.MultiPrevOutFetcher {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, c := range claims {
		fetcher.AddPrevOut(c.Coin.OutPoint, c.Coin.TxOut())
	}

	return fetcher
}

// sameTx reports whether signed is issued apart from witnesses.
func sameTx(issued, signed *wire.MsgTx) bool {
	return signed != nil && issued.TxHash() == signed.TxHash()
}

// completeSignatures checks the client's part of a transaction issued by
// the hub and adds the hub's witnesses. coins are the spent outputs in input
// order. The finished transaction is verified with the script engine.
func (e *Engine) completeSignatures(info *slotInfo, msgTx *wire.MsgTx,
	coins []*channeldb.SpentOutput) error {

	fetcher := prevOutFetcher(coins)
	hashes := txscript.NewTxSigHashes(msgTx, fetcher)
	hubPub := e.cfg.ChannelKey.PubKey

	for i, out := range coins {
		coin := out.Coin
		desc := &input.SignDescriptor{
			Output:            coin.TxOut(),
			HashType:          txscript.SigHashAll,
			SigHashes:         hashes,
			PrevOutputFetcher: fetcher,
			InputIndex:        i,
		}

		switch {
		case bytes.Equal(coin.PkScript, info.pkScript):
			clientSig, err := input.FindWitnessSig(
				msgTx, i, fetcher, info.multisig,
				info.clientPub, txscript.SigHashAll,
			)
			if err != nil {
				return errcode.Wrapf(errcode.ErrBadTransaction,
					"channel input %d: %v", i, err)
			}

			desc.KeyDesc = e.cfg.ChannelKey
			desc.WitnessScript = info.multisig
			hubSig, err := e.cfg.Signer.SignOutputRaw(msgTx, desc)
			if err != nil {
				return err
			}

			msgTx.TxIn[i].Witness = input.SpendMultiSig(
				info.multisig, hubPub.SerializeCompressed(),
				append(hubSig.Serialize(),
					byte(txscript.SigHashAll)),
				info.clientPub.SerializeCompressed(), clientSig,
			)

		case bytes.Equal(coin.PkScript, info.clientScript):
			err := input.VerifyInput(msgTx, i, fetcher)
			if err != nil {
				return errcode.Wrapf(errcode.ErrBadTransaction,
					"client input %d: %v", i, err)
			}

		case out.FromFeePool(), bytes.Equal(coin.PkScript, info.hotScript):
			desc.KeyDesc = e.cfg.HotWalletKey
			if out.FromFeePool() {
				desc.KeyDesc = e.cfg.Build.FeeKey
			}
			desc.WitnessScript = coin.PkScript

			script, err := e.cfg.Signer.ComputeInputScript(
				msgTx, desc,
			)
			if err != nil {
				return err
			}
			msgTx.TxIn[i].Witness = script.Witness

		default:
			return errcode.ErrBadTransaction.Newf("input %d spends "+
				"unknown script %x", i, coin.PkScript)
		}
	}

	if err := input.VerifyTx(msgTx, fetcher); err != nil {
		return errcode.Wrapf(errcode.ErrBadFullSignTransaction, "%v",
			err)
	}

	return nil
}

// publishFunc hands a transaction to the ledger from within a ledger write
// transaction.
type publishFunc func(msgTx *wire.MsgTx) error

// updateAndPublish runs f in a ledger write transaction. f publishes its
// transaction as its last step, so a rejected broadcast rolls back every
// record f made and the ledger never lists a tx the network refused. The
// writer is held for the duration of the broadcast call.
//
// A commit failing after the broadcast went out leaves the published tx
// unrecorded. That is reported as a critical alert for slot; the monitor
// picks up the spent funding output on its next pass.
func (e *Engine) updateAndPublish(ctx context.Context, slot channeldb.Slot,
	f func(tx *channeldb.LedgerTx, publish publishFunc) error) error {

	var sent *wire.MsgTx
	err := e.cfg.DB.Update(func(tx *channeldb.LedgerTx) error {
		sent = nil

		return f(tx, func(msgTx *wire.MsgTx) error {
			if err := e.publish(ctx, msgTx); err != nil {
				return err
			}
			sent = msgTx

			return nil
		})
	})
	if err != nil && sent != nil {
		log.Criticalf("Tx %v was broadcast but not recorded: %v",
			sent.TxHash(), err)

		e.cfg.Notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Subject:  "broadcast tx not recorded",
			Slot:     slot.String(),
			Details: "tx " + sent.TxHash().String() + ": " +
				err.Error(),
		})
	}

	return err
}

// publish hands tx to the ledger.
func (e *Engine) publish(ctx context.Context, msgTx *wire.MsgTx) error {
	txHash, err := e.cfg.Ledger.Broadcast(ctx, msgTx)
	if err != nil {
		return fmt.Errorf("unable to broadcast %v: %w", msgTx.TxHash(),
			err)
	}

	log.Infof("Broadcast tx %v", txHash)

	return nil
}
