package chainio

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/colored"
)

// Codes bitcoind returns for txs failing verification and for txs failing
// policy or consensus checks.
const (
	rpcVerifyError    btcjson.RPCErrorCode = -25
	rpcVerifyRejected btcjson.RPCErrorCode = -26
)

// BitcoindConfig holds the connection details of a bitcoind node.
type BitcoindConfig struct {
	// Host is the host:port of the rpc server.
	Host string

	// User and Pass authenticate against the rpc server.
	User string
	Pass string

	// Net is the network the node runs on.
	Net *chaincfg.Params
}

// BitcoindClient is a LedgerClient over the bitcoind JSON-RPC interface.
// Colored coins are not detected, GetUnspentOutputs reports uncolored coins
// only and requires the address to be watched by the node's wallet.
type BitcoindClient struct {
	client *rpcclient.Client
	net    *chaincfg.Params
}

// A compile time check to ensure BitcoindClient implements the LedgerClient
// interface.
var _ LedgerClient = (*BitcoindClient)(nil)

// NewBitcoindClient connects to bitcoind in HTTP POST mode.
func NewBitcoindClient(cfg *BitcoindConfig) (*BitcoindClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create rpc client: %w", err)
	}

	return &BitcoindClient{
		client: client,
		net:    cfg.Net,
	}, nil
}

// Stop shuts the rpc client down.
func (b *BitcoindClient) Stop() {
	b.client.Shutdown()
}

// Broadcast submits tx through sendrawtransaction.
//
// NOTE: This method is part of the LedgerClient interface.
func (b *BitcoindClient) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txHash := tx.TxHash()

	_, err := await(ctx, func() (*chainhash.Hash, error) {
		return b.client.SendRawTransaction(tx, false)
	})
	if err := mapBroadcastErr(err); err != nil {
		return chainhash.Hash{}, fmt.Errorf("broadcast %v: %w", txHash,
			err)
	}

	log.Debugf("Broadcast tx %v", txHash)

	return txHash, nil
}

// mapBroadcastErr translates bitcoind rejections into the LedgerClient
// errors. Txs already known are accepted.
func mapBroadcastErr(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}

	msg := strings.ToLower(rpcErr.Message)
	switch {
	case rpcErr.Code == btcjson.ErrRPCTxAlreadyInChain,
		strings.Contains(msg, "already in mempool"),
		strings.Contains(msg, "already-in-mempool"),
		strings.Contains(msg, "already in block chain"):

		return nil

	case strings.Contains(msg, "missing inputs"),
		strings.Contains(msg, "missingorspent"),
		strings.Contains(msg, "mempool-conflict"),
		strings.Contains(msg, "conflict"):

		return fmt.Errorf("%w: %v", ErrInputsSpent, rpcErr.Message)

	case rpcErr.Code == rpcVerifyError,
		rpcErr.Code == rpcVerifyRejected:

		return fmt.Errorf("%w: %v", ErrTxRejected, rpcErr.Message)
	}

	return err
}

// GetTransaction looks tx up through getrawtransaction. The node needs
// txindex for confirmed txs.
//
// NOTE: This method is part of the LedgerClient interface.
func (b *BitcoindClient) GetTransaction(ctx context.Context,
	hash chainhash.Hash) (*TxDetails, error) {

	res, err := await(ctx, func() (*btcjson.TxRawResult, error) {
		return b.client.GetRawTransactionVerbose(&hash)
	})
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) &&
			rpcErr.Code == btcjson.ErrRPCNoTxInfo {

			return nil, fmt.Errorf("%w: %v", ErrTxNotFound, hash)
		}

		return nil, fmt.Errorf("unable to query for txid %v: %w", hash,
			err)
	}

	tx, err := parseRawTx(res.Hex)
	if err != nil {
		return nil, err
	}

	details := &TxDetails{
		Tx:            tx,
		Confirmations: uint32(res.Confirmations),
	}
	if details.Confirmations == 0 {
		return details, nil
	}

	best, err := b.BestHeight(ctx)
	if err != nil {
		return nil, err
	}
	details.BlockHeight = best - details.Confirmations + 1

	return details, nil
}

// parseRawTx decodes a raw tx. A tx without inputs serializes with a zero
// input count that reads as the segwit marker, so it is retried in the
// legacy encoding.
func parseRawTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	err = tx.Deserialize(bytes.NewReader(raw))
	if err == nil {
		return tx, nil
	}

	legacy := &wire.MsgTx{}
	if legacyErr := legacy.DeserializeNoWitness(
		bytes.NewReader(raw),
	); legacyErr != nil {
		return nil, err
	}

	return legacy, nil
}

// GetUnspentOutputs lists the wallet outputs of address.
//
// NOTE: This method is part of the LedgerClient interface.
func (b *BitcoindClient) GetUnspentOutputs(ctx context.Context,
	address string, asset colored.AssetID) ([]colored.Coin, error) {

	if !asset.IsBitcoin() {
		return nil, nil
	}

	addr, err := btcutil.DecodeAddress(address, b.net)
	if err != nil {
		return nil, err
	}

	unspent, err := await(ctx, func() ([]btcjson.ListUnspentResult,
		error) {

		return b.client.ListUnspentMinMaxAddresses(
			0, 9999999, []btcutil.Address{addr},
		)
	})
	if err != nil {
		return nil, err
	}

	coins := make([]colored.Coin, 0, len(unspent))
	for _, u := range unspent {
		coin, err := coinFromListUnspent(u)
		if err != nil {
			return nil, err
		}
		coins = append(coins, coin)
	}

	return coins, nil
}

func coinFromListUnspent(u btcjson.ListUnspentResult) (colored.Coin, error) {
	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return colored.Coin{}, err
	}
	pkScript, err := hex.DecodeString(u.ScriptPubKey)
	if err != nil {
		return colored.Coin{}, err
	}
	value, err := btcutil.NewAmount(u.Amount)
	if err != nil {
		return colored.Coin{}, err
	}

	return colored.Coin{
		OutPoint: wire.OutPoint{Hash: *hash, Index: u.Vout},
		Value:    value,
		PkScript: pkScript,
		Asset:    colored.Bitcoin,
	}, nil
}

// IsUnspent queries gettxout including the mempool.
//
// NOTE: This method is part of the LedgerClient interface.
func (b *BitcoindClient) IsUnspent(ctx context.Context,
	op wire.OutPoint) (bool, error) {

	res, err := await(ctx, func() (*btcjson.GetTxOutResult, error) {
		return b.client.GetTxOut(&op.Hash, op.Index, true)
	})
	if err != nil {
		return false, err
	}

	return res != nil, nil
}

// BestHeight returns the block count of the node.
//
// NOTE: This method is part of the LedgerClient interface.
func (b *BitcoindClient) BestHeight(ctx context.Context) (uint32, error) {
	height, err := await(ctx, b.client.GetBlockCount)
	if err != nil {
		return 0, err
	}

	return uint32(height), nil
}

// EstimateFee sends estimatesmartfee as a raw request, btcd does not know
// the call.
//
// NOTE: This method is part of the LedgerClient interface.
func (b *BitcoindClient) EstimateFee(ctx context.Context,
	confTarget uint32) (chainfee.SatPerKVByte, error) {

	target, err := json.Marshal(uint64(confTarget))
	if err != nil {
		return 0, err
	}

	resp, err := await(ctx, func() (json.RawMessage, error) {
		return b.client.RawRequest(
			"estimatesmartfee", []json.RawMessage{target},
		)
	})
	if err != nil {
		return 0, err
	}

	return parseSmartFee(resp)
}

// parseSmartFee converts an estimatesmartfee response from BTC/kvB. A
// response without feerate yields zero.
func parseSmartFee(resp json.RawMessage) (chainfee.SatPerKVByte, error) {
	feeEstimate := struct {
		FeeRate float64  `json:"feerate"`
		Errors  []string `json:"errors"`
	}{}
	if err := json.Unmarshal(resp, &feeEstimate); err != nil {
		return 0, err
	}

	if len(feeEstimate.Errors) > 0 {
		log.Debugf("estimatesmartfee: %v", feeEstimate.Errors)
	}

	satPerKB, err := btcutil.NewAmount(feeEstimate.FeeRate)
	if err != nil {
		return 0, err
	}

	return chainfee.SatPerKVByte(satPerKB), nil
}
