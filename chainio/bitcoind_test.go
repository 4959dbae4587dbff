package chainio

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/chainfee"
	"github.com/stretchr/testify/require"
)

// TestMapBroadcastErr asserts bitcoind rejections map to the ledger errors.
func TestMapBroadcastErr(t *testing.T) {
	t.Parallel()

	plain := errors.New("connection refused")

	testCases := []struct {
		name   string
		err    error
		expErr error
		expNil bool
	}{{
		name:   "no error",
		expNil: true,
	}, {
		name: "already confirmed",
		err: &btcjson.RPCError{
			Code:    btcjson.ErrRPCTxAlreadyInChain,
			Message: "Transaction already in block chain",
		},
		expNil: true,
	}, {
		name: "already in mempool",
		err: &btcjson.RPCError{
			Code:    rpcVerifyRejected,
			Message: "txn-already-in-mempool",
		},
		expNil: true,
	}, {
		name: "double spend",
		err: &btcjson.RPCError{
			Code:    rpcVerifyRejected,
			Message: "txn-mempool-conflict",
		},
		expErr: ErrInputsSpent,
	}, {
		name: "missing inputs",
		err: &btcjson.RPCError{
			Code:    rpcVerifyError,
			Message: "bad-txns-inputs-missingorspent",
		},
		expErr: ErrInputsSpent,
	}, {
		name: "script failure",
		err: &btcjson.RPCError{
			Code: rpcVerifyRejected,
			Message: "non-mandatory-script-verify-flag (Signature " +
				"must be zero for failed CHECK(MULTI)SIG operation)",
		},
		expErr: ErrTxRejected,
	}, {
		name:   "transport",
		err:    plain,
		expErr: plain,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := mapBroadcastErr(tc.err)
			if tc.expNil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.expErr)
		})
	}
}

// TestParseSmartFee asserts estimatesmartfee responses convert to sat/kvB.
func TestParseSmartFee(t *testing.T) {
	t.Parallel()

	rate, err := parseSmartFee(json.RawMessage(
		`{"feerate":0.00012,"blocks":6}`,
	))
	require.NoError(t, err)
	require.Equal(t, chainfee.SatPerKVByte(12_000), rate)

	rate, err = parseSmartFee(json.RawMessage(
		`{"errors":["Insufficient data or no feerate found"],"blocks":0}`,
	))
	require.NoError(t, err)
	require.Zero(t, rate)

	_, err = parseSmartFee(json.RawMessage(`[`))
	require.Error(t, err)
}

// TestParseRawTx asserts raw tx hex decodes, with and without witness
// data.
func TestParseRawTx(t *testing.T) {
	t.Parallel()

	noInputs := wire.NewMsgTx(2)
	noInputs.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	segwit := wire.NewMsgTx(2)
	segwit.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 1},
		Witness:          wire.TxWitness{{0x01, 0x02}},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	segwit.AddTxOut(wire.NewTxOut(2000, []byte{0x51}))

	legacy := wire.NewMsgTx(1)
	legacy.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 2},
		SignatureScript:  []byte{0x00},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	legacy.AddTxOut(wire.NewTxOut(3000, []byte{0x51}))

	tests := []struct {
		name string
		tx   *wire.MsgTx
	}{
		{name: "no inputs", tx: noInputs},
		{name: "witness", tx: segwit},
		{name: "legacy", tx: legacy},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			require.NoError(t, test.tx.Serialize(&buf))

			raw := hex.EncodeToString(buf.Bytes())
			parsed, err := parseRawTx(raw)
			require.NoError(t, err)
			require.Equal(t, test.tx.TxHash(), parsed.TxHash())
			require.Equal(
				t, test.tx.WitnessHash(), parsed.WitnessHash(),
			)
		})
	}

	_, err := parseRawTx("zz")
	require.Error(t, err)
}

// TestAwaitContext asserts a blocking call is abandoned when its context
// ends.
func TestAwaitContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Millisecond,
	)
	defer cancel()

	_, err := await(ctx, func() (int, error) {
		<-release
		return 1, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := await(context.Background(), func() (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
}
