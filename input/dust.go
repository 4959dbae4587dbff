package input

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
)

// DustLimitForScript returns the relay dust threshold of an output paying to
// pkScript.
func DustLimitForScript(pkScript []byte) btcutil.Amount {
	return btcutil.Amount(mempool.GetDustThreshold(
		&wire.TxOut{PkScript: pkScript},
	))
}

// DustLimitP2WSH is the dust threshold of a P2WSH output.
func DustLimitP2WSH() btcutil.Amount {
	pkScript, _ := WitnessScriptHash(nil)
	return DustLimitForScript(pkScript)
}

// DustLimitP2WKH is the dust threshold of a P2WKH output.
func DustLimitP2WKH() btcutil.Amount {
	pkScript := make([]byte, P2WPKHSize)
	pkScript[1] = 0x14

	return DustLimitForScript(pkScript)
}
