package keychain

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestMemoryKeyRingRevocation asserts every revocation key is fresh and can
// be recovered by public key.
func TestMemoryKeyRingRevocation(t *testing.T) {
	t.Parallel()

	ring := NewMemoryKeyRing()

	first, err := ring.DeriveNextKey(KeyFamilyRevocation)
	require.NoError(t, err)
	second, err := ring.DeriveNextKey(KeyFamilyRevocation)
	require.NoError(t, err)

	require.False(t, first.PubKey.IsEqual(second.PubKey))
	require.EqualValues(t, 1, second.Index)

	priv, err := ring.DerivePrivKey(KeyDescriptor{PubKey: second.PubKey})
	require.NoError(t, err)
	require.True(t, priv.PubKey().IsEqual(second.PubKey))
}

// TestMemoryKeyRingUnknown asserts lookups of foreign keys fail.
func TestMemoryKeyRingUnknown(t *testing.T) {
	t.Parallel()

	ring := NewMemoryKeyRing()
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = ring.DerivePrivKey(KeyDescriptor{PubKey: other.PubKey()})
	require.ErrorIs(t, err, ErrUnknownKey)

	_, err = ring.DeriveNextKey(KeyFamilyChannel)
	require.ErrorIs(t, err, ErrUnknownKey)
}

// TestLoadKeys parses a key file with comments and both family forms.
func TestLoadKeys(t *testing.T) {
	t.Parallel()

	chanKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	feeKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	chanWIF, err := btcutil.NewWIF(chanKey, &chaincfg.RegressionNetParams, true)
	require.NoError(t, err)
	feeWIF, err := btcutil.NewWIF(feeKey, &chaincfg.RegressionNetParams, true)
	require.NoError(t, err)

	file := "# hub keys\n" +
		"channel " + chanWIF.String() + "\n\n" +
		"2 " + feeWIF.String() + "\n"

	ring := NewMemoryKeyRing()
	require.NoError(t, ring.LoadKeys(strings.NewReader(file)))

	desc, err := ring.DeriveNextKey(KeyFamilyChannel)
	require.NoError(t, err)
	require.True(t, desc.PubKey.IsEqual(chanKey.PubKey()))

	desc, err = ring.DeriveKey(KeyLocator{Family: KeyFamilyFeeWallet})
	require.NoError(t, err)
	require.True(t, desc.PubKey.IsEqual(feeKey.PubKey()))

	err = ring.LoadKeys(strings.NewReader("bogus"))
	require.Error(t, err)
}
