package keychain

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

// KeyFamily groups the keys the hub holds by purpose.
type KeyFamily uint32

const (
	// KeyFamilyChannel holds the hub side key of every 2-of-2 channel
	// script and the owner key of hub commitments.
	KeyFamilyChannel KeyFamily = 0

	// KeyFamilyHotWallet holds keys of the asset hot wallets that fund
	// the hub side of channels.
	KeyFamilyHotWallet KeyFamily = 1

	// KeyFamilyFeeWallet holds keys of the fee coins kept in the fee
	// pool.
	KeyFamilyFeeWallet KeyFamily = 2

	// KeyFamilyRevocation holds freshly generated per-commitment
	// revocation keys.
	KeyFamilyRevocation KeyFamily = 3
)

// String returns the name of the family.
func (k KeyFamily) String() string {
	switch k {
	case KeyFamilyChannel:
		return "channel"
	case KeyFamilyHotWallet:
		return "hotwallet"
	case KeyFamilyFeeWallet:
		return "feewallet"
	case KeyFamilyRevocation:
		return "revocation"
	default:
		return "unknown"
	}
}

// ErrUnknownKey is returned when a key ring does not hold the private key of
// a descriptor.
var ErrUnknownKey = errors.New("unknown key")

// KeyLocator identifies a key by family and position within the family.
type KeyLocator struct {
	// Family is the family of key being identified.
	Family KeyFamily

	// Index is the precise index of the key being identified.
	Index uint32
}

// KeyDescriptor wraps a KeyLocator and also optionally includes a public key.
// Lookups by public key take precedence.
type KeyDescriptor struct {
	KeyLocator

	// PubKey is an optional public key that fully describes a target key.
	PubKey *btcec.PublicKey
}

// KeyRing hands out public keys.
type KeyRing interface {
	// DeriveNextKey returns a new key within the family.
	DeriveNextKey(keyFam KeyFamily) (KeyDescriptor, error)

	// DeriveKey returns the key at the given locator.
	DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error)
}

// SecretKeyRing is a KeyRing that can also produce private keys.
type SecretKeyRing interface {
	KeyRing

	// DerivePrivKey returns the private key of the descriptor.
	DerivePrivKey(keyDesc KeyDescriptor) (*btcec.PrivateKey, error)
}
