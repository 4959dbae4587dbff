package channeldb

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/colorhub/hubd/errcode"
)

// FetchRevokeKey returns the record of a revocation key.
func (t *LedgerTx) FetchRevokeKey(pub *btcec.PublicKey) (*RevokeKey, error) {
	k, err := getRecord[RevokeKey](
		t.bucket(revokeKeyBucket), pub.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrRevokeKeyNotFound
	}

	return k, nil
}

// ReserveRevokeKey records a revocation key. Every key is written once, a
// second reservation fails with KeyUsedAlready.
func (t *LedgerTx) ReserveRevokeKey(k *RevokeKey) error {
	keys, err := t.rwBucket(revokeKeyBucket)
	if err != nil {
		return err
	}

	key := k.PubKey.SerializeCompressed()
	if keys.Get(key) != nil {
		return errcode.ErrKeyUsedAlready.Newf("revocation key %x", key)
	}

	if k.CreatedAt.IsZero() {
		k.CreatedAt = t.now
	}

	return putRecord(keys, key, k)
}

// DiscloseRevokeKey marks the key of priv as revealed to the counterparty
// and stores its private half. A key is disclosed at most once.
func (t *LedgerTx) DiscloseRevokeKey(priv *btcec.PrivateKey) (*RevokeKey,
	error) {

	keys, err := t.rwBucket(revokeKeyBucket)
	if err != nil {
		return nil, err
	}

	k, err := t.FetchRevokeKey(priv.PubKey())
	if err != nil {
		return nil, err
	}
	if k.Disclosed() {
		return nil, errcode.ErrKeyUsedAlready.Newf(
			"revocation key %x already disclosed",
			k.PubKey.SerializeCompressed(),
		)
	}

	k.PrivKey = priv
	k.DisclosedAt = t.now
	err = putRecord(keys, k.PubKey.SerializeCompressed(), k)
	if err != nil {
		return nil, err
	}

	return k, nil
}
