package channeldb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/errcode"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCommitment(typ CommitmentType, seed byte) *Commitment {
	return &Commitment{
		ID:           uuid.New(),
		Type:         typ,
		ChannelID:    uuid.New(),
		TransferID:   "t",
		Slot:         testSlot,
		ClientAmount: 5,
		HubAmount:    3,
		LockedIndex:  0,
		InitialTx:    testTx(seed),
		Active:       true,
	}
}

// TestCommitmentIndexes asserts commitments are found by tx hash and by
// issue order, and that deactivation spares the kept ones.
func TestCommitmentIndexes(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	client1 := testCommitment(CommitmentClient, 1)
	hub1 := testCommitment(CommitmentHub, 2)
	client2 := testCommitment(CommitmentClient, 3)

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		for _, c := range []*Commitment{client1, hub1, client2} {
			if err := tx.AddCommitment(c); err != nil {
				return err
			}
		}

		return tx.DeactivateCommitments(testSlot, client2.ID)
	}))
	require.Less(t, client1.Seq, hub1.Seq)
	require.Less(t, hub1.Seq, client2.Seq)

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		last, err := tx.LastCommitment(testSlot, CommitmentClient)
		require.NoError(t, err)
		require.Equal(t, client2.ID, last.ID)
		require.True(t, last.Active)

		last, err = tx.LastCommitment(testSlot, CommitmentHub)
		require.NoError(t, err)
		require.Equal(t, hub1.ID, last.ID)
		require.False(t, last.Active)

		byHash, err := tx.CommitmentByTxHash(client1.TxHash())
		require.NoError(t, err)
		require.Equal(t, client1.ID, byHash.ID)
		require.False(t, byHash.Active)

		all, err := tx.CommitmentsOf(testSlot)
		require.NoError(t, err)
		require.Len(t, all, 3)

		_, err = tx.LastCommitment(
			Slot{Multisig: "other", Asset: colored.Bitcoin},
			CommitmentHub,
		)
		require.ErrorIs(t, err, ErrCommitmentNotFound)

		return nil
	}))

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.DeleteCommitment(client1)
	}))
	require.NoError(t, db.View(func(tx *LedgerTx) error {
		_, err := tx.CommitmentByTxHash(client1.TxHash())
		require.ErrorIs(t, err, ErrCommitmentNotFound)

		return nil
	}))
}

// TestRevokeKeyLifecycle asserts keys are reserved once and disclosed once.
func TestRevokeKeyLifecycle(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	key := &RevokeKey{
		PubKey: priv.PubKey(),
		Owner:  OwnerClient,
		Slot:   testSlot,
	}
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.ReserveRevokeKey(key)
	}))

	err = db.Update(func(tx *LedgerTx) error {
		return tx.ReserveRevokeKey(&RevokeKey{PubKey: priv.PubKey()})
	})
	require.ErrorIs(t, err, errcode.ErrKeyUsedAlready)

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		disclosed, err := tx.DiscloseRevokeKey(priv)
		require.NoError(t, err)
		require.True(t, disclosed.Disclosed())

		return nil
	}))

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		stored, err := tx.FetchRevokeKey(priv.PubKey())
		require.NoError(t, err)
		require.Equal(t, OwnerClient, stored.Owner)
		require.NotNil(t, stored.PrivKey)
		require.Equal(t, priv.Serialize(), stored.PrivKey.Serialize())

		return nil
	}))

	err = db.Update(func(tx *LedgerTx) error {
		_, err := tx.DiscloseRevokeKey(priv)
		return err
	})
	require.ErrorIs(t, err, errcode.ErrKeyUsedAlready)

	unknown, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	err = db.Update(func(tx *LedgerTx) error {
		_, err := tx.DiscloseRevokeKey(unknown)
		return err
	})
	require.ErrorIs(t, err, ErrRevokeKeyNotFound)
}

// TestTransferSlot asserts a slot holds one open transfer at a time.
func TestTransferSlot(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		second *Transfer
		expErr error
	}{{
		name:   "duplicate id",
		second: &Transfer{ID: "first", Slot: testSlot},
		expErr: errcode.ErrDuplicateTransactionID,
	}, {
		name:   "slot busy",
		second: &Transfer{ID: "second", Slot: testSlot},
		expErr: ErrTransferOpen,
	}, {
		name: "other slot",
		second: &Transfer{
			ID:   "second",
			Slot: Slot{Multisig: "other", Asset: testSlot.Asset},
		},
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			db := newTestDB(t)
			require.NoError(t, db.Update(func(tx *LedgerTx) error {
				return tx.AddTransfer(&Transfer{
					ID:   "first",
					Slot: testSlot,
				})
			}))

			err := db.Update(func(tx *LedgerTx) error {
				return tx.AddTransfer(tc.second)
			})
			if tc.expErr != nil {
				require.ErrorIs(t, err, tc.expErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestTransferComplete asserts a completed transfer frees its slot.
func TestTransferComplete(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	tr := &Transfer{ID: "a", Slot: testSlot}
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.AddTransfer(tr)
	}))

	var open []string
	require.NoError(t, db.View(func(tx *LedgerTx) error {
		return tx.ForEachOpenTransfer(func(tr *Transfer) error {
			open = append(open, tr.ID)
			return nil
		})
	}))
	require.Equal(t, []string{"a"}, open)

	tr.Completed = true
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		if err := tx.UpdateTransfer(tr); err != nil {
			return err
		}

		return tx.AddTransfer(&Transfer{ID: "b", Slot: testSlot})
	}))

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		current, err := tx.OpenTransfer(testSlot)
		require.NoError(t, err)
		require.Equal(t, "b", current.ID)

		done, err := tx.FetchTransfer("a")
		require.NoError(t, err)
		require.False(t, done.Open())

		return nil
	}))
}

// TestClosingReplace asserts a new closing archives the pending one.
func TestClosingReplace(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	first := &ClosingChannel{
		ID: uuid.New(), Slot: testSlot, InitialTx: testTx(1),
	}
	second := &ClosingChannel{
		ID: uuid.New(), Slot: testSlot, InitialTx: testTx(2),
	}

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		if err := tx.AddClosing(first); err != nil {
			return err
		}

		return tx.AddClosing(second)
	}))

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		current, err := tx.CurrentClosing(testSlot)
		require.NoError(t, err)
		require.Equal(t, second.ID, current.ID)

		old, err := tx.FetchClosing(first.ID)
		require.NoError(t, err)
		require.True(t, old.Archived)

		return nil
	}))

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.DeleteClosing(second)
	}))
	require.NoError(t, db.View(func(tx *LedgerTx) error {
		_, err := tx.CurrentClosing(testSlot)
		require.ErrorIs(t, err, ErrClosingNotFound)

		return nil
	}))
}

// TestBroadcastPenaltyOnce asserts broadcast rows are written once and carry
// at most one penalty.
func TestBroadcastPenaltyOnce(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	row := &CommitmentBroadcast{
		TxHash:       chainhash.Hash{1},
		CommitmentID: uuid.New(),
		Type:         CommitmentClient,
		Slot:         testSlot,
		Stale:        true,
	}
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.AddBroadcast(row)
	}))

	err := db.Update(func(tx *LedgerTx) error {
		return tx.AddBroadcast(row)
	})
	require.ErrorIs(t, err, ErrBroadcastExists)

	penalty := chainhash.Hash{2}
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.SetPenaltyTx(row.TxHash, penalty)
	}))

	err = db.Update(func(tx *LedgerTx) error {
		return tx.SetPenaltyTx(row.TxHash, chainhash.Hash{3})
	})
	require.ErrorIs(t, err, ErrPenaltyAlreadySet)

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		stored, err := tx.FetchBroadcast(row.TxHash)
		require.NoError(t, err)
		require.Equal(t, &penalty, stored.PenaltyTxHash)
		require.True(t, stored.Stale)

		return nil
	}))
}

func claimCoin(i int) colored.Coin {
	return colored.Coin{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: uint32(i)},
		Value:    1000,
		PkScript: []byte{0x00, 0x14, byte(i)},
		Asset:    colored.Bitcoin,
	}
}

// TestClaimOutputs asserts an outpoint is claimed by one transaction at a
// time and that a failed claim leaves nothing behind.
func TestClaimOutputs(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	claimA := chainhash.Hash{0x0a}
	claimB := chainhash.Hash{0x0b}

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.ClaimOutputs(claimA,
			&SpentOutput{Coin: claimCoin(0)},
			&SpentOutput{Coin: claimCoin(1), FeeQueue: "btc"},
		)
	}))

	// Claiming again for the same tx is a no-op.
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.ClaimOutputs(claimA, &SpentOutput{Coin: claimCoin(0)})
	}))

	err := db.Update(func(tx *LedgerTx) error {
		return tx.ClaimOutputs(claimB,
			&SpentOutput{Coin: claimCoin(2)},
			&SpentOutput{Coin: claimCoin(1)},
		)
	})
	require.ErrorIs(t, err, errcode.ErrTransactionConcurrentInputsProblem)
	require.True(t, errcode.IsRetryable(err))

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		_, err := tx.FetchSpentOutput(claimCoin(2).OutPoint)
		require.ErrorIs(t, err, ErrSpentOutputNotFound)

		outs, err := tx.ClaimOf(claimA)
		require.NoError(t, err)
		require.Len(t, outs, 2)

		return nil
	}))

	var released []*SpentOutput
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		var err error
		released, err = tx.ReleaseClaim(claimA)

		return err
	}))
	require.Len(t, released, 2)

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		if err := tx.ClaimOutputs(claimB,
			&SpentOutput{Coin: claimCoin(1)},
		); err != nil {
			return err
		}

		return tx.ConfirmClaim(claimB)
	}))

	err = db.Update(func(tx *LedgerTx) error {
		_, err := tx.ReleaseClaim(claimB)
		return err
	})
	require.Error(t, err)

	var ids []chainhash.Hash
	require.NoError(t, db.View(func(tx *LedgerTx) error {
		return tx.ForEachClaim(func(id chainhash.Hash,
			outs []*SpentOutput) error {

			ids = append(ids, id)
			require.True(t, outs[0].Confirmed)

			return nil
		})
	}))
	require.Equal(t, []chainhash.Hash{claimB}, ids)

	// A confirmed claim can only be expired.
	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		var err error
		released, err = tx.ExpireClaim(claimB)

		return err
	}))
	require.Len(t, released, 1)

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		_, err := tx.FetchSpentOutput(claimCoin(1).OutPoint)
		require.ErrorIs(t, err, ErrSpentOutputNotFound)

		return nil
	}))
}

// TestClaimExclusive checks over random claim sequences that every outpoint
// ends up held by at most one claim and that claims are all or nothing.
func TestClaimExclusive(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		db := newTestDB(t)
		owner := make(map[int]int)

		attempts := rapid.IntRange(1, 8).Draw(rt, "attempts")
		for claim := 0; claim < attempts; claim++ {
			outs := rapid.SliceOfNDistinct(
				rapid.IntRange(0, 5), 1, 3, rapid.ID[int],
			).Draw(rt, fmt.Sprintf("outs-%d", claim))

			claimID := chainhash.Hash{byte(claim + 1)}
			err := db.Update(func(tx *LedgerTx) error {
				spent := make([]*SpentOutput, len(outs))
				for i, o := range outs {
					spent[i] = &SpentOutput{Coin: claimCoin(o)}
				}

				return tx.ClaimOutputs(claimID, spent...)
			})

			free := true
			for _, o := range outs {
				if _, ok := owner[o]; ok {
					free = false
				}
			}

			if !free {
				require.True(rt, errors.Is(
					err, errcode.ErrTransactionConcurrentInputsProblem,
				))
				continue
			}

			require.NoError(rt, err)
			for _, o := range outs {
				owner[o] = claim
			}
		}

		require.NoError(rt, db.View(func(tx *LedgerTx) error {
			for o := 0; o <= 5; o++ {
				s, err := tx.FetchSpentOutput(claimCoin(o).OutPoint)
				claim, held := owner[o]
				if !held {
					require.ErrorIs(rt, err, ErrSpentOutputNotFound)
					continue
				}

				require.NoError(rt, err)
				require.Equal(
					rt, chainhash.Hash{byte(claim + 1)}, s.ClaimID,
				)
			}

			return nil
		}))
	})
}

// TestAssetSettings asserts asset settings round trip and can be removed.
func TestAssetSettings(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	setting := &AssetSetting{
		Asset:            testSlot.Asset,
		HotWalletAddress: "bc1qhot",
		ChangeAddress:    "bc1qchange",
		Dust:             1,
		MaxHubBalance:    1000,
		FeeQueue:         "btc",
	}

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.PutAssetSetting(setting)
	}))
	require.NoError(t, db.View(func(tx *LedgerTx) error {
		stored, err := tx.FetchAssetSetting(setting.Asset)
		require.NoError(t, err)
		require.Equal(t, setting, stored)

		all, err := tx.AssetSettings()
		require.NoError(t, err)
		require.Len(t, all, 1)

		return nil
	}))

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.DeleteAssetSetting(setting.Asset)
	}))
	err := db.View(func(tx *LedgerTx) error {
		_, err := tx.FetchAssetSetting(setting.Asset)
		return err
	})
	require.ErrorIs(t, err, ErrAssetSettingNotFound)
}

// TestPendingSweeps asserts sweeps are listed until removed.
func TestPendingSweeps(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	sweep := &PendingSweep{
		Coin:            claimCoin(0),
		CommitmentID:    uuid.New(),
		Slot:            testSlot,
		WitnessScript:   []byte{0x51},
		CsvDelay:        144,
		BroadcastHeight: 100,
	}
	require.Equal(t, uint32(244), sweep.MatureHeight())

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		return tx.AddPendingSweep(sweep)
	}))

	require.NoError(t, db.Update(func(tx *LedgerTx) error {
		sweeps, err := tx.PendingSweeps()
		require.NoError(t, err)
		require.Len(t, sweeps, 1)
		require.Equal(t, sweep.CommitmentID, sweeps[0].CommitmentID)

		return tx.RemovePendingSweep(sweeps[0])
	}))

	require.NoError(t, db.View(func(tx *LedgerTx) error {
		sweeps, err := tx.PendingSweeps()
		require.NoError(t, err)
		require.Empty(t, sweeps)

		return nil
	}))
}
