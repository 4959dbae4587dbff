package feepool

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "feepool")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewStore(db)
}

func testCoins(n int) []colored.Coin {
	coins := make([]colored.Coin, n)
	for i := range coins {
		coins[i] = colored.Coin{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i + 1)},
				Index: uint32(i),
			},
			Value:    1000,
			PkScript: []byte{0x00, 0x14, byte(i)},
			Asset:    colored.Bitcoin,
		}
	}

	return coins
}

// TestStoreFIFO asserts coins leave a queue in the order they entered it.
func TestStoreFIFO(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	coins := testCoins(3)

	require.NoError(t, store.Enqueue("btc", coins...))

	count, err := store.Count("btc")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	for i := range coins {
		coin, err := store.Dequeue("btc")
		require.NoError(t, err)
		require.Equal(t, coins[i], coin)
	}

	_, err = store.Dequeue("btc")
	require.ErrorIs(t, err, ErrPoolEmpty)
}

// TestStoreQueuesIndependent asserts queues do not share coins.
func TestStoreQueuesIndependent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	coins := testCoins(2)

	require.NoError(t, store.Enqueue("a", coins[0]))
	require.NoError(t, store.Enqueue("b", coins[1]))

	coin, err := store.Dequeue("b")
	require.NoError(t, err)
	require.Equal(t, coins[1], coin)

	_, err = store.Dequeue("b")
	require.ErrorIs(t, err, ErrPoolEmpty)

	count, err := store.Count("a")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	names, err := store.Queues()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

// TestStoreDuplicateEnqueue asserts a coin returned twice is only queued
// once, and can be queued again after it was dequeued.
func TestStoreDuplicateEnqueue(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	coin := testCoins(1)[0]

	require.NoError(t, store.Enqueue("btc", coin, coin))
	require.NoError(t, store.Enqueue("btc", coin))

	count, err := store.Count("btc")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = store.Dequeue("btc")
	require.NoError(t, err)
	require.NoError(t, store.Enqueue("btc", coin))

	list, err := store.List("btc")
	require.NoError(t, err)
	require.Equal(t, []colored.Coin{coin}, list)
}

// TestStoreConcurrentDequeue asserts concurrent dequeues never hand the same
// coin to two callers.
func TestStoreConcurrentDequeue(t *testing.T) {
	t.Parallel()

	const numCoins = 20

	store := newTestStore(t)
	require.NoError(t, store.Enqueue("btc", testCoins(numCoins)...))

	var (
		mu   sync.Mutex
		seen = make(map[wire.OutPoint]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < numCoins+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			coin, err := store.Dequeue("btc")
			if err != nil {
				return
			}

			mu.Lock()
			seen[coin.OutPoint]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, numCoins)
	for op, n := range seen {
		require.Equal(t, 1, n, "coin %v dequeued twice", op)
	}
}
