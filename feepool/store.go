package feepool

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// feePoolBucket is the top level bucket of the fee pool. Each queue
	// lives in a nested bucket named after the queue.
	feePoolBucket = []byte("fee-pool")

	// queueCoinsBucket maps a big endian sequence number to an encoded
	// coin. Bolt iterates keys in order, so the lowest sequence is the
	// head of the queue.
	queueCoinsBucket = []byte("coins")

	// queueIndexBucket maps an outpoint to its sequence number within
	// the queue.
	queueIndexBucket = []byte("index")

	// ErrPoolEmpty is returned when dequeueing from an empty queue.
	ErrPoolEmpty = errors.New("fee pool is empty")

	byteOrder = binary.BigEndian
)

// Store is a set of named FIFO queues of fee coins persisted in a kvdb
// backend. Dequeue deletes the coin inside a single write transaction, which
// makes it the only point of exclusivity between concurrent builds.
type Store struct {
	db kvdb.Backend
}

// NewStore returns a fee pool over db.
func NewStore(db kvdb.Backend) *Store {
	return &Store{db: db}
}

func outpointKey(op wire.OutPoint) []byte {
	var b bytes.Buffer
	b.Write(op.Hash[:])
	var idx [4]byte
	byteOrder.PutUint32(idx[:], op.Index)
	b.Write(idx[:])

	return b.Bytes()
}

func queueBuckets(tx kvdb.RwTx, queue string) (kvdb.RwBucket, kvdb.RwBucket,
	error) {

	root, err := tx.CreateTopLevelBucket(feePoolBucket)
	if err != nil {
		return nil, nil, err
	}
	q, err := root.CreateBucketIfNotExists([]byte(queue))
	if err != nil {
		return nil, nil, err
	}
	coins, err := q.CreateBucketIfNotExists(queueCoinsBucket)
	if err != nil {
		return nil, nil, err
	}
	index, err := q.CreateBucketIfNotExists(queueIndexBucket)
	if err != nil {
		return nil, nil, err
	}

	return coins, index, nil
}

// Enqueue appends coins to the tail of queue. Coins already queued are
// skipped, so returning the same coin twice never duplicates it.
func (s *Store) Enqueue(queue string, coins ...colored.Coin) error {
	if len(coins) == 0 {
		return nil
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		coinBucket, index, err := queueBuckets(tx, queue)
		if err != nil {
			return err
		}

		for i := range coins {
			opKey := outpointKey(coins[i].OutPoint)
			if index.Get(opKey) != nil {
				log.Debugf("Fee coin %v already in queue %v",
					coins[i].OutPoint, queue)
				continue
			}

			seq, err := coinBucket.NextSequence()
			if err != nil {
				return err
			}
			var seqKey [8]byte
			byteOrder.PutUint64(seqKey[:], seq)

			var b bytes.Buffer
			if err := coins[i].Encode(&b); err != nil {
				return err
			}
			if err := coinBucket.Put(seqKey[:], b.Bytes()); err != nil {
				return err
			}
			if err := index.Put(opKey, seqKey[:]); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// Dequeue removes and returns the head of queue. ErrPoolEmpty is returned
// when the queue holds no coins.
func (s *Store) Dequeue(queue string) (colored.Coin, error) {
	var coin colored.Coin
	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		coinBucket, index, err := queueBuckets(tx, queue)
		if err != nil {
			return err
		}

		cursor := coinBucket.ReadWriteCursor()
		k, v := cursor.First()
		if k == nil {
			return ErrPoolEmpty
		}

		if err := coin.Decode(bytes.NewReader(v)); err != nil {
			return fmt.Errorf("corrupt fee coin %x: %w", k, err)
		}
		if err := cursor.Delete(); err != nil {
			return err
		}

		return index.Delete(outpointKey(coin.OutPoint))
	}, func() {
		coin = colored.Coin{}
	})
	if err != nil {
		return colored.Coin{}, err
	}

	return coin, nil
}

// Count returns the number of coins in queue.
func (s *Store) Count(queue string) (int, error) {
	var count int
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		coins := nestedQueue(tx, queue)
		if coins == nil {
			return nil
		}

		return coins.ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	}, func() {
		count = 0
	})

	return count, err
}

// List returns the coins of queue from head to tail.
func (s *Store) List(queue string) ([]colored.Coin, error) {
	var coins []colored.Coin
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := nestedQueue(tx, queue)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var c colored.Coin
			if err := c.Decode(bytes.NewReader(v)); err != nil {
				return err
			}
			coins = append(coins, c)

			return nil
		})
	}, func() {
		coins = nil
	})

	return coins, err
}

// Queues returns the names of all queues that were ever written.
func (s *Store) Queues() ([]string, error) {
	var names []string
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		root := tx.ReadBucket(feePoolBucket)
		if root == nil {
			return nil
		}

		return root.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	}, func() {
		names = nil
	})

	return names, err
}

func nestedQueue(tx kvdb.RTx, queue string) kvdb.RBucket {
	root := tx.ReadBucket(feePoolBucket)
	if root == nil {
		return nil
	}
	q := root.NestedReadBucket([]byte(queue))
	if q == nil {
		return nil
	}

	return q.NestedReadBucket(queueCoinsBucket)
}
