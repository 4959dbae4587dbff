package channeldb

import (
	"bytes"
	"io"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

// LedgerTx is a ledger transaction. Reads see a consistent snapshot, writes
// commit together when the function passed to DB.Update returns nil.
type LedgerTx struct {
	rtx  kvdb.RTx
	rwtx kvdb.RwTx
	now  time.Time
}

// Now is the time writes in this transaction are stamped with.
func (t *LedgerTx) Now() time.Time {
	return t.now
}

func (t *LedgerTx) bucket(name []byte) kvdb.RBucket {
	return t.rtx.ReadBucket(name)
}

func (t *LedgerTx) rwBucket(name []byte) (kvdb.RwBucket, error) {
	if t.rwtx == nil {
		return nil, ErrReadOnlyTx
	}

	return t.rwtx.ReadWriteBucket(name), nil
}

type encoder interface {
	Encode(w io.Writer) error
}

// decoderPtr constrains a pointer to a record type.
type decoderPtr[T any] interface {
	*T
	Decode(r io.Reader) error
}

func putRecord(b kvdb.RwBucket, key []byte, r encoder) error {
	value, err := serialize(r.Encode)
	if err != nil {
		return err
	}

	return b.Put(key, value)
}

// getRecord decodes the value of key. A nil result means no value.
func getRecord[T any, P decoderPtr[T]](b kvdb.RBucket, key []byte) (*T,
	error) {

	value := b.Get(key)
	if value == nil {
		return nil, nil
	}

	record := P(new(T))
	if err := record.Decode(bytes.NewReader(value)); err != nil {
		return nil, err
	}

	return (*T)(record), nil
}

// forEachRecord decodes every value of b.
func forEachRecord[T any, P decoderPtr[T]](b kvdb.RBucket,
	f func(k []byte, r *T) error) error {

	return b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}

		record := P(new(T))
		if err := record.Decode(bytes.NewReader(v)); err != nil {
			return err
		}

		return f(k, (*T)(record))
	})
}

// sortByCreation orders records oldest first.
func sortByCreation[T any](records []*T, createdAt func(*T) time.Time) {
	sort.SliceStable(records, func(i, j int) bool {
		return createdAt(records[i]).Before(createdAt(records[j]))
	})
}
