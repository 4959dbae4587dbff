package channeldb

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	dbName = "hub.db"

	// dbVersion is the current layout of the database.
	dbVersion uint32 = 1
)

var (
	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian

	metaBucket       = []byte("meta")
	dbVersionKey     = []byte("version")
	channelBucket    = []byte("channels")
	chanSlotBucket   = []byte("channel-slots")
	commitBucket     = []byte("commitments")
	commitSlotBucket = []byte("commitment-slots")
	commitTxBucket   = []byte("commitment-txids")
	revokeKeyBucket  = []byte("revoke-keys")
	transferBucket   = []byte("transfers")
	trSlotBucket     = []byte("transfer-slots")
	closingBucket    = []byte("closings")
	closeSlotBucket  = []byte("closing-slots")
	broadcastBucket  = []byte("commitment-broadcasts")
	spentBucket      = []byte("spent-outputs")
	claimBucket      = []byte("claims")
	assetBucket      = []byte("asset-settings")
	sweepBucket      = []byte("pending-sweeps")

	topLevelBuckets = [][]byte{
		metaBucket, channelBucket, chanSlotBucket, commitBucket,
		commitSlotBucket, commitTxBucket, revokeKeyBucket,
		transferBucket, trSlotBucket, closingBucket, closeSlotBucket,
		broadcastBucket, spentBucket, claimBucket, assetBucket,
		sweepBucket,
	}
)

// Options holds parameters for tuning and customizing a DB.
type Options struct {
	// clock is the time source used by the database.
	clock clock.Clock

	// autoCompact compacts the bolt file on open.
	autoCompact bool

	// dbTimeout bounds waiting for the bolt file lock.
	dbTimeout time.Duration
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		clock:     clock.NewDefaultClock(),
		dbTimeout: kvdb.DefaultDBTimeout,
	}
}

// OptionModifier is a function signature for modifying the default Options.
type OptionModifier func(*Options)

// OptionClock sets a non-default clock dependency.
func OptionClock(clock clock.Clock) OptionModifier {
	return func(o *Options) {
		o.clock = clock
	}
}

// OptionAutoCompact turns on compaction of the bolt file on open.
func OptionAutoCompact(compact bool) OptionModifier {
	return func(o *Options) {
		o.autoCompact = compact
	}
}

// OptionDBTimeout sets how long to wait for the database lock.
func OptionDBTimeout(timeout time.Duration) OptionModifier {
	return func(o *Options) {
		o.dbTimeout = timeout
	}
}

// DB is the ledger of the hub. It stores every channel entity and owns all
// mutation of them.
type DB struct {
	backend kvdb.Backend
	clock   clock.Clock
}

// Open opens or creates the bolt database in dbPath.
func Open(dbPath string, modifiers ...OptionModifier) (*DB, error) {
	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbPath,
		DBFileName:        dbName,
		NoFreelistSync:    true,
		AutoCompact:       opts.autoCompact,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         opts.dbTimeout,
	})
	if err != nil {
		return nil, err
	}

	db, err := CreateWithBackend(backend, modifiers...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return db, nil
}

// CreateWithBackend creates the ledger over an open backend, initializing
// the buckets if needed.
func CreateWithBackend(backend kvdb.Backend,
	modifiers ...OptionModifier) (*DB, error) {

	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	db := &DB{
		backend: backend,
		clock:   opts.clock,
	}
	if err := db.init(); err != nil {
		return nil, err
	}

	return db, nil
}

// init creates the top level buckets and checks the layout version.
func (d *DB) init() error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return err
			}
		}

		meta := tx.ReadWriteBucket(metaBucket)
		stored := meta.Get(dbVersionKey)
		if stored == nil {
			var v [4]byte
			byteOrder.PutUint32(v[:], dbVersion)

			return meta.Put(dbVersionKey, v[:])
		}

		if version := byteOrder.Uint32(stored); version > dbVersion {
			return fmt.Errorf("%w: have %d, know %d",
				ErrDBReversion, version, dbVersion)
		}

		return nil
	}, func() {})
}

// Close closes the backend.
func (d *DB) Close() error {
	return d.backend.Close()
}

// Backend returns the underlying kvdb backend.
func (d *DB) Backend() kvdb.Backend {
	return d.backend
}

// Now returns the time of the database clock.
func (d *DB) Now() time.Time {
	return d.clock.Now()
}

// Update runs f in a read/write ledger transaction. Every write done through
// the LedgerTx commits atomically or not at all.
func (d *DB) Update(f func(tx *LedgerTx) error) error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		return f(&LedgerTx{rtx: tx, rwtx: tx, now: d.clock.Now()})
	}, func() {})
}

// View runs f in a read only ledger transaction.
func (d *DB) View(f func(tx *LedgerTx) error) error {
	return kvdb.View(d.backend, func(tx kvdb.RTx) error {
		return f(&LedgerTx{rtx: tx, now: d.clock.Now()})
	}, func() {})
}
