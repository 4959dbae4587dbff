package hubcfg

import (
	"errors"
	"time"

	"github.com/colorhub/hubd/channeldb"
	"github.com/lightningnetwork/lnd/kvdb"
)

// DB holds database configuration for hubd.
//
//nolint:lll
type DB struct {
	Timeout     time.Duration `long:"timeout" description:"How long to wait for the lock of the database file before giving up."`
	AutoCompact bool          `long:"autocompact" description:"Compact the database file on startup."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Timeout: kvdb.DefaultDBTimeout,
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.Timeout <= 0 {
		return errors.New("db.timeout must be positive")
	}

	return nil
}

// Open opens the ledger database in dbPath.
func (db *DB) Open(dbPath string,
	modifiers ...channeldb.OptionModifier) (*channeldb.DB, error) {

	opts := append([]channeldb.OptionModifier{
		channeldb.OptionDBTimeout(db.Timeout),
		channeldb.OptionAutoCompact(db.AutoCompact),
	}, modifiers...)

	return channeldb.Open(dbPath, opts...)
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
