package hubcfg

import (
	"errors"
	"time"

	"github.com/colorhub/hubd/contractcourt"
)

// Monitor configures the ledger monitor.
//
//nolint:lll
type Monitor struct {
	// Interval is the time between two ledger checks.
	Interval time.Duration `long:"interval" description:"Time between two checks of the ledger for published commitments, matured sweeps and stale claims."`

	// ClaimTTL is the age after which a claim of an unknown tx is
	// released.
	ClaimTTL time.Duration `long:"claimttl" description:"Age after which outputs claimed by a transaction the ledger does not know are released."`

	// TransferTTL is the age after which an unfinished transfer is
	// reverted.
	TransferTTL time.Duration `long:"transferttl" description:"Age after which an unfinished transfer is reverted."`

	// Workers is the maximum number of concurrent ledger lookups.
	Workers int `long:"workers" description:"Maximum number of concurrent ledger lookups of one check."`
}

// DefaultMonitor returns the default monitor settings.
func DefaultMonitor() *Monitor {
	return &Monitor{
		Interval:    contractcourt.DefaultInterval,
		ClaimTTL:    contractcourt.DefaultClaimTTL,
		TransferTTL: contractcourt.DefaultTransferTTL,
		Workers:     contractcourt.DefaultWorkers,
	}
}

// Validate checks that every duration and the worker count are positive.
func (m *Monitor) Validate() error {
	switch {
	case m.Interval <= 0:
		return errors.New("monitor.interval must be positive")

	case m.ClaimTTL <= 0:
		return errors.New("monitor.claimttl must be positive")

	case m.TransferTTL <= 0:
		return errors.New("monitor.transferttl must be positive")

	case m.Workers <= 0:
		return errors.New("monitor.workers must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Monitor implements the Validator
// interface.
var _ Validator = (*Monitor)(nil)
