package hubcfg

import (
	"errors"
)

// Signer points at the keys the hub signs with.
//
//nolint:lll
type Signer struct {
	KeyFile string `long:"keyfile" description:"File holding the hub keys, one '<family> <wif>' pair per line. Families are channel, hotwallet and feewallet."`
}

// Validate checks a key file is set.
func (s *Signer) Validate() error {
	if s.KeyFile == "" {
		return errors.New("signer.keyfile must be set")
	}

	return nil
}

// Compile-time constraint to ensure Signer implements the Validator
// interface.
var _ Validator = (*Signer)(nil)
