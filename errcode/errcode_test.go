package errcode

import (
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// TestKindMatching asserts that wrapped kinds survive further wrapping by
// both this package and fmt.
func TestKindMatching(t *testing.T) {
	t.Parallel()

	err := ErrKeyUsedAlready.Newf("pubkey %x", []byte{1, 2})
	err = fmt.Errorf("finalize: %w", err)
	err = Wrap(err, "outer")

	require.True(t, errors.Is(err, ErrKeyUsedAlready))
	require.False(t, errors.Is(err, ErrCommitmentExpired))
	require.Equal(t, uint32(160), CodeOf(err))
	require.Contains(t, err.Error(), "key used already")
}

// TestCodeOf covers nil, unclassified and classified errors.
func TestCodeOf(t *testing.T) {
	t.Parallel()

	require.Zero(t, CodeOf(nil))
	require.Equal(t, uint32(1), CodeOf(errors.New("plain")))
	require.Equal(
		t, uint32(151), CodeOf(ErrCommitmentNotFound.New("x")),
	)
}

// TestRetryable asserts only the concurrency conflict is retryable.
func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, IsRetryable(
		ErrTransactionConcurrentInputsProblem.New("utxo taken"),
	))
	require.False(t, IsRetryable(ErrBadTransaction.New("nope")))
	require.False(t, IsRetryable(errors.New("plain")))
}

// TestRegisterDuplicatePanics asserts codes cannot be reused.
func TestRegisterDuplicatePanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		Register(100, "again")
	})
}

// TestCause asserts pkg/errors can walk back to the kind.
func TestCause(t *testing.T) {
	t.Parallel()

	err := Wrap(ErrDuplicateRequest.New("replay"), "api")
	require.Equal(t, ErrDuplicateRequest, pkgerrors.Cause(err))
}

// TestWrapNil asserts wrapping nil is a no-op.
func TestWrapNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wrap(nil, "nothing"))
}
