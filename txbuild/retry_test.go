package txbuild

import (
	"errors"
	"testing"

	"github.com/colorhub/hubd/errcode"
	"github.com/stretchr/testify/require"
)

// TestRetry asserts only retryable failures are retried and the attempt cap
// holds.
func TestRetry(t *testing.T) {
	t.Parallel()

	conflict := errcode.ErrTransactionConcurrentInputsProblem.New("taken")
	fatal := errors.New("fatal")

	testCases := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{
			name:      "first try",
			wantCalls: 1,
		},
		{
			name:      "conflict then success",
			failures:  []error{conflict, conflict},
			wantCalls: 3,
		},
		{
			name:      "fatal stops",
			failures:  []error{conflict, fatal},
			wantCalls: 2,
			wantErr:   fatal,
		},
		{
			name: "exhausted",
			failures: []error{
				conflict, conflict, conflict, conflict,
				conflict, conflict,
			},
			wantCalls: DefaultAttempts,
			wantErr:   errcode.ErrTransactionConcurrentInputsProblem,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var calls int
			res, err := Retry(DefaultAttempts, nil,
				func(attempt int) (int, error) {
					require.Equal(t, calls, attempt)
					calls++

					if attempt < len(tc.failures) {
						return 0, tc.failures[attempt]
					}

					return 42, nil
				},
			)

			require.Equal(t, tc.wantCalls, calls)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 42, res)
		})
	}
}
