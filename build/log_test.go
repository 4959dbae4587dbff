package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func newTestWriter() *RotatingLogWriter {
	w := NewRotatingLogWriter()
	for _, sub := range []string{"HUBD", "CHDB", "OFCH"} {
		w.RegisterSubLogger(sub, w.GenSubLogger(sub))
	}

	return w
}

// TestParseAndSetDebugLevels checks the global and per-subsystem forms of the
// debug level string.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		level     string
		expectErr bool
		expected  map[string]btclog.Level
	}{{
		name:  "global",
		level: "debug",
		expected: map[string]btclog.Level{
			"HUBD": btclog.LevelDebug,
			"CHDB": btclog.LevelDebug,
			"OFCH": btclog.LevelDebug,
		},
	}, {
		name:  "global plus subsystem",
		level: "warn,CHDB=trace",
		expected: map[string]btclog.Level{
			"HUBD": btclog.LevelWarn,
			"CHDB": btclog.LevelTrace,
			"OFCH": btclog.LevelWarn,
		},
	}, {
		name:      "unknown subsystem",
		level:     "info,NOPE=debug",
		expectErr: true,
	}, {
		name:      "bad level",
		level:     "loud",
		expectErr: true,
	}, {
		name:      "bad pair",
		level:     "info,CHDB",
		expectErr: true,
	}, {
		name:      "empty",
		level:     "",
		expectErr: true,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w := newTestWriter()
			err := ParseAndSetDebugLevels(tc.level, w)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			for sub, level := range tc.expected {
				require.Equal(t, level, w.SubLoggers()[sub].Level())
			}
		})
	}
}

// TestSupportedSubsystemsSorted asserts the subsystem list is stable.
func TestSupportedSubsystemsSorted(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	require.Equal(
		t, []string{"CHDB", "HUBD", "OFCH"}, w.SupportedSubsystems(),
	)
}

// TestShutdownLogger asserts critical logs request shutdown.
func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var calls int
	l := NewShutdownLogger(btclog.Disabled, func() { calls++ })
	l.Criticalf("boom %d", 1)
	l.Critical("boom")
	l.Info("fine")

	require.Equal(t, 2, calls)
}
