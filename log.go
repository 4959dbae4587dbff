package hubd

import (
	"github.com/btcsuite/btclog"
	"github.com/colorhub/hubd/build"
	"github.com/colorhub/hubd/chainfee"
	"github.com/colorhub/hubd/chainio"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/contractcourt"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/monitoring"
	"github.com/colorhub/hubd/notify"
	"github.com/colorhub/hubd/offchain"
	"github.com/colorhub/hubd/signal"
	"github.com/colorhub/hubd/txbuild"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance in the config.
var (
	// hubdPkgLoggers is a list of all hubd package level loggers that are
	// registered. They are tracked here so they can be replaced once the
	// SetupLoggers function is called with the final root logger.
	hubdPkgLoggers []*replaceableLogger

	// addHubdPkgLogger is a helper function that creates a new replaceable
	// main hubd package level logger and adds it to the list of loggers
	// that are replaced again later, once the final root logger is ready.
	addHubdPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		hubdPkgLoggers = append(hubdPkgLoggers, l)

		return l
	}

	// Loggers that need to be accessible from the hubd package can be
	// placed here. Loggers that are only used in sub modules can be added
	// directly by the SetupLoggers function.
	hubdLog = addHubdPkgLogger("HUBD")
)

// genSubLogger creates a logger for a subsystem. We provide an instance of a
// signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return build.NewShutdownLogger(root.GenSubLogger(tag), shutdown)
	}
}

// SetupLoggers initializes all package-global logger variables. Only the
// HUBD logger requests a shutdown on critical messages, a breach logged as
// critical by the monitor must not stop the daemon that punishes it.
func SetupLoggers(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	// Now that we have the proper root logger, we can replace the
	// placeholder hubd package loggers.
	for _, l := range hubdPkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	// Some of the loggers declared in the main hubd package are also used
	// in sub packages.
	signal.UseLogger(hubdLog)

	AddSubLogger(root, "CHDB", channeldb.UseLogger)
	AddSubLogger(root, "OFCH", offchain.UseLogger)
	AddSubLogger(root, "TXBL", txbuild.UseLogger)
	AddSubLogger(root, "FEEP", feepool.UseLogger)
	AddSubLogger(root, "CFEE", chainfee.UseLogger)
	AddSubLogger(root, "CHIO", chainio.UseLogger)
	AddSubLogger(root, "NTFY", notify.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
	AddSubLogger(root, "CNCT", contractcourt.UseLogger)
	AddSubLogger(root, "BRAR", contractcourt.UseBreachLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := root.GenSubLogger(subsystem)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
