package hubd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/colorhub/hubd/build"
	"github.com/colorhub/hubd/hubcfg"
	"github.com/colorhub/hubd/signal"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "hubd.log"
	defaultKeyFilename     = "hub.keys"
	defaultMaxLogFiles     = 3
	defaultMaxLogFileSize  = 10
	defaultShutdownTimeout = 30
)

var (
	// DefaultHubDir is the default directory where hubd tries to find its
	// configuration file and store its data. This is a directory in the
	// user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Hubd on Windows
	//   ~/.hubd on Linux
	//   ~/Library/Application Support/Hubd on MacOS
	DefaultHubDir = btcutil.AppDataDir("hubd", false)

	// DefaultConfigFile is the default full path of hubd's configuration
	// file.
	DefaultConfigFile = filepath.Join(
		DefaultHubDir, hubcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultHubDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultHubDir, defaultLogDirname)
	defaultKeyFile = filepath.Join(DefaultHubDir, defaultKeyFilename)
)

// Config defines the configuration options for hubd.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	HubDir     string `long:"hubdir" description:"The base directory that contains hubd's data, logs, configuration file, etc. This option overwrites all other directory options."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store hubd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	ShutdownTimeout int `long:"shutdowntimeout" description:"Seconds to wait for the ledger monitor and the refiller to stop."`

	DB *hubcfg.DB `group:"db" namespace:"db"`

	Chain *hubcfg.Chain `group:"chain" namespace:"chain"`

	Hub *hubcfg.Hub `group:"hub" namespace:"hub"`

	Signer *hubcfg.Signer `group:"signer" namespace:"signer"`

	Monitor *hubcfg.Monitor `group:"monitor" namespace:"monitor"`

	Prometheus hubcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *hubcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter

	// ActiveNetParams are the parameters of the configured network.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		HubDir:          DefaultHubDir,
		ConfigFile:      DefaultConfigFile,
		DataDir:         defaultDataDir,
		LogDir:          defaultLogDir,
		DebugLevel:      defaultLogLevel,
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		ShutdownTimeout: defaultShutdownTimeout,
		DB:              hubcfg.DefaultDB(),
		Chain:           hubcfg.DefaultChain(),
		Hub:             hubcfg.DefaultHub(),
		Signer: &hubcfg.Signer{
			KeyFile: defaultKeyFile,
		},
		Monitor:      hubcfg.DefaultMonitor(),
		Prometheus:   hubcfg.DefaultPrometheus(),
		HealthChecks: hubcfg.DefaultHealthChecks(),
		LogWriter:    build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their hubdir, then we should assume they intend to use the
	// config file within it.
	configFileDir := hubcfg.CleanAndExpandPath(preCfg.HubDir)
	configFilePath := hubcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultHubDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, hubcfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, interceptor)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		hubdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string,
	interceptor signal.Interceptor) (*Config, error) {

	// If the provided hub directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	hubDir := hubcfg.CleanAndExpandPath(cfg.HubDir)
	if hubDir != DefaultHubDir {
		cfg.DataDir = filepath.Join(hubDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(hubDir, defaultLogDirname)

		if cfg.Signer.KeyFile == defaultKeyFile {
			cfg.Signer.KeyFile = filepath.Join(
				hubDir, defaultKeyFilename,
			)
		}
	}

	funcName := "ValidateConfig"
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf(funcName+": "+format, args...)
	}
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var pathErr *os.PathError
			if errors.As(err, &pathErr) && os.IsExist(err) {
				link, lerr := os.Readlink(pathErr.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, pathErr.Path, link)
				}
			}

			err := mkErr("failed to create hubd directory '%s': "+
				"%v", dir, err)
			_, _ = fmt.Fprintln(os.Stderr, err)

			return err
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on.
	cfg.DataDir = hubcfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = hubcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Signer.KeyFile = hubcfg.CleanAndExpandPath(cfg.Signer.KeyFile)

	// Create the hub directory and all other sub directories if they
	// don't already exist. This makes sure that directory trees are also
	// created for files that point to outside of the hubdir.
	dirs := []string{hubDir, cfg.DataDir, cfg.LogDir}
	for _, dir := range dirs {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	// Ensure that the user didn't attempt to specify negative values for
	// any of the log options or a zero shutdown timeout.
	switch {
	case cfg.MaxLogFiles < 0:
		return nil, mkErr("maxlogfiles must be non-negative")

	case cfg.MaxLogFileSize < 0:
		return nil, mkErr("maxlogfilesize must be non-negative")

	case cfg.ShutdownTimeout <= 0:
		return nil, mkErr("shutdowntimeout must be positive")
	}

	err := hubcfg.Validate(
		cfg.DB, cfg.Chain, cfg.Hub, cfg.Signer, cfg.Monitor,
		cfg.HealthChecks,
	)
	if err != nil {
		return nil, mkErr("%v", err)
	}

	cfg.ActiveNetParams, err = cfg.Chain.Params()
	if err != nil {
		return nil, mkErr("%v", err)
	}

	// Data and logs of different networks never mix.
	network := hubcfg.NormalizeNetwork(cfg.ActiveNetParams.Name)
	cfg.DataDir = filepath.Join(cfg.DataDir, network)
	cfg.LogDir = filepath.Join(cfg.LogDir, network)

	// A log writer must be passed in, otherwise we can't function and
	// would panic later on.
	if cfg.LogWriter == nil {
		return nil, mkErr("log writer missing in config")
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		SetupLoggers(cfg.LogWriter, interceptor)
		fmt.Println("Supported subsystems",
			cfg.LogWriter.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogWriter, interceptor)
	err = cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		str := "log rotation setup failed: %v"
		return nil, mkErr(str, err)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		str := "error parsing debug level: %v"
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return nil, mkErr(str, err)
	}

	return &cfg, nil
}

// DBPath returns the directory of the ledger database.
func (c *Config) DBPath() string {
	return c.DataDir
}
