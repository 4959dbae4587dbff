package hubcfg

import (
	"fmt"
	"net"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/colorhub/hubd/chainio"
)

const (
	defaultRPCHost = "localhost"

	// DefaultNetwork is the network hubd runs on unless configured
	// otherwise.
	DefaultNetwork = "testnet3"
)

// Chain holds the configuration options for the daemon's connection to
// bitcoind.
//
//nolint:lll
type Chain struct {
	Network string `long:"network" description:"The network the hub operates on." choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet" choice:"signet"`
	RPCHost string `long:"rpchost" description:"The bitcoind rpc listening address. If a port is omitted, then the default port for the selected network will be used."`
	RPCUser string `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass string `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
}

// DefaultChain returns a default configuration for the chain backend.
func DefaultChain() *Chain {
	return &Chain{
		Network: DefaultNetwork,
		RPCHost: defaultRPCHost,
	}
}

// Params returns the parameters of the configured network.
func (c *Chain) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	case "simnet":
		return &chaincfg.SimNetParams, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// rpcPort returns the default bitcoind rpc port of the configured network.
func (c *Chain) rpcPort() string {
	switch c.Network {
	case "mainnet":
		return "8332"

	case "regtest":
		return "18443"

	case "simnet":
		return "18556"

	case "signet":
		return "38332"

	default:
		return "18332"
	}
}

// Validate checks the network is known and adds the default port to the rpc
// host if it has none.
func (c *Chain) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}

	if c.RPCHost == "" {
		return fmt.Errorf("chain.rpchost must be set")
	}

	host, err := normalizeHost(c.RPCHost, c.rpcPort())
	if err != nil {
		return fmt.Errorf("invalid chain.rpchost: %w", err)
	}
	c.RPCHost = host

	return nil
}

// normalizeHost appends defaultPort to host if it carries no port.
func normalizeHost(host, defaultPort string) (string, error) {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}

	// An ipv6 literal without port may come bracketed.
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	hostPort := net.JoinHostPort(host, defaultPort)
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		return "", err
	}

	return hostPort, nil
}

// BitcoindConfig returns the connection details of the bitcoind client.
func (c *Chain) BitcoindConfig() (*chainio.BitcoindConfig, error) {
	params, err := c.Params()
	if err != nil {
		return nil, err
	}

	return &chainio.BitcoindConfig{
		Host: c.RPCHost,
		User: c.RPCUser,
		Pass: c.RPCPass,
		Net:  params,
	}, nil
}

// Compile-time constraint to ensure Chain implements the Validator interface.
var _ Validator = (*Chain)(nil)
