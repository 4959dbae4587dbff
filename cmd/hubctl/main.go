// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/colorhub/hubd/build"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/hubcfg"
	"github.com/urfave/cli"
)

const (
	defaultDataDir   = "data"
	defaultDBTimeout = 5 * time.Second
)

var defaultHubDir = btcutil.AppDataDir("hubd", false)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[hubctl] %v\n", err)
	os.Exit(1)
}

// netParams returns the parameters of the network flag.
func netParams(ctx *cli.Context) (*chaincfg.Params, error) {
	chain := &hubcfg.Chain{Network: ctx.GlobalString("network")}

	return chain.Params()
}

// openLedger opens the ledger database of the daemon. The daemon must not be
// running, bolt allows a single process only.
func openLedger(ctx *cli.Context) (*channeldb.DB, func(), error) {
	params, err := netParams(ctx)
	if err != nil {
		return nil, nil, err
	}

	dataDir := ctx.GlobalString("datadir")
	if dataDir == "" {
		dataDir = filepath.Join(
			hubcfg.CleanAndExpandPath(ctx.GlobalString("hubdir")),
			defaultDataDir,
		)
	}
	dbPath := filepath.Join(
		hubcfg.CleanAndExpandPath(dataDir),
		hubcfg.NormalizeNetwork(params.Name),
	)

	db, err := channeldb.Open(
		dbPath, channeldb.OptionDBTimeout(ctx.GlobalDuration("timeout")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open ledger in %v (is "+
			"hubd running?): %w", dbPath, err)
	}

	cleanUp := func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "[hubctl] unable to close "+
				"ledger: %v\n", err)
		}
	}

	return db, cleanUp, nil
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Printf("%s\n", b)
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "hubctl"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "offline administration of the hubd ledger"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "hubdir",
			Value:     defaultHubDir,
			Usage:     "The path to hubd's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "datadir",
			Usage: "The path to hubd's data directory, defaults " +
				"to the data directory of hubdir.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network hubd is running on, e.g. mainnet, " +
				"testnet3, regtest.",
			Value: hubcfg.DefaultNetwork,
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: defaultDBTimeout,
			Usage: "How long to wait for the ledger file lock.",
		},
	}
	app.Commands = []cli.Command{
		assetsCommand,
		feePoolCommand,
		channelsCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
