package main

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/urfave/cli"
)

var assetsCommand = cli.Command{
	Name:     "assets",
	Category: "Ledger",
	Usage:    "Manage the settings of the assets the hub serves.",
	Subcommands: []cli.Command{
		{
			Name:   "list",
			Usage:  "List the settings of every asset.",
			Action: listAssets,
		},
		{
			Name:      "set",
			Usage:     "Create or replace the settings of an asset.",
			ArgsUsage: "asset",
			Description: `
	Stores the hot wallet, change address, dust and fee queue of an asset.
	The asset is either BTC or an Open Assets id. Settings of an existing
	asset are replaced as a whole.`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "hotwallet",
					Usage: "the address of the hot wallet",
				},
				cli.StringFlag{
					Name: "change",
					Usage: "the address receiving asset " +
						"change, defaults to the hot " +
						"wallet",
				},
				cli.Uint64Flag{
					Name: "dust",
					Usage: "the smallest balance in asset " +
						"units worth an output",
				},
				cli.Uint64Flag{
					Name: "maxhub",
					Usage: "cap of the hub share of a " +
						"channel, 0 disables it",
				},
				cli.StringFlag{
					Name:  "feequeue",
					Usage: "the fee pool queue builds draw from",
					Value: "default",
				},
			},
			Action: setAsset,
		},
		{
			Name:      "remove",
			Usage:     "Remove the settings of an asset.",
			ArgsUsage: "asset",
			Action:    removeAsset,
		},
	},
}

func listAssets(ctx *cli.Context) error {
	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	var settings []*channeldb.AssetSetting
	err = db.View(func(tx *channeldb.LedgerTx) error {
		settings, err = tx.AssetSettings()
		return err
	})
	if err != nil {
		return err
	}

	printJSON(settings)

	return nil
}

// checkAddress makes sure addr is valid on net.
func checkAddress(addr string, net *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		return err
	}
	if !decoded.IsForNet(net) {
		return fmt.Errorf("address %v is not for %v", addr, net.Name)
	}

	return nil
}

func setAsset(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "set")
	}

	asset := colored.AssetID(ctx.Args().First())
	if err := asset.Validate(); err != nil {
		return err
	}

	net, err := netParams(ctx)
	if err != nil {
		return err
	}

	setting := &channeldb.AssetSetting{
		Asset:            asset,
		HotWalletAddress: ctx.String("hotwallet"),
		ChangeAddress:    ctx.String("change"),
		Dust:             ctx.Uint64("dust"),
		MaxHubBalance:    ctx.Uint64("maxhub"),
		FeeQueue:         ctx.String("feequeue"),
	}
	if setting.HotWalletAddress == "" {
		return errors.New("hotwallet must be set")
	}
	if setting.ChangeAddress == "" {
		setting.ChangeAddress = setting.HotWalletAddress
	}
	if setting.FeeQueue == "" {
		return errors.New("feequeue must be set")
	}
	for _, addr := range []string{
		setting.HotWalletAddress, setting.ChangeAddress,
	} {
		if err := checkAddress(addr, net); err != nil {
			return err
		}
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	err = db.Update(func(tx *channeldb.LedgerTx) error {
		return tx.PutAssetSetting(setting)
	})
	if err != nil {
		return err
	}

	printJSON(setting)

	return nil
}

func removeAsset(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "remove")
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	asset := colored.AssetID(ctx.Args().First())

	return db.Update(func(tx *channeldb.LedgerTx) error {
		return tx.DeleteAssetSetting(asset)
	})
}
