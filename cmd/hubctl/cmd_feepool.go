package main

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/colorhub/hubd/feepool"
	"github.com/colorhub/hubd/input"
	"github.com/urfave/cli"
)

var queueFlag = cli.StringFlag{
	Name:  "queue",
	Usage: "the fee pool queue, all queues if unset",
}

var feePoolCommand = cli.Command{
	Name:     "feepool",
	Category: "Ledger",
	Usage:    "Inspect and fill the fee pool.",
	Subcommands: []cli.Command{
		{
			Name:   "count",
			Usage:  "Count the fee coins of the queues.",
			Flags:  []cli.Flag{queueFlag},
			Action: countFeeCoins,
		},
		{
			Name:   "list",
			Usage:  "List the fee coins of a queue in order.",
			Flags:  []cli.Flag{queueFlag},
			Action: listFeeCoins,
		},
		{
			Name:      "add",
			Usage:     "Append a confirmed fee wallet coin to a queue.",
			ArgsUsage: "txid:index",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "queue",
					Usage: "the fee pool queue",
					Value: "default",
				},
				cli.StringFlag{
					Name:  "address",
					Usage: "the fee wallet address of the coin",
				},
				cli.Int64Flag{
					Name:  "value",
					Usage: "the value of the coin in satoshis",
				},
			},
			Action: addFeeCoin,
		},
	},
}

// queuesOf returns the queue flag or every queue of the pool.
func queuesOf(ctx *cli.Context, pool *feepool.Store) ([]string, error) {
	if queue := ctx.String("queue"); queue != "" {
		return []string{queue}, nil
	}

	return pool.Queues()
}

func countFeeCoins(ctx *cli.Context) error {
	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	pool := feepool.NewStore(db.Backend())
	queues, err := queuesOf(ctx, pool)
	if err != nil {
		return err
	}

	counts := make(map[string]int, len(queues))
	for _, queue := range queues {
		counts[queue], err = pool.Count(queue)
		if err != nil {
			return err
		}
	}

	printJSON(counts)

	return nil
}

type feeCoin struct {
	OutPoint string `json:"outpoint"`
	Value    int64  `json:"value"`
}

func listFeeCoins(ctx *cli.Context) error {
	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	pool := feepool.NewStore(db.Backend())
	queues, err := queuesOf(ctx, pool)
	if err != nil {
		return err
	}

	coins := make(map[string][]feeCoin, len(queues))
	for _, queue := range queues {
		queued, err := pool.List(queue)
		if err != nil {
			return err
		}

		coins[queue] = make([]feeCoin, 0, len(queued))
		for _, c := range queued {
			coins[queue] = append(coins[queue], feeCoin{
				OutPoint: c.OutPoint.String(),
				Value:    int64(c.Value),
			})
		}
	}

	printJSON(coins)

	return nil
}

func addFeeCoin(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "add")
	}

	op, err := wire.NewOutPointFromString(ctx.Args().First())
	if err != nil {
		return err
	}

	net, err := netParams(ctx)
	if err != nil {
		return err
	}

	addr := ctx.String("address")
	if err := checkAddress(addr, net); err != nil {
		return err
	}
	pkScript, err := input.PayToAddrScript(addr, net)
	if err != nil {
		return err
	}

	value := ctx.Int64("value")
	if value <= 0 {
		return errors.New("value must be positive")
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	pool := feepool.NewStore(db.Backend())
	err = pool.Enqueue(ctx.String("queue"), colored.Coin{
		OutPoint: *op,
		Value:    btcutil.Amount(value),
		PkScript: pkScript,
		Asset:    colored.Bitcoin,
	})
	if err != nil {
		return err
	}

	count, err := pool.Count(ctx.String("queue"))
	if err != nil {
		return err
	}

	printJSON(map[string]int{ctx.String("queue"): count})

	return nil
}
