package main

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/colorhub/hubd/channeldb"
	"github.com/colorhub/hubd/colored"
	"github.com/urfave/cli"
)

var channelsCommand = cli.Command{
	Name:     "channels",
	Category: "Ledger",
	Usage:    "Inspect channels and their commitments.",
	Subcommands: []cli.Command{
		{
			Name:   "list",
			Usage:  "List the current channel of every slot.",
			Action: listChannels,
		},
		{
			Name:      "show",
			Usage:     "Show a channel with its commitments.",
			ArgsUsage: "multisig asset",
			Action:    showChannel,
		},
		{
			Name:   "broadcasts",
			Usage:  "List the commitments seen on the ledger.",
			Action: listBroadcasts,
		},
	},
}

type channelInfo struct {
	ID            string    `json:"id"`
	Slot          string    `json:"slot"`
	ClientPubKey  string    `json:"client_pubkey"`
	ClientAmount  uint64    `json:"client_amount"`
	HubAmount     uint64    `json:"hub_amount"`
	FundingTx     string    `json:"funding_tx"`
	IsBroadcasted bool      `json:"is_broadcasted"`
	Archived      bool      `json:"archived"`
	Version       uint64    `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
}

func newChannelInfo(ch *channeldb.Channel) channelInfo {
	return channelInfo{
		ID:   ch.ID.String(),
		Slot: ch.Slot.String(),
		ClientPubKey: hex.EncodeToString(
			ch.ClientPubKey.SerializeCompressed(),
		),
		ClientAmount:  ch.ClientAmount,
		HubAmount:     ch.HubAmount,
		FundingTx:     ch.InitialTx.TxHash().String(),
		IsBroadcasted: ch.IsBroadcasted,
		Archived:      ch.Archived,
		Version:       ch.Version,
		CreatedAt:     ch.CreatedAt,
	}
}

type commitmentInfo struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	TxHash        string    `json:"tx_hash"`
	ClientAmount  uint64    `json:"client_amount"`
	HubAmount     uint64    `json:"hub_amount"`
	LockedAddress string    `json:"locked_address"`
	Signed        bool      `json:"signed"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

func listChannels(ctx *cli.Context) error {
	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	channels := []channelInfo{}
	err = db.View(func(tx *channeldb.LedgerTx) error {
		channels = channels[:0]

		return tx.ForEachCurrentChannel(func(ch *channeldb.Channel) error {
			channels = append(channels, newChannelInfo(ch))
			return nil
		})
	})
	if err != nil {
		return err
	}

	printJSON(channels)

	return nil
}

func showChannel(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "show")
	}

	slot := channeldb.Slot{
		Multisig: ctx.Args().Get(0),
		Asset:    colored.AssetID(ctx.Args().Get(1)),
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	var resp struct {
		Channel     *channelInfo     `json:"channel,omitempty"`
		Commitments []commitmentInfo `json:"commitments"`
	}
	err = db.View(func(tx *channeldb.LedgerTx) error {
		resp.Channel = nil
		resp.Commitments = nil

		ch, err := tx.CurrentChannel(slot)
		switch {
		case err == nil:
			info := newChannelInfo(ch)
			resp.Channel = &info

		case !errors.Is(err, channeldb.ErrChannelNotFound):
			return err
		}

		commitments, err := tx.CommitmentsOf(slot)
		if err != nil {
			return err
		}
		for _, c := range commitments {
			resp.Commitments = append(resp.Commitments,
				commitmentInfo{
					ID:            c.ID.String(),
					Type:          c.Type.String(),
					TxHash:        c.TxHash().String(),
					ClientAmount:  c.ClientAmount,
					HubAmount:     c.HubAmount,
					LockedAddress: c.LockedAddress,
					Signed:        c.SignedTx != nil,
					Active:        c.Active,
					CreatedAt:     c.CreatedAt,
				},
			)
		}

		return nil
	})
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

type broadcastInfo struct {
	TxHash       string    `json:"tx_hash"`
	Type         string    `json:"type"`
	Slot         string    `json:"slot"`
	ClientAmount uint64    `json:"client_amount"`
	HubAmount    uint64    `json:"hub_amount"`
	Stale        bool      `json:"stale"`
	PenaltyTx    string    `json:"penalty_tx,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func listBroadcasts(ctx *cli.Context) error {
	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	broadcasts := []broadcastInfo{}
	err = db.View(func(tx *channeldb.LedgerTx) error {
		broadcasts = broadcasts[:0]

		return tx.ForEachBroadcast(func(
			b *channeldb.CommitmentBroadcast) error {

			info := broadcastInfo{
				TxHash:       b.TxHash.String(),
				Type:         b.Type.String(),
				Slot:         b.Slot.String(),
				ClientAmount: b.ClientAmount,
				HubAmount:    b.HubAmount,
				Stale:        b.Stale,
				CreatedAt:    b.CreatedAt,
			}
			if b.PenaltyTxHash != nil {
				info.PenaltyTx = b.PenaltyTxHash.String()
			}
			broadcasts = append(broadcasts, info)

			return nil
		})
	})
	if err != nil {
		return err
	}

	printJSON(broadcasts)

	return nil
}
