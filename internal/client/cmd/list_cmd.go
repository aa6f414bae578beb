package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-call/internal/db"
	"github.com/rudransh-shrivastava/peer-call/internal/store"
)

var historyLimit int

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "list unfinished transfers",
	Long:  `lists the transfers that were paused or interrupted and can be continued with resume`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		gdb, err := db.Open(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close(gdb) }()

		cps, err := store.NewCheckpointStore(gdb).Checkpoints()
		if err != nil {
			return err
		}
		if len(cps) == 0 {
			fmt.Println("No unfinished transfers")
			return nil
		}
		fmt.Printf("%-36s  %-7s  %-16s  %-24s  %s\n", "ID", "DIR", "PEER", "FILE", "PROGRESS")
		for _, cp := range cps {
			pct := 100.0
			if cp.FileSize > 0 {
				pct = float64(cp.BytesTransferred) * 100 / float64(cp.FileSize)
			}
			fmt.Printf("%-36s  %-7s  %-16s  %-24s  %s / %s (%.0f%%, %s)\n",
				cp.TransferID, cp.Direction, cp.PeerID, cp.FileName,
				humanize.IBytes(uint64(cp.BytesTransferred)), humanize.IBytes(uint64(cp.FileSize)),
				pct, humanize.Time(cp.UpdatedAt))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show recent calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		gdb, err := db.Open(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close(gdb) }()

		recs, err := store.NewCallStore(gdb).RecentCalls(historyLimit)
		if err != nil {
			return err
		}
		for _, r := range recs {
			with := r.PeerID
			if r.GroupID != "" {
				with = "group " + r.GroupID
			}
			fmt.Printf("%-14s  %-20s  %-6s  %-9s  %s\n",
				humanize.Time(r.StartedAt), with, r.Media, r.Outcome, r.Duration.Round(time.Second))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of calls to show, 0 for all")
}
