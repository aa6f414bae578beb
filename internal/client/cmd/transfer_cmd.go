package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-call/internal/node"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
)

var (
	receiveOnce    bool
	receiveDecline bool
)

var sendCmd = &cobra.Command{
	Use:   "send peer-id file-path",
	Short: "send a file to a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := startSession()
		if err != nil {
			return err
		}
		defer s.close()

		id, err := s.Node.ProposeFile(s.ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Offered %s to %s (transfer %s)\n", args[1], args[0], id)
		return followTransfer(s, id)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume transfer-id",
	Short: "resume a paused transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := startSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.Node.ResumeTransfer(s.ctx, args[0]); err != nil {
			return err
		}
		return followTransfer(s, args[0])
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "accept incoming files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := startSession()
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Printf("Waiting for files as %s\n", s.cfg.Signaling.PeerID)
		bars := make(map[string]*progressbar.ProgressBar)
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case ev := <-s.Node.Events():
				switch ev.Kind {
				case node.EventTransferRequest:
					t := ev.Transfer
					fmt.Printf("%s offers %s (%s)\n", t.PeerID, t.FileName, humanize.IBytes(uint64(t.FileSize)))
					if err := s.Node.RespondTransfer(s.ctx, t.ID, !receiveDecline); err != nil {
						s.log.Warnf("Failed to answer transfer %s: %v", t.ID, err)
					}
				case node.EventTransferChanged:
					t := ev.Transfer
					if t.Direction != transfer.DirectionReceive {
						continue
					}
					bar, ok := bars[t.ID]
					if !ok && t.State == transfer.StateTransferring {
						bar = newBar(t)
						bars[t.ID] = bar
					}
					if bar != nil {
						_ = bar.Set64(t.BytesTransferred)
					}
					if !t.State.Terminal() {
						continue
					}
					delete(bars, t.ID)
					if err := report(t, bar); err != nil {
						s.log.Warn(err)
					}
					if receiveOnce && t.State == transfer.StateCompleted {
						return nil
					}
				}
			}
		}
	},
}

func init() {
	receiveCmd.Flags().BoolVar(&receiveOnce, "once", false, "exit after the first completed file")
	receiveCmd.Flags().BoolVar(&receiveDecline, "decline", false, "decline every offer")
}

func newBar(t transfer.Snapshot) *progressbar.ProgressBar {
	return progressbar.DefaultBytes(t.FileSize, t.FileName)
}

// followTransfer shows progress for transfer id until it ends. Interrupting
// pauses it; the node checkpoints it on shutdown.
func followTransfer(s *session, id string) error {
	var bar *progressbar.ProgressBar
	for {
		select {
		case <-s.ctx.Done():
			fmt.Printf("\nPaused, continue with: pcall resume %s\n", id)
			return nil
		case ev := <-s.Node.Events():
			if ev.Kind != node.EventTransferChanged || ev.Transfer.ID != id {
				continue
			}
			t := ev.Transfer
			if bar == nil && t.State == transfer.StateTransferring {
				bar = newBar(t)
			}
			if bar != nil {
				_ = bar.Set64(t.BytesTransferred)
			}
			if t.State.Terminal() {
				return report(t, bar)
			}
		}
	}
}

func report(t transfer.Snapshot, bar *progressbar.ProgressBar) error {
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	switch t.State {
	case transfer.StateCompleted:
		if t.Direction == transfer.DirectionReceive {
			fmt.Printf("Received %s (%s) to %s\n", t.FileName, humanize.IBytes(uint64(t.FileSize)), t.Path)
		} else {
			fmt.Printf("Sent %s (%s) to %s\n", t.FileName, humanize.IBytes(uint64(t.FileSize)), t.PeerID)
		}
		return nil
	case transfer.StateRejected:
		return fmt.Errorf("%s declined %s", t.PeerID, t.FileName)
	default:
		if t.Err == nil {
			return fmt.Errorf("transfer %s %s", t.ID, t.State)
		}
		return fmt.Errorf("transfer %s %s: %w", t.ID, t.State, t.Err)
	}
}
