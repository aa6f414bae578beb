package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/node"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

var (
	callVideo    bool
	answerReject bool
	joinVideo    bool
)

var callCmd = &cobra.Command{
	Use:   "call peer-id",
	Short: "call a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := startSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.Node.StartCall(s.ctx, args[0], mediaKind(callVideo)); err != nil {
			return err
		}
		fmt.Printf("Calling %s...\n", args[0])
		return followCall(s)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "wait for an incoming call and answer it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := startSession()
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Printf("Waiting for calls as %s\n", s.cfg.Signaling.PeerID)
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case ev := <-s.Node.Events():
				if ev.Kind != node.EventIncomingCall {
					continue
				}
				fmt.Printf("Incoming %s call from %s\n", ev.Incoming.MediaKind, ev.Incoming.PeerID)
				if answerReject {
					return s.Node.RejectIncoming(s.ctx)
				}
				if err := s.Node.AcceptIncoming(s.ctx); err != nil {
					return err
				}
				return followCall(s)
			}
		}
	},
}

var joinCmd = &cobra.Command{
	Use:   "join group-id",
	Short: "join a group call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := startSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.Node.JoinGroup(s.ctx, args[0], mediaKind(joinVideo)); err != nil {
			return err
		}
		fmt.Printf("Joined %s\n", args[0])
		return followCall(s)
	},
}

func init() {
	callCmd.Flags().BoolVar(&callVideo, "video", false, "send video as well as audio")
	answerCmd.Flags().BoolVar(&answerReject, "reject", false, "decline the call instead")
	joinCmd.Flags().BoolVar(&joinVideo, "video", false, "send video as well as audio")
}

func mediaKind(video bool) protocol.MediaKind {
	if video {
		return protocol.MediaVideo
	}
	return protocol.MediaAudio
}

// followCall prints call progress until the call ends or the user
// interrupts.
func followCall(s *session) error {
	last := call.StatusIdle
	peers := -1
	for {
		select {
		case <-s.ctx.Done():
			fmt.Println("Hanging up")
			return nil
		case ev := <-s.Node.Events():
			if ev.Kind != node.EventCallChanged {
				continue
			}
			snap := ev.Call
			if snap.Status == last && len(snap.Peers) == peers {
				continue
			}
			prev := last
			last, peers = snap.Status, len(snap.Peers)

			switch snap.Status {
			case call.StatusConnected:
				fmt.Printf("Connected (%d peer(s))\n", peers)
			case call.StatusReconnecting:
				fmt.Println("Connection lost, reconnecting...")
			case call.StatusFailed:
				if snap.Err == nil {
					return errors.New("call failed")
				}
				return fmt.Errorf("call failed: %w", snap.Err)
			case call.StatusEnded:
				if snap.Err != nil {
					return snap.Err
				}
				fmt.Printf("Call ended after %s\n", time.Duration(snap.DurationSeconds)*time.Second)
				return nil
			case call.StatusIdle:
				if prev.Active() {
					return nil
				}
			}
		}
	}
}
