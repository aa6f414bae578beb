package node

import (
	"context"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
)

// await runs f on the event loop and waits for it to report a result.
// f must call done exactly once, possibly from a later loop iteration.
func (n *Node) await(ctx context.Context, f func(done func(error))) error {
	res := make(chan error, 1)
	n.queue.post(func() {
		f(func(err error) { res <- err })
	})

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrStopped
	}
}

// do runs f on the event loop and returns its error.
func (n *Node) do(ctx context.Context, f func() error) error {
	return n.await(ctx, func(done func(error)) { done(f()) })
}

func (n *Node) StartCall(ctx context.Context, peerID string, kind protocol.MediaKind) error {
	return n.await(ctx, func(done func(error)) {
		n.session.StartCall(peerID, kind, done)
	})
}

// AcceptIncoming answers the call that is currently ringing.
func (n *Node) AcceptIncoming(ctx context.Context) error {
	return n.await(ctx, func(done func(error)) {
		in := n.session.Snapshot().Incoming
		if in == nil {
			done(call.ErrNoIncomingCall)
			return
		}
		n.session.AcceptIncoming(*in, done)
	})
}

func (n *Node) RejectIncoming(ctx context.Context) error {
	return n.do(ctx, func() error {
		return n.session.RejectIncoming(protocol.ErrDeclined)
	})
}

func (n *Node) EndCall(ctx context.Context) error {
	return n.do(ctx, func() error {
		n.session.EndCall(false)
		return nil
	})
}

func (n *Node) ToggleAudio(ctx context.Context) error {
	return n.do(ctx, n.session.ToggleAudio)
}

func (n *Node) ToggleVideo(ctx context.Context) error {
	return n.do(ctx, n.session.ToggleVideo)
}

func (n *Node) ToggleScreenShare(ctx context.Context) error {
	return n.await(ctx, n.session.ToggleScreenShare)
}

func (n *Node) JoinGroup(ctx context.Context, groupID string, kind protocol.MediaKind) error {
	return n.await(ctx, func(done func(error)) {
		n.session.JoinGroup(groupID, kind, done)
	})
}

func (n *Node) LeaveGroup(ctx context.Context) error {
	return n.do(ctx, func() error {
		n.session.LeaveGroup()
		return nil
	})
}

func (n *Node) CallSnapshot(ctx context.Context) (call.Snapshot, error) {
	var snap call.Snapshot
	err := n.do(ctx, func() error {
		snap = n.session.Snapshot()
		return nil
	})
	if err != nil {
		return call.Snapshot{}, err
	}
	return snap, nil
}

// ProposeFile offers the file at path to peerID and returns the transfer
// id.
func (n *Node) ProposeFile(ctx context.Context, peerID, path string) (string, error) {
	var id string
	err := n.do(ctx, func() error {
		var err error
		id, err = n.registry.Propose(peerID, path)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (n *Node) RespondTransfer(ctx context.Context, id string, accept bool) error {
	return n.do(ctx, func() error {
		return n.registry.Respond(id, accept)
	})
}

func (n *Node) PauseTransfer(ctx context.Context, id string) error {
	return n.do(ctx, func() error {
		return n.registry.Pause(id)
	})
}

func (n *Node) ResumeTransfer(ctx context.Context, id string) error {
	return n.do(ctx, func() error {
		return n.registry.Resume(id)
	})
}

func (n *Node) CancelTransfer(ctx context.Context, id string) error {
	return n.do(ctx, func() error {
		return n.registry.Cancel(id)
	})
}

func (n *Node) Transfers(ctx context.Context) ([]transfer.Snapshot, error) {
	var list []transfer.Snapshot
	err := n.do(ctx, func() error {
		list = n.registry.List()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (n *Node) Transfer(ctx context.Context, id string) (transfer.Snapshot, bool, error) {
	var (
		snap transfer.Snapshot
		ok   bool
	)
	err := n.do(ctx, func() error {
		snap, ok = n.registry.Get(id)
		return nil
	})
	if err != nil {
		return transfer.Snapshot{}, false, err
	}
	return snap, ok, nil
}
