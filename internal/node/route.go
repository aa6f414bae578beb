package node

import (
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
)

// route hands an inbound signaling message to the component that owns it.
func (n *Node) route(in signaling.Inbound) {
	t := in.Msg.Type()
	log := n.log.WithFields(logrus.Fields{"from": in.From, "type": t})

	switch m := in.Msg.(type) {
	case *protocol.TransferSignal:
		n.handleTransferSignal(in.From, m, log)
		return
	case *protocol.Error:
		n.handleError(m, log)
		return
	}

	switch {
	case t.IsCall() || t.IsGroup():
		n.session.HandleMessage(in.From, in.Msg)
	case t.IsTransfer():
		n.registry.HandleMessage(in.From, in.Msg)
	case t == protocol.MsgPing || t == protocol.MsgPong:
	default:
		log.Debug("Dropping unroutable message")
	}
}

func (n *Node) handleTransferSignal(from string, m *protocol.TransferSignal, log *logrus.Entry) {
	h, ok := n.dialer.(TransferSignalHandler)
	if !ok {
		log.Debug("Dialer does not take transfer signals")
		return
	}
	if err := h.HandleSignal(from, m); err != nil {
		log.WithField("transfer", m.TransferID).Warnf("Failed to apply transfer signal: %v", err)
	}
}

// handleError applies an error reported by the relay. An unknown recipient
// makes every pending operation towards that peer fail.
func (n *Node) handleError(m *protocol.Error, log *logrus.Entry) {
	if m.Code != protocol.ErrPeerNotFound {
		log.Warnf("Relay error %s: %s", m.Code, m.Message)
		return
	}
	peer := m.Message
	log.WithField("peer", peer).Info("Peer is not connected to the relay")
	n.session.PeerUnreachable(peer)
	n.registry.PeerUnreachable(peer)
}
