// Package relay forwards signaling envelopes between connected peers and
// keeps the group rooms used by mesh calls.
package relay

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

// Sink receives envelopes for one connected peer. Deliver must not block;
// it reports false when the envelope was dropped.
type Sink interface {
	Deliver(env protocol.Envelope) bool
}

type Hub struct {
	mu    sync.Mutex
	peers map[string]Sink
	rooms map[string]map[string]struct{}
	codec *protocol.Codec
	log   *logrus.Logger
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		peers: make(map[string]Sink),
		rooms: make(map[string]map[string]struct{}),
		codec: protocol.NewCodec(),
		log:   logger.OrDiscard(log),
	}
}

// Register attaches s as the delivery target for peerID, replacing any
// previous connection with the same id.
func (h *Hub) Register(peerID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[peerID]; ok {
		h.log.WithField("peer", peerID).Info("Replacing existing connection")
	}
	h.peers[peerID] = s
}

// Unregister removes peerID if s is still its current sink, and makes it
// leave every room it joined.
func (h *Hub) Unregister(peerID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.peers[peerID]; !ok || cur != s {
		return
	}
	delete(h.peers, peerID)
	for groupID, members := range h.rooms {
		if _, ok := members[peerID]; ok {
			h.leaveLocked(groupID, peerID)
		}
	}
}

func (h *Hub) Connected(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[peerID]
	return ok
}

// Members returns the sorted members of a room.
func (h *Hub) Members(groupID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedMembers(h.rooms[groupID], "")
}

// Route stamps env with its sender and forwards it.
func (h *Hub) Route(from string, env protocol.Envelope) {
	env.From = from
	log := h.log.WithFields(logrus.Fields{"from": from, "type": env.Type.String()})

	h.mu.Lock()
	defer h.mu.Unlock()

	switch env.Type {
	case protocol.MsgPing:
		h.replyLocked(from, &protocol.Pong{})
		return
	case protocol.MsgGroupJoin, protocol.MsgGroupLeave:
		msg, err := h.codec.Open(env)
		if err != nil {
			log.Warnf("Dropping malformed group message: %v", err)
			return
		}
		switch m := msg.(type) {
		case *protocol.GroupJoin:
			h.joinLocked(m.GroupID, from)
		case *protocol.GroupLeave:
			h.leaveLocked(m.GroupID, from)
		}
		return
	}

	if env.To == "" {
		h.replyLocked(from, &protocol.Error{Code: protocol.ErrInvalidMsg, Message: "missing recipient"})
		return
	}

	target, ok := h.peers[env.To]
	if !ok {
		log.WithField("to", env.To).Debug("Recipient not connected")
		h.replyLocked(from, &protocol.Error{Code: protocol.ErrPeerNotFound, Message: env.To})
		return
	}
	if !target.Deliver(env) {
		log.WithField("to", env.To).Warn("Recipient queue full, dropping envelope")
	}
}

func (h *Hub) joinLocked(groupID, peerID string) {
	members, ok := h.rooms[groupID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[groupID] = members
	}
	if _, already := members[peerID]; already {
		return
	}

	h.replyLocked(peerID, &protocol.GroupExistingPeers{
		GroupID: groupID,
		Peers:   sortedMembers(members, peerID),
	})
	for member := range members {
		h.replyLocked(member, &protocol.GroupPeerJoined{GroupID: groupID, PeerID: peerID})
	}
	members[peerID] = struct{}{}
	h.log.WithFields(logrus.Fields{"group": groupID, "peer": peerID, "size": len(members)}).Info("Peer joined group")
}

func (h *Hub) leaveLocked(groupID, peerID string) {
	members, ok := h.rooms[groupID]
	if !ok {
		return
	}
	if _, in := members[peerID]; !in {
		return
	}
	delete(members, peerID)
	for member := range members {
		h.replyLocked(member, &protocol.GroupPeerLeft{GroupID: groupID, PeerID: peerID})
	}
	if len(members) == 0 {
		delete(h.rooms, groupID)
	}
	h.log.WithFields(logrus.Fields{"group": groupID, "peer": peerID}).Info("Peer left group")
}

// replyLocked sends a relay-originated message, which carries no sender.
func (h *Hub) replyLocked(to string, msg protocol.Message) {
	s, ok := h.peers[to]
	if !ok {
		return
	}
	env, err := h.codec.Seal(to, msg)
	if err != nil {
		h.log.Errorf("Failed to seal %s: %v", msg.Type(), err)
		return
	}
	if !s.Deliver(env) {
		h.log.WithField("to", to).Warn("Recipient queue full, dropping relay message")
	}
}

func sortedMembers(members map[string]struct{}, exclude string) []string {
	out := make([]string, 0, len(members))
	for m := range members {
		if m != exclude {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
