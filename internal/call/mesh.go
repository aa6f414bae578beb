package call

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

// Mesh keeps one link per other member of a group call. The member that
// joins last offers to everyone already in the room.
type Mesh struct {
	s       *Session
	groupID string
}

// JoinGroup enters groupID with local media of kind. Links are created once
// the relay sends back the roster.
func (s *Session) JoinGroup(groupID string, kind protocol.MediaKind, done func(error)) {
	if s.status != StatusIdle {
		done(ErrAlreadyInCall)
		return
	}
	if groupID == "" || !kind.Valid() {
		done(ErrInvalidTarget)
		return
	}

	s.mesh = &Mesh{s: s, groupID: groupID}
	s.begin(KindGroup, kind)
	s.log.WithFields(logrus.Fields{"group": groupID, "media": kind}).Info("Joining group")

	s.acquire(kind, done, func() {
		if err := s.send("", &protocol.GroupJoin{GroupID: groupID}); err != nil {
			s.abort(err)
			done(err)
			return
		}
		s.notify()
		done(nil)
	})
}

// LeaveGroup is EndCall for a group session.
func (s *Session) LeaveGroup() {
	if s.mesh == nil {
		return
	}
	s.EndCall(false)
}

func (m *Mesh) handleExistingPeers(groupID string, peers []string) {
	if groupID != m.groupID || !m.s.status.Active() {
		return
	}
	sorted := append([]string(nil), peers...)
	sort.Strings(sorted)

	for _, id := range sorted {
		if id == m.s.opts.LocalID {
			continue
		}
		if _, linked := m.s.peers[id]; linked {
			continue
		}
		l, err := m.s.newLink(id, RoleOfferer)
		if err != nil {
			m.s.log.WithField("peer", id).Warnf("Skipping group member: %v", err)
			continue
		}
		if err := l.Offer(); err != nil {
			l.log.Warnf("Offer to group member failed: %v", err)
			m.dropPeer(id)
		}
	}
	m.linksChanged()
}

func (m *Mesh) handlePeerJoined(groupID, peer string) {
	if groupID != m.groupID || peer == m.s.opts.LocalID || !m.s.status.Active() {
		return
	}
	if _, linked := m.s.peers[peer]; linked {
		return
	}
	if _, err := m.s.newLink(peer, RoleAnswerer); err != nil {
		m.s.log.WithField("peer", peer).Warnf("Skipping group member: %v", err)
		return
	}
	m.s.log.WithField("peer", peer).Info("Peer joined group")
	m.linksChanged()
}

func (m *Mesh) handlePeerLeft(groupID, peer string) {
	if groupID != m.groupID {
		return
	}
	if _, linked := m.s.peers[peer]; !linked {
		return
	}
	m.s.log.WithField("peer", peer).Info("Peer left group")
	m.dropPeer(peer)
}

// handleOffer answers a member whose peer-joined notice has not arrived.
func (m *Mesh) handleOffer(from, sdp string) {
	if !m.s.status.Active() || from == m.s.opts.LocalID {
		return
	}
	l, err := m.s.newLink(from, RoleAnswerer)
	if err != nil {
		m.s.log.WithField("peer", from).Warnf("Cannot answer group member: %v", err)
		return
	}
	m.linksChanged()
	m.s.linkResult(l, l.HandleOffer(sdp, false))
}

// dropPeer closes the link to peer and removes it from the roster. The
// other links are left untouched.
func (m *Mesh) dropPeer(peer string) {
	l, ok := m.s.peers[peer]
	if !ok {
		return
	}
	delete(m.s.peers, peer)
	if err := l.Close(); err != nil {
		l.log.Warnf("Closing link: %v", err)
	}

	s := m.s
	switch {
	case s.status == StatusReconnecting && (len(s.peers) == 0 || s.anyLinkUp()):
		s.status = StatusConnected
	case (s.status == StatusCalling || s.status == StatusConnecting) && len(s.peers) == 0:
		clock.Stop(s.connectTimer)
		s.connectTimer = nil
	}
	s.notify()
}

// linksChanged arms the connect timeout while links are still pending.
func (m *Mesh) linksChanged() {
	s := m.s
	if len(s.peers) > 0 && (s.status == StatusCalling || s.status == StatusConnecting) {
		s.armConnectTimeout()
	}
	s.notify()
}
