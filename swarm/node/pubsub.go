package node

import (
	"net"

	"peerdisc/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

type PubSub struct {
	node *Node
}

func (s *PubSub) PeerAnnouncement(msg *protocol.PeerAnnouncementMessage, from *net.UDPAddr) {
	if !s.node.limiter.Allow() {
		s.node.Metrics.Claims.WithLabelValues("announcement", outcomeDropped).Inc()
		log.Debugf("PeerAnnouncement: rate limited, dropping message from %s", from)
		return
	}

	ep := msg.Endpoint
	// An announcement without an address means "wherever this came from"
	if ep.Address == "" && from != nil {
		ep.Address = from.IP.String()
	}
	if ep.Address == "" {
		log.Debugf("PeerAnnouncement: %s announced no address", msg.NodeID.TerminalString())
		return
	}

	s.node.observe(msg.NodeID, ep, "announcement")
}
