package node

import (
	"context"

	"peerdisc/net/crpc"
	"peerdisc/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	node *Node
}

// RPC: Ping. Answering proves to the caller that we are reachable at the endpoint it dialed.
// The caller's own claimed endpoint is recorded like an announcement.
func (s *Server) Ping(ctx context.Context, req *protocol.PingRequest, res *protocol.PongResponse) error {
	log.Debugf("Server.Ping from %s, claims %s", req.NodeID.TerminalString(), req.Endpoint)

	s.node.observe(req.NodeID, req.Endpoint, "ping")

	res.NodeID = s.node.NodeID
	if addr, ok := crpc.RemoteAddr(ctx); ok {
		res.Observed = addr.String()
	}
	return nil
}
