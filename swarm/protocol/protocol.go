package protocol

import (
	"peerdisc/datamodel/endpoint"
	"peerdisc/nodeid"
)

// Service methods, as addressed over mpubsub and crpc.
const (
	MethodPeerAnnouncement = "PubSub.PeerAnnouncement"
	MethodPing             = "Server.Ping"
)

// PeerAnnouncementMessage is multicast periodically by every node to claim its endpoint.
type PeerAnnouncementMessage struct {
	NodeID   nodeid.ID         `cbor:"1,keyasint"` // Announcing node
	Endpoint endpoint.Endpoint `cbor:"2,keyasint"` // Where the announcing node claims to be reachable
}

// PingRequest asks a node to prove it answers at the endpoint we know for it. The sender also
// claims its own endpoint.
type PingRequest struct {
	NodeID   nodeid.ID         `cbor:"1,keyasint"`
	Endpoint endpoint.Endpoint `cbor:"2,keyasint"`
}

type PongResponse struct {
	NodeID   nodeid.ID `cbor:"1,keyasint"`           // Responding node
	Observed string    `cbor:"2,keyasint,omitempty"` // Caller address as seen by the responder
}
