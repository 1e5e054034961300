package peer

import (
	"sync"

	"peerdisc/datamodel/endpoint"
	"peerdisc/enode"
	"peerdisc/nodeid"

	log "github.com/sirupsen/logrus"
)

// Repository maps identities to Peers. It never removes or replaces a Peer once created, so a
// *Peer obtained from it stays the live record for that identity.
// A Repository is safe for concurrent use. The zero value is not usable, use NewRepository.
type Repository struct {
	mu    sync.Mutex
	peers map[nodeid.ID]*Peer
}

func NewRepository() *Repository {
	return &Repository{
		peers: make(map[nodeid.ID]*Peer),
	}
}

// getOrCreate returns the Peer for id, creating it with ep when absent. The bool is true when
// the Peer was created by this call.
func (r *Repository) getOrCreate(id nodeid.ID, ep *endpoint.Endpoint) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		return p, false
	}

	p := newPeer(id, ep)
	r.peers[id] = p
	return p, true
}

// Get returns the Peer for id, creating an empty one on first use.
func (r *Repository) Get(id nodeid.ID) *Peer {
	p, created := r.getOrCreate(id, nil)
	if created {
		log.Debugf("peer.Repository: new peer %s", id.TerminalString())
	}
	return p
}

// GetByDescriptor parses an enode descriptor and returns the Peer for its identity.
//
// A new Peer takes the parsed endpoint with no timestamps. An existing Peer without an endpoint
// takes the parsed one, timestamps stay unset. An existing Peer with an endpoint is left alone
// unless overwriteEndpoint is set, in which case the parsed endpoint replaces it and both
// timestamps are cleared. A descriptor without a host never changes an existing Peer.
//
// Parse failures are returned as *enode.FormatError.
func (r *Repository) GetByDescriptor(descriptor string, overwriteEndpoint bool) (*Peer, error) {
	id, ep, err := enode.Parse(descriptor)
	if err != nil {
		return nil, err
	}

	p, created := r.getOrCreate(id, ep)
	if created {
		log.Debugf("peer.Repository: new peer %s from descriptor, endpoint %v", id.TerminalString(), ep)
		return p, nil
	}
	if ep == nil {
		return p, nil
	}

	if p.setIfUnknown(*ep) {
		log.Debugf("peer.Repository: peer %s located at %s", id.TerminalString(), ep)
		return p, nil
	}

	if overwriteEndpoint {
		p.reset(*ep)
		log.Debugf("peer.Repository: peer %s endpoint overridden with %s", id.TerminalString(), ep)
	}
	return p, nil
}

// Peers returns every Peer known to the repository, in no particular order.
func (r *Repository) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
