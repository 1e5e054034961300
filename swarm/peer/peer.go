// Package peer keeps what this node knows about other nodes: where each one was last seen and
// how much that location is trusted.
//
// Every identity maps to exactly one *Peer for the lifetime of a Repository. A Peer holds an
// optional endpoint and two timestamps. LastSeen moves whenever an observation of the endpoint
// is accepted. LastVerified moves only when the node proved it answers at that endpoint, and it
// is cleared every time the endpoint changes.
//
// Timestamps are supplied by the caller. Nothing in this package reads the wall clock.
package peer

import (
	"sync"
	"time"

	"peerdisc/datamodel/endpoint"
	"peerdisc/nodeid"
)

// State is a consistent copy of a Peer's mutable fields. Zero timestamps mean "never".
type State struct {
	Endpoint     *endpoint.Endpoint
	LastSeen     time.Time
	LastVerified time.Time
}

type Peer struct {
	id nodeid.ID

	mu           sync.RWMutex // protects following fields
	endpoint     *endpoint.Endpoint
	lastSeen     time.Time
	lastVerified time.Time
}

func newPeer(id nodeid.ID, ep *endpoint.Endpoint) *Peer {
	p := &Peer{id: id}
	if ep != nil {
		p.endpoint = ep.Ptr()
	}
	return p
}

func (p *Peer) ID() nodeid.ID {
	return p.id
}

// Endpoint returns the current endpoint and whether one is known.
func (p *Peer) Endpoint() (endpoint.Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.endpoint == nil {
		return endpoint.Endpoint{}, false
	}
	return *p.endpoint, true
}

func (p *Peer) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

func (p *Peer) LastVerified() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastVerified
}

// Snapshot returns the endpoint and both timestamps as read under a single lock.
func (p *Peer) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := State{LastSeen: p.lastSeen, LastVerified: p.lastVerified}
	if p.endpoint != nil {
		s.Endpoint = p.endpoint.Ptr()
	}
	return s
}

// isCurrent must be called with mu held.
func (p *Peer) isCurrent(candidate endpoint.Endpoint) bool {
	return p.endpoint != nil && *p.endpoint == candidate
}

// VerifyEndpoint records that the node answered at candidate at time at. It only has an effect
// when candidate is the current endpoint: a proof for an address the peer no longer uses must not
// restore trust. Reports whether the record changed.
func (p *Peer) VerifyEndpoint(candidate endpoint.Endpoint, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isCurrent(candidate) {
		return false
	}
	p.lastSeen = at
	p.lastVerified = at
	return true
}

// UpdateEndpoint records an observed or claimed endpoint without any trust gate.
// The same endpoint only refreshes LastSeen. A different one replaces the current endpoint and
// clears LastVerified. It always applies.
func (p *Peer) UpdateEndpoint(candidate endpoint.Endpoint, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.update(candidate, at)
	return true
}

// UpdateEndpointVerifiedBefore is UpdateEndpoint guarded by a trust gate. The same endpoint
// always refreshes LastSeen. A different endpoint is accepted only if the current one was
// verified, and strictly before verifiedBefore; otherwise nothing changes.
// Reports whether the record changed.
func (p *Peer) UpdateEndpointVerifiedBefore(candidate endpoint.Endpoint, at, verifiedBefore time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isCurrent(candidate) {
		if p.lastVerified.IsZero() || !p.lastVerified.Before(verifiedBefore) {
			return false
		}
	}
	p.update(candidate, at)
	return true
}

// ObserveEndpoint records an endpoint the peer claims for itself. While the record has no
// verified endpoint the claim is taken as is, like UpdateEndpoint. Once it has one, the claim goes
// through the same gate as UpdateEndpointVerifiedBefore. Both the check and the update happen
// under one lock, so a verification landing concurrently is never overwritten.
// Reports whether the record changed.
func (p *Peer) ObserveEndpoint(candidate endpoint.Endpoint, at, verifiedBefore time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isCurrent(candidate) && !p.lastVerified.IsZero() && !p.lastVerified.Before(verifiedBefore) {
		return false
	}
	p.update(candidate, at)
	return true
}

// update must be called with mu held.
func (p *Peer) update(candidate endpoint.Endpoint, at time.Time) {
	if p.isCurrent(candidate) {
		p.lastSeen = at
		return
	}
	p.endpoint = candidate.Ptr()
	p.lastSeen = at
	p.lastVerified = time.Time{}
}

// reset installs ep as a brand new, never observed endpoint. Used by the repository for static
// descriptors and explicit overrides.
func (p *Peer) reset(ep endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endpoint = ep.Ptr()
	p.lastSeen = time.Time{}
	p.lastVerified = time.Time{}
}

// setIfUnknown installs ep when no endpoint is known yet. Timestamps are untouched.
// Reports whether ep was installed.
func (p *Peer) setIfUnknown(ep endpoint.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.endpoint != nil {
		return false
	}
	p.endpoint = ep.Ptr()
	return true
}
