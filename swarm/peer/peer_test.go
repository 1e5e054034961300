package peer

import (
	"sync"
	"testing"
	"time"

	"peerdisc/datamodel/endpoint"
	"peerdisc/nodeid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	epOld = endpoint.New("10.0.0.1", 30303, 30303)
	epNew = endpoint.New("10.0.0.2", 30303, 30303)
)

func testID(t *testing.T) nodeid.ID {
	t.Helper()
	id, _, err := nodeid.Random()
	require.NoError(t, err)
	return id
}

// verifiedPeer returns a Peer at epOld verified at T.
func verifiedPeer(t *testing.T, T time.Time) *Peer {
	t.Helper()
	p := newPeer(testID(t), epOld.Ptr())
	require.True(t, p.VerifyEndpoint(epOld, T))
	return p
}

func TestNewPeerIsEmpty(t *testing.T) {
	p := newPeer(testID(t), nil)

	_, ok := p.Endpoint()
	assert.False(t, ok)
	assert.True(t, p.LastSeen().IsZero())
	assert.True(t, p.LastVerified().IsZero())
	assert.Equal(t, State{}, p.Snapshot())
}

func TestVerifyEndpoint(t *testing.T) {
	p := newPeer(testID(t), epOld.Ptr())

	assert.True(t, p.VerifyEndpoint(epOld, t0))
	assert.Equal(t, t0, p.LastSeen())
	assert.Equal(t, t0, p.LastVerified())

	// A proof for some other endpoint changes nothing
	assert.False(t, p.VerifyEndpoint(epNew, t0.Add(time.Minute)))
	s := p.Snapshot()
	assert.Equal(t, epOld.Ptr(), s.Endpoint)
	assert.Equal(t, t0, s.LastSeen)
	assert.Equal(t, t0, s.LastVerified)
}

func TestVerifyEndpointWithoutEndpoint(t *testing.T) {
	p := newPeer(testID(t), nil)

	assert.False(t, p.VerifyEndpoint(epOld, t0))
	assert.Equal(t, State{}, p.Snapshot())
}

func TestVerifyEndpointAfterChangeIgnoresLateResponse(t *testing.T) {
	p := newPeer(testID(t), epOld.Ptr())
	p.UpdateEndpoint(epNew, t0)

	// The pong for epOld arrives after the peer moved
	assert.False(t, p.VerifyEndpoint(epOld, t0.Add(time.Second)))
	assert.True(t, p.LastVerified().IsZero())
	assert.Equal(t, t0, p.LastSeen())
}

func TestUpdateEndpointUngated(t *testing.T) {
	p := verifiedPeer(t, t0)

	assert.True(t, p.UpdateEndpoint(epNew, t0.Add(10*time.Second)))
	s := p.Snapshot()
	assert.Equal(t, epNew.Ptr(), s.Endpoint)
	assert.Equal(t, t0.Add(10*time.Second), s.LastSeen)
	assert.True(t, s.LastVerified.IsZero())
}

func TestUpdateEndpointFromUnknown(t *testing.T) {
	p := newPeer(testID(t), nil)

	assert.True(t, p.UpdateEndpoint(epOld, t0))
	s := p.Snapshot()
	assert.Equal(t, epOld.Ptr(), s.Endpoint)
	assert.Equal(t, t0, s.LastSeen)
	assert.True(t, s.LastVerified.IsZero())
}

func TestUpdateEndpointSameEndpointKeepsVerification(t *testing.T) {
	p := verifiedPeer(t, t0)

	assert.True(t, p.UpdateEndpoint(epOld, t0.Add(10*time.Second)))
	assert.Equal(t, t0.Add(10*time.Second), p.LastSeen())
	assert.Equal(t, t0, p.LastVerified())
}

func TestUpdateEndpointTrustGateBoundary(t *testing.T) {
	T := t0

	t.Run("verified at the gate is rejected", func(t *testing.T) {
		p := verifiedPeer(t, T)

		assert.False(t, p.UpdateEndpointVerifiedBefore(epNew, T.Add(10*time.Second), T))
		s := p.Snapshot()
		assert.Equal(t, epOld.Ptr(), s.Endpoint)
		assert.Equal(t, T, s.LastSeen)
		assert.Equal(t, T, s.LastVerified)
	})

	t.Run("verified after the gate is rejected", func(t *testing.T) {
		p := verifiedPeer(t, T)

		assert.False(t, p.UpdateEndpointVerifiedBefore(epNew, T.Add(10*time.Second), T.Add(-time.Second)))
		assert.Equal(t, T, p.LastSeen())
	})

	t.Run("verified strictly before the gate is accepted", func(t *testing.T) {
		p := verifiedPeer(t, T)

		assert.True(t, p.UpdateEndpointVerifiedBefore(epNew, T.Add(10*time.Second), T.Add(time.Second)))
		s := p.Snapshot()
		assert.Equal(t, epNew.Ptr(), s.Endpoint)
		assert.Equal(t, T.Add(10*time.Second), s.LastSeen)
		assert.True(t, s.LastVerified.IsZero())
	})
}

func TestUpdateEndpointGateRejectsNeverVerified(t *testing.T) {
	p := newPeer(testID(t), epOld.Ptr())
	p.UpdateEndpoint(epOld, t0)

	assert.False(t, p.UpdateEndpointVerifiedBefore(epNew, t0.Add(time.Hour), t0.Add(time.Hour)))
	s := p.Snapshot()
	assert.Equal(t, epOld.Ptr(), s.Endpoint)
	assert.Equal(t, t0, s.LastSeen)

	// Same for a peer with no endpoint at all
	q := newPeer(testID(t), nil)
	assert.False(t, q.UpdateEndpointVerifiedBefore(epNew, t0, t0.Add(time.Hour)))
	assert.Equal(t, State{}, q.Snapshot())
}

func TestUpdateEndpointSameEndpointIgnoresGate(t *testing.T) {
	T := t0
	p := verifiedPeer(t, T)

	assert.True(t, p.UpdateEndpointVerifiedBefore(epOld, T.Add(10*time.Second), T))
	assert.Equal(t, T.Add(10*time.Second), p.LastSeen())
	assert.Equal(t, T, p.LastVerified())

	// Also when the endpoint was never verified
	q := newPeer(testID(t), epOld.Ptr())
	assert.True(t, q.UpdateEndpointVerifiedBefore(epOld, T, T))
	assert.Equal(t, T, q.LastSeen())
	assert.True(t, q.LastVerified().IsZero())
}

func TestTimestampsAreNotForcedMonotonic(t *testing.T) {
	p := verifiedPeer(t, t0)

	p.UpdateEndpoint(epOld, t0.Add(-time.Hour))
	assert.Equal(t, t0.Add(-time.Hour), p.LastSeen())
}

func TestSnapshotIsCopy(t *testing.T) {
	p := newPeer(testID(t), epOld.Ptr())

	s := p.Snapshot()
	s.Endpoint.Address = "192.168.1.1"

	ep, ok := p.Endpoint()
	require.True(t, ok)
	assert.Equal(t, epOld, ep)
}

// Concurrent writers must never leave a torn triple behind. Every update below moves the peer
// to a fresh endpoint (clearing LastVerified) and every verification sets LastVerified ==
// LastSeen, so any other combination observed by a reader is a partial update.
func TestConcurrentUpdatesAreAtomic(t *testing.T) {
	p := newPeer(testID(t), epOld.Ptr())

	const goroutines = 8
	const iterations = 500

	stop := make(chan struct{})
	torn := make(chan State, 1)
	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := p.Snapshot()
			if !s.LastVerified.IsZero() && !s.LastVerified.Equal(s.LastSeen) {
				torn <- s
				return
			}
		}
	}()

	var writers sync.WaitGroup
	writers.Add(2 * goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer writers.Done()
			for j := 0; j < iterations; j++ {
				n := i*iterations + j
				at := t0.Add(time.Duration(n) * time.Millisecond)
				p.UpdateEndpoint(endpoint.New("10.1.0.1", uint16(n+1), 30303), at)
			}
		}(i)
		go func(i int) {
			defer writers.Done()
			for j := 0; j < iterations; j++ {
				at := t0.Add(time.Duration(i*iterations+j) * time.Millisecond)
				if ep, ok := p.Endpoint(); ok {
					p.VerifyEndpoint(ep, at)
				}
			}
		}(i)
	}

	writers.Wait()
	close(stop)
	reader.Wait()

	select {
	case s := <-torn:
		t.Fatalf("observed partial update: %+v", s)
	default:
	}
}

func TestObserveEndpoint(t *testing.T) {
	T := t0

	// Never verified: taken as is
	p := newPeer(testID(t), epOld.Ptr())
	assert.True(t, p.ObserveEndpoint(epNew, T, T))
	assert.Equal(t, State{Endpoint: epNew.Ptr(), LastSeen: T}, p.Snapshot())

	// No endpoint yet
	q := newPeer(testID(t), nil)
	assert.True(t, q.ObserveEndpoint(epNew, T, T))
	assert.Equal(t, State{Endpoint: epNew.Ptr(), LastSeen: T}, q.Snapshot())

	// Verified at T: gated at the same boundary as UpdateEndpointVerifiedBefore
	v := verifiedPeer(t, T)
	assert.False(t, v.ObserveEndpoint(epNew, T.Add(time.Second), T))
	assert.Equal(t, State{Endpoint: epOld.Ptr(), LastSeen: T, LastVerified: T}, v.Snapshot())

	// The verified endpoint itself always refreshes
	assert.True(t, v.ObserveEndpoint(epOld, T.Add(2*time.Second), T))
	assert.Equal(t, State{Endpoint: epOld.Ptr(), LastSeen: T.Add(2 * time.Second), LastVerified: T}, v.Snapshot())

	assert.True(t, v.ObserveEndpoint(epNew, T.Add(3*time.Second), T.Add(time.Nanosecond)))
	assert.Equal(t, State{Endpoint: epNew.Ptr(), LastSeen: T.Add(3 * time.Second)}, v.Snapshot())
}

func TestObserveEndpointNeverUndoesConcurrentVerification(t *testing.T) {
	for i := 0; i < 500; i++ {
		p := newPeer(testID(t), epOld.Ptr())

		var verified bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			verified = p.VerifyEndpoint(epOld, t0)
		}()
		go func() {
			defer wg.Done()
			p.ObserveEndpoint(epNew, t0, t0.Add(-time.Minute))
		}()
		wg.Wait()

		// Either the claim landed first and the late proof is ignored, or the proof
		// landed first and the claim is gated out
		s := p.Snapshot()
		if verified {
			require.Equal(t, State{Endpoint: epOld.Ptr(), LastSeen: t0, LastVerified: t0}, s)
		} else {
			require.Equal(t, State{Endpoint: epNew.Ptr(), LastSeen: t0}, s)
		}
	}
}
