// Package node runs the discovery protocol around a peer.Repository: it announces itself over
// multicast, records the endpoints other nodes claim, and pings known endpoints to verify them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"peerdisc/config"
	"peerdisc/datamodel/endpoint"
	"peerdisc/enode"
	"peerdisc/helper/timer"
	"peerdisc/net/crpc"
	"peerdisc/net/mpubsub"
	"peerdisc/nodeid"
	"peerdisc/swarm/client"
	"peerdisc/swarm/peer"
	"peerdisc/swarm/protocol"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"
)

// Upper bound on pings in flight during one round
const maxConcurrentPings = 16

type Node struct {
	// Node ID
	NodeID   nodeid.ID
	Endpoint endpoint.Endpoint

	// Everything we know about other nodes
	Peers *peer.Repository

	// Networking
	RpcServer *crpc.Server
	PubSub    *mpubsub.PubSub

	// RPC and PubSub implementations
	RpcHandlers    *Server
	PubSubHandlers *PubSub

	// Protocol time. Timestamps stored in Peers come from here.
	Clock clock.Clock

	Metrics *Metrics

	announceInterval time.Duration
	pingInterval     time.Duration
	pingTimeout      time.Duration
	verifiedTTL      time.Duration
	metricsAddr      string

	limiter *rate.Limiter
	sg      singleflight.Group
}

func New(cfg *config.Config, peers *peer.Repository, rpcServer *crpc.Server, pubsub *mpubsub.PubSub) (*Node, error) {
	id, err := cfg.NodeID()
	if err != nil {
		return nil, err
	}

	node := &Node{
		NodeID:           id,
		Peers:            peers,
		Clock:            clock.New(),
		Metrics:          newMetrics(peers),
		announceInterval: cfg.Discovery.AnnounceInterval.Duration,
		pingInterval:     cfg.Discovery.PingInterval.Duration,
		pingTimeout:      cfg.Discovery.PingTimeout.Duration,
		verifiedTTL:      cfg.Discovery.VerifiedTTL.Duration,
		metricsAddr:      cfg.Network.MetricsListenAddress,
		limiter:          rate.NewLimiter(rate.Limit(cfg.Discovery.AnnounceRate), cfg.Discovery.AnnounceBurst),
	}

	node.Endpoint, err = advertisedEndpoint(cfg.Network.AdvertisedHost, rpcServer, pubsub)
	if err != nil {
		return nil, err
	}

	// Set up RPC Server
	node.RpcHandlers = &Server{node: node}
	node.RpcServer = rpcServer
	if err := node.RpcServer.Register(node.RpcHandlers); err != nil {
		return nil, err
	}

	// Set up PubSub
	node.PubSubHandlers = &PubSub{node: node}
	node.PubSub = pubsub
	if err := node.PubSub.Register(node.PubSubHandlers); err != nil {
		return nil, err
	}

	if err := node.Bootstrap(cfg.Discovery.Bootnodes); err != nil {
		return nil, err
	}

	log.Infof("I am %s", node.Descriptor())

	return node, nil
}

// advertisedEndpoint picks the host from the config, or else the first non-loopback address the
// RPC server listens on.
func advertisedEndpoint(host string, rpcServer *crpc.Server, pubsub *mpubsub.PubSub) (endpoint.Endpoint, error) {
	var tcpPort int
	for _, addr := range rpcServer.Addr() {
		tcpAddr, ok := addr.(*net.TCPAddr)
		if !ok {
			continue
		}
		tcpPort = tcpAddr.Port
		if host == "" && tcpAddr.IP != nil && !tcpAddr.IP.IsLoopback() && !tcpAddr.IP.IsUnspecified() {
			host = tcpAddr.IP.String()
		}
	}

	if host == "" {
		return endpoint.Endpoint{}, errors.New("no non-loopback addresses found, set network.advertised_host")
	}
	if tcpPort == 0 {
		return endpoint.Endpoint{}, errors.New("could not determine RPC port")
	}

	return endpoint.New(host, uint16(pubsub.LocalAddr().Port), uint16(tcpPort)), nil
}

// Descriptor is the enode descriptor other nodes can use to reach us.
func (n *Node) Descriptor() string {
	return enode.Format(n.NodeID, &n.Endpoint)
}

// Bootstrap seeds the repository with static descriptors. Known peers keep their endpoints.
func (n *Node) Bootstrap(descriptors []string) error {
	for _, d := range descriptors {
		p, err := n.Peers.GetByDescriptor(d, false)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		log.Infof("Bootstrap peer %s", p.ID().TerminalString())
	}
	return nil
}

// observe records an endpoint claimed by another node. A peer with a verified endpoint only moves
// once that verification is older than verifiedTTL; otherwise the claim is taken as is.
func (n *Node) observe(id nodeid.ID, ep endpoint.Endpoint, source string) {
	if id == n.NodeID {
		n.Metrics.Claims.WithLabelValues(source, outcomeSelf).Inc()
		return
	}

	now := n.Clock.Now()
	p := n.Peers.Get(id)

	if p.ObserveEndpoint(ep, now, now.Add(-n.verifiedTTL)) {
		n.Metrics.Claims.WithLabelValues(source, outcomeApplied).Inc()
		log.Debugf("%s: %s at %s", source, id.TerminalString(), ep)
	} else {
		n.Metrics.Claims.WithLabelValues(source, outcomeRejected).Inc()
		log.Debugf("%s: ignoring claim of %s at %s, current endpoint verified recently", source, id.TerminalString(), ep)
	}
}

// This is run via the RunWithTicker() helper
func (n *Node) publishPeerAnnouncement(ctx context.Context) error {
	msg := &protocol.PeerAnnouncementMessage{
		NodeID:   n.NodeID,
		Endpoint: n.Endpoint,
	}

	if err := n.PubSub.Publish(protocol.MethodPeerAnnouncement, msg); err != nil {
		log.Errorf("Failed to publish peer announcement: %v", err)
	}

	return nil
}

// PingPeer dials the known endpoint of p and verifies it when the expected node answers.
// Concurrent pings for the same identity share one round trip.
func (n *Node) PingPeer(ctx context.Context, p *peer.Peer) error {
	ep, ok := p.Endpoint()
	if !ok {
		return nil
	}

	_, err, _ := n.sg.Do(p.ID().String(), func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, n.pingTimeout)
		defer cancel()

		c, err := client.Dial(cctx, ep)
		if err != nil {
			n.Metrics.Pings.WithLabelValues(pingFailed).Inc()
			return nil, fmt.Errorf("ping %s: %w", p.ID().TerminalString(), err)
		}
		defer c.Close()

		pong, err := c.Ping(cctx, &protocol.PingRequest{NodeID: n.NodeID, Endpoint: n.Endpoint})
		if err != nil {
			n.Metrics.Pings.WithLabelValues(pingFailed).Inc()
			return nil, fmt.Errorf("ping %s at %s: %w", p.ID().TerminalString(), ep, err)
		}

		if pong.NodeID != p.ID() {
			n.Metrics.Pings.WithLabelValues(pingMismatch).Inc()
			return nil, fmt.Errorf("ping %s at %s: answered by %s", p.ID().TerminalString(), ep, pong.NodeID.TerminalString())
		}

		// The peer may have moved while we were waiting, in which case this is a no-op
		if p.VerifyEndpoint(ep, n.Clock.Now()) {
			n.Metrics.Pings.WithLabelValues(pingVerified).Inc()
			log.Debugf("Verified %s at %s", p.ID().TerminalString(), ep)
		} else {
			n.Metrics.Pings.WithLabelValues(pingStale).Inc()
			log.Debugf("Pong from %s for superseded endpoint %s", p.ID().TerminalString(), ep)
		}
		return nil, nil
	})
	return err
}

// This is run via the RunWithTicker() helper. Ping failures are logged, never returned, so the
// loop keeps going.
func (n *Node) pingPeers(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)
	wg.SetLimit(maxConcurrentPings)

	for _, p := range n.Peers.Peers() {
		if p.ID() == n.NodeID {
			continue
		}
		p := p
		wg.Go(func() error {
			if err := n.PingPeer(cctx, p); err != nil {
				log.Debugf("%v", err)
			}
			return nil
		})
	}

	return wg.Wait()
}

func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.PubSub.Listen(cctx)
	})

	wg.Go(func() error {
		return n.RpcServer.Serve(cctx)
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration: n.announceInterval,
			Jitter:   n.announceInterval / 10,
		}
		return timer.RunWithTicker(cctx, interval, n.publishPeerAnnouncement)
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration: n.pingInterval,
			Jitter:   n.pingInterval / 10,
		}
		return timer.RunWithTicker(cctx, interval, n.pingPeers)
	})

	if n.metricsAddr != "" {
		wg.Go(func() error {
			return n.Metrics.serve(cctx, n.metricsAddr)
		})
	}

	return wg.Wait()
}

// Close releases the sockets. Run closes them on its own when its context ends.
func (n *Node) Close() error {
	return multierr.Combine(
		n.PubSub.Close(),
		ignoreClosed(n.RpcServer.Close()),
	)
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
