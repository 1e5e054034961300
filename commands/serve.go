package commands

import (
	"context"
	"errors"
	"fmt"
	"net"

	"peerdisc/config"
	"peerdisc/net/crpc"
	"peerdisc/net/mpubsub"
	"peerdisc/swarm/node"
	"peerdisc/swarm/peer"
)

// RunServe runs a discovery node until ctx is cancelled.
func RunServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Create the CRPC server and listener
	rpcl, err := net.Listen("tcp4", cfg.Network.RPCListenAddress)
	if err != nil {
		return fmt.Errorf("creating RPC listener: %w", err)
	}
	rsrv := crpc.NewServer(rpcl)
	log.Infof("RPC server listening on %s", rsrv.Addr())

	// Create pubsub
	psaddr, err := net.ResolveUDPAddr("udp4", cfg.Network.PubSubMulticastAddress)
	if err != nil {
		rpcl.Close()
		return fmt.Errorf("resolving multicast address: %w", err)
	}

	rs, err := net.ListenMulticastUDP("udp4", nil, psaddr)
	if err != nil {
		rpcl.Close()
		return fmt.Errorf("creating multicast listener: %w", err)
	}

	ws, err := net.DialUDP("udp4", nil, psaddr)
	if err != nil {
		rpcl.Close()
		rs.Close()
		return fmt.Errorf("creating multicast writer: %w", err)
	}

	pubsub := mpubsub.New(rs, ws)

	// Create the node
	n, err := node.New(cfg, peer.NewRepository(), rsrv, pubsub)
	if err != nil {
		rpcl.Close()
		pubsub.Close()
		return fmt.Errorf("creating node: %w", err)
	}
	defer n.Close()

	// Run the node
	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Node stopped")
	return nil
}
