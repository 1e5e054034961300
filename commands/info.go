package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"peerdisc/config"
	"peerdisc/enode"
	"peerdisc/swarm/peer"
)

// RunInfo prints the identity of this node, then resolves the bootnodes and any extra descriptors
// through a repository the way a running node would.
func RunInfo(ctx context.Context, cfg *config.Config, w io.Writer, descriptors []string) error {
	id, err := cfg.NodeID()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Node ID:   %s\n", id)
	if cfg.Network.AdvertisedHost != "" {
		fmt.Fprintf(w, "Advertise: %s\n", cfg.Network.AdvertisedHost)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	peers := peer.NewRepository()
	for _, d := range append(append([]string(nil), cfg.Discovery.Bootnodes...), descriptors...) {
		if _, err := peers.GetByDescriptor(d, false); err != nil {
			return err
		}
	}
	if peers.Len() == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tENDPOINT\tDESCRIPTOR")
	for _, p := range peers.Peers() {
		s := p.Snapshot()
		ep := "-"
		if s.Endpoint != nil {
			ep = s.Endpoint.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID().TerminalString(), ep, enode.Format(p.ID(), s.Endpoint))
	}
	return tw.Flush()
}
