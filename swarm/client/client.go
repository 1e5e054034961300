package client

import (
	"context"

	"peerdisc/datamodel/endpoint"
	"peerdisc/net/crpc"
	"peerdisc/swarm/protocol"
)

type Client struct {
	*crpc.Client
}

// Dial connects to the RPC port of ep.
func Dial(ctx context.Context, ep endpoint.Endpoint) (*Client, error) {
	c, err := crpc.Dial(ctx, "tcp", ep.TCPAddr())
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

func (c *Client) Ping(ctx context.Context, req *protocol.PingRequest) (*protocol.PongResponse, error) {
	res := &protocol.PongResponse{}
	if err := c.Call(ctx, protocol.MethodPing, req, res); err != nil {
		return nil, err
	}
	return res, nil
}
