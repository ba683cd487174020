package snapshotrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client fetches snapshots from a relay.
type Client struct {
	conn *grpc.ClientConn
}

func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) GetSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	if req == nil {
		req = &SnapshotRequest{}
	}
	out := new(SnapshotResponse)
	if err := c.conn.Invoke(ctx, GetSnapshotMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetVersion(ctx context.Context) (*GetVersionResponse, error) {
	out := new(GetVersionResponse)
	if err := c.conn.Invoke(ctx, GetVersionMethod, &GetVersionRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
