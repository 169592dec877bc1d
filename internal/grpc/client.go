package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Client struct {
	conn *grpc.ClientConn
}

func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetStatus(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return c.invoke(ctx, "GetStatus", wrapperspb.String(jobID))
}

func (c *Client) Revoke(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return c.invoke(ctx, "Revoke", wrapperspb.String(jobID))
}

func (c *Client) ListActive(ctx context.Context) (map[string]interface{}, error) {
	return c.invoke(ctx, "ListActive", &emptypb.Empty{})
}

func (c *Client) WorkerStats(ctx context.Context) (map[string]interface{}, error) {
	return c.invoke(ctx, "WorkerStats", &emptypb.Empty{})
}

func (c *Client) QueueLengths(ctx context.Context) (map[string]interface{}, error) {
	return c.invoke(ctx, "QueueLengths", &emptypb.Empty{})
}

func (c *Client) invoke(ctx context.Context, method string, in interface{}) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
