package grpcserver

import (
	"context"
	"encoding/base64"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote Matcher service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection to addr. Close the returned conn when done.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

// Verify compares probe with reference, or with a stored template when
// template is set. Images are raw file bytes in any supported format.
func (c *Client) Verify(ctx context.Context, probe, reference []byte, template string) (map[string]any, error) {
	fields := map[string]any{"probe": base64.StdEncoding.EncodeToString(probe)}
	if template != "" {
		fields["template"] = template
	} else {
		fields["reference"] = base64.StdEncoding.EncodeToString(reference)
	}
	return c.call(ctx, verifyMethod, fields)
}

// Identify ranks probe against every stored template.
func (c *Client) Identify(ctx context.Context, probe []byte) (map[string]any, error) {
	return c.call(ctx, identifyMethod, map[string]any{"probe": base64.StdEncoding.EncodeToString(probe)})
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
