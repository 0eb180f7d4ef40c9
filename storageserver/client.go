package storageserver

import (
	"context"

	"github.com/chn0318/replicamap/opmsg"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls replicamap.Storage.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a storage server without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &Client{cc: conn, conn: conn}, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Apply sends a mutation and returns its ops offset once the server applied it.
func (c *Client) Apply(ctx context.Context, msg opmsg.Message) (int64, error) {
	val, err := opmsg.Encode(msg)
	if err != nil {
		return 0, err
	}
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, fullMethod("Apply"), wrapperspb.Bytes(val), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Get returns the value of key; ok is false when the key is absent.
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	out := new(wrapperspb.BytesValue)
	err := c.cc.Invoke(ctx, fullMethod("Get"), wrapperspb.Bytes(key), out)
	if status.Code(err) == codes.NotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out.GetValue(), true, nil
}

func (c *Client) RequestFlush(ctx context.Context, part int32) error {
	return c.cc.Invoke(ctx, fullMethod("RequestFlush"), wrapperspb.Int32(part), new(emptypb.Empty))
}

func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Stats"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
