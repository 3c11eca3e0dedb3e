package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod is the unary method the strategy worker serves. Request and
// response are google.protobuf.Struct mirrors of the JSON contract.
const ExecuteMethod = "/strategy.StrategyService/Execute"

// GRPCClient sends decisions requests to the strategy worker over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCClient creates a lazily connecting client for addr.
func NewGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCClient, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("strategy grpc %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, timeout: timeout}, nil
}

func (c *GRPCClient) Execute(ctx context.Context, req Request) (Response, error) {
	in, err := toStruct(req)
	if err != nil {
		return Response{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("strategy %s: %w", req.StrategyName, err)
	}
	resp, err := fromStruct(out)
	if err != nil {
		return Response{}, err
	}
	resp.Signal = ParseSignal(string(resp.Signal))
	return resp, nil
}

// Health reports an error while the channel is in transient failure or shut down.
func (c *GRPCClient) Health(context.Context) error {
	c.conn.Connect()
	switch st := c.conn.GetState(); st {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return fmt.Errorf("strategy grpc: %s", st)
	default:
		return nil
	}
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func toStruct(req Request) (*structpb.Struct, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode strategy request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct) (Response, error) {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return Response{}, err
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode strategy response: %w", err)
	}
	return out, nil
}
