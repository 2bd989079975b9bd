package probe

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Targets resolves a subgraph name to the gRPC target to probe.
type Targets func(ctx context.Context, subgraph string) (string, error)

// GRPCChecker probes with the standard gRPC health protocol. Connections are
// kept per target until Close.
type GRPCChecker struct {
	targets     Targets
	service     string
	dialOptions []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCChecker checks service (empty for the server as a whole) at the
// target of each subgraph. Without dial options the connection is insecure.
func NewGRPCChecker(targets Targets, service string, dialOptions ...grpc.DialOption) *GRPCChecker {
	if len(dialOptions) == 0 {
		dialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCChecker{targets: targets, service: service, dialOptions: dialOptions, conns: map[string]*grpc.ClientConn{}}
}

func (c *GRPCChecker) Check(ctx context.Context, subgraph string) error {
	target, err := c.targets(ctx, subgraph)
	if err != nil {
		return err
	}
	cc, err := c.conn(target)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if err != nil {
		return err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s reports %s", subgraph, resp.Status)
	}
	return nil
}

func (c *GRPCChecker) conn(target string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc := c.conns[target]; cc != nil {
		return cc, nil
	}
	cc, err := grpc.NewClient(target, c.dialOptions...)
	if err != nil {
		return nil, err
	}
	c.conns[target] = cc
	return cc, nil
}

func (c *GRPCChecker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for target, cc := range c.conns {
		_ = cc.Close()
		delete(c.conns, target)
	}
	return nil
}
