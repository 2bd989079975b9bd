package subgraphrpc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// Client calls remote subgraphs with connection pooling and deadline
// propagation. Endpoints come from the configured EndpointProvider.
type Client struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Client{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

// Subgraph returns the remote subgraph called name.
func (c *Client) Subgraph(name string) subgraph.Service { return &remote{client: c, name: name} }

// Resolver reports the remote subgraph called name when the provider knows
// an endpoint for it.
func (c *Client) Resolver(name string) (subgraph.Resolver, bool) {
	if c.opts.Provider == nil || c.closed.Load() {
		return nil, false
	}
	eps, err := c.opts.Provider.Endpoints(context.Background(), name)
	if err != nil || len(eps) == 0 {
		return nil, false
	}
	return c.Subgraph(name), true
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.close()
	}
	c.pools = map[string]*connPool{}
	return nil
}

func (c *Client) call(ctx context.Context, name, method string, in any, out any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.opts.Provider == nil {
		return fmt.Errorf("subgraphrpc: provider not configured")
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RPCTimeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, subgraphMetadataKey, name)

	endpoints, err := c.opts.Provider.Endpoints(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", subgraph.ErrUnavailable, err)
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	req, err := encode(in)
	if err != nil {
		return err
	}
	cc, err := c.getConn(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", subgraph.ErrUnavailable, name, err)
	}
	defer c.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Publish(ctx, events.RPCClientStart{Subgraph: name, Service: ServiceName, Method: method, Target: endpoint})
	resp := new(structpb.Struct)
	err = cc.Invoke(ctx, fullMethod(method), req, resp)
	eventbus.Publish(ctx, events.RPCClientFinish{
		Subgraph: name,
		Service:  ServiceName,
		Method:   method,
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return fromStatus(name, err)
	}
	return decode(resp, out)
}

// remote is a subgraph reached through a Client.
type remote struct {
	client *Client
	name   string
}

func (r *remote) Describe(ctx context.Context) (*subgraph.Descriptor, error) {
	var d subgraph.Descriptor
	if err := r.client.call(ctx, r.name, MethodDescribe, struct{}{}, &d); err != nil {
		return nil, err
	}
	if d.Name != r.name {
		return nil, fmt.Errorf("subgraph at %s describes itself as %q", r.name, d.Name)
	}
	return &d, nil
}

func (r *remote) ResolveFields(ctx context.Context, req *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
	var resp subgraph.FieldsResponse
	if err := r.client.call(ctx, r.name, MethodResolveFields, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *remote) ResolveReferences(ctx context.Context, req *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
	var resp subgraph.ReferencesResponse
	if err := r.client.call(ctx, r.name, MethodResolveReferences, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------- internals ----------------

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case cc := <-p.conns:
			_ = cc.Close()
		default:
			return
		}
	}
}

func (c *Client) getConn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool == nil {
		c.mu.Lock()
		pool = c.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, c.opts)
			c.pools[endpoint] = pool
		}
		c.mu.Unlock()
	}
	return pool.get()
}

func (c *Client) returnConn(endpoint string, cc *grpc.ClientConn) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
